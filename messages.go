package smartp

import (
	"hash/fnv"
	"sync"
	"time"
)

// Self-tests are polled every second, so the same smartctl diagnostic would
// otherwise be logged once per poll for every device.
const (
	msgCacheTTLInformation = 1 * time.Hour
	msgCacheTTLWarning     = 15 * time.Minute
	msgCacheTTLError       = 5 * time.Minute
	msgCacheTTLDefault     = 30 * time.Minute
)

type messageCacheEntry struct {
	expiresAt time.Time
}

// messageCache remembers recently logged messages. Safe for concurrent use.
type messageCache struct {
	entries sync.Map // uint64 -> messageCacheEntry
}

var globalMessageCache = &messageCache{}

func hashString(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}

func ttlForSeverity(severity string) time.Duration {
	switch severity {
	case "information":
		return msgCacheTTLInformation
	case "warning":
		return msgCacheTTLWarning
	case "error":
		return msgCacheTTLError
	default:
		return msgCacheTTLDefault
	}
}

// shouldLog reports whether msg should be logged now and, if so, records it
// for the TTL of severity.
func (m *messageCache) shouldLog(msg, severity string) bool {
	key := hashString(msg)
	now := time.Now()
	entry := messageCacheEntry{expiresAt: now.Add(ttlForSeverity(severity))}

	for {
		existing, loaded := m.entries.LoadOrStore(key, entry)
		if !loaded {
			return true
		}
		if now.Before(existing.(messageCacheEntry).expiresAt) {
			return false
		}
		// Expired: replace it unless another goroutine got there first.
		if m.entries.CompareAndSwap(key, existing, entry) {
			return true
		}
	}
}
