package smartp

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashString(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		input2 string
		same   bool
	}{
		{name: "identical strings", input: "test message", input2: "test message", same: true},
		{name: "different strings", input: "test message 1", input2: "test message 2"},
		{name: "empty string", input: "", input2: "", same: true},
		{name: "case sensitive", input: "Test Message", input2: "test message"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if tc.same {
				assert.Equal(t, hashString(tc.input), hashString(tc.input2))
			} else {
				assert.NotEqual(t, hashString(tc.input), hashString(tc.input2))
			}
		})
	}
}

func TestMessageCacheShouldLog(t *testing.T) {
	t.Run("first call logs", func(t *testing.T) {
		cache := &messageCache{}
		assert.True(t, cache.shouldLog("unique message 1", "information"))
	})

	t.Run("repeat is suppressed", func(t *testing.T) {
		cache := &messageCache{}
		assert.True(t, cache.shouldLog("duplicate", "warning"))
		assert.False(t, cache.shouldLog("duplicate", "warning"))
	})

	t.Run("different messages both log", func(t *testing.T) {
		cache := &messageCache{}
		assert.True(t, cache.shouldLog("message A", "error"))
		assert.True(t, cache.shouldLog("message B", "error"))
	})

	t.Run("first severity TTL applies", func(t *testing.T) {
		cache := &messageCache{}
		assert.True(t, cache.shouldLog("same message", "information"))
		assert.False(t, cache.shouldLog("same message", "error"))
	})
}

func TestMessageCacheTTLValues(t *testing.T) {
	tests := []struct {
		severity string
		want     time.Duration
	}{
		{"information", msgCacheTTLInformation},
		{"warning", msgCacheTTLWarning},
		{"error", msgCacheTTLError},
		{"unknown", msgCacheTTLDefault},
		{"", msgCacheTTLDefault},
	}

	for _, tc := range tests {
		t.Run("severity "+tc.severity, func(t *testing.T) {
			cache := &messageCache{}
			msg := "ttl message " + tc.severity

			before := time.Now()
			cache.shouldLog(msg, tc.severity)
			after := time.Now()

			entry, ok := cache.entries.Load(hashString(msg))
			require.True(t, ok, "Entry should be cached")
			expiresAt := entry.(messageCacheEntry).expiresAt
			assert.False(t, expiresAt.Before(before.Add(tc.want)))
			assert.False(t, expiresAt.After(after.Add(tc.want)))
		})
	}
}

func TestMessageCacheExpiration(t *testing.T) {
	cache := &messageCache{}
	msg := "expiring message"
	cache.entries.Store(hashString(msg), messageCacheEntry{expiresAt: time.Now().Add(-time.Second)})

	assert.True(t, cache.shouldLog(msg, "information"), "Expired entry should allow new logging")
	assert.False(t, cache.shouldLog(msg, "information"))
}

func TestMessageCacheConcurrency(t *testing.T) {
	cache := &messageCache{}
	const goroutines, messages = 100, 10

	var wg sync.WaitGroup
	var mu sync.Mutex
	logged := 0
	for range goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range messages {
				if cache.shouldLog(fmt.Sprintf("concurrent message %d", j), "warning") {
					mu.Lock()
					logged++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, messages, logged, "each message logged exactly once")
}

func TestGlobalMessageCache(t *testing.T) {
	msg := "global cache test message " + time.Now().String()
	assert.True(t, globalMessageCache.shouldLog(msg, "information"))
	assert.False(t, globalMessageCache.shouldLog(msg, "information"))
}

// countingLogger records how often each level is used.
type countingLogger struct {
	mu     sync.Mutex
	counts map[string]int
}

func (l *countingLogger) add(level string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.counts == nil {
		l.counts = map[string]int{}
	}
	l.counts[level]++
}

func (l *countingLogger) DebugContext(context.Context, string, ...any) { l.add("debug") }
func (l *countingLogger) InfoContext(context.Context, string, ...any)  { l.add("info") }
func (l *countingLogger) WarnContext(context.Context, string, ...any)  { l.add("warn") }
func (l *countingLogger) ErrorContext(context.Context, string, ...any) { l.add("error") }

func TestSelfTestStatusMessagesAreDeduplicated(t *testing.T) {
	device := fmt.Sprintf("/dev/dedup%d", time.Now().UnixNano())
	output := `{
		"smartctl": {"messages": [
			{"string": "Warning: ATA error count 3 inconsistent with error log pointer 2", "severity": "warning"},
			{"string": "Read Device Identity failed", "severity": "error"}
		]},
		"ata_smart_data": {"self_test": {"status": {"value": 249, "string": "in progress"}}}
	}`
	client, _ := newMockClient(t, map[string]*mockCmd{
		testSmartctl + " -j -c -l selftest " + device: {output: []byte(output)},
	})
	logger := &countingLogger{}
	client.logHandler = logger

	for range 5 {
		_, err := client.GetSelfTestStatus(context.Background(), device)
		require.NoError(t, err)
	}

	assert.Equal(t, 1, logger.counts["warn"])
	assert.Equal(t, 1, logger.counts["error"])
}
