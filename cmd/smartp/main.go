// Package main is the entry point for smartp, which runs SMART self-tests on
// every capable disk of the host and exits with the number of failures.
package main

func main() {
	Execute()
}
