package testutil

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// Helpers for asserting on asynchronous gateway state: streams opening,
// imports landing, watchers firing.

// poll checks cond every 10ms until it passes or the deadline lapses.
func poll(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// RequireEventually fails the test when cond does not become true within
// timeout.
func RequireEventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	require.True(t, poll(timeout, cond), "condition not met within %v: %s", timeout, msg)
}

// RequireNever asserts cond stays false for the whole window. Use it to
// pin absence down: a notification that must not fan out, a session that
// must not expire.
func RequireNever(t *testing.T, window time.Duration, cond func() bool, msg string) {
	t.Helper()
	require.False(t, poll(window, cond), "condition unexpectedly met within %v: %s", window, msg)
}

// WaitForCount blocks until counter returns want.
func WaitForCount(t *testing.T, timeout time.Duration, counter func() int, want int) {
	t.Helper()
	RequireEventually(t, timeout, func() bool { return counter() == want },
		fmt.Sprintf("expected count %d", want))
}
