// Package agenterr classifies runtime failures as recoverable or fatal.
//
// Invariants:
// - Every classified error carries a Code and a Recoverable flag.
// - Cancellation is never recoverable.
// - Tool errors default to recoverable with CanContinue set.
//
// Usage:
//
//	err := agenterr.NewRateLimitError("anthropic", 2*time.Second, cause)
//	if agenterr.IsRecoverable(err) {
//		// retry
//	}
package agenterr
