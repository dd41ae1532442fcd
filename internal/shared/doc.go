// Package shared holds helpers used by more than one license authority
// package and owned by none of them.
//
// # Test Utilities
//
// The testutil subpackage provides a buffered slog handler for asserting on
// log records, a settable clock, seeded key stores and an otel manual
// metric reader:
//
//	func TestSomething(t *testing.T) {
//	    logger, logs := testutil.NewTestLogger(t)
//	    ...
//	    testutil.AssertLogContains(t, logs, slog.LevelInfo, "license issued")
//	}
package shared
