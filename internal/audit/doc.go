// Package audit provides asynchronous security event dispatch with a
// pluggable sink. Reuse detection and family revocation are the main
// producers; the dispatcher buffers so the hot path never blocks on the
// sink.
package audit
