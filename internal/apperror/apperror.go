// Package apperror defines the errno-style error codes the QOP publishes to
// the KV as negative progress values (see spec.md §7 Error Handling Design).
package apperror

import "fmt"

// Errno codes mirror the POSIX-ish values the original proxy publishes.
// Values match the C errno numbering the source (QEOpServerProxy.cc) used,
// so existing submitters that already special-case these numbers keep
// working unchanged.
const (
	EIO      = 5  // query engine sub-step failure
	ENOBUFS  = 105 // row-budget overflow
	EMFILE   = 24 // admission cap reached
)

// AppError is a QOP-scoped error carrying the errno code written into the
// negative progress value, a human-readable message for logs, and the
// underlying cause (if any).
type AppError struct {
	Code    int
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.Err }

// New builds an AppError with the given errno code.
func New(code int, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

// EngineFailure wraps a query-engine sub-step error.
func EngineFailure(err error) *AppError {
	return New(EIO, "query engine sub-step failed", err)
}

// Overflow reports a row-budget overflow; there is no underlying error.
func Overflow() *AppError {
	return New(ENOBUFS, "row budget exceeded", nil)
}

// AdmissionFull reports the concurrent-pipeline cap was reached.
func AdmissionFull() *AppError {
	return New(EMFILE, "admission cap reached", nil)
}

// PrepareFailed wraps a non-zero PrepareQuery return code.
func PrepareFailed(ret int) *AppError {
	return New(ret, "prepare query failed", nil)
}

// KVFailure wraps a KV transport error encountered before a pipeline exists
// (ephemeral connect/AUTH/HGETALL failure during admission).
func KVFailure(err error) *AppError {
	return New(EIO, "kv transport failure during admission", err)
}

// ProgressJSON renders the negative-progress JSON payload for RPUSH
// REPLY:<qid>, e.g. {"progress":-5}.
func (e *AppError) ProgressJSON() string {
	return fmt.Sprintf(`{"progress":-%d}`, e.Code)
}
