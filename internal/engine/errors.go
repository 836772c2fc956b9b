package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/quill/internal/changelog"
)

// SyncError is an error surfaced through the engine's error handler.
//
// Sync errors include:
//   - Apply: a received change could not be applied and was dropped
//   - Decode: a log record could not be decoded and was skipped
//   - Subscribe: the live subscription could not be opened
//   - Checkpoint: a document checkpoint could not be stored
type SyncError struct {
	// Code identifies the error category.
	Code SyncErrorCode

	// Key is the log key involved, or 0.
	Key int64

	// Err is the underlying failure.
	Err error
}

// SyncErrorCode categorizes sync errors.
type SyncErrorCode string

const (
	ErrCodeApply      SyncErrorCode = "APPLY_FAILED"
	ErrCodeDecode     SyncErrorCode = "DECODE_FAILED"
	ErrCodeSubscribe  SyncErrorCode = "SUBSCRIBE_FAILED"
	ErrCodeCheckpoint SyncErrorCode = "CHECKPOINT_FAILED"
)

// Error implements the error interface.
func (e *SyncError) Error() string {
	if e.Key != 0 {
		return fmt.Sprintf("%s: %v (key=%d)", e.Code, e.Err, e.Key)
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

// Unwrap returns the underlying error.
func (e *SyncError) Unwrap() error { return e.Err }

// IsApplyError reports whether err is a dropped-change error.
func IsApplyError(err error) bool {
	var se *SyncError
	return errors.As(err, &se) && se.Code == ErrCodeApply
}

// IsDecodeError reports whether err is a skipped-record error. Decode
// errors raised by the change log client match as well.
func IsDecodeError(err error) bool {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Code == ErrCodeDecode
	}
	var de *changelog.DecodeError
	return errors.As(err, &de)
}

func newApplyError(key int64, err error) *SyncError {
	return &SyncError{Code: ErrCodeApply, Key: key, Err: err}
}

// DecodeErrorHandler adapts onError for use as a change log client error
// handler: record decode failures arrive as SyncErrors with ErrCodeDecode.
func DecodeErrorHandler(onError func(error)) func(error) {
	return func(err error) {
		var de *changelog.DecodeError
		if errors.As(err, &de) {
			err = &SyncError{Code: ErrCodeDecode, Key: de.Key, Err: de.Err}
		}
		onError(err)
	}
}
