package upload

import (
	"errors"
	"fmt"
)

// ErrSizeExceeded is returned before any network call when the payload
// is over the accepted limit for its category.
var ErrSizeExceeded = errors.New("payload exceeds size limit")

// ErrTransferFailed covers exhausted retries on any stage of the
// transfer (chunk, finalize, or direct form post).
var ErrTransferFailed = errors.New("transfer failed")

type transferError struct {
	stage string
	err   error
}

func (e *transferError) Error() string {
	return fmt.Sprintf("%s: %v", e.stage, e.err)
}

func (e *transferError) Unwrap() []error {
	return []error{ErrTransferFailed, e.err}
}

func stageErr(stage string, err error) error {
	return &transferError{stage: stage, err: err}
}
