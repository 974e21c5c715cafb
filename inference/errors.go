package inference

import (
	"errors"
	"fmt"
)

var (
	ErrModelLoad  = errors.New("model load failed")
	ErrPoolClosed = errors.New("session pool is closed")
)

// ModelLoadError reports a missing or unusable model artifact or metadata.
// It matches ErrModelLoad and unwraps to its cause.
type ModelLoadError struct {
	Path    string
	Message string
	Cause   error
}

func (e *ModelLoadError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s (%s): %v", e.Message, e.Path, e.Cause)
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Path)
}

func (e *ModelLoadError) Unwrap() error { return e.Cause }

func (e *ModelLoadError) Is(target error) bool { return target == ErrModelLoad }
