package render

import (
	"errors"
	"fmt"
)

var (
	// ErrAdmissionRejected is returned when the service is at capacity.
	// Requests are rejected immediately, never queued.
	ErrAdmissionRejected = errors.New("render capacity exhausted")

	// ErrWaitTimeout indicates a lifecycle or readiness wait exceeded its
	// budget. It is a soft failure: capture proceeds with whatever the
	// page looks like.
	ErrWaitTimeout = errors.New("wait budget exceeded")

	// ErrCaptureFailed indicates the screenshot command itself failed
	ErrCaptureFailed = errors.New("screenshot capture failed")

	// ErrRenderTimeout indicates the per-request deadline elapsed before
	// capture completed
	ErrRenderTimeout = errors.New("render timed out")
)

// AdmissionRejectedError carries the observed load at rejection time so
// the HTTP layer can report current/max to the caller.
type AdmissionRejectedError struct {
	Active int64
	Limit  int64
}

func (e *AdmissionRejectedError) Error() string {
	return fmt.Sprintf("render capacity exhausted: %d/%d slots in use", e.Active, e.Limit)
}

// Is makes errors.Is(err, ErrAdmissionRejected) match
func (e *AdmissionRejectedError) Is(target error) bool {
	return target == ErrAdmissionRejected
}
