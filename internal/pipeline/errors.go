package pipeline

import (
	"errors"
	"fmt"

	"meshforge/internal/services"
)

var (
	// ErrInvalidSpec marks a spec rejected before any network call.
	ErrInvalidSpec = errors.New("invalid spec")
	// ErrSubmissionFailed marks a transport error while creating a task.
	ErrSubmissionFailed = errors.New("submission failed")
	// ErrPollTimeout marks a local wait deadline; the manifest stays resumable.
	ErrPollTimeout = errors.New("poll timeout")
	// ErrRemoteTaskFailed marks a terminal failure reported by the remote system.
	ErrRemoteTaskFailed = errors.New("remote task failed")
	// ErrRemoteTaskExpired marks a remote task that expired. It matches
	// ErrRemoteTaskFailed as well.
	ErrRemoteTaskExpired = fmt.Errorf("%w: expired", ErrRemoteTaskFailed)
	// ErrDownloadFailed marks an artifact fetch error after the task succeeded.
	ErrDownloadFailed = errors.New("download failed")
)

// stageError tags a pipeline failure with both its kind and a services
// marker so callers can match either.
func stageError(kind, marker error, stage, operation, message string, err error) error {
	return fmt.Errorf("%w: %w", kind, services.Wrap(marker, stage, operation, message, err))
}
