package services

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrRemoteAPI     = errors.New("remote api error")
	ErrValidation    = errors.New("validation error")
	ErrConfiguration = errors.New("configuration error")
	ErrNotFound      = errors.New("not found")
	ErrTimeout       = errors.New("timeout")
	ErrTransient     = errors.New("transient failure")
	ErrStorage       = errors.New("storage error")
)

// Wrap builds an error message that includes stage context while tagging it with
// the provided marker for later classification. The marker should be one of the
// exported sentinel errors above.
func Wrap(marker error, stage, operation, message string, err error) error {
	detail := buildDetail(stage, operation, message)
	if marker == nil {
		marker = ErrTransient
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// Hint maps a failure to the operator-facing next step attached to error logs.
func Hint(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConfiguration):
		return "check meshforge config and environment variables"
	case errors.Is(err, ErrValidation):
		return "fix the asset spec and resubmit"
	case errors.Is(err, ErrTimeout):
		return "run resume later; the remote task may still complete"
	case errors.Is(err, ErrStorage):
		return "check output directory permissions and free space"
	case errors.Is(err, ErrNotFound):
		return "verify the asset id or manifest path"
	case errors.Is(err, ErrRemoteAPI):
		return "inspect the remote task error and adjust the prompt"
	default:
		return "retry the command; check logs for details"
	}
}

func buildDetail(stage, operation, message string) string {
	parts := make([]string, 0, 3)
	if stage = strings.TrimSpace(stage); stage != "" {
		parts = append(parts, stage)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
