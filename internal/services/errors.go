package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrValidation         = errors.New("validation error")
	ErrTransient          = errors.New("transient failure")
	ErrTimeout            = errors.New("timeout")
	ErrFatal              = errors.New("fatal failure")
	ErrExternalTool       = errors.New("external tool error")
	ErrConfiguration      = errors.New("configuration error")
	ErrNotFound           = errors.New("not found")
	ErrCapacity           = errors.New("capacity exceeded")
	ErrDeliveryExhausted  = errors.New("delivery exhausted")
	ErrEnqueueUnavailable = errors.New("enqueue failed")
)

// Stable error kinds recorded on failed jobs and matched against a stage's
// retryable kinds.
const (
	KindValidation         = "validation"
	KindTransient          = "transient"
	KindTimeout            = "timeout"
	KindFatal              = "fatal"
	KindExternalTool       = "external_tool"
	KindConfiguration      = "configuration"
	KindNotFound           = "not_found"
	KindCapacity           = "capacity"
	KindDeliveryExhausted  = "delivery_exhausted"
	KindEnqueueUnavailable = "enqueue_failed"
	KindUnknown            = "unknown"
)

var markerKinds = []struct {
	marker error
	kind   string
}{
	{ErrValidation, KindValidation},
	{ErrTransient, KindTransient},
	{ErrTimeout, KindTimeout},
	{ErrFatal, KindFatal},
	{ErrExternalTool, KindExternalTool},
	{ErrConfiguration, KindConfiguration},
	{ErrNotFound, KindNotFound},
	{ErrCapacity, KindCapacity},
	{ErrDeliveryExhausted, KindDeliveryExhausted},
	{ErrEnqueueUnavailable, KindEnqueueUnavailable},
}

// ErrorClassifier lets collaborator errors report their own kind.
type ErrorClassifier interface {
	ErrorKind() string
}

// Wrap builds an error message that includes stage context while tagging it with
// the provided marker for later classification. The marker should be one
// of the exported sentinel errors above.
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

// Kind maps an error to its stable kind. Classifier implementations win over
// markers; a bare context deadline counts as a timeout.
func Kind(err error) string {
	if err == nil {
		return ""
	}
	var classifier ErrorClassifier
	if errors.As(err, &classifier) {
		if kind := strings.TrimSpace(classifier.ErrorKind()); kind != "" {
			return kind
		}
	}
	for _, entry := range markerKinds {
		if errors.Is(err, entry.marker) {
			return entry.kind
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUnknown
}

// IsRetryable reports whether err's kind is listed in retryable.
func IsRetryable(err error, retryable []string) bool {
	kind := Kind(err)
	for _, candidate := range retryable {
		if strings.EqualFold(candidate, kind) {
			return true
		}
	}
	return false
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

// Details returns the kind of err and its message without the marker prefix,
// suitable for a job's error record.
func Details(err error) (kind, message string) {
	if err == nil {
		return "", ""
	}
	kind = Kind(err)
	message = err.Error()
	for _, entry := range markerKinds {
		prefix := entry.marker.Error() + ": "
		if errors.Is(err, entry.marker) && strings.HasPrefix(message, prefix) {
			message = strings.TrimPrefix(message, prefix)
			break
		}
	}
	return kind, message
}
