package logging

import (
	"context"
	"log/slog"
	"slices"
)

const defaultErrorHint = "inspect loom.log for the preceding records of this job"

// WarnWithContext logs a warning that always carries event_type, error_hint
// and impact. Caller-supplied values win over the defaults.
func WarnWithContext(logger *slog.Logger, msg, eventType string, attrs ...Attr) {
	logEvent(logger, slog.LevelWarn, msg, eventType, attrs, map[string]string{
		FieldErrorHint: defaultErrorHint,
		FieldImpact:    "processing continues",
	})
}

// ErrorWithContext logs an error that always carries event_type and error_hint.
func ErrorWithContext(logger *slog.Logger, msg, eventType string, attrs ...Attr) {
	logEvent(logger, slog.LevelError, msg, eventType, attrs, map[string]string{
		FieldErrorHint: defaultErrorHint,
	})
}

func logEvent(logger *slog.Logger, level slog.Level, msg, eventType string, attrs []Attr, defaults map[string]string) {
	if logger == nil {
		return
	}
	present := func(key string) bool {
		return slices.ContainsFunc(attrs, func(a Attr) bool { return a.Key == key })
	}
	if !present(FieldEventType) {
		attrs = append(attrs, String(FieldEventType, eventType))
	}
	for key, value := range defaults {
		if !present(key) {
			attrs = append(attrs, String(key, value))
		}
	}
	logger.LogAttrs(context.Background(), level, msg, attrs...)
}
