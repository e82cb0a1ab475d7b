package database

import (
	"database/sql"
	"strings"
	"time"
)

// Scanner is satisfied by *sql.Row and *sql.Rows.
type Scanner interface {
	Scan(dest ...any) error
}

// TimeLayout is fixed width so stored timestamps compare lexically.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// FormatTime renders t the way every timestamp column stores it.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a stored timestamp; empty input yields the zero time.
func ParseTime(value string) (time.Time, error) {
	if strings.TrimSpace(value) == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, value)
}

// ParseNullTime parses a nullable timestamp column.
func ParseNullTime(value sql.NullString) *time.Time {
	if !value.Valid || value.String == "" {
		return nil
	}
	parsed, err := ParseTime(value.String)
	if err != nil {
		return nil
	}
	return &parsed
}

// NullableString maps empty strings to SQL NULL.
func NullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

// Placeholders returns "?, ?, ..." with n markers.
func Placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
