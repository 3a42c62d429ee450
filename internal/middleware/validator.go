package middleware

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Input validation for query and path parameters

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// ParseID parses a positive numeric path id
func ParseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", raw)
	}
	return id, nil
}

// OptionalID parses an optional numeric query value; empty is zero.
func OptionalID(q url.Values, name string) (int64, error) {
	raw := q.Get(name)
	if raw == "" {
		return 0, nil
	}
	id, err := ParseID(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return id, nil
}

// Pagination reads page and page_size, applying defaults and the cap.
func Pagination(q url.Values) (page, pageSize int) {
	page, _ = strconv.Atoi(q.Get("page"))
	if page < 1 {
		page = 1
	}
	pageSize, _ = strconv.Atoi(q.Get("page_size"))
	return page, ValidateLimit(pageSize)
}

// ValidateLimit validates pagination limit
func ValidateLimit(limit int) int {
	if limit <= 0 {
		return DefaultPageSize
	}
	if limit > MaxPageSize {
		return MaxPageSize
	}
	return limit
}

// ValidateScanRequestID checks the run id is a UUID.
func ValidateScanRequestID(id string) error {
	if id == "" {
		return fmt.Errorf("scan_request_id cannot be empty")
	}
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("invalid scan_request_id format")
	}
	return nil
}

// SanitizeString removes control characters from strings
func SanitizeString(input string) string {
	input = strings.ReplaceAll(input, "\x00", "")
	var result strings.Builder
	for _, r := range input {
		if r >= 32 || r == '\t' || r == '\n' {
			result.WriteRune(r)
		}
	}
	return strings.TrimSpace(result.String())
}
