package content

import (
	"bytes"
	"fmt"
	"regexp"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"pavilion/internal/models"
)

const (
	MinMessageLength = 1
	MaxMessageLength = 2000
)

var (
	policy      = bluemonday.UGCPolicy()
	handleRegex = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

	markdown = goldmark.New(
		goldmark.WithExtensions(extension.GFM, extension.Linkify),
	)
)

// Sanitize removes unsafe HTML from the input string using a strict policy.
// It is used for sanitizing user inputs like display names and messages.
func Sanitize(input string) string {
	return policy.Sanitize(input)
}

// Render converts markdown message content into sanitized HTML for the
// display form of a message.
func Render(input string) (string, error) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(input), &buf); err != nil {
		return "", fmt.Errorf("failed to render markdown: %w", err)
	}
	return policy.Sanitize(buf.String()), nil
}

// ValidateMessage checks message content length bounds.
func ValidateMessage(input string) error {
	if len(input) < MinMessageLength || len(input) > MaxMessageLength {
		return fmt.Errorf("%w: content must be between %d and %d characters",
			models.ErrValidation, MinMessageLength, MaxMessageLength)
	}
	return nil
}

// ValidateHandle checks if the handle contains only allowed characters
// (alphanumeric, dot, dash, underscore) and is not empty.
func ValidateHandle(handle string) error {
	if handle == "" {
		return fmt.Errorf("%w: handle cannot be empty", models.ErrValidation)
	}
	if !handleRegex.MatchString(handle) {
		return fmt.Errorf("%w: handle contains invalid characters (allowed: alphanumeric, dot, dash, underscore)",
			models.ErrValidation)
	}
	return nil
}
