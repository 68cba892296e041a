package content

import (
	"bytes"
	"errors"
	"regexp"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
)

var (
	policy        = bluemonday.UGCPolicy()
	strictPolicy  = bluemonday.StrictPolicy()
	usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)
	colorRegex    = regexp.MustCompile(`^#[0-9a-fA-F]{6}$`)
	markdown      = goldmark.New()
)

// Sanitize strips all markup from user input. Used for message text and
// user names before persisting.
func Sanitize(input string) string {
	return strictPolicy.Sanitize(input)
}

// Render converts message text to sanitized HTML for rich clients.
// Returns an empty string on render failure so callers fall back to the
// plain text.
func Render(text string) string {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(text), &buf); err != nil {
		return ""
	}
	return policy.Sanitize(buf.String())
}

// ValidateUsername checks if the username contains only allowed characters
// (alphanumeric, dot, dash, underscore) and is not empty.
func ValidateUsername(username string) error {
	if username == "" {
		return errors.New("username cannot be empty")
	}
	if !usernameRegex.MatchString(username) {
		return errors.New("username contains invalid characters (allowed: alphanumeric, dot, dash, underscore)")
	}
	return nil
}

// ValidateColor checks that a display accent is a #rrggbb hex color.
func ValidateColor(color string) error {
	if !colorRegex.MatchString(color) {
		return errors.New("color must be a #rrggbb hex value")
	}
	return nil
}
