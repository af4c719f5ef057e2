package utils

import (
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

var sanitizer = bluemonday.StrictPolicy()

// SanitizeText strips all markup from user supplied text such as counter descriptions.
func SanitizeText(input string) string {
	return strings.TrimSpace(sanitizer.Sanitize(input))
}
