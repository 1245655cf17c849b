package requestid

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// MaxCustomIDLength is the max length for the sanitized custom portion
const MaxCustomIDLength = 30

// sanitizeRegex removes all characters except a-z, A-Z, 0-9, and hyphens
var sanitizeRegex = regexp.MustCompile(`[^a-zA-Z0-9-]+`)

// Generate creates a unique request ID. If customID is provided (e.g. from an
// X-Request-ID header) it is sanitized and suffixed with a short random token
// so IDs stay unique even when clients reuse theirs; otherwise a UUID is used.
func Generate(customID string) string {
	sanitized := strings.ReplaceAll(customID, " ", "-")
	sanitized = sanitizeRegex.ReplaceAllString(sanitized, "")
	sanitized = strings.Trim(sanitized, "-")

	if sanitized == "" {
		return uuid.New().String()
	}

	if len(sanitized) > MaxCustomIDLength {
		sanitized = sanitized[:MaxCustomIDLength]
	}

	return sanitized + "-" + uuid.New().String()[:5]
}
