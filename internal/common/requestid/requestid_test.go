package requestid

import (
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate(t *testing.T) {
	uuidPattern := regexp.MustCompile(`^[a-f0-9]{8}-[a-f0-9]{4}-[a-f0-9]{4}-[a-f0-9]{4}-[a-f0-9]{12}$`)

	tests := []struct {
		name          string
		customID      string
		expectUUID    bool
		expectPattern string
	}{
		{
			name:       "empty custom ID returns UUID",
			customID:   "",
			expectUUID: true,
		},
		{
			name:          "simple alphanumeric custom ID",
			customID:      "my-request",
			expectPattern: `^my-request-[a-f0-9]{5}$`,
		},
		{
			name:          "special characters stripped",
			customID:      "my@request#123!",
			expectPattern: `^myrequest123-[a-f0-9]{5}$`,
		},
		{
			name:          "spaces become hyphens",
			customID:      "my request 123",
			expectPattern: `^my-request-123-[a-f0-9]{5}$`,
		},
		{
			name:       "only special characters returns UUID",
			customID:   "@#$%^&*()",
			expectUUID: true,
		},
		{
			name:          "leading and trailing hyphens removed",
			customID:      "---my-request---",
			expectPattern: `^my-request-[a-f0-9]{5}$`,
		},
		{
			name:          "long custom ID is truncated",
			customID:      strings.Repeat("a", 100),
			expectPattern: `^a{30}-[a-f0-9]{5}$`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := Generate(tt.customID)
			require.NotEmpty(t, id)

			if tt.expectUUID {
				assert.Regexp(t, uuidPattern, id)
			} else {
				assert.Regexp(t, regexp.MustCompile(tt.expectPattern), id)
			}
		})
	}
}

func TestGenerateUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := Generate("client-id")
		assert.False(t, seen[id], "reused client IDs must still produce unique request IDs")
		seen[id] = true
	}
}
