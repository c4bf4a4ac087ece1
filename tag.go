package camtrap

import (
	"strings"

	"github.com/google/uuid"
)

// GenerateTag returns the user-provided tag unchanged, or a fresh short
// random tag when none was given, so concurrent runs and evaluations never
// collide on checkpoint or artifact paths. Call it once per process.
func GenerateTag(tag string) string {
	if tag != "" {
		return tag
	}
	return strings.SplitN(uuid.NewString(), "-", 2)[0]
}
