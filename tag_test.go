package camtrap

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGenerateTag(t *testing.T) {
	assert.Equal(t, "baseline", GenerateTag("baseline"))

	generated := GenerateTag("")
	assert.Len(t, generated, 8)
	assert.NotEqual(t, generated, GenerateTag(""))
}
