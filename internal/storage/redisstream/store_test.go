package redisstream

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPairsSortsKeys(t *testing.T) {
	got := pairs(map[string]interface{}{"retry": "1", "handler": "sleep", "args": `["a"]`})
	assert.Equal(t, []string{"args", `["a"]`, "handler", "sleep", "retry", "1"}, got)
	assert.Nil(t, pairs(nil))
}
