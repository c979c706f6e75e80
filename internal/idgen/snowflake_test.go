package idgen

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew_MonotonicAndUnique(t *testing.T) {
	seen := make(map[int64]struct{}, 1000)
	prev := int64(0)
	for i := 0; i < 1000; i++ {
		id := New()
		assert.Greater(t, id, prev)
		_, dup := seen[id]
		assert.False(t, dup)
		seen[id] = struct{}{}
		prev = id
	}
}
