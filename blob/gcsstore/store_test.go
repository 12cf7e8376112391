package gcsstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestComposeGroups(t *testing.T) {
	t.Run("Up to 32 sources are composed in one call", func(t *testing.T) {
		assert.Equal(t, [][2]int{{0, 3}}, composeGroups(3))
		assert.Equal(t, [][2]int{{0, 32}}, composeGroups(32))
	})

	t.Run("Larger sets are split into consecutive groups", func(t *testing.T) {
		groups := composeGroups(1000)
		assert.Len(t, groups, 32)
		assert.Equal(t, [2]int{0, 32}, groups[0])
		assert.Equal(t, [2]int{992, 1000}, groups[31])
		for i := 1; i < len(groups); i++ {
			assert.Equal(t, groups[i-1][1], groups[i][0])
		}
	})
}

func TestPartNames(t *testing.T) {
	assert.Equal(t, "_multipart/abc/00001", partName("abc", 1))
	assert.Equal(t, "_multipart/abc/01000", partName("abc", 1000))
	assert.Less(t, partName("abc", 9), partName("abc", 10))
}

func TestTemporaryMetadata(t *testing.T) {
	assert.True(t, isTemporary(map[string]string{"temporary": "true"}))
	assert.False(t, isTemporary(map[string]string{"temporary": ""}))
	assert.False(t, isTemporary(nil))
	assert.True(t, parseTemporary("true"))
	assert.False(t, parseTemporary("nope"))
	assert.Equal(t, "x-goog-meta-temporary", temporaryMetaHeader)
}
