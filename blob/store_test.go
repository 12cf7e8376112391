package blob_test

import (
	"testing"

	. "github.com/pieter-berkel/storageflow/blob"
	"github.com/pieter-berkel/storageflow/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const mib = 1024 * 1024

func TestPlanParts(t *testing.T) {
	t.Run("Files up to 10 MiB are uploaded in one request", func(t *testing.T) {
		assert.False(t, IsMultipart(10*mib))
		assert.True(t, IsMultipart(10*mib+1))
	})

	t.Run("A 12 MiB file is split into three 5 MiB parts", func(t *testing.T) {
		partSize, total := PlanParts(12 * mib)
		assert.Equal(t, int64(5*mib), partSize)
		assert.Equal(t, 3, total)
	})

	t.Run("Huge files grow the part size to stay within 1000 parts", func(t *testing.T) {
		size := int64(6000 * mib)
		partSize, total := PlanParts(size)
		assert.Equal(t, 1000, total)
		assert.Equal(t, int64(6*mib), partSize)
	})

	t.Run("Every plan covers the file with no empty part", func(t *testing.T) {
		sizes := []int64{10*mib + 1, 15 * mib, 5000 * mib, 5000*mib + 1, 7777777777, 1 << 40}
		for _, size := range sizes {
			partSize, total := PlanParts(size)
			assert.LessOrEqual(t, total, MaxParts, "size %d", size)
			assert.Less(t, partSize*int64(total-1), size, "size %d", size)
			assert.GreaterOrEqual(t, partSize*int64(total), size, "size %d", size)
		}
	})
}

func TestPartRange(t *testing.T) {
	off, n := PartRange(1, 5, 12)
	assert.Equal(t, int64(0), off)
	assert.Equal(t, int64(5), n)

	off, n = PartRange(3, 5, 12)
	assert.Equal(t, int64(10), off)
	assert.Equal(t, int64(2), n)

	_, n = PartRange(4, 5, 12)
	assert.Equal(t, int64(0), n)
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "avatars/a.png", Key("/avatars/a.png"))
	assert.Equal(t, "https://cdn.test/avatars/a.png", ObjectURL("https://cdn.test/", "/avatars/a.png"))

	key, err := KeyFromURL("https://cdn.test", "https://cdn.test/avatars/a.png")
	require.NoError(t, err)
	assert.Equal(t, "avatars/a.png", key)

	_, err = KeyFromURL("https://cdn.test", "https://elsewhere/avatars/a.png")
	assert.ErrorIs(t, err, protocol.ErrBadRequest)

	assert.Equal(t, "avatars/u1/", DirPrefix("/avatars/u1"))
	assert.Equal(t, "", DirPrefix("/"))
}

func TestNewMultipartPlan(t *testing.T) {
	plan := NewMultipartPlan("u", "/f", "id", 5, []string{"a", "b"})
	require.NoError(t, plan.Validate(7))
	assert.Equal(t, 2, plan.Multipart.Parts[1].PartNumber)
	assert.Equal(t, "b", plan.Multipart.Parts[1].UploadURL)
}
