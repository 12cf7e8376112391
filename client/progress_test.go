package client

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProgressTracker(t *testing.T) {
	t.Run("Overall progress is the rounded mean of all parts", func(t *testing.T) {
		var got []float64
		p := newProgressTracker(3, func(v float64) { got = append(got, v) })

		p.Update(0, 0)
		p.Update(0, 50)
		p.Update(1, 100)
		p.Update(0, 100)
		p.Update(2, 100)

		assert.Equal(t, []float64{0, 16.67, 50, 66.67, 100}, got)
	})

	t.Run("A part never goes back", func(t *testing.T) {
		var got []float64
		p := newProgressTracker(2, func(v float64) { got = append(got, v) })

		p.Update(0, 80)
		p.Update(0, 10)
		p.Update(0, 90)

		assert.Equal(t, []float64{40, 45}, got)
	})

	t.Run("Completion is not announced before every part is done", func(t *testing.T) {
		var got []float64
		p := newProgressTracker(1000, func(v float64) { got = append(got, v) })

		for i := 0; i < 999; i++ {
			p.Update(i, 100)
		}
		p.Update(999, 99.99)
		assert.Equal(t, 99.99, got[len(got)-1])

		p.Update(999, 100)
		assert.Equal(t, 100.0, got[len(got)-1])
	})

	t.Run("Values out of range are clamped", func(t *testing.T) {
		var got []float64
		p := newProgressTracker(1, func(v float64) { got = append(got, v) })

		p.Update(0, -5)
		p.Update(0, 250)
		assert.Equal(t, []float64{0, 100}, got)
	})

	t.Run("A nil callback is ignored", func(t *testing.T) {
		p := newProgressTracker(1, nil)
		assert.NotPanics(t, func() { p.Update(0, 50) })
	})
}

func TestProgressReader(t *testing.T) {
	var got []float64
	r := &progressReader{
		r:      bytes.NewReader([]byte("0123456789")),
		size:   10,
		report: func(v float64) { got = append(got, v) },
	}
	buf := make([]byte, 4)
	for {
		if _, err := r.Read(buf); err == io.EOF {
			break
		}
	}
	assert.InDeltaSlice(t, []float64{40, 80, 100}, got, 1e-9)
}
