package types_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/substrate-telemetry/backend/internal/types"
)

func TestMeanListSingleSamples(t *testing.T) {
	l := types.NewMeanList()

	l.Push(1)
	l.Push(3)
	l.Push(5)

	assert.Equal(t, []float64{1, 3, 5}, l.Slice())
}

func TestMeanListSquashesWhenFull(t *testing.T) {
	l := types.NewMeanList()

	// Fill to capacity with 0..19.
	for i := 0; i < 20; i++ {
		l.Push(float64(i))
	}
	require.Len(t, l.Slice(), 20)

	// The push that overflows the buffer collapses the existing samples
	// into pair averages before landing.
	l.Push(100)
	got := l.Slice()
	require.Len(t, got, 11)
	assert.Equal(t, 0.5, got[0])
	assert.Equal(t, 18.5, got[9])
	assert.Equal(t, 100.0, got[10])
}

func TestMeanListGroupAveragingAfterSquash(t *testing.T) {
	l := types.NewMeanList()

	for i := 0; i < 21; i++ {
		l.Push(0)
	}
	require.Len(t, l.Slice(), 11)

	// Samples fold in groups of two now: 4 and 6 surface as a single 5,
	// and the first of the pair is invisible until the group completes.
	l.Push(4)
	require.Len(t, l.Slice(), 11)
	l.Push(6)
	got := l.Slice()
	require.Len(t, got, 12)
	assert.Equal(t, 5.0, got[11])
}

func TestMeanListShiftsAtMaxResolution(t *testing.T) {
	l := types.NewMeanList()

	// Plenty of samples to drive the group size to its ceiling with a full
	// buffer.
	for i := 0; i < 3000; i++ {
		l.Push(float64(i % 10))
	}
	require.Len(t, l.Slice(), 20)

	// Two full groups of a sentinel value must surface it at the tail while
	// the buffer stays at capacity instead of squashing further.
	for i := 0; i < 64; i++ {
		l.Push(42)
	}

	got := l.Slice()
	require.Len(t, got, 20)
	assert.Equal(t, 42.0, got[19])
}
