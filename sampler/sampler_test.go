package sampler

import (
	"math/rand/v2"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-exchangeable/tensor"
)

func testMask(t *testing.T) *tensor.Tensor {
	t.Helper()
	mask, err := tensor.NewTensor([]int{5, 4, 1}, []float64{
		1, 0, 1, 0,
		0, 1, 1, 1,
		1, 1, 0, 0,
		0, 0, 1, 1,
		1, 0, 0, 1,
	})
	require.NoError(t, err)
	return mask
}

func TestNumBlocksUsesCeiling(t *testing.T) {
	tests := []struct {
		maxRows, maxCols int
		want             int
	}{
		{maxRows: 5, maxCols: 4, want: 1},
		{maxRows: 2, maxCols: 4, want: 3},
		{maxRows: 2, maxCols: 3, want: 6},
		{maxRows: 100, maxCols: 100, want: 1},
	}

	for _, tt := range tests {
		s, err := New(testMask(t), tt.maxRows, tt.maxCols, WithSeed(1))
		require.NoError(t, err)
		assert.Equal(t, tt.want, s.NumBlocks(), "%dx%d", tt.maxRows, tt.maxCols)
	}
}

func TestFullRangeIsDeterministic(t *testing.T) {
	s, err := New(testMask(t), 5, 2, WithSeed(3))
	require.NoError(t, err)

	for call := 0; call < 3; call++ {
		blocks, err := s.Epoch()
		require.NoError(t, err)
		require.Len(t, blocks, 2)
		for _, b := range blocks {
			assert.Equal(t, []int{0, 1, 2, 3, 4}, b.Rows)
			assert.Len(t, b.Cols, 2)
		}
	}

	t.Run("oversized block clamps to full range", func(t *testing.T) {
		s, err := New(testMask(t), 50, 50)
		require.NoError(t, err)
		rows, cols := s.BlockSize()
		assert.Equal(t, 5, rows)
		assert.Equal(t, 4, cols)

		b, err := s.Next()
		require.NoError(t, err)
		assert.Equal(t, []int{0, 1, 2, 3, 4}, b.Rows)
		assert.Equal(t, []int{0, 1, 2, 3}, b.Cols)
	})
}

func TestDrawsAreDistinctAndSupported(t *testing.T) {
	mask, err := tensor.NewTensor([]int{4, 4}, []float64{
		1, 1, 0, 0,
		0, 0, 0, 0,
		1, 0, 1, 0,
		0, 1, 0, 0,
	})
	require.NoError(t, err)

	s, err := New(mask, 3, 3, WithSeed(42))
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		b, err := s.Next()
		require.NoError(t, err)

		rows := append([]int(nil), b.Rows...)
		sort.Ints(rows)
		assert.Equal(t, []int{0, 2, 3}, rows, "empty row 1 must never be drawn")

		cols := append([]int(nil), b.Cols...)
		sort.Ints(cols)
		assert.Equal(t, []int{0, 1, 2}, cols, "empty column 3 must never be drawn")
	}
}

func TestInsufficientSupport(t *testing.T) {
	mask, err := tensor.NewTensor([]int{3, 3}, []float64{
		1, 0, 0,
		0, 0, 0,
		0, 0, 0,
	})
	require.NoError(t, err)

	s, err := New(mask, 2, 3)
	require.NoError(t, err)
	_, err = s.Epoch()
	assert.ErrorIs(t, err, ErrInsufficientSupport)
}

func TestSeedReproducible(t *testing.T) {
	a, err := New(testMask(t), 2, 2, WithSeed(9))
	require.NoError(t, err)
	b, err := New(testMask(t), 2, 2, WithSeed(9))
	require.NoError(t, err)

	ea, err := a.Epoch()
	require.NoError(t, err)
	eb, err := b.Epoch()
	require.NoError(t, err)
	assert.Equal(t, ea, eb)
}

func TestDensityBias(t *testing.T) {
	// Row 0 has two observed entries, rows 1..9 one each.
	data := make([]float64, 10*2)
	data[1] = 1
	for i := 0; i < 10; i++ {
		data[i*2] = 1
	}
	mask, err := tensor.NewTensor([]int{10, 2}, data)
	require.NoError(t, err)

	s, err := New(mask, 1, 2, WithSeed(5))
	require.NoError(t, err)

	hits := 0
	const draws = 2000
	for i := 0; i < draws; i++ {
		b, err := s.Next()
		require.NoError(t, err)
		if b.Rows[0] == 0 {
			hits++
		}
	}
	assert.InDelta(t, 2.0/11.0, float64(hits)/draws, 0.03)
}

func TestBadBlockSize(t *testing.T) {
	_, err := New(testMask(t), 0, 2)
	assert.ErrorIs(t, err, ErrBlockSize)

	_, err = SampleEntries(rand.New(rand.NewPCG(1, 1)), 10, 4, 4, 2, 0)
	assert.ErrorIs(t, err, ErrBlockSize)
}

func TestSampleEntries(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))

	blocks, err := SampleEntries(rng, 7, 4, 6, 2, 3)
	require.NoError(t, err)
	require.Len(t, blocks, 4)
	for _, b := range blocks {
		assert.Len(t, b, 6)
		assert.True(t, sort.IntsAreSorted(b))
		seen := map[int]bool{}
		for _, i := range b {
			assert.False(t, seen[i])
			assert.True(t, i >= 0 && i < 7)
			seen[i] = true
		}
	}

	small, err := SampleEntries(rng, 3, 4, 4, 4, 4)
	require.NoError(t, err)
	require.Len(t, small, 1)
	assert.Equal(t, []int{0, 1, 2}, small[0])
}
