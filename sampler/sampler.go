// Package sampler picks the row/column blocks a training epoch is split
// into. Rows and columns are drawn without replacement with probability
// proportional to their number of observed entries, so dense regions of the
// matrix are visited more often than sparse ones.
package sampler

import (
	"errors"
	"fmt"
	"iter"
	"math/rand/v2"
	"sort"

	"gonum.org/v1/gonum/stat/sampleuv"

	"github.com/tsawler/go-exchangeable/tensor"
)

var (
	// ErrBlockSize is returned for a non-positive block size.
	ErrBlockSize = errors.New("sampler: block size must be positive")

	// ErrInsufficientSupport is returned when fewer rows (or columns) have
	// observed entries than a block needs.
	ErrInsufficientSupport = errors.New("sampler: not enough non-empty rows or columns for block")
)

// Block is one mini-batch: the selected rows and columns of the full matrix.
type Block struct {
	Rows []int
	Cols []int
}

// Sampler draws density-biased blocks from an observation mask.
type Sampler struct {
	n, m             int
	maxRows, maxCols int
	rowWeights       []float64
	colWeights       []float64
	rng              *rand.Rand
}

// Option configures a Sampler.
type Option func(*Sampler)

// WithSeed makes the draws reproducible.
func WithSeed(seed uint64) Option {
	return func(s *Sampler) {
		s.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	}
}

// WithRand uses r for all draws.
func WithRand(r *rand.Rand) Option {
	return func(s *Sampler) {
		s.rng = r
	}
}

// New builds a sampler over a [N,M] or [N,M,1] mask. Block sizes larger
// than the matrix are clamped to it.
func New(mask *tensor.Tensor, maxRows, maxCols int, opts ...Option) (*Sampler, error) {
	if maxRows <= 0 || maxCols <= 0 {
		return nil, fmt.Errorf("%w: got %dx%d", ErrBlockSize, maxRows, maxCols)
	}
	m2, err := mask.Squeeze2D()
	if err != nil {
		return nil, fmt.Errorf("sampler: mask: %w", err)
	}

	rowCounts, err := m2.SumAxis(1)
	if err != nil {
		return nil, err
	}
	colCounts, err := m2.SumAxis(0)
	if err != nil {
		return nil, err
	}

	s := &Sampler{
		n:          m2.Shape[0],
		m:          m2.Shape[1],
		maxRows:    min(maxRows, m2.Shape[0]),
		maxCols:    min(maxCols, m2.Shape[1]),
		rowWeights: rowCounts.Data,
		colWeights: colCounts.Data,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.rng == nil {
		s.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return s, nil
}

// BlockSize returns the clamped block dimensions.
func (s *Sampler) BlockSize() (rows, cols int) {
	return s.maxRows, s.maxCols
}

// NumBlocks returns the number of blocks in one epoch,
// ceil(N/maxRows)·ceil(M/maxCols).
func (s *Sampler) NumBlocks() int {
	return ceilDiv(s.n, s.maxRows) * ceilDiv(s.m, s.maxCols)
}

// Blocks yields one epoch of blocks. Iteration stops after the first error.
func (s *Sampler) Blocks() iter.Seq2[Block, error] {
	return func(yield func(Block, error) bool) {
		for i := 0; i < s.NumBlocks(); i++ {
			b, err := s.Next()
			if !yield(b, err) || err != nil {
				return
			}
		}
	}
}

// Epoch draws every block of one epoch.
func (s *Sampler) Epoch() ([]Block, error) {
	blocks := make([]Block, 0, s.NumBlocks())
	for b, err := range s.Blocks() {
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, b)
	}
	return blocks, nil
}

// Next draws a single block. When a block spans all rows (or columns) the
// selection is 0..N-1 in order and consumes no randomness.
func (s *Sampler) Next() (Block, error) {
	rows, err := s.draw(s.rowWeights, s.maxRows)
	if err != nil {
		return Block{}, fmt.Errorf("rows: %w", err)
	}
	cols, err := s.draw(s.colWeights, s.maxCols)
	if err != nil {
		return Block{}, fmt.Errorf("cols: %w", err)
	}
	return Block{Rows: rows, Cols: cols}, nil
}

func (s *Sampler) draw(weights []float64, k int) ([]int, error) {
	if k == len(weights) {
		return arange(k), nil
	}

	support := 0
	for _, w := range weights {
		if w > 0 {
			support++
		}
	}
	if support < k {
		return nil, fmt.Errorf("%w: need %d, have %d", ErrInsufficientSupport, k, support)
	}

	w := sampleuv.NewWeighted(weights, s.rng)
	out := make([]int, 0, k)
	for len(out) < k {
		idx, ok := w.Take()
		if !ok {
			return nil, fmt.Errorf("%w: weights exhausted after %d draws", ErrInsufficientSupport, len(out))
		}
		out = append(out, idx)
	}
	return out, nil
}

// SampleEntries draws, for each of the ceil(N/maxRows)·ceil(M/maxCols)
// blocks of an epoch, a sorted uniform subset of min(nnz, maxRows·maxCols)
// positions into a list of nnz observed entries.
func SampleEntries(rng *rand.Rand, nnz, n, m, maxRows, maxCols int) ([][]int, error) {
	if maxRows <= 0 || maxCols <= 0 {
		return nil, fmt.Errorf("%w: got %dx%d", ErrBlockSize, maxRows, maxCols)
	}
	maxRows, maxCols = min(maxRows, n), min(maxCols, m)
	size := min(nnz, maxRows*maxCols)

	blocks := ceilDiv(n, maxRows) * ceilDiv(m, maxCols)
	out := make([][]int, blocks)
	for b := range out {
		sample := rng.Perm(nnz)[:size]
		sort.Ints(sample)
		out[b] = sample
	}
	return out, nil
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

func arange(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}
