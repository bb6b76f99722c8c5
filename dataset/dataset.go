// Package dataset turns a ratings table into the matrices and index lists
// the trainer consumes: a dense [N,M,1] ratings matrix over the training and
// validation entries, the training mask, and the coordinate lists of each
// split.
package dataset

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"

	"gonum.org/v1/gonum/stat"

	"github.com/tsawler/go-exchangeable/tensor"
)

// ErrBadSplit is returned for split fractions that cannot partition the data.
var ErrBadSplit = errors.New("dataset: invalid split fractions")

// Data is the split dataset. Index lists hold (row, col) pairs in row-major
// order; value and weight slices are aligned with the list they follow.
type Data struct {
	N, M int

	// MatTrVal holds the training and validation ratings, zero elsewhere.
	MatTrVal *tensor.Tensor
	// MaskTr is 1 at training entries.
	MaskTr *tensor.Tensor

	MaskIndicesTr [][]int
	MaskValuesTr  []float64

	MaskIndicesVal [][]int
	MatValuesVal   []float64

	// MaskIndicesTrVal is the union of the training and validation entries.
	MaskIndicesTrVal [][]int
	MatValuesTrVal   []float64
	// MaskTrValSplit is 1 where the MaskIndicesTrVal entry is a validation
	// entry and 0 where it is a training entry.
	MaskTrValSplit []float64

	MaskIndicesTest [][]int
	MatValuesTest   []float64
}

// Split holds out a test fraction of the entries, then divides the rest
// into training and validation by the train and valid fractions. Entries
// are shuffled with seed, so equal inputs give equal splits.
func Split(r *Ratings, train, valid, test float64, seed uint64) (*Data, error) {
	if len(r.Entries) == 0 {
		return nil, ErrEmpty
	}
	if train <= 0 || valid < 0 || test < 0 || test >= 1 || train+valid > 1+1e-9 {
		return nil, fmt.Errorf("%w: train=%g valid=%g test=%g", ErrBadSplit, train, valid, test)
	}

	entries := slices.Clone(r.Entries)
	rng := rand.New(rand.NewPCG(seed, seed^0x5851f42d4c957f2d))
	rng.Shuffle(len(entries), func(i, j int) {
		entries[i], entries[j] = entries[j], entries[i]
	})

	nTest := int(math.Floor(test * float64(len(entries))))
	rest := entries[nTest:]
	nTrain := int(math.Round(train * float64(len(rest))))
	nVal := min(int(math.Round(valid*float64(len(rest)))), len(rest)-nTrain)
	if nTrain == 0 {
		return nil, fmt.Errorf("%w: no training entries out of %d", ErrBadSplit, len(entries))
	}

	return newData(r.N(), r.M(), rest[:nTrain], rest[nTrain:nTrain+nVal], entries[:nTest])
}

func newData(n, m int, tr, val, te []Entry) (*Data, error) {
	for _, part := range [][]Entry{tr, val, te} {
		sortEntries(part)
	}

	matTrVal, err := tensor.Zeros([]int{n, m, 1})
	if err != nil {
		return nil, err
	}
	maskTr, err := tensor.Zeros([]int{n, m, 1})
	if err != nil {
		return nil, err
	}

	d := &Data{N: n, M: m, MatTrVal: matTrVal, MaskTr: maskTr}
	for _, e := range tr {
		matTrVal.Data[e.Row*m+e.Col] = e.Value
		maskTr.Data[e.Row*m+e.Col] = 1
		d.MaskIndicesTr = append(d.MaskIndicesTr, []int{e.Row, e.Col})
		d.MaskValuesTr = append(d.MaskValuesTr, e.Value)
	}
	for _, e := range val {
		matTrVal.Data[e.Row*m+e.Col] = e.Value
		d.MaskIndicesVal = append(d.MaskIndicesVal, []int{e.Row, e.Col})
		d.MatValuesVal = append(d.MatValuesVal, e.Value)
	}
	for _, e := range te {
		d.MaskIndicesTest = append(d.MaskIndicesTest, []int{e.Row, e.Col})
		d.MatValuesTest = append(d.MatValuesTest, e.Value)
	}

	// Merge the two sorted lists so the union stays row-major.
	i, j := 0, 0
	for i < len(tr) || j < len(val) {
		if j == len(val) || (i < len(tr) && compareEntries(tr[i], val[j]) < 0) {
			d.appendTrVal(tr[i], 0)
			i++
		} else {
			d.appendTrVal(val[j], 1)
			j++
		}
	}
	return d, nil
}

func (d *Data) appendTrVal(e Entry, split float64) {
	d.MaskIndicesTrVal = append(d.MaskIndicesTrVal, []int{e.Row, e.Col})
	d.MatValuesTrVal = append(d.MatValuesTrVal, e.Value)
	d.MaskTrValSplit = append(d.MaskTrValSplit, split)
}

// TrainingBlock carves the training ratings of a row/column block,
// MatTrVal[rows, cols] masked by MaskTr[rows, cols].
func (d *Data) TrainingBlock(rows, cols []int) (*tensor.Tensor, error) {
	vals, err := d.MatTrVal.Select(rows, cols)
	if err != nil {
		return nil, fmt.Errorf("training block: %w", err)
	}
	mask, err := d.MaskTr.Select(rows, cols)
	if err != nil {
		return nil, fmt.Errorf("training block: %w", err)
	}
	for i := range vals.Data {
		vals.Data[i] *= mask.Data[i]
	}
	return vals, nil
}

// MeanTrainingRating is the average training rating.
func (d *Data) MeanTrainingRating() float64 {
	if len(d.MaskValuesTr) == 0 {
		return 0
	}
	return stat.Mean(d.MaskValuesTr, nil)
}

func sortEntries(entries []Entry) {
	slices.SortFunc(entries, compareEntries)
}

func compareEntries(a, b Entry) int {
	if a.Row != b.Row {
		return a.Row - b.Row
	}
	return a.Col - b.Col
}
