package dataset

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRatingsFormats(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"tab", "10\t3\t4\t881250949\n2\t3\t1\t891717742\n10\t7\t5\t878887116\n"},
		{"double colon", "10::3::4::978300760\n2::3::1::978302109\n10::7::5::978301968\n"},
		{"csv with header", "userId,movieId,rating,timestamp\n10,3,4,1\n2,3,1,2\n10,7,5,3\n"},
		{"whitespace", "10 3 4\n\n2 3 1\n10   7 5\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := ParseRatings(strings.NewReader(tt.input))
			require.NoError(t, err)

			// Ids sort numerically, so "2" comes before "10".
			assert.Equal(t, []string{"2", "10"}, r.Users)
			assert.Equal(t, []string{"3", "7"}, r.Items)
			assert.Equal(t, []Entry{
				{Row: 1, Col: 0, Value: 4},
				{Row: 0, Col: 0, Value: 1},
				{Row: 1, Col: 1, Value: 5},
			}, r.Entries)
		})
	}
}

func TestParseRatingsErrors(t *testing.T) {
	_, err := ParseRatings(strings.NewReader(""))
	assert.ErrorIs(t, err, ErrEmpty)

	_, err = ParseRatings(strings.NewReader("1\t2\t3\n1\t2\n"))
	assert.ErrorIs(t, err, ErrBadLine)

	_, err = ParseRatings(strings.NewReader("1\t2\t3\n1\t2\tgood\n"))
	assert.ErrorIs(t, err, ErrBadLine)
}

func TestParseRatingsDuplicateKeepsLast(t *testing.T) {
	r, err := ParseRatings(strings.NewReader("1,1,2\n1,1,5\n"))
	require.NoError(t, err)
	require.Len(t, r.Entries, 1)
	assert.Equal(t, 5.0, r.Entries[0].Value)
}

func TestLexicalIDs(t *testing.T) {
	r, err := ParseRatings(strings.NewReader("b,x,1\na,y,2\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, r.Users)
	assert.Equal(t, 2, r.N())
	assert.Equal(t, 2, r.M())
}

func TestLoadRatings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "u.data")
	require.NoError(t, os.WriteFile(path, []byte("1\t1\t5\t0\n2\t1\t3\t0\n"), 0o644))

	r, err := LoadRatings(path)
	require.NoError(t, err)
	assert.Len(t, r.Entries, 2)

	_, err = LoadRatings(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestSplitPartitionsEntries(t *testing.T) {
	r, err := Synthetic(30, 20, 3, 0.3, 7)
	require.NoError(t, err)

	d, err := Split(r, 0.8, 0.2, 0.05, 1)
	require.NoError(t, err)

	total := len(d.MaskIndicesTr) + len(d.MaskIndicesVal) + len(d.MaskIndicesTest)
	assert.Equal(t, len(r.Entries), total)
	assert.InDelta(t, 0.05*float64(len(r.Entries)), float64(len(d.MaskIndicesTest)), 1)
	assert.Len(t, d.MaskIndicesTrVal, len(d.MaskIndicesTr)+len(d.MaskIndicesVal))
	assert.Len(t, d.MatValuesTrVal, len(d.MaskIndicesTrVal))
	assert.Len(t, d.MaskTrValSplit, len(d.MaskIndicesTrVal))

	seen := map[[2]int]string{}
	for _, rc := range d.MaskIndicesTr {
		seen[[2]int{rc[0], rc[1]}] = "train"
	}
	for _, rc := range d.MaskIndicesVal {
		_, dup := seen[[2]int{rc[0], rc[1]}]
		require.False(t, dup)
		seen[[2]int{rc[0], rc[1]}] = "val"
	}
	for _, rc := range d.MaskIndicesTest {
		_, dup := seen[[2]int{rc[0], rc[1]}]
		require.False(t, dup)
	}

	var valCount float64
	prev := -1
	for i, rc := range d.MaskIndicesTrVal {
		key := rc[0]*d.M + rc[1]
		require.Greater(t, key, prev, "union must be row-major")
		prev = key

		want := 0.0
		if seen[[2]int{rc[0], rc[1]}] == "val" {
			want = 1
		}
		assert.Equal(t, want, d.MaskTrValSplit[i])
		valCount += d.MaskTrValSplit[i]
		assert.Equal(t, d.MatTrVal.Data[key], d.MatValuesTrVal[i])
	}
	assert.Equal(t, float64(len(d.MaskIndicesVal)), valCount)

	var maskSum float64
	for _, v := range d.MaskTr.Data {
		maskSum += v
	}
	assert.Equal(t, float64(len(d.MaskIndicesTr)), maskSum)
	assert.Equal(t, []int{30, 20, 1}, d.MatTrVal.Shape)
}

func TestSplitIsDeterministic(t *testing.T) {
	r, err := Synthetic(10, 10, 2, 0.5, 3)
	require.NoError(t, err)

	a, err := Split(r, 0.8, 0.2, 0, 42)
	require.NoError(t, err)
	b, err := Split(r, 0.8, 0.2, 0, 42)
	require.NoError(t, err)
	c, err := Split(r, 0.8, 0.2, 0, 43)
	require.NoError(t, err)

	assert.Equal(t, a.MaskIndicesVal, b.MaskIndicesVal)
	assert.NotEqual(t, a.MaskIndicesVal, c.MaskIndicesVal)
}

func TestSplitErrors(t *testing.T) {
	r, err := Synthetic(4, 4, 1, 1, 1)
	require.NoError(t, err)

	for _, f := range [][3]float64{{0, 0.2, 0}, {0.9, 0.2, 0}, {0.8, -0.1, 0}, {0.8, 0.2, 1}} {
		_, err := Split(r, f[0], f[1], f[2], 1)
		assert.ErrorIs(t, err, ErrBadSplit, "fractions %v", f)
	}
	_, err = Split(&Ratings{}, 0.8, 0.2, 0, 1)
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestTrainingBlockMasksValidation(t *testing.T) {
	d, err := newData(2, 2,
		[]Entry{{0, 0, 5}, {1, 1, 2}},
		[]Entry{{0, 1, 4}},
		nil)
	require.NoError(t, err)

	block, err := d.TrainingBlock([]int{1, 0}, []int{0, 1})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2, 1}, block.Shape)
	// The validation rating at (0,1) and the missing (1,0) are both zero.
	assert.Equal(t, []float64{0, 2, 5, 0}, block.Data)
	assert.Equal(t, 3.5, d.MeanTrainingRating())
	assert.Equal(t, []float64{0, 1, 0}, d.MaskTrValSplit)

	_, err = d.TrainingBlock([]int{2}, []int{0})
	assert.Error(t, err)
}

func TestSynthetic(t *testing.T) {
	r, err := Synthetic(15, 9, 2, 0.1, 5)
	require.NoError(t, err)

	rows := map[int]bool{}
	cols := map[int]bool{}
	for _, e := range r.Entries {
		rows[e.Row] = true
		cols[e.Col] = true
		assert.GreaterOrEqual(t, e.Value, 1.0)
		assert.LessOrEqual(t, e.Value, 5.0)
	}
	assert.Len(t, rows, 15)
	assert.Len(t, cols, 9)

	again, err := Synthetic(15, 9, 2, 0.1, 5)
	require.NoError(t, err)
	assert.Equal(t, r.Entries, again.Entries)

	_, err = Synthetic(0, 9, 2, 0.1, 5)
	assert.Error(t, err)
	_, err = Synthetic(3, 9, 2, 0, 5)
	assert.Error(t, err)
}
