package dataset

import (
	"fmt"
	"math"
	"math/rand/v2"
	"strconv"

	"gonum.org/v1/gonum/floats"
)

// Synthetic draws an n×m ratings table of rank k. Each cell is observed with
// probability density; every row and column gets at least one entry. Ratings
// are 3 + u·v rounded and clamped to 1..5, with u and v scaled so the dot
// product has unit variance.
func Synthetic(n, m, k int, density float64, seed uint64) (*Ratings, error) {
	if n <= 0 || m <= 0 || k <= 0 {
		return nil, fmt.Errorf("dataset: synthetic size %dx%d rank %d", n, m, k)
	}
	if density <= 0 || density > 1 {
		return nil, fmt.Errorf("dataset: synthetic density %g not in (0,1]", density)
	}

	rng := rand.New(rand.NewPCG(seed, seed^0x2545f4914f6cdd1d))
	scale := math.Pow(float64(k), -0.25)
	factors := func(count int) [][]float64 {
		out := make([][]float64, count)
		for i := range out {
			out[i] = make([]float64, k)
			for f := range out[i] {
				out[i][f] = rng.NormFloat64() * scale
			}
		}
		return out
	}
	u, v := factors(n), factors(m)

	rating := func(i, j int) float64 {
		return math.Max(1, math.Min(5, math.Round(3+floats.Dot(u[i], v[j]))))
	}

	observed := make([]bool, n*m)
	for i := 0; i < n; i++ {
		observed[i*m+rng.IntN(m)] = true
	}
	for j := 0; j < m; j++ {
		observed[rng.IntN(n)*m+j] = true
	}

	r := &Ratings{Users: make([]string, n), Items: make([]string, m)}
	for i := range r.Users {
		r.Users[i] = strconv.Itoa(i + 1)
	}
	for j := range r.Items {
		r.Items[j] = strconv.Itoa(j + 1)
	}
	for i := 0; i < n; i++ {
		for j := 0; j < m; j++ {
			if observed[i*m+j] || rng.Float64() < density {
				r.Entries = append(r.Entries, Entry{Row: i, Col: j, Value: rating(i, j)})
			}
		}
	}
	return r, nil
}
