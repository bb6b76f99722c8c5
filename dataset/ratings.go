package dataset

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"
)

var (
	// ErrBadLine is returned for a ratings line that cannot be parsed.
	ErrBadLine = errors.New("dataset: malformed ratings line")

	// ErrEmpty is returned when a ratings source holds no entries.
	ErrEmpty = errors.New("dataset: no ratings")
)

// Entry is one observed rating at dense (row, col) coordinates.
type Entry struct {
	Row   int
	Col   int
	Value float64
}

// Ratings is a ratings table with user and item ids remapped to dense
// indices. Users[i] and Items[j] hold the raw ids of row i and column j.
type Ratings struct {
	Entries []Entry
	Users   []string
	Items   []string
}

// N returns the number of users (rows).
func (r *Ratings) N() int { return len(r.Users) }

// M returns the number of items (columns).
func (r *Ratings) M() int { return len(r.Items) }

type rawRating struct {
	user, item string
	value      float64
}

// LoadRatings reads a ratings file of "user item rating [timestamp]" lines.
// Fields are separated by "::" (MovieLens 1M), a tab (MovieLens 100k), a
// comma, or whitespace.
func LoadRatings(path string) (*Ratings, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open ratings: %w", err)
	}
	defer f.Close()

	r, err := ParseRatings(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return r, nil
}

// ParseRatings reads ratings lines from r. A first line whose rating field
// is not a number is taken as a header and skipped.
func ParseRatings(r io.Reader) (*Ratings, error) {
	var raw []rawRating

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := splitFields(line)
		if len(fields) < 3 {
			return nil, fmt.Errorf("%w: line %d has %d fields", ErrBadLine, lineNo, len(fields))
		}
		value, err := strconv.ParseFloat(strings.TrimSpace(fields[2]), 64)
		if err != nil {
			if len(raw) == 0 && lineNo == 1 {
				continue
			}
			return nil, fmt.Errorf("%w: line %d: rating %q", ErrBadLine, lineNo, fields[2])
		}
		raw = append(raw, rawRating{
			user:  strings.TrimSpace(fields[0]),
			item:  strings.TrimSpace(fields[1]),
			value: value,
		})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read ratings: %w", err)
	}
	return newRatings(raw)
}

func splitFields(line string) []string {
	switch {
	case strings.Contains(line, "::"):
		return strings.Split(line, "::")
	case strings.Contains(line, "\t"):
		return strings.Split(line, "\t")
	case strings.Contains(line, ","):
		return strings.Split(line, ",")
	default:
		return strings.Fields(line)
	}
}

// newRatings remaps raw ids to dense indices in sorted id order. A repeated
// (user, item) pair keeps its last rating.
func newRatings(raw []rawRating) (*Ratings, error) {
	if len(raw) == 0 {
		return nil, ErrEmpty
	}

	users := make([]string, 0, len(raw))
	items := make([]string, 0, len(raw))
	for _, rr := range raw {
		users = append(users, rr.user)
		items = append(items, rr.item)
	}
	users = sortIDs(users)
	items = sortIDs(items)

	userIdx := make(map[string]int, len(users))
	for i, id := range users {
		userIdx[id] = i
	}
	itemIdx := make(map[string]int, len(items))
	for j, id := range items {
		itemIdx[id] = j
	}

	type cell struct{ row, col int }
	pos := make(map[cell]int, len(raw))
	entries := make([]Entry, 0, len(raw))
	for _, rr := range raw {
		c := cell{userIdx[rr.user], itemIdx[rr.item]}
		if i, ok := pos[c]; ok {
			entries[i].Value = rr.value
			continue
		}
		pos[c] = len(entries)
		entries = append(entries, Entry{Row: c.row, Col: c.col, Value: rr.value})
	}

	return &Ratings{Entries: entries, Users: users, Items: items}, nil
}

// sortIDs deduplicates ids and sorts them numerically when every id is an
// integer, lexically otherwise.
func sortIDs(ids []string) []string {
	slices.Sort(ids)
	ids = slices.Compact(ids)

	nums := make(map[string]int64, len(ids))
	for _, id := range ids {
		v, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			return ids
		}
		nums[id] = v
	}
	slices.SortFunc(ids, func(a, b string) int {
		switch {
		case nums[a] < nums[b]:
			return -1
		case nums[a] > nums[b]:
			return 1
		}
		return strings.Compare(a, b)
	})
	return ids
}
