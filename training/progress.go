package training

import (
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/tsawler/go-exchangeable/layers"
)

// ProgressBar renders tqdm-style block progress for one epoch.
type ProgressBar struct {
	out         io.Writer
	description string
	total       int
	current     int
	startTime   time.Time
	width       int
	metrics     map[string]float64
	now         func() time.Time
}

// NewProgressBar creates a progress bar over total steps writing to out.
func NewProgressBar(out io.Writer, description string, total int) *ProgressBar {
	return &ProgressBar{
		out:         out,
		description: description,
		total:       total,
		startTime:   time.Now(),
		width:       40,
		metrics:     make(map[string]float64),
		now:         time.Now,
	}
}

// Update advances the progress bar to step and replaces the metrics.
func (pb *ProgressBar) Update(step int, metrics map[string]float64) {
	pb.current = step
	pb.metrics = metrics
	pb.render()
}

// Finish draws the completed bar and ends the line.
func (pb *ProgressBar) Finish() {
	pb.current = pb.total
	pb.render()
	fmt.Fprintln(pb.out)
}

func (pb *ProgressBar) render() {
	fraction := 1.0
	if pb.total > 0 {
		fraction = min(float64(pb.current)/float64(pb.total), 1)
	}
	filled := int(fraction * float64(pb.width))
	bar := strings.Repeat("█", filled) + strings.Repeat(" ", pb.width-filled)

	elapsed := pb.now().Sub(pb.startTime)
	var eta time.Duration
	var rate float64
	if pb.current > 0 && elapsed > 0 {
		rate = float64(pb.current) / elapsed.Seconds()
		eta = time.Duration(float64(elapsed)/fraction) - elapsed
	}

	var b strings.Builder
	fmt.Fprintf(&b, "\r%s: %3.0f%%|%s| %d/%d [%s<%s",
		pb.description, fraction*100, bar, pb.current, pb.total,
		formatDuration(elapsed), formatDuration(eta))
	if rate > 0 {
		fmt.Fprintf(&b, ", %.2fblock/s", rate)
	}

	keys := make([]string, 0, len(pb.metrics))
	for k := range pb.metrics {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, ", %s=%.3f", k, pb.metrics[k])
	}
	b.WriteString("]")

	fmt.Fprint(pb.out, b.String())
}

// formatDuration formats duration as MM:SS
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}

// PrintArchitecture writes a PyTorch-style listing of the model.
func PrintArchitecture(w io.Writer, name string, spec *layers.ModelSpec) {
	fmt.Fprintf(w, "%s(\n", name)
	for _, section := range []struct {
		label string
		specs []layers.LayerSpec
	}{{"encoder", spec.Encoder}, {"decoder", spec.Decoder}} {
		fmt.Fprintf(w, "  (%s): Sequential(\n", section.label)
		for _, l := range section.specs {
			fmt.Fprintf(w, "    %s\n", formatLayer(l))
		}
		fmt.Fprintln(w, "  )")
	}
	fmt.Fprintln(w, ")")
	fmt.Fprintf(w, "Total parameters: %s\n", formatParameterCount(spec.TotalParameters))
}

func formatLayer(l layers.LayerSpec) string {
	in, out := lastDim(l.InputShape), lastDim(l.OutputShape)
	switch l.Type {
	case layers.MatrixSparse:
		return fmt.Sprintf("(%s): Exchangeable(%d, %d, activation=%v, pool=%v)",
			l.Name, in, out, l.Parameters["activation"], l.Parameters["pool_mode"])
	case layers.MatrixPoolSparse:
		return fmt.Sprintf("(%s): Pool(%d, mode=%v)", l.Name, in, l.Parameters["pool_mode"])
	case layers.MatrixDropoutSparse:
		return fmt.Sprintf("(%s): Dropout(p=%v)", l.Name, l.Parameters["rate"])
	default:
		return fmt.Sprintf("(%s): %s()", l.Name, l.Type)
	}
}

func lastDim(shape []int) int {
	if len(shape) == 0 {
		return 0
	}
	return shape[len(shape)-1]
}

// formatParameterCount formats parameter count with K/M suffixes
func formatParameterCount(count int64) string {
	if count >= 1000000 {
		return fmt.Sprintf("%.1fM", float64(count)/1000000.0)
	} else if count >= 1000 {
		return fmt.Sprintf("%.1fK", float64(count)/1000.0)
	}
	return fmt.Sprintf("%d", count)
}
