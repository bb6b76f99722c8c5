package training

import (
	"fmt"
	"io"
	"slices"
	"sync"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"github.com/tsawler/go-exchangeable/checkpoints"
)

// History collects per-epoch records. It is safe for concurrent use: the
// trainer appends while the monitor server reads.
type History struct {
	mu      sync.RWMutex
	records []checkpoints.EpochRecord
}

// NewHistory returns an empty history.
func NewHistory() *History {
	return &History{}
}

// Add appends the record of a finished epoch.
func (h *History) Add(rec checkpoints.EpochRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, rec)
}

// Records returns a copy of the records in epoch order.
func (h *History) Records() []checkpoints.EpochRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return slices.Clone(h.records)
}

// Len returns the number of recorded epochs.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.records)
}

// Last returns the most recent record.
func (h *History) Last() (checkpoints.EpochRecord, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.records) == 0 {
		return checkpoints.EpochRecord{}, false
	}
	return h.records[len(h.records)-1], true
}

// PlotConfig sizes the rendered training curves.
type PlotConfig struct {
	Title  string
	Width  vg.Length
	Height vg.Length
	Format string // png, svg, pdf, ...
}

// DefaultPlotConfig renders a 16x10 cm PNG.
func DefaultPlotConfig() PlotConfig {
	return PlotConfig{
		Title:  "Training curves",
		Width:  16 * vg.Centimeter,
		Height: 10 * vg.Centimeter,
		Format: "png",
	}
}

// PlotHistory draws the training, reconstruction and validation RMSE
// curves of records.
func PlotHistory(w io.Writer, records []checkpoints.EpochRecord, cfg PlotConfig) error {
	if len(records) == 0 {
		return fmt.Errorf("plot history: no epochs recorded")
	}

	p := plot.New()
	p.Title.Text = cfg.Title
	p.X.Label.Text = "epoch"
	p.Y.Label.Text = "RMSE"
	p.Add(plotter.NewGrid())

	train := make(plotter.XYs, len(records))
	rec := make(plotter.XYs, len(records))
	val := make(plotter.XYs, len(records))
	for i, r := range records {
		x := float64(r.Epoch)
		train[i] = plotter.XY{X: x, Y: r.TrainRMSE}
		rec[i] = plotter.XY{X: x, Y: r.RecRMSE}
		val[i] = plotter.XY{X: x, Y: r.ValRMSE}
	}
	if err := plotutil.AddLinePoints(p, "train", train, "rec", rec, "validation", val); err != nil {
		return fmt.Errorf("plot history: %w", err)
	}

	wt, err := p.WriterTo(cfg.Width, cfg.Height, cfg.Format)
	if err != nil {
		return fmt.Errorf("plot history: %w", err)
	}
	if _, err := wt.WriteTo(w); err != nil {
		return fmt.Errorf("plot history: %w", err)
	}
	return nil
}
