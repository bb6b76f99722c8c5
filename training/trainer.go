package training

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tsawler/go-exchangeable/async"
	"github.com/tsawler/go-exchangeable/checkpoints"
	"github.com/tsawler/go-exchangeable/dataset"
	"github.com/tsawler/go-exchangeable/layers"
	"github.com/tsawler/go-exchangeable/logging"
	"github.com/tsawler/go-exchangeable/optimizer"
	"github.com/tsawler/go-exchangeable/sampler"
	"github.com/tsawler/go-exchangeable/sparse"
)

// initialMinLoss is the starting value of the best validation loss. An
// epoch only counts as the best once it beats it.
const initialMinLoss = 5.0

// ErrNoValidation is returned by Validate when the split holds no
// validation entries.
var ErrNoValidation = errors.New("training: no validation entries")

// Config holds configuration for training
type Config struct {
	Epochs int `koanf:"epochs" json:"epochs" validate:"gte=1"`
	// MaxRows and MaxCols bound the block a training step sees.
	MaxRows int     `koanf:"max_rows" json:"max_rows" validate:"gte=1"`
	MaxCols int     `koanf:"max_cols" json:"max_cols" validate:"gte=1"`
	L2      float64 `koanf:"l2" json:"l2" validate:"gte=0"`
	// Patience stops training after that many epochs without a new best
	// validation loss. Zero disables early stopping.
	Patience int    `koanf:"patience" json:"patience" validate:"gte=0"`
	Seed     uint64 `koanf:"seed" json:"seed"`
	// Prefetch is the number of blocks prepared ahead of the current step.
	// Zero prepares blocks inline.
	Prefetch int `koanf:"prefetch" json:"prefetch" validate:"gte=0"`
	// CheckpointPath, when set, receives the model of every new best epoch.
	CheckpointPath string          `koanf:"checkpoint_path" json:"checkpoint_path"`
	Scheduler      SchedulerConfig `koanf:"scheduler" json:"scheduler"`
}

// DefaultConfig mirrors the reference MovieLens 100k run.
func DefaultConfig() Config {
	return Config{
		Epochs:   500,
		MaxRows:  943,
		MaxCols:  1682,
		L2:       1e-5,
		Seed:     1,
		Prefetch: 1,
	}
}

// EpochLoss is the training loss of one epoch: the mean over blocks of the
// root of each block loss, with and without the L2 term.
type EpochLoss struct {
	Train  float64
	Rec    float64
	Blocks int
}

// Status is a snapshot of trainer progress.
type Status struct {
	Epoch        int     `json:"epoch"`
	Steps        int     `json:"steps"`
	LearningRate float64 `json:"learning_rate"`
	BestValRMSE  float64 `json:"best_val_rmse"`
	BestEpoch    int     `json:"best_epoch"`
	Done         bool    `json:"done"`
}

// Trainer owns the model, optimizer, sampler and epoch state of one run.
type Trainer struct {
	model     *layers.Model
	opt       optimizer.Optimizer
	scheduler LRScheduler
	sampler   *sampler.Sampler
	loader    *async.BlockLoader
	data      *dataset.Data
	cfg       Config

	logger   zerolog.Logger
	metrics  *Metrics
	progress io.Writer
	store    *checkpoints.RunStore
	runID    string
	history  *History

	// training entries over the full matrix, the validation encoder input
	fullInput *sparse.Tensor
	baseLR    float64

	mu           sync.RWMutex
	lr           float64
	epoch        int
	steps        int
	minLoss      float64
	minLossEpoch int
	done         bool
}

// Option configures a Trainer.
type Option func(*Trainer)

// WithLogger sets the logger for epoch lines and errors.
//
//nolint:gocritic // zerolog.Logger is designed to be passed by value
func WithLogger(l zerolog.Logger) Option {
	return func(t *Trainer) { t.logger = l }
}

// WithMetrics reports progress to Prometheus collectors.
func WithMetrics(m *Metrics) Option {
	return func(t *Trainer) { t.metrics = m }
}

// WithProgress renders a progress bar per epoch to w.
func WithProgress(w io.Writer) Option {
	return func(t *Trainer) { t.progress = w }
}

// WithRunStore records every epoch under runID.
func WithRunStore(store *checkpoints.RunStore, runID string) Option {
	return func(t *Trainer) {
		t.store = store
		t.runID = runID
	}
}

// WithScheduler overrides the scheduler built from Config.Scheduler.
func WithScheduler(s LRScheduler) Option {
	return func(t *Trainer) { t.scheduler = s }
}

// NewTrainer prepares a run over data.
func NewTrainer(model *layers.Model, opt optimizer.Optimizer, data *dataset.Data, cfg Config, opts ...Option) (*Trainer, error) {
	if model.Spec.InputFeatures != 1 || model.Spec.OutputFeatures != 1 {
		return nil, fmt.Errorf("trainer needs a model with one input and one output feature, got %d and %d",
			model.Spec.InputFeatures, model.Spec.OutputFeatures)
	}

	s, err := sampler.New(data.MaskTr, cfg.MaxRows, cfg.MaxCols, sampler.WithSeed(cfg.Seed))
	if err != nil {
		return nil, fmt.Errorf("sampler: %w", err)
	}

	full, err := sparse.New(sparse.ExpandIndices(data.MaskIndicesTr, 1), data.MaskValuesTr, []int{data.N, data.M, 1})
	if err != nil {
		return nil, fmt.Errorf("training entries: %w", err)
	}

	t := &Trainer{
		model:     model,
		opt:       opt,
		sampler:   s,
		data:      data,
		cfg:       cfg,
		logger:    logging.WithComponent("trainer"),
		history:   NewHistory(),
		fullInput: full,
		baseLR:    opt.LearningRate(),
		lr:        opt.LearningRate(),
		minLoss:   initialMinLoss,
	}
	for _, o := range opts {
		o(t)
	}
	t.loader, err = async.NewBlockLoader(s, t.prepareBlock, async.BlockLoaderConfig{PrefetchDepth: cfg.Prefetch})
	if err != nil {
		return nil, err
	}
	if t.scheduler == nil {
		if t.scheduler, err = NewScheduler(cfg.Scheduler); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// History returns the epoch history.
func (t *Trainer) History() *History {
	return t.history
}

// Status returns a snapshot of the trainer progress.
func (t *Trainer) Status() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return Status{
		Epoch:        t.epoch,
		Steps:        t.steps,
		LearningRate: t.lr,
		BestValRMSE:  t.minLoss,
		BestEpoch:    t.minLossEpoch,
		Done:         t.done,
	}
}

// Fit trains until Config.Epochs, early stopping or cancellation. ctx is
// checked between steps.
func (t *Trainer) Fit(ctx context.Context) error {
	t.logger.Info().
		Str("scheduler", t.scheduler.GetName()).
		Float64("learning_rate", t.baseLR).
		Int("max_rows", t.cfg.MaxRows).
		Int("max_cols", t.cfg.MaxCols).
		Int("blocks_per_epoch", t.sampler.NumBlocks()).
		Int("parameters", int(t.model.Spec.TotalParameters)).
		Msg("training started")

	defer func() {
		t.mu.Lock()
		t.done = true
		t.mu.Unlock()
	}()

	for {
		t.mu.RLock()
		epoch, minLossEpoch := t.epoch, t.minLossEpoch
		t.mu.RUnlock()

		if epoch >= t.cfg.Epochs {
			return nil
		}
		if t.cfg.Patience > 0 && epoch-minLossEpoch > t.cfg.Patience {
			t.logger.Info().Int("epoch", epoch).Int("best_epoch", minLossEpoch).Msg("early stopping")
			return nil
		}
		if err := t.runEpoch(ctx, epoch); err != nil {
			t.logger.Error().Err(err).Int("epoch", epoch).Msg("training stopped")
			return err
		}
	}
}

func (t *Trainer) runEpoch(ctx context.Context, epoch int) error {
	start := time.Now()

	lr := t.scheduler.GetLR(epoch, t.baseLR)
	t.setLearningRate(lr)

	loss, err := t.TrainEpoch(ctx)
	if err != nil {
		return err
	}

	val, err := t.Validate()
	hasVal := err == nil
	if err != nil && !errors.Is(err, ErrNoValidation) {
		return err
	}

	t.mu.Lock()
	improved := hasVal && val < t.minLoss
	if improved {
		t.minLoss = val
		t.minLossEpoch = epoch
	}
	best, bestEpoch := t.minLoss, t.minLossEpoch
	t.epoch = epoch + 1
	t.mu.Unlock()

	if ms, ok := t.scheduler.(MetricScheduler); ok && hasVal {
		t.setLearningRate(ms.Step(val, lr))
	}

	rec := checkpoints.EpochRecord{
		Epoch:        epoch,
		TrainRMSE:    loss.Train,
		RecRMSE:      loss.Rec,
		ValRMSE:      val,
		BestValRMSE:  best,
		BestEpoch:    bestEpoch,
		LearningRate: lr,
		Duration:     time.Since(start),
		Timestamp:    time.Now().UTC(),
	}
	t.history.Add(rec)
	if t.store != nil {
		if err := t.store.SaveEpoch(t.runID, rec); err != nil {
			return fmt.Errorf("record epoch: %w", err)
		}
	}
	if t.metrics != nil {
		t.metrics.Epoch.Set(float64(epoch))
		t.metrics.TrainRMSE.Set(loss.Train)
		t.metrics.RecRMSE.Set(loss.Rec)
		t.metrics.ValRMSE.Set(val)
		t.metrics.BestValRMSE.Set(best)
		t.metrics.LearningRate.Set(t.opt.LearningRate())
		t.metrics.EpochDuration.Observe(rec.Duration.Seconds())
	}

	t.logger.Info().
		Int("epoch", epoch).
		Dur("duration", rec.Duration).
		Float64("train_rmse", loss.Train).
		Float64("rec_rmse", loss.Rec).
		Float64("val_rmse", val).
		Float64("best_val_rmse", best).
		Int("best_epoch", bestEpoch).
		Msg("epoch finished")

	if improved && t.cfg.CheckpointPath != "" {
		cp, err := t.Checkpoint()
		if err != nil {
			return err
		}
		saver := checkpoints.NewCheckpointSaver(checkpoints.FormatForPath(t.cfg.CheckpointPath))
		if err := saver.SaveCheckpoint(cp, t.cfg.CheckpointPath); err != nil {
			return fmt.Errorf("save best model: %w", err)
		}
		t.logger.Debug().Str("path", t.cfg.CheckpointPath).Int("epoch", epoch).Msg("saved best model")
	}
	return nil
}

func (t *Trainer) setLearningRate(lr float64) {
	t.opt.UpdateLearningRate(lr)
	t.mu.Lock()
	t.lr = lr
	t.mu.Unlock()
}

// TrainEpoch runs one pass over the sampled blocks.
func (t *Trainer) TrainEpoch(ctx context.Context) (EpochLoss, error) {
	var bar *ProgressBar
	if t.progress != nil {
		t.mu.RLock()
		desc := fmt.Sprintf("epoch %d", t.epoch)
		t.mu.RUnlock()
		bar = NewProgressBar(t.progress, desc, t.sampler.NumBlocks())
	}

	var sum EpochLoss
	i := 0
	for block, err := range t.loader.Epoch(ctx) {
		if err != nil {
			return EpochLoss{}, err
		}
		if err := ctx.Err(); err != nil {
			return EpochLoss{}, err
		}

		i++
		total, rec, ok, err := t.step(block.Input)
		if err != nil {
			return EpochLoss{}, err
		}
		if !ok {
			continue
		}
		sum.Train += total
		sum.Rec += rec
		sum.Blocks++
		if bar != nil {
			bar.Update(i, map[string]float64{"loss": sum.Train / float64(sum.Blocks)})
		}
	}
	if err := ctx.Err(); err != nil {
		return EpochLoss{}, err
	}
	if bar != nil {
		bar.Finish()
	}

	if sum.Blocks > 0 {
		sum.Train /= float64(sum.Blocks)
		sum.Rec /= float64(sum.Blocks)
	}
	return sum, nil
}

// prepareBlock carves the training entries of a block into a sparse input.
func (t *Trainer) prepareBlock(block sampler.Block) (*sparse.Tensor, error) {
	dense, err := t.data.TrainingBlock(block.Rows, block.Cols)
	if err != nil {
		return nil, err
	}
	input, err := sparse.FromDense(dense)
	if err != nil {
		return nil, fmt.Errorf("sparsify block: %w", err)
	}
	return input, nil
}

// step trains on one block and returns the root of its total and
// reconstruction losses. ok is false for a block without training entries.
func (t *Trainer) step(input *sparse.Tensor) (total, rec float64, ok bool, err error) {
	start := time.Now()

	if input.NNZ() == 0 {
		if t.metrics != nil {
			t.metrics.BlocksSkipped.Inc()
		}
		return 0, 0, false, nil
	}

	batch := layers.Batch{
		Input:       input,
		MaskIndices: input.CellIndices(),
		Shape:       input.Shape[:2],
	}
	trace, err := t.model.Forward(batch, true)
	if err != nil {
		return 0, 0, false, fmt.Errorf("forward: %w", err)
	}

	target, pred := input.Values, trace.Predictions()
	recLoss, err := ReconstructionLoss(target, pred, nil)
	if err != nil {
		return 0, 0, false, err
	}
	regularized := t.model.Regularized()
	weights := t.model.Params
	penalty := 0.0
	for _, i := range regularized {
		penalty += L2Penalty(t.cfg.L2, weights[i])
	}

	gradOut, err := ReconstructionLossGrad(target, pred, nil, len(target))
	if err != nil {
		return 0, 0, false, err
	}
	grads, err := t.model.Backward(trace, gradOut)
	if err != nil {
		return 0, 0, false, fmt.Errorf("backward: %w", err)
	}
	for _, i := range regularized {
		if err := AddL2Grad(t.cfg.L2, weights[i], grads[i]); err != nil {
			return 0, 0, false, err
		}
	}
	if err := t.opt.Step(weights, grads); err != nil {
		return 0, 0, false, fmt.Errorf("optimizer step: %w", err)
	}

	t.mu.Lock()
	t.steps++
	t.mu.Unlock()
	if t.metrics != nil {
		t.metrics.StepsTotal.Inc()
		t.metrics.StepDuration.Observe(time.Since(start).Seconds())
	}
	return math.Sqrt(recLoss + penalty), math.Sqrt(recLoss), true, nil
}

// Validate encodes every training entry of the full matrix, decodes at the
// training and validation entries and returns the RMSE over the
// validation ones.
func (t *Trainer) Validate() (float64, error) {
	if len(t.data.MaskIndicesVal) == 0 {
		return 0, ErrNoValidation
	}

	pred, err := t.predict(t.data.MaskIndicesTrVal)
	if err != nil {
		return 0, fmt.Errorf("validation: %w", err)
	}
	loss, err := ReconstructionLossN(t.data.MatValuesTrVal, pred, t.data.MaskTrValSplit, len(t.data.MaskIndicesVal))
	if err != nil {
		return 0, fmt.Errorf("validation: %w", err)
	}
	return math.Sqrt(loss), nil
}

// Evaluate predicts the ratings at indices from the training entries and
// compares them with values.
func (t *Trainer) Evaluate(indices [][]int, values []float64) (RegressionMetrics, error) {
	if len(indices) == 0 {
		return RegressionMetrics{}, nil
	}
	pred, err := t.predict(indices)
	if err != nil {
		return RegressionMetrics{}, fmt.Errorf("evaluate: %w", err)
	}
	return CalculateRegressionMetrics(pred, values), nil
}

func (t *Trainer) predict(indices [][]int) ([]float64, error) {
	return t.model.Predict(layers.Batch{
		Input:       t.fullInput,
		MaskIndices: indices,
		Shape:       []int{t.data.N, t.data.M},
	})
}

// Checkpoint captures the model, optimizer and progress of the run.
func (t *Trainer) Checkpoint() (*checkpoints.Checkpoint, error) {
	weights, err := checkpoints.ExtractWeights(t.model.Params, t.model.Spec)
	if err != nil {
		return nil, err
	}
	state, err := t.opt.GetState()
	if err != nil {
		return nil, fmt.Errorf("optimizer state: %w", err)
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	return &checkpoints.Checkpoint{
		ModelSpec: t.model.Spec,
		Weights:   weights,
		TrainingState: checkpoints.TrainingState{
			Epoch:        t.epoch,
			LearningRate: t.lr,
			BestLoss:     t.minLoss,
			BestEpoch:    t.minLossEpoch,
			TotalSteps:   t.steps,
		},
		OptimizerState: state,
		Metadata: checkpoints.CheckpointMetadata{
			RunID: t.runID,
		},
	}, nil
}

// Restore resumes from a checkpoint taken by Checkpoint.
func (t *Trainer) Restore(cp *checkpoints.Checkpoint) error {
	params, err := checkpoints.LoadWeights(cp.Weights, t.model.Spec)
	if err != nil {
		return err
	}
	if err := t.model.SetParams(params); err != nil {
		return err
	}
	if cp.OptimizerState != nil {
		if err := t.opt.LoadState(cp.OptimizerState); err != nil {
			return fmt.Errorf("optimizer state: %w", err)
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.lr = t.opt.LearningRate()
	t.epoch = cp.TrainingState.Epoch
	t.steps = cp.TrainingState.TotalSteps
	t.minLoss = cp.TrainingState.BestLoss
	t.minLossEpoch = cp.TrainingState.BestEpoch
	return nil
}
