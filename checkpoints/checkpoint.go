package checkpoints

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/tsawler/go-exchangeable/layers"
	"github.com/tsawler/go-exchangeable/tensor"
)

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatJSON CheckpointFormat = iota
	FormatProtobuf
)

const (
	frameworkName    = "go-exchangeable"
	frameworkVersion = "1.0.0"
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	case FormatProtobuf:
		return "Protobuf"
	default:
		return "Unknown"
	}
}

// FormatForPath picks the format from a file extension: .pb and .bin are
// protobuf, anything else JSON.
func FormatForPath(path string) CheckpointFormat {
	lower := strings.ToLower(path)
	if strings.HasSuffix(lower, ".pb") || strings.HasSuffix(lower, ".bin") {
		return FormatProtobuf
	}
	return FormatJSON
}

// Checkpoint represents a complete model state including weights, optimizer state, and training metadata
type Checkpoint struct {
	ModelSpec *layers.ModelSpec `json:"model_spec"`
	Weights   []WeightTensor    `json:"weights"`

	TrainingState TrainingState `json:"training_state"`

	// Optimizer state (if available)
	OptimizerState *OptimizerState `json:"optimizer_state,omitempty"`

	Metadata CheckpointMetadata `json:"metadata"`
}

// WeightTensor represents a model parameter tensor with its data
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data"`
	Layer string    `json:"layer"`
	Type  string    `json:"type"` // "weight" or "bias"
}

// TrainingState captures the current training progress
type TrainingState struct {
	Epoch        int     `json:"epoch"`
	Step         int     `json:"step"`
	LearningRate float64 `json:"learning_rate"`
	BestLoss     float64 `json:"best_loss"` // best validation RMSE so far
	BestEpoch    int     `json:"best_epoch"`
	TotalSteps   int     `json:"total_steps"`
}

// OptimizerState captures optimizer-specific state (momentum, variance, etc.)
type OptimizerState struct {
	Type       string                 `json:"type"` // "SGD", "Adam", etc.
	Parameters map[string]interface{} `json:"parameters"`
	StateData  []OptimizerTensor      `json:"state_data"`
}

// OptimizerTensor represents optimizer state tensors (momentum, variance, etc.)
type OptimizerTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float64 `json:"data"`
	StateType string    `json:"state_type"`
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	RunID       string    `json:"run_id,omitempty"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

// CheckpointSaver handles saving model checkpoints in various formats
type CheckpointSaver struct {
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{
		format: format,
	}
}

// SaveCheckpoint saves a complete model checkpoint
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = frameworkName
		checkpoint.Metadata.Version = frameworkVersion
		checkpoint.Metadata.CreatedAt = time.Now().UTC()
	}

	var (
		data []byte
		err  error
	)
	switch cs.format {
	case FormatJSON:
		data, err = json.MarshalIndent(checkpoint, "", "  ")
	case FormatProtobuf:
		data, err = MarshalProto(checkpoint)
	default:
		return fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write checkpoint file: %w", err)
	}
	return nil
}

// LoadCheckpoint loads a model checkpoint
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %w", err)
	}

	switch cs.format {
	case FormatJSON:
		var checkpoint Checkpoint
		if err := json.Unmarshal(data, &checkpoint); err != nil {
			return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
		}
		return &checkpoint, nil
	case FormatProtobuf:
		checkpoint, err := UnmarshalProto(data)
		if err != nil {
			return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
		}
		return checkpoint, nil
	default:
		return nil, fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

// ExtractWeights copies model parameters into named weight tensors. Names
// come from the compiled spec, "<layer>/<parameter>".
func ExtractWeights(params []*tensor.Tensor, spec *layers.ModelSpec) ([]WeightTensor, error) {
	if len(params) != len(spec.ParameterNames) {
		return nil, fmt.Errorf("weight count mismatch: %d tensors, spec has %d parameters", len(params), len(spec.ParameterNames))
	}

	weights := make([]WeightTensor, 0, len(params))
	for i, p := range params {
		name := spec.ParameterNames[i]
		layer, param, _ := strings.Cut(name, "/")
		kind := "weight"
		if param == "bias" {
			kind = "bias"
		}
		weights = append(weights, WeightTensor{
			Name:  name,
			Shape: append([]int(nil), p.Shape...),
			Data:  append([]float64(nil), p.Data...),
			Layer: layer,
			Type:  kind,
		})
	}
	return weights, nil
}

// LoadWeights rebuilds parameter tensors from checkpointed weights, checking
// names and shapes against the compiled spec.
func LoadWeights(weights []WeightTensor, spec *layers.ModelSpec) ([]*tensor.Tensor, error) {
	if len(weights) != len(spec.ParameterShapes) {
		return nil, fmt.Errorf("weight count mismatch: %d weights, spec has %d parameters", len(weights), len(spec.ParameterShapes))
	}

	params := make([]*tensor.Tensor, len(weights))
	for i, w := range weights {
		if w.Name != spec.ParameterNames[i] {
			return nil, fmt.Errorf("weight %d is %s, expected %s", i, w.Name, spec.ParameterNames[i])
		}
		if !tensor.ShapesEqual(w.Shape, spec.ParameterShapes[i]) {
			return nil, fmt.Errorf("shape mismatch for weight %s: checkpoint %v vs model %v", w.Name, w.Shape, spec.ParameterShapes[i])
		}
		p, err := tensor.NewTensor(w.Shape, append([]float64(nil), w.Data...))
		if err != nil {
			return nil, fmt.Errorf("weight %s: %w", w.Name, err)
		}
		params[i] = p
	}
	return params, nil
}
