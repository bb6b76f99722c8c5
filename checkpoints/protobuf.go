package checkpoints

import (
	"errors"
	"fmt"
	"math"

	"github.com/goccy/go-json"
	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/tsawler/go-exchangeable/layers"
)

// Binary checkpoints are a protobuf message laid out by hand:
//
//	message Checkpoint {
//	  string          format         = 1;
//	  bytes           model_spec     = 2; // JSON
//	  repeated Tensor weights        = 3;
//	  TrainingState   training_state = 4;
//	  Optimizer       optimizer      = 5;
//	  Metadata        metadata       = 6;
//	}
//	message Tensor {
//	  string name = 1; repeated int64 shape = 2 [packed]; repeated double data = 3 [packed];
//	  string layer = 4; string type = 5;
//	}
//	message TrainingState {
//	  int64 epoch = 1; int64 step = 2; double learning_rate = 3;
//	  double best_loss = 4; int64 best_epoch = 5; int64 total_steps = 6;
//	}
//	message Optimizer { string type = 1; bytes parameters = 2; repeated Tensor state = 3; }
//	message Metadata {
//	  string version = 1; string framework = 2; google.protobuf.Timestamp created_at = 3;
//	  string description = 4; repeated string tags = 5; string run_id = 6;
//	}
//
// Optimizer tensors store their state type in the Tensor.type field.
const protoFormat = "exae.checkpoint.v1"

// ErrBadProto is returned for binary checkpoints that cannot be parsed.
var ErrBadProto = errors.New("checkpoints: malformed protobuf checkpoint")

// MarshalProto encodes a checkpoint in the binary format.
func MarshalProto(c *Checkpoint) ([]byte, error) {
	var b []byte
	b = appendString(b, 1, protoFormat)

	if c.ModelSpec != nil {
		spec, err := json.Marshal(c.ModelSpec)
		if err != nil {
			return nil, fmt.Errorf("model spec: %w", err)
		}
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, spec)
	}

	for _, w := range c.Weights {
		b = appendMessage(b, 3, appendTensor(nil, w.Name, w.Shape, w.Data, w.Layer, w.Type))
	}

	b = appendMessage(b, 4, appendTrainingState(nil, c.TrainingState))

	if c.OptimizerState != nil {
		msg, err := appendOptimizer(nil, c.OptimizerState)
		if err != nil {
			return nil, err
		}
		b = appendMessage(b, 5, msg)
	}

	meta, err := appendMetadata(nil, c.Metadata)
	if err != nil {
		return nil, err
	}
	return appendMessage(b, 6, meta), nil
}

// UnmarshalProto decodes a checkpoint written by MarshalProto.
func UnmarshalProto(b []byte) (*Checkpoint, error) {
	c := &Checkpoint{}
	sawFormat := false

	err := walk(b, func(f field) error {
		switch f.num {
		case 1:
			if string(f.bytes) != protoFormat {
				return fmt.Errorf("%w: format %q", ErrBadProto, f.bytes)
			}
			sawFormat = true
		case 2:
			var spec layers.ModelSpec
			if err := json.Unmarshal(f.bytes, &spec); err != nil {
				return fmt.Errorf("model spec: %w", err)
			}
			c.ModelSpec = &spec
		case 3:
			t, err := parseTensor(f.bytes)
			if err != nil {
				return err
			}
			c.Weights = append(c.Weights, WeightTensor{Name: t.name, Shape: t.shape, Data: t.data, Layer: t.layer, Type: t.kind})
		case 4:
			return parseTrainingState(f.bytes, &c.TrainingState)
		case 5:
			state, err := parseOptimizer(f.bytes)
			if err != nil {
				return err
			}
			c.OptimizerState = state
		case 6:
			return parseMetadata(f.bytes, &c.Metadata)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !sawFormat {
		return nil, fmt.Errorf("%w: missing format marker", ErrBadProto)
	}
	return c, nil
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendVarint(b []byte, num protowire.Number, v int64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func appendDouble(b []byte, num protowire.Number, v float64) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func appendTensor(b []byte, name string, shape []int, data []float64, layer, kind string) []byte {
	b = appendString(b, 1, name)

	var packed []byte
	for _, d := range shape {
		packed = protowire.AppendVarint(packed, uint64(d))
	}
	b = appendMessage(b, 2, packed)

	packed = make([]byte, 0, 8*len(data))
	for _, v := range data {
		packed = protowire.AppendFixed64(packed, math.Float64bits(v))
	}
	b = appendMessage(b, 3, packed)

	b = appendString(b, 4, layer)
	return appendString(b, 5, kind)
}

func appendTrainingState(b []byte, ts TrainingState) []byte {
	b = appendVarint(b, 1, int64(ts.Epoch))
	b = appendVarint(b, 2, int64(ts.Step))
	b = appendDouble(b, 3, ts.LearningRate)
	b = appendDouble(b, 4, ts.BestLoss)
	b = appendVarint(b, 5, int64(ts.BestEpoch))
	return appendVarint(b, 6, int64(ts.TotalSteps))
}

func appendOptimizer(b []byte, s *OptimizerState) ([]byte, error) {
	b = appendString(b, 1, s.Type)
	params, err := json.Marshal(s.Parameters)
	if err != nil {
		return nil, fmt.Errorf("optimizer parameters: %w", err)
	}
	b = appendMessage(b, 2, params)
	for _, t := range s.StateData {
		b = appendMessage(b, 3, appendTensor(nil, t.Name, t.Shape, t.Data, "", t.StateType))
	}
	return b, nil
}

func appendMetadata(b []byte, m CheckpointMetadata) ([]byte, error) {
	b = appendString(b, 1, m.Version)
	b = appendString(b, 2, m.Framework)
	if !m.CreatedAt.IsZero() {
		ts, err := proto.Marshal(timestamppb.New(m.CreatedAt))
		if err != nil {
			return nil, fmt.Errorf("created_at: %w", err)
		}
		b = appendMessage(b, 3, ts)
	}
	b = appendString(b, 4, m.Description)
	for _, tag := range m.Tags {
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendString(b, tag)
	}
	return appendString(b, 6, m.RunID), nil
}

type field struct {
	num    protowire.Number
	typ    protowire.Type
	varint uint64
	fixed  uint64
	bytes  []byte
}

// walk calls fn for every top-level field of a message. Unknown wire types
// are skipped.
func walk(b []byte, fn func(field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrBadProto, protowire.ParseError(n))
		}
		b = b[n:]

		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.varint, n = protowire.ConsumeVarint(b)
		case protowire.Fixed64Type:
			f.fixed, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			f.bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrBadProto, num, protowire.ParseError(n))
		}
		b = b[n:]

		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

type wireTensor struct {
	name, layer, kind string
	shape             []int
	data              []float64
}

func parseTensor(b []byte) (wireTensor, error) {
	var t wireTensor
	err := walk(b, func(f field) error {
		switch f.num {
		case 1:
			t.name = string(f.bytes)
		case 2:
			for p := f.bytes; len(p) > 0; {
				v, n := protowire.ConsumeVarint(p)
				if n < 0 {
					return fmt.Errorf("%w: shape: %v", ErrBadProto, protowire.ParseError(n))
				}
				t.shape = append(t.shape, int(v))
				p = p[n:]
			}
		case 3:
			if len(f.bytes)%8 != 0 {
				return fmt.Errorf("%w: data length %d", ErrBadProto, len(f.bytes))
			}
			t.data = make([]float64, 0, len(f.bytes)/8)
			for p := f.bytes; len(p) > 0; {
				v, n := protowire.ConsumeFixed64(p)
				if n < 0 {
					return fmt.Errorf("%w: data: %v", ErrBadProto, protowire.ParseError(n))
				}
				t.data = append(t.data, math.Float64frombits(v))
				p = p[n:]
			}
		case 4:
			t.layer = string(f.bytes)
		case 5:
			t.kind = string(f.bytes)
		}
		return nil
	})
	return t, err
}

func parseTrainingState(b []byte, ts *TrainingState) error {
	return walk(b, func(f field) error {
		switch f.num {
		case 1:
			ts.Epoch = int(f.varint)
		case 2:
			ts.Step = int(f.varint)
		case 3:
			ts.LearningRate = math.Float64frombits(f.fixed)
		case 4:
			ts.BestLoss = math.Float64frombits(f.fixed)
		case 5:
			ts.BestEpoch = int(f.varint)
		case 6:
			ts.TotalSteps = int(f.varint)
		}
		return nil
	})
}

func parseOptimizer(b []byte) (*OptimizerState, error) {
	s := &OptimizerState{}
	err := walk(b, func(f field) error {
		switch f.num {
		case 1:
			s.Type = string(f.bytes)
		case 2:
			if err := json.Unmarshal(f.bytes, &s.Parameters); err != nil {
				return fmt.Errorf("optimizer parameters: %w", err)
			}
		case 3:
			t, err := parseTensor(f.bytes)
			if err != nil {
				return err
			}
			s.StateData = append(s.StateData, OptimizerTensor{Name: t.name, Shape: t.shape, Data: t.data, StateType: t.kind})
		}
		return nil
	})
	return s, err
}

func parseMetadata(b []byte, m *CheckpointMetadata) error {
	return walk(b, func(f field) error {
		switch f.num {
		case 1:
			m.Version = string(f.bytes)
		case 2:
			m.Framework = string(f.bytes)
		case 3:
			var ts timestamppb.Timestamp
			if err := proto.Unmarshal(f.bytes, &ts); err != nil {
				return fmt.Errorf("created_at: %w", err)
			}
			m.CreatedAt = ts.AsTime()
		case 4:
			m.Description = string(f.bytes)
		case 5:
			m.Tags = append(m.Tags, string(f.bytes))
		case 6:
			m.RunID = string(f.bytes)
		}
		return nil
	})
}
