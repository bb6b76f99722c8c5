package layers

import (
	"fmt"
	"strings"

	"github.com/tsawler/go-exchangeable/sparse"
)

// LayerType represents the type of a sparse matrix layer
type LayerType int

const (
	// MatrixSparse is the exchangeable layer: a per-cell feature transform
	// plus transforms of the row, column and global pooled statistics.
	MatrixSparse LayerType = iota
	// MatrixPoolSparse pools the encoder output into row factors (nvec)
	// and column factors (mvec).
	MatrixPoolSparse
	// MatrixDropoutSparse drops whole rows and columns during training.
	MatrixDropoutSparse
)

func (lt LayerType) String() string {
	switch lt {
	case MatrixSparse:
		return "MatrixSparse"
	case MatrixPoolSparse:
		return "MatrixPoolSparse"
	case MatrixDropoutSparse:
		return "MatrixDropoutSparse"
	default:
		return "Unknown"
	}
}

// ParseLayerType accepts the configuration names matrix_sparse,
// matrix_pool_sparse and matrix_dropout_sparse.
func ParseLayerType(name string) (LayerType, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "matrix_sparse":
		return MatrixSparse, nil
	case "matrix_pool_sparse":
		return MatrixPoolSparse, nil
	case "matrix_dropout_sparse":
		return MatrixDropoutSparse, nil
	default:
		return 0, fmt.Errorf("unknown layer type %q", name)
	}
}

// LayerSpec defines layer configuration. Rows and columns of a batch are
// only known at run time, so shapes record them as -1: [-1, -1, K].
type LayerSpec struct {
	Type       LayerType              `json:"type"`
	Name       string                 `json:"name"`
	Parameters map[string]interface{} `json:"parameters"`

	// Shape information (computed during model compilation)
	InputShape  []int `json:"input_shape,omitempty"`
	OutputShape []int `json:"output_shape,omitempty"`

	// Parameter metadata (computed during model compilation)
	ParameterShapes [][]int  `json:"parameter_shapes,omitempty"`
	ParameterNames  []string `json:"parameter_names,omitempty"`
	ParameterCount  int64    `json:"parameter_count,omitempty"`
}

// ModelSpec is a compiled factorized autoencoder: an encoder that ends in
// a pool layer and a decoder that reconstructs every masked cell from the
// pooled row and column factors.
type ModelSpec struct {
	Encoder []LayerSpec `json:"encoder"`
	Decoder []LayerSpec `json:"decoder"`

	// Compiled model information
	InputFeatures   int        `json:"input_features"`
	LatentFeatures  int        `json:"latent_features"`
	OutputFeatures  int        `json:"output_features"`
	TotalParameters int64      `json:"total_parameters"`
	ParameterShapes [][]int    `json:"parameter_shapes"`
	ParameterNames  []string   `json:"parameter_names"`
	Compiled        bool       `json:"compiled"`
}

// Layers returns encoder and decoder layers in execution order.
func (ms *ModelSpec) Layers() []LayerSpec {
	out := make([]LayerSpec, 0, len(ms.Encoder)+len(ms.Decoder))
	out = append(out, ms.Encoder...)
	return append(out, ms.Decoder...)
}

// Definition is the configuration form of a layer. Zero values fall back
// to Defaults; an explicit activation of "linear" or "none" disables the
// nonlinearity.
type Definition struct {
	Type       string  `koanf:"type" json:"type" yaml:"type" validate:"required,oneof=matrix_sparse matrix_pool_sparse matrix_dropout_sparse"`
	Name       string  `koanf:"name" json:"name,omitempty" yaml:"name,omitempty"`
	Units      int     `koanf:"units" json:"units,omitempty" yaml:"units,omitempty" validate:"gte=0"`
	Activation string  `koanf:"activation" json:"activation,omitempty" yaml:"activation,omitempty"`
	PoolMode   string  `koanf:"pool_mode" json:"pool_mode,omitempty" yaml:"pool_mode,omitempty"`
	Rate       float64 `koanf:"rate" json:"rate,omitempty" yaml:"rate,omitempty" validate:"gte=0,lt=1"`
}

// Defaults are applied to Definitions that leave a field unset.
type Defaults struct {
	Activation       string  `koanf:"activation" json:"activation"`
	ExchangePoolMode string  `koanf:"exchange_pool_mode" json:"exchange_pool_mode"`
	PoolMode         string  `koanf:"pool_mode" json:"pool_mode"`
	DropoutRate      float64 `koanf:"dropout_rate" json:"dropout_rate"`
}

// DefaultDefaults matches the reference run: ReLU, mean pooling inside
// exchangeable layers, max pooling for the factor layer, dropout 0.5.
func DefaultDefaults() Defaults {
	return Defaults{
		Activation:       "relu",
		ExchangePoolMode: "mean",
		PoolMode:         "max",
		DropoutRate:      0.5,
	}
}

// DefaultEncoder is 32 → 32 → 5 (linear) → pool.
func DefaultEncoder() []Definition {
	return []Definition{
		{Type: "matrix_sparse", Units: 32},
		{Type: "matrix_sparse", Units: 32},
		{Type: "matrix_sparse", Units: 5, Activation: "linear"},
		{Type: "matrix_pool_sparse"},
	}
}

// DefaultDecoder is 32 → 32 → 1 (linear).
func DefaultDecoder() []Definition {
	return []Definition{
		{Type: "matrix_sparse", Units: 32},
		{Type: "matrix_sparse", Units: 32},
		{Type: "matrix_sparse", Units: 1, Activation: "linear"},
	}
}

type stage int

const (
	encoderStage stage = iota
	decoderStage
)

// ModelBuilder helps construct factorized autoencoders. Layers are added to
// the encoder until AddPool, and to the decoder afterwards.
type ModelBuilder struct {
	encoder       []LayerSpec
	decoder       []LayerSpec
	inputFeatures int
	stage         stage
	compiled      bool
}

// NewModelBuilder creates a builder for inputs with the given number of
// features per cell (1 for a ratings matrix).
func NewModelBuilder(inputFeatures int) *ModelBuilder {
	return &ModelBuilder{
		encoder:       make([]LayerSpec, 0),
		decoder:       make([]LayerSpec, 0),
		inputFeatures: inputFeatures,
	}
}

// AddLayer adds a layer to the current stage
func (mb *ModelBuilder) AddLayer(layer LayerSpec) *ModelBuilder {
	if layer.Name == "" {
		layer.Name = mb.autoName(layer.Type)
	}
	if mb.stage == encoderStage {
		mb.encoder = append(mb.encoder, layer)
	} else {
		mb.decoder = append(mb.decoder, layer)
	}
	if layer.Type == MatrixPoolSparse {
		mb.stage = decoderStage
	}
	mb.compiled = false
	return mb
}

// AddExchangeable adds an exchangeable layer with the given number of
// output units. poolMode is "mean" or "sum".
func (mb *ModelBuilder) AddExchangeable(units int, activation, poolMode, name string) *ModelBuilder {
	layer := LayerSpec{
		Type: MatrixSparse,
		Name: name,
		Parameters: map[string]interface{}{
			"units":      units,
			"activation": activation,
			"pool_mode":  poolMode,
		},
	}
	return mb.AddLayer(layer)
}

// AddPool ends the encoder. mode is "max", "mean" or "sum".
func (mb *ModelBuilder) AddPool(mode, name string) *ModelBuilder {
	layer := LayerSpec{
		Type: MatrixPoolSparse,
		Name: name,
		Parameters: map[string]interface{}{
			"pool_mode": mode,
		},
	}
	return mb.AddLayer(layer)
}

// AddDropout adds a sparse dropout layer. It is only valid in the encoder.
func (mb *ModelBuilder) AddDropout(rate float64, name string) *ModelBuilder {
	layer := LayerSpec{
		Type: MatrixDropoutSparse,
		Name: name,
		Parameters: map[string]interface{}{
			"rate": rate,
		},
	}
	return mb.AddLayer(layer)
}

// AddDefinition adds a configured layer, filling unset fields from d.
func (mb *ModelBuilder) AddDefinition(def Definition, d Defaults) (*ModelBuilder, error) {
	lt, err := ParseLayerType(def.Type)
	if err != nil {
		return nil, err
	}
	switch lt {
	case MatrixSparse:
		activation := def.Activation
		if activation == "" {
			activation = d.Activation
		}
		mode := def.PoolMode
		if mode == "" {
			mode = d.ExchangePoolMode
		}
		return mb.AddExchangeable(def.Units, activation, mode, def.Name), nil
	case MatrixPoolSparse:
		mode := def.PoolMode
		if mode == "" {
			mode = d.PoolMode
		}
		return mb.AddPool(mode, def.Name), nil
	default:
		rate := def.Rate
		if rate == 0 {
			rate = d.DropoutRate
		}
		return mb.AddDropout(rate, def.Name), nil
	}
}

// Build adds every encoder and decoder definition and compiles the model.
func Build(inputFeatures int, encoder, decoder []Definition, d Defaults) (*ModelSpec, error) {
	mb := NewModelBuilder(inputFeatures)
	for _, group := range [][]Definition{encoder, decoder} {
		for i, def := range group {
			if _, err := mb.AddDefinition(def, d); err != nil {
				return nil, fmt.Errorf("layer %d: %w", i, err)
			}
		}
	}
	return mb.Compile()
}

func (mb *ModelBuilder) autoName(lt LayerType) string {
	prefix := "enc"
	n := len(mb.encoder)
	if mb.stage == decoderStage {
		prefix = "dec"
		n = len(mb.decoder)
	}
	switch lt {
	case MatrixPoolSparse:
		return fmt.Sprintf("%s_pool%d", prefix, n)
	case MatrixDropoutSparse:
		return fmt.Sprintf("%s_dropout%d", prefix, n)
	default:
		return fmt.Sprintf("%s_exch%d", prefix, n)
	}
}

// Compile checks the architecture and computes feature widths and
// parameter shapes.
func (mb *ModelBuilder) Compile() (*ModelSpec, error) {
	if mb.inputFeatures <= 0 {
		return nil, fmt.Errorf("input features must be positive, got %d", mb.inputFeatures)
	}
	if len(mb.encoder) == 0 {
		return nil, fmt.Errorf("cannot compile model with empty encoder")
	}
	if last := mb.encoder[len(mb.encoder)-1]; last.Type != MatrixPoolSparse {
		return nil, fmt.Errorf("encoder must end with a pool layer, got %s", last.Type)
	}
	if len(mb.decoder) == 0 {
		return nil, fmt.Errorf("cannot compile model with empty decoder")
	}

	model := &ModelSpec{
		Encoder:       cloneSpecs(mb.encoder),
		Decoder:       cloneSpecs(mb.decoder),
		InputFeatures: mb.inputFeatures,
	}

	currentShape := []int{-1, -1, mb.inputFeatures}
	for i := range model.Encoder {
		layer := &model.Encoder[i]
		if err := mb.computeLayer(model, layer, currentShape, false); err != nil {
			return nil, fmt.Errorf("failed to compute encoder layer %d (%s) info: %w", i, layer.Name, err)
		}
		currentShape = layer.OutputShape
	}
	model.LatentFeatures = currentShape[2]

	// The first decoder layer sees concat(nvec[i], mvec[j]).
	currentShape = []int{-1, -1, 2 * model.LatentFeatures}
	for i := range model.Decoder {
		layer := &model.Decoder[i]
		if layer.Type != MatrixSparse {
			return nil, fmt.Errorf("decoder layer %d (%s): only %s layers are allowed after the pool layer, got %s",
				i, layer.Name, MatrixSparse, layer.Type)
		}
		if err := mb.computeLayer(model, layer, currentShape, true); err != nil {
			return nil, fmt.Errorf("failed to compute decoder layer %d (%s) info: %w", i, layer.Name, err)
		}
		currentShape = layer.OutputShape
	}
	model.OutputFeatures = currentShape[2]
	model.Compiled = true
	mb.compiled = true

	return model, nil
}

func (mb *ModelBuilder) computeLayer(model *ModelSpec, layer *LayerSpec, inputShape []int, decoder bool) error {
	if layer.Parameters == nil {
		layer.Parameters = map[string]interface{}{}
	}
	layer.InputShape = append([]int(nil), inputShape...)

	var (
		outputShape []int
		paramShapes [][]int
		paramNames  []string
		paramCount  int64
		err         error
	)
	switch layer.Type {
	case MatrixSparse:
		outputShape, paramShapes, paramNames, paramCount, err = computeExchangeableInfo(layer, inputShape)
	case MatrixPoolSparse:
		if decoder {
			return fmt.Errorf("pool layer after the encoder")
		}
		outputShape, err = computePoolInfo(layer, inputShape)
	case MatrixDropoutSparse:
		outputShape, err = computeDropoutInfo(layer, inputShape)
	default:
		err = fmt.Errorf("unsupported layer type: %s", layer.Type.String())
	}
	if err != nil {
		return err
	}

	layer.OutputShape = outputShape
	layer.ParameterShapes = paramShapes
	layer.ParameterNames = paramNames
	layer.ParameterCount = paramCount

	model.ParameterShapes = append(model.ParameterShapes, paramShapes...)
	model.ParameterNames = append(model.ParameterNames, paramNames...)
	model.TotalParameters += paramCount
	return nil
}

// Parameter order of an exchangeable layer.
const (
	ThetaSelf = iota
	ThetaCol
	ThetaRow
	ThetaGlobal
	Bias
	exchangeableParams
)

var exchangeableParamNames = [exchangeableParams]string{"theta_self", "theta_col", "theta_row", "theta_global", "bias"}

func computeExchangeableInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, []string, int64, error) {
	units := getIntParam(layer.Parameters, "units", 0)
	if units <= 0 {
		return nil, nil, nil, 0, fmt.Errorf("units must be positive, got %d", units)
	}

	activation := getStringParam(layer.Parameters, "activation", "")
	if _, err := sparse.ActivationByName(activation); err != nil {
		return nil, nil, nil, 0, err
	}

	mode, err := sparse.ParseReduceMode(getStringParam(layer.Parameters, "pool_mode", "mean"))
	if err != nil {
		return nil, nil, nil, 0, err
	}
	if mode == sparse.ReduceMax {
		return nil, nil, nil, 0, fmt.Errorf("pool mode %s is not supported in an exchangeable layer over masked input", mode)
	}
	layer.Parameters["pool_mode"] = mode.String()
	layer.Parameters["input_features"] = inputShape[2]

	k := inputShape[2]
	shapes := make([][]int, 0, exchangeableParams)
	names := make([]string, 0, exchangeableParams)
	for p := 0; p < exchangeableParams; p++ {
		if p == Bias {
			shapes = append(shapes, []int{units})
		} else {
			shapes = append(shapes, []int{k, units})
		}
		names = append(names, layer.Name+"/"+exchangeableParamNames[p])
	}
	count := int64(4*k*units + units)

	return []int{inputShape[0], inputShape[1], units}, shapes, names, count, nil
}

func computePoolInfo(layer *LayerSpec, inputShape []int) ([]int, error) {
	mode, err := sparse.ParseReduceMode(getStringParam(layer.Parameters, "pool_mode", "max"))
	if err != nil {
		return nil, err
	}
	layer.Parameters["pool_mode"] = mode.String()
	return append([]int(nil), inputShape...), nil
}

func computeDropoutInfo(layer *LayerSpec, inputShape []int) ([]int, error) {
	rate := getFloatParam(layer.Parameters, "rate", 0.5)
	if rate < 0 || rate >= 1 {
		return nil, fmt.Errorf("%w: got %v", sparse.ErrBadRate, rate)
	}
	return append([]int(nil), inputShape...), nil
}

// GetCompiledModel returns the compiled model (must call Compile first)
func (mb *ModelBuilder) GetCompiledModel() (*ModelSpec, error) {
	if !mb.compiled {
		return nil, fmt.Errorf("model not compiled - call Compile() first")
	}
	return mb.Compile()
}

// Summary returns a human-readable model summary
func (ms *ModelSpec) Summary() string {
	if !ms.Compiled {
		return "Model not compiled"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Model Summary:\n")
	fmt.Fprintf(&b, "Input features: %d\n", ms.InputFeatures)
	fmt.Fprintf(&b, "Latent features: %d\n", ms.LatentFeatures)
	fmt.Fprintf(&b, "Output features: %d\n", ms.OutputFeatures)
	fmt.Fprintf(&b, "Total Parameters: %d\n", ms.TotalParameters)
	fmt.Fprintf(&b, "Layers: %d\n\n", len(ms.Encoder)+len(ms.Decoder))

	for _, group := range []struct {
		title  string
		layers []LayerSpec
	}{{"Encoder", ms.Encoder}, {"Decoder", ms.Decoder}} {
		fmt.Fprintf(&b, "%s:\n", group.title)
		for i, layer := range group.layers {
			fmt.Fprintf(&b, "  Layer %d: %s (%s)\n", i+1, layer.Name, layer.Type.String())
			fmt.Fprintf(&b, "    Input:  %v\n", layer.InputShape)
			fmt.Fprintf(&b, "    Output: %v\n", layer.OutputShape)
			fmt.Fprintf(&b, "    Params: %d\n", layer.ParameterCount)
			if len(layer.Parameters) > 0 {
				fmt.Fprintf(&b, "    Config: %v\n", layer.Parameters)
			}
		}
		b.WriteString("\n")
	}

	return b.String()
}

func cloneSpecs(in []LayerSpec) []LayerSpec {
	out := make([]LayerSpec, len(in))
	for i, l := range in {
		out[i] = l
		out[i].Parameters = make(map[string]interface{}, len(l.Parameters))
		for k, v := range l.Parameters {
			out[i].Parameters[k] = v
		}
	}
	return out
}

// Helper functions for parameter extraction. Parameters decoded from JSON
// carry float64 numbers, so numeric getters accept both kinds.
func getIntParam(params map[string]interface{}, key string, defaultValue int) int {
	if val, exists := params[key]; exists {
		switch v := val.(type) {
		case int:
			return v
		case float64:
			return int(v)
		}
	}
	return defaultValue
}

func getFloatParam(params map[string]interface{}, key string, defaultValue float64) float64 {
	if val, exists := params[key]; exists {
		switch v := val.(type) {
		case float64:
			return v
		case float32:
			return float64(v)
		case int:
			return float64(v)
		}
	}
	return defaultValue
}

func getStringParam(params map[string]interface{}, key string, defaultValue string) string {
	if val, exists := params[key]; exists {
		if s, ok := val.(string); ok {
			return s
		}
	}
	return defaultValue
}
