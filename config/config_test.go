package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-exchangeable/layers"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv(ConfigPathEnvVar, "")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "scanner", cfg.Data.Loader)
	assert.Equal(t, 0.8, cfg.Data.Train)
	assert.Equal(t, 500, cfg.Training.Epochs)
	assert.Equal(t, 943, cfg.Training.MaxRows)
	assert.Equal(t, 1682, cfg.Training.MaxCols)
	assert.Equal(t, "adam", cfg.Optimizer.Type)
	assert.Equal(t, 1e-4, cfg.Optimizer.LearningRate)
	assert.Equal(t, layers.DefaultEncoder(), cfg.Model.Encoder)
	assert.Equal(t, "reference", cfg.Model.DropoutScaling)

	spec, err := cfg.ModelSpec()
	require.NoError(t, err)
	assert.Equal(t, 5, spec.LatentFeatures)
	assert.Equal(t, 1, spec.OutputFeatures)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := writeConfig(t, `
data:
  path: ratings.dat
  loader: duckdb
  train: 0.7
  valid: 0.3
model:
  dropout_scaling: inverted
  encoder:
    - type: matrix_dropout_sparse
      rate: 0.3
    - type: matrix_sparse
      units: 16
    - type: matrix_pool_sparse
      pool_mode: mean
  decoder:
    - type: matrix_sparse
      units: 1
      activation: linear
training:
  epochs: 20
  scheduler:
    type: plateau
    patience: 3
optimizer:
  type: rmsprop
  learning_rate: 0.001
`)
	t.Setenv("EXAE_TRAINING__EPOCHS", "7")
	t.Setenv("EXAE_MONITOR__ADDR", ":9100")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "ratings.dat", cfg.Data.Path)
	assert.Equal(t, "duckdb", cfg.Data.Loader)
	assert.Equal(t, 0.7, cfg.Data.Train)
	// environment beats the file
	assert.Equal(t, 7, cfg.Training.Epochs)
	assert.Equal(t, ":9100", cfg.Monitor.Addr)
	assert.Equal(t, "plateau", cfg.Training.Scheduler.Type)
	assert.Equal(t, 3, cfg.Training.Scheduler.Patience)
	assert.Equal(t, "rmsprop", cfg.Optimizer.Type)
	// untouched keys keep their defaults
	assert.Equal(t, 943, cfg.Training.MaxRows)

	require.Len(t, cfg.Model.Encoder, 3)
	assert.Equal(t, 0.3, cfg.Model.Encoder[0].Rate)
	assert.Equal(t, 16, cfg.Model.Encoder[1].Units)

	opts, err := cfg.ModelOptions()
	require.NoError(t, err)
	assert.Len(t, opts, 3)
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"fractions": `
data:
  train: 0.9
  valid: 0.3
`,
		"loader": `
data:
  loader: csv
`,
		"optimizer": `
optimizer:
  type: adagrad
`,
		"dropout after pool": `
model:
  encoder:
    - type: matrix_sparse
      units: 4
    - type: matrix_pool_sparse
    - type: matrix_dropout_sparse
`,
		"encoder without pool": `
model:
  encoder:
    - type: matrix_sparse
      units: 4
`,
		"scheduler": `
training:
  scheduler:
    type: warmup
`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestEnvTransform(t *testing.T) {
	assert.Equal(t, "training.max_rows", envTransformFunc("EXAE_TRAINING__MAX_ROWS"))
	assert.Equal(t, "training.scheduler.type", envTransformFunc("EXAE_TRAINING__SCHEDULER__TYPE"))
	assert.Equal(t, "verbose", envTransformFunc("EXAE_VERBOSE"))
}
