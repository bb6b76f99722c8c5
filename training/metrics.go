package training

import (
	"math"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"gonum.org/v1/gonum/stat"
)

// Metrics are the Prometheus collectors a Trainer reports to.
type Metrics struct {
	StepsTotal    prometheus.Counter
	BlocksSkipped prometheus.Counter
	Epoch         prometheus.Gauge
	TrainRMSE     prometheus.Gauge
	RecRMSE       prometheus.Gauge
	ValRMSE       prometheus.Gauge
	BestValRMSE   prometheus.Gauge
	LearningRate  prometheus.Gauge
	StepDuration  prometheus.Histogram
	EpochDuration prometheus.Histogram
}

// NewMetrics registers the training collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		StepsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "exae_train_steps_total",
			Help: "Total number of optimizer steps",
		}),
		BlocksSkipped: f.NewCounter(prometheus.CounterOpts{
			Name: "exae_train_blocks_skipped_total",
			Help: "Total number of sampled blocks without training entries",
		}),
		Epoch: f.NewGauge(prometheus.GaugeOpts{
			Name: "exae_train_epoch",
			Help: "Last completed epoch",
		}),
		TrainRMSE: f.NewGauge(prometheus.GaugeOpts{
			Name: "exae_train_rmse",
			Help: "Training loss of the last epoch, mean over blocks of the root of the block loss",
		}),
		RecRMSE: f.NewGauge(prometheus.GaugeOpts{
			Name: "exae_train_rec_rmse",
			Help: "Reconstruction part of the training loss of the last epoch",
		}),
		ValRMSE: f.NewGauge(prometheus.GaugeOpts{
			Name: "exae_validation_rmse",
			Help: "Validation RMSE of the last epoch",
		}),
		BestValRMSE: f.NewGauge(prometheus.GaugeOpts{
			Name: "exae_validation_best_rmse",
			Help: "Lowest validation RMSE so far",
		}),
		LearningRate: f.NewGauge(prometheus.GaugeOpts{
			Name: "exae_learning_rate",
			Help: "Current learning rate",
		}),
		StepDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "exae_train_step_duration_seconds",
			Help:    "Forward, backward and update time of one block",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		EpochDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "exae_train_epoch_duration_seconds",
			Help:    "Wall time of one epoch including validation",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		}),
	}
}

// RegressionMetrics holds comprehensive regression evaluation metrics
type RegressionMetrics struct {
	MAE  float64 `json:"mae"`  // Mean Absolute Error
	MSE  float64 `json:"mse"`  // Mean Squared Error
	RMSE float64 `json:"rmse"` // Root Mean Squared Error
	R2   float64 `json:"r2"`   // R-squared
	NMAE float64 `json:"nmae"` // MAE over the range of true values
}

// CalculateRegressionMetrics compares predictions with true values. Empty
// or mismatched inputs give zero metrics.
func CalculateRegressionMetrics(predictions, trueValues []float64) RegressionMetrics {
	n := len(trueValues)
	if n == 0 || len(predictions) != n {
		return RegressionMetrics{}
	}

	meanTrue := stat.Mean(trueValues, nil)
	var sumAbsErr, sumSqErr, sumSqTotal float64
	minTrue, maxTrue := math.Inf(1), math.Inf(-1)
	for i, y := range trueValues {
		d := predictions[i] - y
		sumAbsErr += math.Abs(d)
		sumSqErr += d * d
		sumSqTotal += (y - meanTrue) * (y - meanTrue)
		minTrue = math.Min(minTrue, y)
		maxTrue = math.Max(maxTrue, y)
	}

	m := RegressionMetrics{
		MAE: sumAbsErr / float64(n),
		MSE: sumSqErr / float64(n),
	}
	m.RMSE = math.Sqrt(m.MSE)
	if sumSqTotal > 0 {
		m.R2 = 1 - sumSqErr/sumSqTotal
	}
	if maxTrue > minTrue {
		m.NMAE = m.MAE / (maxTrue - minTrue)
	}
	return m
}
