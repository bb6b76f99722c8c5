package monitor

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-exchangeable/checkpoints"
	"github.com/tsawler/go-exchangeable/training"
)

type fakeSource struct {
	history *training.History
	status  training.Status
}

func (f *fakeSource) History() *training.History { return f.history }
func (f *fakeSource) Status() training.Status    { return f.status }

func newTestRouter(t *testing.T) (http.Handler, *fakeSource, *training.Metrics) {
	t.Helper()
	reg := prometheus.NewRegistry()
	metrics := training.NewMetrics(reg)
	src := &fakeSource{history: training.NewHistory(), status: training.Status{Epoch: 2, BestEpoch: 1, BestValRMSE: 0.95}}
	return NewRouter(src, reg, zerolog.Nop()), src, metrics
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthz(t *testing.T) {
	h, _, _ := newTestRouter(t)
	rec := get(t, h, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	h, _, metrics := newTestRouter(t)
	metrics.StepsTotal.Add(12)

	rec := get(t, h, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "exae_train_steps_total 12")
}

func TestHistoryEndpoint(t *testing.T) {
	h, src, _ := newTestRouter(t)

	rec := get(t, h, "/history/last")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	src.history.Add(checkpoints.EpochRecord{Epoch: 0, TrainRMSE: 1.1, ValRMSE: 1.0})
	src.history.Add(checkpoints.EpochRecord{Epoch: 1, TrainRMSE: 0.9, ValRMSE: 0.95})

	rec = get(t, h, "/history")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body HistoryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.Epochs, 2)
	assert.Equal(t, 0.9, body.Epochs[1].TrainRMSE)
	assert.Equal(t, 1, body.Status.BestEpoch)

	rec = get(t, h, "/history/last")
	require.Equal(t, http.StatusOK, rec.Code)
	var last checkpoints.EpochRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &last))
	assert.Equal(t, 1, last.Epoch)
}

func TestStatusEndpoint(t *testing.T) {
	h, _, _ := newTestRouter(t)
	rec := get(t, h, "/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var status training.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, 2, status.Epoch)
	assert.Equal(t, 0.95, status.BestValRMSE)
}

func TestServerRunShutsDown(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	_, src, _ := newTestRouter(t)
	srv := NewServer(addr, src, prometheus.NewRegistry(), zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/healthz")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		return string(b) == "ok"
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
