package checkpoints

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Key prefixes for BadgerDB storage
const (
	runKeyPrefix   = "run:"
	epochKeyPrefix = "epoch:"
)

// ErrRunNotFound is returned for an unknown run ID.
var ErrRunNotFound = errors.New("checkpoints: run not found")

// RunInfo describes one training run.
type RunInfo struct {
	ID          string    `json:"id"`
	StartedAt   time.Time `json:"started_at"`
	Description string    `json:"description,omitempty"`
}

// EpochRecord is the per-epoch summary a training run reports.
type EpochRecord struct {
	Epoch        int           `json:"epoch"`
	TrainRMSE    float64       `json:"train_rmse"`
	RecRMSE      float64       `json:"rec_rmse"`
	ValRMSE      float64       `json:"val_rmse"`
	BestValRMSE  float64       `json:"best_val_rmse"`
	BestEpoch    int           `json:"best_epoch"`
	LearningRate float64       `json:"learning_rate"`
	Duration     time.Duration `json:"duration"`
	Timestamp    time.Time     `json:"timestamp"`
}

// RunStore keeps run history in BadgerDB.
type RunStore struct {
	db *badger.DB
}

// OpenRunStore opens (or creates) a store at dir. An empty dir keeps the
// store in memory.
func OpenRunStore(dir string) (*RunStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open run store: %w", err)
	}
	return &RunStore{db: db}, nil
}

// Close releases the underlying database.
func (s *RunStore) Close() error {
	return s.db.Close()
}

// NewRun registers a run and returns its ID.
func (s *RunStore) NewRun(description string) (string, error) {
	info := RunInfo{
		ID:          uuid.NewString(),
		StartedAt:   time.Now().UTC(),
		Description: description,
	}
	data, err := json.Marshal(info)
	if err != nil {
		return "", fmt.Errorf("marshal run: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(runKeyPrefix+info.ID), data)
	})
	if err != nil {
		return "", fmt.Errorf("set run: %w", err)
	}
	return info.ID, nil
}

// SaveEpoch stores the record for one epoch of runID, replacing any earlier
// record for the same epoch.
func (s *RunStore) SaveEpoch(runID string, rec EpochRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal epoch: %w", err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get([]byte(runKeyPrefix + runID)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
			}
			return fmt.Errorf("get run: %w", err)
		}
		return txn.Set(epochKey(runID, rec.Epoch), data)
	})
}

// History returns the epoch records of runID in epoch order.
func (s *RunStore) History(runID string) ([]EpochRecord, error) {
	var records []EpochRecord

	err := s.db.View(func(txn *badger.Txn) error {
		if _, err := txn.Get([]byte(runKeyPrefix + runID)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
			}
			return fmt.Errorf("get run: %w", err)
		}

		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(epochKeyPrefix + runID + ":")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec EpochRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Runs lists every registered run, ordered by start time.
func (s *RunStore) Runs() ([]RunInfo, error) {
	var runs []RunInfo

	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(runKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var info RunInfo
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &info)
			}); err != nil {
				return err
			}
			runs = append(runs, info)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}

	slices.SortFunc(runs, func(a, b RunInfo) int {
		return a.StartedAt.Compare(b.StartedAt)
	})
	return runs, nil
}

// Epoch numbers are zero padded so keys sort in epoch order.
func epochKey(runID string, epoch int) []byte {
	return []byte(fmt.Sprintf("%s%s:%08d", epochKeyPrefix, runID, epoch))
}
