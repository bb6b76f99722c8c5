// Package async prepares training blocks ahead of the trainer.
package async

import (
	"context"
	"fmt"
	"iter"
	"sync"

	"github.com/tsawler/go-exchangeable/sampler"
	"github.com/tsawler/go-exchangeable/sparse"
)

// Prepared is a sampled block with its sparse training input.
type Prepared struct {
	Block   sampler.Block
	Input   *sparse.Tensor
	BlockID uint64 // position in the run, across epochs
	Epoch   uint64 // 1 for the first epoch
}

// BlockSource yields the blocks of one epoch. *sampler.Sampler implements it.
type BlockSource interface {
	Blocks() iter.Seq2[sampler.Block, error]
}

// PrepareFunc turns a block into the sparse input of a training step.
type PrepareFunc func(sampler.Block) (*sparse.Tensor, error)

// BlockLoaderConfig holds configuration for the block loader
type BlockLoaderConfig struct {
	// PrefetchDepth is the number of blocks prepared ahead. Zero prepares
	// each block on the caller's goroutine.
	PrefetchDepth int
}

// BlockLoader runs a PrepareFunc over a BlockSource, optionally on a
// background goroutine. Blocks come out in source order either way.
type BlockLoader struct {
	source        BlockSource
	prepare       PrepareFunc
	prefetchDepth int

	mutex        sync.RWMutex
	blockCounter uint64
	generation   uint64
	isRunning    bool
	queue        chan result
}

type result struct {
	block Prepared
	err   error
}

// NewBlockLoader creates a block loader.
func NewBlockLoader(source BlockSource, prepare PrepareFunc, config BlockLoaderConfig) (*BlockLoader, error) {
	if source == nil {
		return nil, fmt.Errorf("block source cannot be nil")
	}
	if prepare == nil {
		return nil, fmt.Errorf("prepare function cannot be nil")
	}
	if config.PrefetchDepth < 0 {
		return nil, fmt.Errorf("prefetch depth must not be negative, got %d", config.PrefetchDepth)
	}
	return &BlockLoader{
		source:        source,
		prepare:       prepare,
		prefetchDepth: config.PrefetchDepth,
	}, nil
}

// Epoch yields the prepared blocks of one epoch. Iteration stops after the
// first error or when ctx is done; breaking out of the loop stops the
// background worker before Epoch returns.
func (bl *BlockLoader) Epoch(ctx context.Context) iter.Seq2[Prepared, error] {
	return func(yield func(Prepared, error) bool) {
		bl.mutex.Lock()
		if bl.isRunning {
			bl.mutex.Unlock()
			yield(Prepared{}, fmt.Errorf("block loader is already running"))
			return
		}
		bl.isRunning = true
		bl.generation++
		gen := bl.generation
		bl.mutex.Unlock()

		defer func() {
			bl.mutex.Lock()
			bl.isRunning = false
			bl.queue = nil
			bl.mutex.Unlock()
		}()

		if bl.prefetchDepth == 0 {
			for block, err := range bl.source.Blocks() {
				if err == nil {
					err = ctx.Err()
				}
				r := bl.prepareBlock(block, err, gen)
				if !yield(r.block, r.err) || r.err != nil {
					return
				}
			}
			return
		}

		ctx, cancel := context.WithCancel(ctx)
		queue := make(chan result, bl.prefetchDepth)
		bl.mutex.Lock()
		bl.queue = queue
		bl.mutex.Unlock()

		var wg sync.WaitGroup
		wg.Add(1)
		go bl.worker(ctx, gen, queue, &wg)
		defer func() {
			cancel()
			for range queue {
			}
			wg.Wait()
		}()

		for r := range queue {
			if !yield(r.block, r.err) || r.err != nil {
				return
			}
		}
	}
}

// worker prepares blocks in source order until the source is exhausted,
// an error occurs or ctx is done. It closes queue on exit.
func (bl *BlockLoader) worker(ctx context.Context, gen uint64, queue chan<- result, wg *sync.WaitGroup) {
	defer wg.Done()
	defer close(queue)

	for block, err := range bl.source.Blocks() {
		if ctx.Err() != nil {
			return
		}
		r := bl.prepareBlock(block, err, gen)
		select {
		case queue <- r:
		case <-ctx.Done():
			return
		}
		if r.err != nil {
			return
		}
	}
}

func (bl *BlockLoader) prepareBlock(block sampler.Block, err error, gen uint64) result {
	if err != nil {
		return result{err: err}
	}
	input, err := bl.prepare(block)
	if err != nil {
		return result{err: fmt.Errorf("prepare block: %w", err)}
	}

	bl.mutex.Lock()
	id := bl.blockCounter
	bl.blockCounter++
	bl.mutex.Unlock()

	return result{block: Prepared{
		Block:   block,
		Input:   input,
		BlockID: id,
		Epoch:   gen,
	}}
}

// Stats returns statistics about the block loader
func (bl *BlockLoader) Stats() BlockLoaderStats {
	bl.mutex.RLock()
	defer bl.mutex.RUnlock()

	return BlockLoaderStats{
		IsRunning:      bl.isRunning,
		BlocksPrepared: bl.blockCounter,
		QueuedBlocks:   len(bl.queue),
		QueueCapacity:  bl.prefetchDepth,
		Generation:     bl.generation,
	}
}

// BlockLoaderStats provides statistics about the block loader
type BlockLoaderStats struct {
	IsRunning      bool
	BlocksPrepared uint64
	QueuedBlocks   int
	QueueCapacity  int
	Generation     uint64
}
