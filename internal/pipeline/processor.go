package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Safehill/safehill-client-go/internal/common"
	"github.com/Safehill/safehill-client-go/internal/logging"
)

// DefaultRunLimit bounds how many queued items one RunOnce drains.
const DefaultRunLimit = 50

// Processor runs one stage over its queue, serially per run, with at most
// one run of the stage in flight at any time. Different stage types run
// concurrently with each other; two runs of the same stage never overlap.
type Processor struct {
	stage Stage
	state *ProcessingState
	limit int
	log   logging.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewProcessor(stage Stage, state *ProcessingState, limit int, log logging.Logger) *Processor {
	if limit <= 0 {
		limit = DefaultRunLimit
	}
	return &Processor{
		stage: stage,
		state: state,
		limit: limit,
		log:   log.With("stage", string(stage.Kind())),
	}
}

// RunOnce drains up to the configured limit of queued items in FIFO order.
// Returns common.ErrRunInProgress if a run of this stage is already in
// flight, making concurrent ticks no-ops rather than duplicate work.
// Cancellation between items leaves the current item queued.
func (p *Processor) RunOnce(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return common.ErrRunInProgress
	}
	p.running = true
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
	}()

	items, err := p.stage.Queue().PeekMany(ctx, p.limit)
	if err != nil {
		return fmt.Errorf("failed to peek %s queue: %w", p.stage.Kind(), err)
	}

	var processed, failed int
	for _, item := range items {
		// A cancelled run leaves the item queued and re-peekable: the
		// guarantee is at-least-once reattempt, not silent loss.
		if err := ctx.Err(); err != nil {
			p.log.Info(ctx, "stage run cancelled", "processed", processed)
			return err
		}
		if !p.state.TryBegin(item.ID, p.stage.ProcessingTag()) {
			continue
		}
		out := p.stage.Process(ctx, item)
		// The state is cleared whatever happened: a leaked tag would
		// permanently stall the item.
		p.state.Clear(item.ID)

		processed++
		if !out.OK() {
			failed++
			if out.CleanupErr != nil {
				p.log.Error(ctx, "stage cleanup failed",
					"item", item.ID, "error", out.Err, "cleanupError", out.CleanupErr)
			}
		}
	}

	p.log.Debug(ctx, "stage run finished", "processed", processed, "failed", failed)
	return nil
}

// RunRepeated schedules RunOnce on a timer: once after initialDelay, then
// every interval. A tick that fires while the previous run is still in
// flight is a no-op. Stop cancels the schedule.
func (p *Processor) RunRepeated(ctx context.Context, initialDelay, interval time.Duration) error {
	p.mu.Lock()
	if p.cancel != nil {
		p.mu.Unlock()
		return common.ErrRunInProgress
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.mu.Unlock()

	go func() {
		defer close(p.done)

		select {
		case <-ctx.Done():
			return
		case <-time.After(initialDelay):
		}
		p.tick(ctx)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.tick(ctx)
			}
		}
	}()
	return nil
}

func (p *Processor) tick(ctx context.Context) {
	err := p.RunOnce(ctx)
	switch {
	case err == nil:
	case errors.Is(err, common.ErrRunInProgress):
		// previous run still in flight; skip this tick
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
	default:
		p.log.Error(ctx, "stage run failed", "error", err)
	}
}

// Stop cancels the repeating schedule and marks the processor inactive.
// In-flight work finishes but is not restarted.
func (p *Processor) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}
