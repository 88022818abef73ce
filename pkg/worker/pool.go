// Package worker runs the delivery worker pool. Workers pull items
// from the queue, hand them to the executor, and ack only when the
// item was fully resolved. Unacked items come back after the
// visibility window, which is what makes the pipeline at-least-once.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/leadgenhq/leadgen/pkg/deliver"
	"github.com/leadgenhq/leadgen/pkg/queue"
	"github.com/leadgenhq/leadgen/pkg/store"
)

const dequeueBlock = 5 * time.Second

// Pool runs N concurrent delivery workers.
type Pool struct {
	queue    *queue.Queue
	executor *deliver.Executor
	leads    *store.LeadStore
	size     int
	log      *slog.Logger
}

func NewPool(q *queue.Queue, e *deliver.Executor, leads *store.LeadStore, size int, log *slog.Logger) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{queue: q, executor: e, leads: leads, size: size, log: log}
}

// Run blocks until ctx is canceled, then waits for in-flight items.
func (p *Pool) Run(ctx context.Context) error {
	if err := p.queue.EnsureGroup(ctx); err != nil {
		return err
	}

	var wg sync.WaitGroup
	for i := 0; i < p.size; i++ {
		wg.Add(1)
		name := fmt.Sprintf("worker-%d", i)
		go func() {
			defer wg.Done()
			p.loop(ctx, name)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (p *Pool) loop(ctx context.Context, name string) {
	log := p.log.With("worker", name)
	log.Info("delivery worker started")
	for {
		if ctx.Err() != nil {
			log.Info("delivery worker stopped")
			return
		}

		item, err := p.queue.Dequeue(ctx, name, dequeueBlock)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("dequeue failed", "error", err)
			time.Sleep(time.Second)
			continue
		}
		if item == nil {
			continue
		}

		if err := p.executor.Process(ctx, item); err != nil {
			// Leave unacked; the item returns after the visibility
			// window.
			log.Error("delivery processing failed", "lead_id", item.LeadID, "error", err)
			continue
		}
		if err := p.queue.Ack(ctx, item); err != nil {
			log.Error("ack failed", "lead_id", item.LeadID, "error", err)
		}
	}
}

// Replay re-enqueues routed leads that have no successful delivery
// attempt. Operators run this after an outage; the executor's
// guarded transitions make duplicates harmless.
func (p *Pool) Replay(ctx context.Context, limit int) (int, error) {
	ids, err := p.leads.UndeliveredRouted(ctx, limit)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		if err := p.queue.Enqueue(ctx, id, 1); err != nil {
			return 0, fmt.Errorf("replay lead %d: %w", id, err)
		}
		p.log.Info("lead re-enqueued for delivery", "lead_id", id)
	}
	return len(ids), nil
}
