package service

import (
	"context"
	"time"

	"github.com/punchamoorthee/walletledger/internal/domain"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const eventTimeout = 30 * time.Second

// Dispatcher applies recorded webhook events on a fixed pool of workers so the
// HTTP acknowledgement never waits on ledger work.
type Dispatcher struct {
	ingest  *Ingestor
	queue   chan domain.WebhookEvent
	workers int
	log     *zap.Logger
}

func NewDispatcher(in *Ingestor, workers, queueSize int, log *zap.Logger) *Dispatcher {
	return &Dispatcher{
		ingest:  in,
		queue:   make(chan domain.WebhookEvent, queueSize),
		workers: workers,
		log:     log.Named("dispatcher"),
	}
}

// Enqueue hands e to the pool without blocking. A full queue drops the event;
// its receipt is durable and the reconciliation sweep picks it up.
func (d *Dispatcher) Enqueue(e *domain.WebhookEvent) bool {
	select {
	case d.queue <- *e:
		return true
	default:
		d.log.Warn("webhook queue full, deferring to sweep", zap.Int64("event_id", e.ID))
		return false
	}
}

// Run processes events until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for n := 0; n < d.workers; n++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case e := <-d.queue:
					ectx, cancel := context.WithTimeout(ctx, eventTimeout)
					_ = d.ingest.Process(ectx, &e)
					cancel()
				}
			}
		})
	}
	return g.Wait()
}
