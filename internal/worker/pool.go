package worker

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rangelab/solverqueue/internal/compute"
	"github.com/rangelab/solverqueue/internal/queue"
	"github.com/rangelab/solverqueue/internal/store"
)

// Pool runs a bounded set of workers per registered job type. Jobs of the
// same type may complete out of submission order when concurrency > 1.
type Pool struct {
	store        store.Store
	broker       queue.Broker
	registry     *compute.Registry
	concurrency  int
	maxAttempts  int
	retryBackoff time.Duration
}

func NewPool(store store.Store, broker queue.Broker, registry *compute.Registry, concurrency, maxAttempts int, retryBackoff time.Duration) *Pool {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Pool{
		store:        store,
		broker:       broker,
		registry:     registry,
		concurrency:  concurrency,
		maxAttempts:  maxAttempts,
		retryBackoff: retryBackoff,
	}
}

// Run blocks until ctx is done or a worker fails fatally.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	id := 0
	for _, jobType := range p.registry.Types() {
		for i := 0; i < p.concurrency; i++ {
			id++
			w := New(id, jobType, p.store, p.broker, p.registry, p.maxAttempts, p.retryBackoff)
			g.Go(func() error {
				return w.Run(ctx)
			})
		}
	}

	zap.S().Named("worker").Infof("worker pool started: %d workers across %d job types", id, len(p.registry.Types()))
	return g.Wait()
}
