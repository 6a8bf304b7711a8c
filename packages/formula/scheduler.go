package formula

import (
	"context"
	"runtime"
)

// Scheduler is the yield point between dependency nodes. hosts implement it
// to keep long recalculations from monopolizing their event loop. an error
// stops the execution as if StopFormulaExecution had been called.
type Scheduler interface {
	Yield(ctx context.Context) error
}

// NoopScheduler never yields. it suits one-shot batch runs.
type NoopScheduler struct{}

func (NoopScheduler) Yield(ctx context.Context) error {
	return ctx.Err()
}

// GoschedScheduler yields the processor to other goroutines between nodes
type GoschedScheduler struct{}

func (GoschedScheduler) Yield(ctx context.Context) error {
	runtime.Gosched()
	return ctx.Err()
}
