package notify

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Fanout sends a message to many targets concurrently. A slow or failing device never blocks or fails
// the others; each send gets its own timeout.
type Fanout struct {
	dispatcher  Dispatcher
	concurrency int
	timeout     time.Duration
	log         *zap.Logger
}

// NewFanout returns a Fanout over d. concurrency < 1 means unbounded; timeout <= 0 means no per-send limit.
func NewFanout(d Dispatcher, concurrency int, timeout time.Duration, log *zap.Logger) *Fanout {
	if log == nil {
		log = zap.NewNop()
	}
	return &Fanout{dispatcher: d, concurrency: concurrency, timeout: timeout, log: log}
}

// Send delivers msg to every target and returns results in target order.
func (f *Fanout) Send(ctx context.Context, targets []Target, msg Message) []DeliveryResult {
	results := make([]DeliveryResult, len(targets))
	g := new(errgroup.Group)
	if f.concurrency > 0 {
		g.SetLimit(f.concurrency)
	}
	for i, t := range targets {
		g.Go(func() error {
			results[i] = f.sendOne(ctx, t, msg)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (f *Fanout) sendOne(ctx context.Context, t Target, msg Message) (res DeliveryResult) {
	defer func() {
		if r := recover(); r != nil {
			res = DeliveryResult{SubscriptionID: t.SubscriptionID, Status: StatusFailed, Err: fmt.Errorf("dispatcher panic: %v", r)}
		}
	}()
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}
	res = f.dispatcher.Send(ctx, t, msg)
	res.SubscriptionID = t.SubscriptionID
	if !res.Delivered() {
		f.log.Warn("push delivery failed",
			zap.String("subscription_id", t.SubscriptionID),
			zap.String("status", string(res.Status)),
			zap.Error(res.Err))
	}
	return res
}

// CountDelivered returns how many results were accepted by the push service.
func CountDelivered(results []DeliveryResult) int {
	n := 0
	for _, r := range results {
		if r.Delivered() {
			n++
		}
	}
	return n
}
