package notify

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type funcDispatcher func(ctx context.Context, t Target, msg Message) DeliveryResult

func (f funcDispatcher) Send(ctx context.Context, t Target, msg Message) DeliveryResult {
	return f(ctx, t, msg)
}

func targets(ids ...string) []Target {
	out := make([]Target, len(ids))
	for i, id := range ids {
		out[i] = Target{SubscriptionID: id}
	}
	return out
}

func TestFanout_PartialFailure(t *testing.T) {
	d := funcDispatcher(func(ctx context.Context, tg Target, msg Message) DeliveryResult {
		switch tg.SubscriptionID {
		case "gone":
			return DeliveryResult{Status: StatusGone}
		case "err":
			return DeliveryResult{Status: StatusFailed, Err: errors.New("boom")}
		case "panic":
			panic("bad dispatcher")
		}
		return DeliveryResult{Status: StatusDelivered}
	})
	f := NewFanout(d, 2, time.Second, nil)
	res := f.Send(context.Background(), targets("a", "gone", "err", "panic", "b"), Message{Challenge: "x"})
	if len(res) != 5 {
		t.Fatalf("len = %d, want 5", len(res))
	}
	want := []Status{StatusDelivered, StatusGone, StatusFailed, StatusFailed, StatusDelivered}
	for i, r := range res {
		if r.Status != want[i] {
			t.Errorf("res[%d].Status = %s, want %s", i, r.Status, want[i])
		}
	}
	if res[1].SubscriptionID != "gone" {
		t.Errorf("SubscriptionID not filled in: %+v", res[1])
	}
	if n := CountDelivered(res); n != 2 {
		t.Errorf("CountDelivered = %d, want 2", n)
	}
}

func TestFanout_SlowDeviceTimesOut(t *testing.T) {
	d := funcDispatcher(func(ctx context.Context, tg Target, msg Message) DeliveryResult {
		if tg.SubscriptionID == "slow" {
			<-ctx.Done()
			return DeliveryResult{Status: StatusFailed, Err: ctx.Err()}
		}
		return DeliveryResult{Status: StatusDelivered}
	})
	f := NewFanout(d, 0, 50*time.Millisecond, nil)
	start := time.Now()
	res := f.Send(context.Background(), targets("slow", "fast"), Message{})
	if time.Since(start) > 2*time.Second {
		t.Fatal("fan-out waited on the slow device")
	}
	if res[0].Delivered() || !res[1].Delivered() {
		t.Errorf("results = %+v", res)
	}
}

func TestFanout_RespectsConcurrencyLimit(t *testing.T) {
	var inFlight, peak int32
	d := funcDispatcher(func(ctx context.Context, tg Target, msg Message) DeliveryResult {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return DeliveryResult{Status: StatusDelivered}
	})
	f := NewFanout(d, 2, 0, nil)
	res := f.Send(context.Background(), targets("1", "2", "3", "4", "5", "6"), Message{})
	if CountDelivered(res) != 6 {
		t.Fatalf("delivered = %d, want 6", CountDelivered(res))
	}
	if p := atomic.LoadInt32(&peak); p > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", p)
	}
}
