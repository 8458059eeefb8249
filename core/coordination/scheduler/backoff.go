package scheduler

import (
	"context"
	"math/rand"
	"time"

	"github.com/kizunadb/kizunadb/core/transaction"
)

// Backoff produces the delay sequence for retry loops: doubling from
// Initial, capped at Max, with optional multiplicative jitter.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	// Jitter is the fraction of spread around each delay, e.g. 0.2 for
	// plus or minus twenty percent.
	Jitter float64
}

func (b Backoff) next(cur time.Duration, r *rand.Rand) time.Duration {
	next := cur * 2
	if b.Max > 0 && next > b.Max {
		next = b.Max
	}
	if b.Jitter > 0 {
		j := 1 + (r.Float64()*2-1)*b.Jitter
		next = time.Duration(float64(next) * j)
		if next < 0 {
			next = 0
		}
	}
	return next
}

// DoWhile runs body on the scheduler until shouldRetry says the outcome is
// conclusive, backing off between attempts. A shutdown-class error always
// concludes the loop regardless of shouldRetry, so retry loops cannot
// outlive their scheduler. The returned future settles with the final
// attempt's outcome.
func DoWhile[T any](ws *AsyncWorkScheduler, b Backoff, shouldRetry func(v T, err error) bool, body func(ctx context.Context) (T, error)) *Future[T] {
	p := NewPromise[T]()
	r := rand.New(rand.NewSource(time.Now().UnixNano()))

	go func() {
		delay := b.Initial
		for attempt := 0; ; attempt++ {
			var fut *Future[T]
			if attempt == 0 {
				fut = ScheduleWork(ws, body)
			} else {
				if reason := ws.ShutdownReason(); reason != nil {
					var zero T
					p.Set(zero, reason)
					return
				}
				fut = ScheduleWorkIn(ws, delay, body)
				delay = b.next(delay, r)
			}

			v, err := fut.Get(context.Background())
			if err != nil && transaction.IsShutdownError(err) {
				p.Set(v, err)
				return
			}
			if !shouldRetry(v, err) {
				p.Set(v, err)
				return
			}
		}
	}()
	return p.Future()
}
