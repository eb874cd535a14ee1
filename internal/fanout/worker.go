package fanout

import (
	"context"
	"crypto/rsa"
	"sync"
	"time"
)

// Job is a unit of work handed to a destination worker: the serialized
// Announce body plus enough key material to sign and deliver it.
type Job struct {
	PostURL    string
	ActorID    string // topic actor URI the Announce is sent as; signing uses KeyID
	Body       []byte
	KeyID      string
	PrivateKey *rsa.PrivateKey
	Inbox      string
}

// Deliverer sends a signed job to its destination inbox.
type Deliverer interface {
	Deliver(ctx context.Context, job Job) error
}

// workerChanCap is the bounded capacity of each destination worker's queue.
const workerChanCap = 512

// Worker owns one destination host's delivery queue and the consecutive-
// failure/throttle state that implements the linear back-off from spec
// §4.5. Grounded on the mutex-guarded failure-counter shape of a
// circuit-breaker, adapted here to the spec's exact formula instead of a
// fixed-cooldown/threshold one.
type Worker struct {
	host     string
	ch       chan Job
	deliver  Deliverer
	onResult func(host string, ok bool)

	mu          sync.Mutex
	errors      int
	lastAttempt time.Time
}

func newWorker(host string, deliver Deliverer, onResult func(string, bool)) *Worker {
	w := &Worker{
		host:     host,
		ch:       make(chan Job, workerChanCap),
		deliver:  deliver,
		onResult: onResult,
	}
	return w
}

// run drains the worker's channel until ctx is cancelled. It never exits on
// a delivery error — only cancellation stops it. If the channel is closed
// out from under a running worker, the worker panics: per spec §7, workers
// are not meant to be respawnable, and their unexpected death indicates a
// programmer error in the fan-out's own lifecycle management.
func (w *Worker) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-w.ch:
			if !ok {
				panic("fanout: worker channel closed unexpectedly for host " + w.host)
			}
			w.attempt(ctx, job)
		}
	}
}

// attempt applies the linear back-off throttle, then sends if not
// throttled. Back-off: after k consecutive failures, skip any job whose
// attempt would land less than 10s*k after the last attempt.
func (w *Worker) attempt(ctx context.Context, job Job) {
	w.mu.Lock()
	errs := w.errors
	last := w.lastAttempt
	w.mu.Unlock()

	if errs > 0 && time.Since(last) < time.Duration(errs)*10*time.Second {
		return // throttled: discard unsent
	}

	err := w.deliver.Deliver(ctx, job)

	w.mu.Lock()
	w.lastAttempt = time.Now()
	if err != nil {
		if w.errors < 1<<30 { // saturating increment
			w.errors++
		}
	} else {
		w.errors = 0
	}
	w.mu.Unlock()

	if w.onResult != nil {
		w.onResult(w.host, err == nil)
	}
}

// tryEnqueue attempts a non-blocking send. Bounded loss is preferred over
// head-of-line blocking of other destination hosts: if the channel is
// full, the job is dropped.
func (w *Worker) tryEnqueue(job Job) bool {
	select {
	case w.ch <- job:
		return true
	default:
		return false
	}
}
