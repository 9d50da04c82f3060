// Package ledger records served, paid-for queries after the response has
// been sent. Writes are fire-and-forget: a ledger failure is logged and
// counted but never observable to the request that triggered it.
package ledger

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var ledgerWrites = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "insightgate",
	Subsystem: "ledger",
	Name:      "writes_total",
	Help:      "Total ledger write attempts by result.",
}, []string{"result"}) // "ok", "error"

func init() {
	prometheus.MustRegister(ledgerWrites)
}

// Entry is one recorded query settlement.
type Entry struct {
	ID            int64     `json:"id"`
	Payer         string    `json:"payer"`
	QueryClass    string    `json:"queryClass"`
	AmountUSD     string    `json:"amountUsd"` // decimal string, 6 places
	Scheme        string    `json:"scheme"`
	SettlementRef string    `json:"settlementRef,omitempty"`
	ResultHash    string    `json:"resultHash"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Store persists ledger entries.
type Store interface {
	Append(ctx context.Context, e *Entry) error
	ListByPayer(ctx context.Context, payer string, limit int) ([]*Entry, error)
}

// Recorder writes entries on a detached goroutine so the caller's response
// never waits on, or fails because of, the ledger.
type Recorder struct {
	store   Store
	logger  *slog.Logger
	timeout time.Duration
	wg      sync.WaitGroup
}

// NewRecorder creates a recorder. timeout bounds each detached write.
func NewRecorder(store Store, logger *slog.Logger, timeout time.Duration) *Recorder {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Recorder{store: store, logger: logger, timeout: timeout}
}

// Record schedules a write and returns immediately. The write survives
// cancellation of the request context: the response has already been
// committed, so the record either lands or is logged as lost, never
// half-tied to the client connection.
func (r *Recorder) Record(ctx context.Context, e *Entry) {
	detached := context.WithoutCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		writeCtx, cancel := context.WithTimeout(detached, r.timeout)
		defer cancel()

		if err := r.store.Append(writeCtx, e); err != nil {
			ledgerWrites.WithLabelValues("error").Inc()
			r.logger.Error("ledger write failed",
				"payer", e.Payer,
				"query_class", e.QueryClass,
				"amount_usd", e.AmountUSD,
				"error", err,
			)
			return
		}
		ledgerWrites.WithLabelValues("ok").Inc()
	}()
}

// Drain blocks until all in-flight writes finish or ctx expires. Called on
// shutdown.
func (r *Recorder) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
