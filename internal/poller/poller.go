// Package poller implements the adaptive polling loop that waits for an
// asynchronous generation job to reach a terminal state.
//
// The backend publishes produced items before the history record flips to a
// terminal status, so a job whose item count has been stable for several
// rounds is treated as best-effort complete. That exit is a heuristic: the
// backend never acknowledges it, and under some conditions the returned set
// may be incomplete. Callers that need a hard guarantee must rely on the
// terminal statuses only.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// History record status codes. The server owns these values; the poller only
// classifies them.
const (
	StatusPending    = 20 // queued, no worker assigned yet
	StatusFailed     = 30 // terminal failure, fail code set
	StatusProcessing = 42 // worker active, items may appear
	StatusGenerating = 45 // final rendering stage
	StatusDone       = 10 // terminal success
	StatusConfirmed  = 50 // terminal success after manual confirmation
)

// ErrPollingTimeout is returned when the wall-clock deadline is reached with
// zero produced items. A deadline with partial items is a normal exit, not an
// error.
var ErrPollingTimeout = errors.New("poller: timed out with no items")

// ExitReason describes why a poll loop stopped.
type ExitReason string

const (
	ExitCompleted     ExitReason = "completed"
	ExitFailed        ExitReason = "failed"
	ExitExpectedCount ExitReason = "reached expected item count"
	ExitStable        ExitReason = "stable with partial results"
	ExitRoundLimit    ExitReason = "round limit exceeded"
	ExitTimeout       ExitReason = "timeout with partial results"
)

// Snapshot is the projection of a history record the poller needs to decide
// its next action.
type Snapshot struct {
	Status    int
	FailCode  string
	ItemCount int
	HistoryID string
}

// Result is returned once polling stops on a non-error path.
type Result struct {
	Status     int
	FailCode   string
	ItemCount  int
	Elapsed    time.Duration
	PollCount  int
	ExitReason ExitReason
}

// FetchFunc retrieves the current status of the job being polled. Image and
// video jobs differ only in how the caller parses the record, so the poller
// stays decoupled from the transport.
type FetchFunc func(ctx context.Context) (Snapshot, error)

// Poller drives repeated status fetches until a terminal or give-up
// condition is met.
type Poller struct {
	maxPollCount  int
	interval      time.Duration
	stableRounds  int
	timeout       time.Duration
	expectedItems int
	logger        *slog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// Option configures a Poller.
type Option func(*Poller)

// WithMaxPollCount caps the number of fetch rounds.
func WithMaxPollCount(n int) Option {
	return func(p *Poller) {
		if n > 0 {
			p.maxPollCount = n
		}
	}
}

// WithInterval sets the base wait between rounds.
func WithInterval(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithStableRounds sets how many unchanged-item-count rounds are needed
// before a job with partial results is treated as complete.
func WithStableRounds(n int) Option {
	return func(p *Poller) {
		if n > 0 {
			p.stableRounds = n
		}
	}
}

// WithTimeout sets the wall-clock deadline for the whole poll.
func WithTimeout(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithExpectedItems sets the item count at which polling stops early.
func WithExpectedItems(n int) Option {
	return func(p *Poller) {
		if n > 0 {
			p.expectedItems = n
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Poller) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithClock injects the time source and sleeper, so tests can run the state
// machine without real waits.
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(p *Poller) {
		if now != nil {
			p.now = now
		}
		if sleep != nil {
			p.sleep = sleep
		}
	}
}

// New creates a Poller with production defaults: 2s base interval, 3 stable
// rounds, 30 round cap, 5 minute deadline, one expected item.
func New(opts ...Option) *Poller {
	p := &Poller{
		maxPollCount:  30,
		interval:      2 * time.Second,
		stableRounds:  3,
		timeout:       5 * time.Minute,
		expectedItems: 1,
		logger:        slog.Default(),
		now:           time.Now,
		sleep:         sleepContext,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Poll fetches the job status round by round until it stops. It returns a
// Result on every normal exit; the only error paths are a failed fetch, a
// cancelled context, and the zero-items deadline (ErrPollingTimeout).
func (p *Poller) Poll(ctx context.Context, fetch FetchFunc) (Result, error) {
	start := p.now()
	pollCount := 0
	lastItemCount := 0
	stable := 0

	for {
		pollCount++
		snap, err := fetch(ctx)
		if err != nil {
			return Result{}, fmt.Errorf("poller: fetch status: %w", err)
		}
		elapsed := p.now().Sub(start)

		if snap.ItemCount == lastItemCount {
			stable++
		} else {
			stable = 0
			lastItemCount = snap.ItemCount
		}

		p.logger.Debug("poll round",
			slog.String("history_id", snap.HistoryID),
			slog.Int("round", pollCount),
			slog.Int("status", snap.Status),
			slog.Int("items", snap.ItemCount),
			slog.Duration("elapsed", elapsed),
		)

		if reason, ok := p.exitReason(snap, stable, pollCount, elapsed); ok {
			return Result{
				Status:     snap.Status,
				FailCode:   snap.FailCode,
				ItemCount:  snap.ItemCount,
				Elapsed:    elapsed,
				PollCount:  pollCount,
				ExitReason: reason,
			}, nil
		}

		if elapsed >= p.timeout {
			return Result{}, fmt.Errorf("%w: status=%d after %s", ErrPollingTimeout, snap.Status, elapsed.Round(time.Second))
		}

		if d := p.nextInterval(snap.Status); d > 0 {
			if err := p.sleep(ctx, d); err != nil {
				return Result{}, err
			}
		}
	}
}

// exitReason evaluates the ordered exit conditions for one round.
func (p *Poller) exitReason(snap Snapshot, stable, pollCount int, elapsed time.Duration) (ExitReason, bool) {
	switch {
	case snap.Status == StatusDone || snap.Status == StatusConfirmed:
		return ExitCompleted, true
	case snap.Status == StatusFailed:
		return ExitFailed, true
	case snap.ItemCount >= p.expectedItems:
		return ExitExpectedCount, true
	case stable >= p.stableRounds && snap.ItemCount > 0:
		return ExitStable, true
	case pollCount >= p.maxPollCount:
		return ExitRoundLimit, true
	case elapsed >= p.timeout && snap.ItemCount > 0:
		return ExitTimeout, true
	}
	return "", false
}

// nextInterval adapts the wait to the reported status. Codes 42 and 45 mark
// phases where the backend is under load and item publication lags, so they
// get longer waits.
func (p *Poller) nextInterval(status int) time.Duration {
	switch status {
	case StatusProcessing:
		return time.Duration(float64(p.interval) * 1.2)
	case StatusGenerating:
		return time.Duration(float64(p.interval) * 1.5)
	case StatusDone, StatusConfirmed, StatusFailed:
		return 0
	default:
		return p.interval
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
