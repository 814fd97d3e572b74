package payment

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/eventgate/backend/internal/storage/models"
)

// ErrForceVerifyUnavailable is returned when force verification is requested
// before enough normal polling attempts have run. The direct verification
// endpoint is expensive for the provider, so it is held back until polling
// has had a fair chance.
var ErrForceVerifyUnavailable = errors.New("force verify not available yet")

// ErrCheckInFlight is returned when a manual check overlaps a poll that is
// still waiting on the provider.
var ErrCheckInFlight = errors.New("status check already in flight")

// Schedule controls polling cadence. Attempts run at the Initial interval,
// widen to Mid after MidAfter attempts and to Late after LateAfter attempts,
// and stop altogether after MaxAttempts.
type Schedule struct {
	Initial          time.Duration
	Mid              time.Duration
	Late             time.Duration
	MidAfter         int
	LateAfter        int
	MaxAttempts      int
	ForceVerifyAfter int
}

// DefaultSchedule returns the production cadence: 5s for the first 10
// attempts, 10s through attempt 20, 15s through attempt 60, force verify
// unlocked after attempt 5.
func DefaultSchedule() Schedule {
	return Schedule{
		Initial:          5 * time.Second,
		Mid:              10 * time.Second,
		Late:             15 * time.Second,
		MidAfter:         10,
		LateAfter:        20,
		MaxAttempts:      60,
		ForceVerifyAfter: 5,
	}
}

// Interval returns the delay before the attempt following attemptsSoFar.
func (s Schedule) Interval(attemptsSoFar int) time.Duration {
	switch {
	case attemptsSoFar < s.MidAfter:
		return s.Initial
	case attemptsSoFar < s.LateAfter:
		return s.Mid
	default:
		return s.Late
	}
}

// ResolveFunc is invoked exactly once when a session reaches a terminal
// status, with one of the terminal session statuses.
type ResolveFunc func(reference, status string)

// Poller drives the reconciliation state machine for one payment session:
// pending until the provider reports a terminal status, with a bounded number
// of attempts and a timed-out sub-state once they run out.
//
// Only one provider query runs at a time; a manual check or force verify
// overlapping an in-flight poll is rejected rather than raced. Responses that
// arrive after a terminal state has been reached, or after Stop, are
// discarded, so a late "pending" can never revert a "completed".
type Poller struct {
	reference string
	client    Client
	schedule  Schedule
	resolve   ResolveFunc

	mu       sync.Mutex
	attempts int
	status   string
	timedOut bool
	inFlight bool
	stopped  bool
	resolved bool

	stopCh  chan struct{}
	retryCh chan struct{}
}

// NewPoller creates a poller for one payment session. Call Start to begin
// polling; the first attempt is immediate.
func NewPoller(reference string, client Client, schedule Schedule, resolve ResolveFunc) *Poller {
	return &Poller{
		reference: reference,
		client:    client,
		schedule:  schedule,
		resolve:   resolve,
		status:    models.PaymentStatusPending,
		stopCh:    make(chan struct{}),
		retryCh:   make(chan struct{}, 1),
	}
}

// Start launches the polling loop in its own goroutine.
func (p *Poller) Start() {
	go p.run()
}

// Stop cancels the poller. No provider calls are issued afterwards, and any
// response still in flight is discarded on arrival.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.stopped {
		p.stopped = true
		close(p.stopCh)
	}
}

func (p *Poller) run() {
	delay := time.Duration(0)
	for {
		if delay > 0 {
			t := time.NewTimer(delay)
			select {
			case <-p.stopCh:
				t.Stop()
				return
			case <-t.C:
			}
		} else {
			select {
			case <-p.stopCh:
				return
			default:
			}
		}

		if p.terminal() {
			return
		}

		if p.exhausted() {
			p.markTimedOut()
			// Park until a retry resets the budget.
			select {
			case <-p.stopCh:
				return
			case <-p.retryCh:
				delay = 0
				continue
			}
		}

		attempts, ok := p.beginAttempt()
		if attempts < 0 {
			return
		}
		if ok {
			status, err := p.client.CheckoutStatus(context.Background(), p.reference)
			if err != nil {
				// Transient provider errors burn an attempt but do not
				// surface; the cap bounds how long this can go on.
				log.Printf("Payment poll %s attempt %d failed: %v", p.reference, attempts, err)
				p.endAttempt()
			} else {
				p.applyStatus(status)
			}
		}

		if p.terminal() {
			return
		}
		delay = p.schedule.Interval(attempts)
	}
}

// CheckNow performs one immediate status query outside the timer cadence.
// It does not reset or advance the attempt counter. The mobile client's
// "I've completed payment" button lands here.
func (p *Poller) CheckNow(ctx context.Context) (Snapshot, error) {
	p.mu.Lock()
	if p.stopped || p.isTerminalLocked() {
		snap := p.snapshotLocked()
		p.mu.Unlock()
		return snap, nil
	}
	if p.inFlight {
		snap := p.snapshotLocked()
		p.mu.Unlock()
		return snap, ErrCheckInFlight
	}
	p.inFlight = true
	p.mu.Unlock()

	status, err := p.client.CheckoutStatus(ctx, p.reference)
	if err != nil {
		p.endAttempt()
		return p.Snapshot(), err
	}
	p.applyStatus(status)
	return p.Snapshot(), nil
}

// ForceVerify calls the provider's direct verification endpoint, bypassing
// the polling cadence. Unavailable until the schedule's threshold of normal
// attempts has passed.
func (p *Poller) ForceVerify(ctx context.Context) (Snapshot, error) {
	p.mu.Lock()
	if p.stopped || p.isTerminalLocked() {
		snap := p.snapshotLocked()
		p.mu.Unlock()
		return snap, nil
	}
	if p.attempts < p.schedule.ForceVerifyAfter {
		snap := p.snapshotLocked()
		p.mu.Unlock()
		return snap, ErrForceVerifyUnavailable
	}
	if p.inFlight {
		snap := p.snapshotLocked()
		p.mu.Unlock()
		return snap, ErrCheckInFlight
	}
	p.inFlight = true
	p.mu.Unlock()

	status, err := p.client.VerifyCheckout(ctx, p.reference)
	if err != nil {
		p.endAttempt()
		return p.Snapshot(), err
	}
	p.applyStatus(status)
	return p.Snapshot(), nil
}

// Retry restarts polling after the attempt budget ran out: the counter and
// cadence go back to the initial values. A no-op unless the poller is in the
// timed-out sub-state.
func (p *Poller) Retry() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped || !p.timedOut || p.isTerminalLocked() {
		return false
	}
	p.attempts = 0
	p.timedOut = false
	select {
	case p.retryCh <- struct{}{}:
	default:
	}
	return true
}

// Snapshot is a point-in-time view of the poller state.
type Snapshot struct {
	Reference            string `json:"reference"`
	Status               string `json:"status"`
	Attempts             int    `json:"attempts"`
	TimedOut             bool   `json:"timed_out"`
	ForceVerifyAvailable bool   `json:"force_verify_available"`
}

// Snapshot returns the current poller state.
func (p *Poller) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked()
}

func (p *Poller) snapshotLocked() Snapshot {
	return Snapshot{
		Reference:            p.reference,
		Status:               p.status,
		Attempts:             p.attempts,
		TimedOut:             p.timedOut,
		ForceVerifyAvailable: p.attempts >= p.schedule.ForceVerifyAfter && !p.isTerminalLocked(),
	}
}

// beginAttempt reserves the in-flight slot and counts a scheduled attempt.
// Returns -1 when the poller was stopped, and ok=false when a manual check
// holds the slot, in which case this tick is skipped rather than issuing a
// second overlapping query.
func (p *Poller) beginAttempt() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return -1, false
	}
	if p.inFlight {
		return p.attempts, false
	}
	p.inFlight = true
	p.attempts++
	return p.attempts, true
}

func (p *Poller) endAttempt() {
	p.mu.Lock()
	p.inFlight = false
	p.mu.Unlock()
}

// applyStatus folds a provider response into the state machine. Terminal
// transitions are monotonic: once resolved, later responses are discarded.
func (p *Poller) applyStatus(status string) {
	p.mu.Lock()
	p.inFlight = false

	if p.stopped || p.isTerminalLocked() {
		p.mu.Unlock()
		return
	}

	if !models.PaymentStatusIsTerminal(status) {
		p.mu.Unlock()
		return
	}

	p.status = status
	p.timedOut = false
	alreadyResolved := p.resolved
	p.resolved = true
	p.mu.Unlock()

	if !alreadyResolved && p.resolve != nil {
		p.resolve(p.reference, status)
	}
}

func (p *Poller) terminal() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.isTerminalLocked()
}

func (p *Poller) isTerminalLocked() bool {
	return models.PaymentStatusIsTerminal(p.status)
}

func (p *Poller) exhausted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts >= p.schedule.MaxAttempts
}

func (p *Poller) markTimedOut() {
	p.mu.Lock()
	if !p.isTerminalLocked() {
		p.timedOut = true
	}
	p.mu.Unlock()
}
