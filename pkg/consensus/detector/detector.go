// Package detector implements the failure detector and election timer: a
// single named "election-timer" deadline pushed forward on every sign of
// life from the current leader, sampled by a dedicated monitor goroutine
// at randomized intervals to avoid synchronized elections across peers.
package detector

import (
	"crypto/rand"
	"math"
	"math/big"
	"sync"
	"time"

	"github.com/tabletraft/tabletraft/internal/tlog"
	"github.com/tabletraft/tabletraft/pkg/consensus/types"
)

// Config tunes the detector. HeartbeatInterval and MaxMissedPeriods set
// the election-timer deadline; SampleMean/SampleStdDev tune the monitor's
// randomized sampling cadence.
type Config struct {
	HeartbeatInterval time.Duration
	MaxMissedPeriods  int
	SampleMean        time.Duration
	SampleStdDev      time.Duration
}

func NewConfig() Config {
	return Config{
		HeartbeatInterval: 500 * time.Millisecond,
		MaxMissedPeriods:  3,
		SampleMean:        100 * time.Millisecond,
		SampleStdDev:      30 * time.Millisecond,
	}
}

func (c Config) timeout() time.Duration {
	return c.HeartbeatInterval * time.Duration(c.MaxMissedPeriods)
}

// FailureCallback is invoked when the monitor observes the election-timer
// has expired and no stepdown guard is withholding a new election.
type FailureCallback func()

type Detector struct {
	tlog.Logger

	mu            sync.Mutex
	clock         types.FailureMonitorClock
	cfg           Config
	deadline      time.Time
	withholdUntil time.Time
	onFailure     FailureCallback

	stopCh chan struct{}
	once   sync.Once
}

func New(clock types.FailureMonitorClock, cfg Config, onFailure FailureCallback) *Detector {
	if clock == nil {
		clock = types.RealFailureMonitorClock
	}
	d := &Detector{
		Logger:    tlog.New("detector"),
		clock:     clock,
		cfg:       cfg,
		onFailure: onFailure,
		stopCh:    make(chan struct{}),
	}
	d.deadline = clock.Now().Add(cfg.timeout())
	return d
}

// Start launches the monitor goroutine. Safe to call once per Detector.
func (d *Detector) Start() {
	go d.monitorLoop()
}

func (d *Detector) Stop() {
	d.once.Do(func() { close(d.stopCh) })
}

func (d *Detector) monitorLoop() {
	for {
		interval := d.sampleInterval()
		timer := time.NewTimer(interval)
		select {
		case <-timer.C:
			d.checkExpired()
		case <-d.stopCh:
			timer.Stop()
			return
		}
	}
}

func (d *Detector) checkExpired() {
	d.mu.Lock()
	now := d.clock.Now()
	expired := !now.Before(d.deadline)
	withheld := now.Before(d.withholdUntil)
	cb := d.onFailure
	d.mu.Unlock()

	if expired && !withheld && cb != nil {
		cb()
	}
}

// sampleInterval draws from a normal distribution centered on
// cfg.SampleMean, floored at 1ms so a misconfigured stddev can never produce a
// non-positive sleep.
func (d *Detector) sampleInterval() time.Duration {
	d.mu.Lock()
	mean, stddev := d.cfg.SampleMean, d.cfg.SampleStdDev
	d.mu.Unlock()
	if stddev <= 0 {
		return mean
	}
	sample := time.Duration(gaussian()*float64(stddev)) + mean
	if sample < time.Millisecond {
		return time.Millisecond
	}
	return sample
}

// gaussian returns a standard-normal sample via the Box-Muller transform
// seeded from crypto/rand rather than math/rand, so election jitter is
// not predictable across replicas that started at the same instant.
func gaussian() float64 {
	u1 := secureFloat()
	u2 := secureFloat()
	if u1 <= 0 {
		u1 = 1e-12
	}
	return math.Sqrt(-2*math.Log(u1)) * math.Cos(2*math.Pi*u2)
}

func secureFloat() float64 {
	n, err := rand.Int(rand.Reader, big.NewInt(1<<53))
	if err != nil {
		return 0.5
	}
	return float64(n.Int64()) / float64(int64(1)<<53)
}

// Snooze pushes the election-timer deadline forward by at least one
// election timeout, plus an optional additional backoff — used when the
// caller already computed a randomized exponential backoff based on
// current_term - committed.term.
func (d *Detector) Snooze(extraBackoff time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	newDeadline := d.clock.Now().Add(d.cfg.timeout() + extraBackoff)
	if newDeadline.After(d.deadline) {
		d.deadline = newDeadline
	}
}

// WithholdElectionStartUntil sets the stepdown guard: the monitor will not
// fire an election before t even if the timer has expired.
func (d *Detector) WithholdElectionStartUntil(t time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t.After(d.withholdUntil) {
		d.withholdUntil = t
	}
}

func (d *Detector) Deadline() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.deadline
}
