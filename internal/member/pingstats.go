package member

import (
	"time"
)

// MaxHeartbeatRetries bounds how many rapid retries a failed heartbeat gets
// before the attempt counts as failed and the target is marked down.
const MaxHeartbeatRetries = 2

type heartbeatState int

const (
	heartbeatIdle heartbeatState = iota
	heartbeatTrying
	heartbeatSucceeded
	heartbeatFailed
)

// PingStats tracks one target's heartbeat attempt window and round-trip
// latency history.
//
// An attempt window opens with Start and spans the configured heartbeat
// timeout. Within a window, each Miss consumes a retry; once the retries are
// spent the attempt is failed. Hit closes the window successfully and folds
// the observed round-trip time into a moving average weighted 4:1 toward
// history, so a single slow round trip cannot dominate sync-source latency
// comparisons.
type PingStats struct {
	count   int
	average time.Duration
	haveAvg bool

	lastStart time.Time
	failures  int
	state     heartbeatState
}

// Start opens a new attempt window at now, resetting the retry budget.
func (p *PingStats) Start(now time.Time) {
	p.lastStart = now
	p.failures = 0
	p.state = heartbeatTrying
}

// Hit records a successful round trip.
func (p *PingStats) Hit(rtt time.Duration) {
	p.state = heartbeatSucceeded
	p.count++
	if !p.haveAvg {
		p.average = rtt
		p.haveAvg = true
		return
	}
	p.average = (p.average*4 + rtt) / 5
}

// Miss records a failed round trip, failing the attempt once the retry budget is
// spent.
func (p *PingStats) Miss() {
	p.failures++
	if p.failures > MaxHeartbeatRetries {
		p.state = heartbeatFailed
	}
}

// Trying reports whether an attempt window is open with retries remaining.
func (p *PingStats) Trying() bool { return p.state == heartbeatTrying }

// Failed reports whether the current attempt has exhausted its retries.
func (p *PingStats) Failed() bool { return p.state == heartbeatFailed }

// Started reports whether any attempt window was ever opened.
func (p *PingStats) Started() bool { return p.state != heartbeatIdle }

// LastStart returns when the current attempt window opened.
func (p *PingStats) LastStart() time.Time { return p.lastStart }

// RetriesLeft returns the remaining retry budget of the open window.
func (p *PingStats) RetriesLeft() int {
	left := MaxHeartbeatRetries - p.failures
	if left < 0 {
		return 0
	}
	return left
}

// Count returns how many successful round trips have ever been recorded.
func (p *PingStats) Count() int { return p.count }

// Average returns the weighted round-trip average, and whether any sample
// exists yet.
func (p *PingStats) Average() (time.Duration, bool) { return p.average, p.haveAvg }
