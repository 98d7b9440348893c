package member

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// TestPingStatsRetryBudget verifies the attempt window state machine: a
// window survives MaxHeartbeatRetries misses and fails on the next one.
func TestPingStatsRetryBudget(t *testing.T) {
	var p PingStats
	assert.False(t, p.Started())

	now := time.Now()
	p.Start(now)
	assert.True(t, p.Trying())
	assert.Equal(t, now, p.LastStart())
	assert.Equal(t, MaxHeartbeatRetries, p.RetriesLeft())

	p.Miss()
	assert.True(t, p.Trying())
	assert.Equal(t, 1, p.RetriesLeft())

	p.Miss()
	assert.True(t, p.Trying())
	assert.Equal(t, 0, p.RetriesLeft())

	// Third miss exhausts the budget
	p.Miss()
	assert.False(t, p.Trying())
	assert.True(t, p.Failed())

	// A new window resets the budget
	p.Start(now.Add(time.Second))
	assert.True(t, p.Trying())
	assert.Equal(t, MaxHeartbeatRetries, p.RetriesLeft())
}

// TestPingStatsAverage verifies the 4:1 weighted round-trip average.
func TestPingStatsAverage(t *testing.T) {
	var p PingStats
	_, ok := p.Average()
	assert.False(t, ok)

	p.Start(time.Now())
	p.Hit(100 * time.Millisecond)
	avg, ok := p.Average()
	assert.True(t, ok)
	assert.Equal(t, 100*time.Millisecond, avg)
	assert.Equal(t, 1, p.Count())

	// (100*4 + 50) / 5 = 90
	p.Hit(50 * time.Millisecond)
	avg, _ = p.Average()
	assert.Equal(t, 90*time.Millisecond, avg)
	assert.Equal(t, 2, p.Count())

	// A single huge outlier moves the average by only a fifth:
	// (90*4 + 590) / 5 = 190
	p.Hit(590 * time.Millisecond)
	avg, _ = p.Average()
	assert.Equal(t, 190*time.Millisecond, avg)
}

// TestPingStatsHitClosesWindow verifies that a hit ends the attempt window.
func TestPingStatsHitClosesWindow(t *testing.T) {
	var p PingStats
	p.Start(time.Now())
	p.Miss()
	p.Hit(10 * time.Millisecond)
	assert.False(t, p.Trying())
	assert.False(t, p.Failed())
	assert.True(t, p.Started())
}
