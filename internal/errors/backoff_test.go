package errors

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffClampsToMax(t *testing.T) {
	cfg := BackoffConfig{Base: time.Second, Max: 5 * time.Second}
	for attempt := 1; attempt <= 10; attempt++ {
		delay := Backoff(attempt, cfg)
		assert.LessOrEqualf(t, delay, cfg.Max, "attempt %d exceeded max", attempt)
		assert.Greaterf(t, delay, time.Duration(0), "attempt %d produced non-positive delay", attempt)
	}
}

func TestBackoffGrowsExponentially(t *testing.T) {
	cfg := BackoffConfig{Base: time.Second, Max: time.Hour}
	// With jitter in [0.5, 1.5) the ranges for consecutive attempts
	// ([0.5,1.5), [1,3), [2,6)) overlap, so compare against the
	// jitter-free midpoints instead of raw samples.
	d1 := Backoff(1, cfg)
	d3 := Backoff(3, cfg)
	assert.Lessf(t, d1, 2*time.Second, "attempt 1 delay too large: %v", d1)
	assert.Greaterf(t, d3, time.Second, "attempt 3 delay too small: %v", d3)
}

func TestIsTransientClassification(t *testing.T) {
	assert.True(t, IsTransient(NewTransient(assertErr("boom"))))
	assert.False(t, IsTransient(NewPermanent(assertErr("nope"))))
	assert.False(t, IsTransient(nil))
}

func TestIsPermanentClassification(t *testing.T) {
	assert.True(t, IsPermanent(NewPermanent(assertErr("nope"))))
	assert.False(t, IsPermanent(NewTransient(assertErr("boom"))))
}

type stringError string

func (e stringError) Error() string { return string(e) }

func assertErr(msg string) error { return stringError(msg) }
