package network

import "time"

// Backoff returns the wait before retry number attempt (1-based).
type Backoff interface {
	Next(attempt int) time.Duration
}

// Constant waits the same delay between every attempt.
type Constant time.Duration

// Next implements Backoff.
func (c Constant) Next(int) time.Duration {
	return time.Duration(c)
}

// Exponential doubles the delay after each attempt up to Max.
type Exponential struct {
	Base time.Duration
	Max  time.Duration
}

// Next implements Backoff.
func (e Exponential) Next(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := e.Base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if e.Max > 0 && delay >= e.Max {
			return e.Max
		}
	}
	if e.Max > 0 && delay > e.Max {
		return e.Max
	}
	return delay
}

// NewBackoff picks Constant when max does not exceed base, Exponential otherwise.
func NewBackoff(base, max time.Duration) Backoff {
	if max <= base {
		return Constant(base)
	}
	return Exponential{Base: base, Max: max}
}
