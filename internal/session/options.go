package session

import (
	"time"

	"owly-callkit/pkg/constants"
)

// Options tune the call timers. Zero values fall back to the defaults in
// pkg/constants.
type Options struct {
	// RingTimeout bounds how long a call may stay unanswered, on both the
	// caller side (calling) and the callee side (ringing).
	RingTimeout time.Duration

	// AnsweredGrace is the minimum connected duration for a call to count
	// as answered. Shorter calls are reclassified as missed.
	AnsweredGrace time.Duration
}

func (o Options) withDefaults() Options {
	if o.RingTimeout <= 0 {
		o.RingTimeout = constants.RingTimeout
	}
	if o.AnsweredGrace <= 0 {
		o.AnsweredGrace = constants.AnsweredGrace
	}
	return o
}
