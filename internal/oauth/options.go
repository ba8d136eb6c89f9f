package oauth

import (
	"time"

	"github.com/andyleap/skyid/internal/metrics"
)

type options struct {
	now     func() time.Time
	metrics *metrics.Metrics
}

// Option configures the components in this package.
type Option func(*options)

// WithClock replaces time.Now, mostly for tests that need to cross an expiry.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
