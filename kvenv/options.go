package kvenv

import "github.com/prometheus/client_golang/prometheus"

// Option configures an Environment at Open time. Keeping this variadic
// rather than a struct-of-fields means existing Open(path) call sites
// never need to change as new knobs get added.
type Option func(*openOptions)

type openOptions struct {
	registry *prometheus.Registry
}

// WithMetrics registers the environment's Prometheus collectors (commit
// counter, page/free-page gauges) against reg instead of leaving metrics
// disabled. Passing nil is equivalent to omitting the option.
func WithMetrics(reg *prometheus.Registry) Option {
	return func(o *openOptions) { o.registry = reg }
}
