// Package collector runs the sink-side persistent data collectors for a
// run: a Prometheus container scraping every prometheus-compatible tool,
// and PCP loggers pulling metric archives from every pcp host.
package collector

import "context"

// Collector is one persistent collection process (or container) kept up
// from init until end.
type Collector interface {
	Name() string

	// Launch starts collection; a failed launch is reported but does not
	// prevent other collectors from running.
	Launch(ctx context.Context) error

	// Terminate ends collection and archives anything the collector owns.
	// It is idempotent.
	Terminate(ctx context.Context) error

	// Alive reports whether the collection process is still up; the
	// watchdog uses it between launch and terminate.
	Alive() bool
}
