// Package metrics builds the tally.Scope the engine and its cmd
// entrypoint report stats through, selecting a reporter backend by
// name the way kraken's own metrics package does (a registry of named
// scope factories, "disabled" by default). Grounded on
// metrics/metrics.go, metrics/disabled.go and metrics/statsd.go, pared
// down to the two backends this module actually ships a transport for.
package metrics

import (
	"fmt"
	"io"
	"time"

	"github.com/cactus/go-statsd-client/statsd"
	"github.com/uber-go/tally"
	tallystatsd "github.com/uber-go/tally/statsd"
)

// Config selects and configures the metrics backend.
type Config struct {
	Backend string       `yaml:"backend"`
	Statsd  StatsdConfig `yaml:"statsd"`
}

// StatsdConfig defines the statsd transport's destination.
type StatsdConfig struct {
	HostPort string `yaml:"host_port"`
	Prefix   string `yaml:"prefix"`
}

const (
	flushInterval = 100 * time.Millisecond
	flushBytes    = 512
	reportEvery   = time.Second
)

type scopeFactory func(Config) (tally.Scope, io.Closer, error)

var backends = map[string]scopeFactory{
	"disabled": newDisabledScope,
	"statsd":   newStatsdScope,
}

// New builds the tally.Scope named by config.Backend ("disabled" if
// unset).
func New(config Config) (tally.Scope, io.Closer, error) {
	backend := config.Backend
	if backend == "" {
		backend = "disabled"
	}
	f, ok := backends[backend]
	if !ok {
		return nil, nil, fmt.Errorf("metrics: unknown backend %q", backend)
	}
	return f(config)
}

func newDisabledScope(Config) (tally.Scope, io.Closer, error) {
	s, c := tally.NewRootScope(tally.ScopeOptions{Reporter: disabledReporter{}}, reportEvery)
	return s, c, nil
}

func newStatsdScope(config Config) (tally.Scope, io.Closer, error) {
	statter, err := statsd.NewBufferedClient(
		config.Statsd.HostPort, config.Statsd.Prefix, flushInterval, flushBytes)
	if err != nil {
		return nil, nil, fmt.Errorf("metrics: new statsd client: %w", err)
	}
	r := tallystatsd.NewReporter(statter, tallystatsd.Options{SampleRate: 1.0})
	s, c := tally.NewRootScope(tally.ScopeOptions{Reporter: r}, reportEvery)
	return s, c, nil
}

// disabledReporter discards every metric, used when no backend is
// configured so callers can always hold a usable tally.Scope.
type disabledReporter struct{}

func (disabledReporter) ReportCounter(string, map[string]string, int64)       {}
func (disabledReporter) ReportGauge(string, map[string]string, float64)       {}
func (disabledReporter) ReportTimer(string, map[string]string, time.Duration) {}
func (disabledReporter) ReportHistogramValueSamples(
	string, map[string]string, tally.Buckets, float64, float64, int64) {
}
func (disabledReporter) ReportHistogramDurationSamples(
	string, map[string]string, tally.Buckets, time.Duration, time.Duration, int64) {
}
func (r disabledReporter) Capabilities() tally.Capabilities { return r }
func (disabledReporter) Reporting() bool                    { return true }
func (disabledReporter) Tagging() bool                      { return false }
func (disabledReporter) Flush()                              {}
