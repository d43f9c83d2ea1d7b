package keygate

import "sync/atomic"

// MetricID indexes the engine's in-process counters.
type MetricID uint8

const (
	MetricLoginSuccess MetricID = iota
	MetricLoginFailure
	MetricRefreshSuccess
	MetricRefreshFailure
	MetricReuseDetected
	MetricValidateSuccess
	MetricValidateFailure
	MetricLogout
	MetricLogoutAll
	MetricOAuthStart
	MetricOAuthLoginSuccess
	MetricOAuthCallbackFailure

	metricCount
)

var metricNames = [metricCount]string{
	MetricLoginSuccess:         "login_success",
	MetricLoginFailure:         "login_failure",
	MetricRefreshSuccess:       "refresh_success",
	MetricRefreshFailure:       "refresh_failure",
	MetricReuseDetected:        "refresh_reuse_detected",
	MetricValidateSuccess:      "validate_success",
	MetricValidateFailure:      "validate_failure",
	MetricLogout:               "logout",
	MetricLogoutAll:            "logout_all",
	MetricOAuthStart:           "oauth_start",
	MetricOAuthLoginSuccess:    "oauth_login_success",
	MetricOAuthCallbackFailure: "oauth_callback_failure",
}

// Metrics holds lock-free counters. A nil or disabled Metrics is a
// no-op so call sites never branch.
type Metrics struct {
	enabled  bool
	counters [metricCount]atomic.Uint64
}

func newMetrics(enabled bool) *Metrics {
	return &Metrics{enabled: enabled}
}

func (m *Metrics) inc(id MetricID) {
	if m == nil || !m.enabled || id >= metricCount {
		return
	}
	m.counters[id].Add(1)
}

// Value returns one counter.
func (m *Metrics) Value(id MetricID) uint64 {
	if m == nil || id >= metricCount {
		return 0
	}
	return m.counters[id].Load()
}

// Snapshot returns all counters keyed by stable metric name.
func (m *Metrics) Snapshot() map[string]uint64 {
	out := make(map[string]uint64, metricCount)
	if m == nil {
		return out
	}
	for id := MetricID(0); id < metricCount; id++ {
		out[metricNames[id]] = m.counters[id].Load()
	}
	return out
}
