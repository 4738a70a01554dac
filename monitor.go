package identity

import (
	"errors"
	"regexp"
	"sync"
	"time"
)

// Severity buckets observed errors for triage.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// ClassifySeverity maps an error to its triage bucket. Storage outages are
// critical, failed authentication is high, input rejections are low, and
// anything unrecognized lands in medium.
func ClassifySeverity(err error) Severity {
	switch {
	case errors.Is(err, ErrBackendUnavailable), errors.Is(err, ErrEngineNotReady):
		return SeverityCritical
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, ErrInvalidCredentials),
		errors.Is(err, ErrInvalidToken),
		errors.Is(err, ErrTokenInvalidated),
		errors.Is(err, ErrAccountLocked),
		errors.Is(err, ErrTOTPInvalid),
		errors.Is(err, ErrOTPInvalid),
		errors.Is(err, ErrSignCounterRegression),
		errors.Is(err, ErrInvalidCredential):
		return SeverityHigh
	case errors.Is(err, ErrWeakPassword),
		errors.Is(err, ErrPasswordReused),
		errors.Is(err, ErrChallengeMissing),
		errors.Is(err, ErrOTPExpired):
		return SeverityLow
	default:
		return SeverityMedium
	}
}

// Suspicious payload fingerprints. Matching is advisory; the request is
// already rejected by validation, this only drives alerting.
var (
	sqlInjectionPattern = regexp.MustCompile(`(?i)(\bunion\b[\s\S]*\bselect\b|\bselect\b[\s\S]*\bfrom\b|\bdrop\b\s+table|\binsert\b\s+into|'\s*or\s*'1'\s*=\s*'1|;\s*--)`)
	scriptInjectPattern = regexp.MustCompile(`(?i)(<script\b|javascript:|\bonerror\s*=|\bonload\s*=)`)
)

// SuspiciousRequest is one flagged inbound request, kept in a bounded ring.
type SuspiciousRequest struct {
	IPAddress string
	Endpoint  string
	Reason    string
	Sample    string
	SeenAt    time.Time
}

// AlertFunc receives a monitor alert. The engine wires this to the audit log.
type AlertFunc func(event string, fields map[string]string)

// windowCounter counts events inside a rolling window, resetting lazily when
// the window elapses.
type windowCounter struct {
	count int
	start time.Time
}

func (w *windowCounter) bump(now time.Time, window time.Duration) int {
	if now.Sub(w.start) > window {
		w.count = 0
		w.start = now
	}
	w.count++
	return w.count
}

// current reads the count without touching it; an elapsed window reads as zero.
func (w *windowCounter) current(now time.Time, window time.Duration) int {
	if now.Sub(w.start) > window {
		return 0
	}
	return w.count
}

// MonitorSnapshot is a read-only view of the monitor's counters. The windowed
// error counts roll over lazily: a window with no errors reads as zero.
type MonitorSnapshot struct {
	ErrorsBySeverity map[Severity]int64
	ErrorsLastMinute int
	ErrorsLastHour   int
	ErrorsLastDay    int
	TrackedLoginIPs  int
	Suspicious       []SuspiciousRequest
	AlertsFired      int64
}

// Monitor watches authentication failures, rate-limit violations and
// suspicious payloads, and raises alerts when per-source thresholds are
// crossed. All state is in-memory per instance; alerts are the durable signal.
type Monitor struct {
	cfg     MonitorConfig
	alert   AlertFunc
	nowFunc func() time.Time

	mu           sync.Mutex
	errCounts    map[Severity]int64
	errMinute    windowCounter
	errHour      windowCounter
	errDay       windowCounter
	failedLogins map[string]*windowCounter
	rateViolated map[string]*windowCounter
	suspicious   []SuspiciousRequest
	alertsFired  int64
}

const (
	failedLoginWindow = 15 * time.Minute
	rateLimitWindow   = time.Hour
	errorDayWindow    = 24 * time.Hour
)

// NewMonitor builds a monitor. alert may be nil.
func NewMonitor(cfg MonitorConfig, alert AlertFunc) *Monitor {
	if cfg.FailedLoginAlertThreshold <= 0 {
		cfg.FailedLoginAlertThreshold = 5
	}
	if cfg.RateLimitAlertThreshold <= 0 {
		cfg.RateLimitAlertThreshold = 10
	}
	if cfg.MaxStoredSuspicious <= 0 {
		cfg.MaxStoredSuspicious = 1000
	}
	return &Monitor{
		cfg:          cfg,
		alert:        alert,
		nowFunc:      time.Now,
		errCounts:    make(map[Severity]int64),
		failedLogins: make(map[string]*windowCounter),
		rateViolated: make(map[string]*windowCounter),
	}
}

func (m *Monitor) fire(event string, fields map[string]string) {
	m.alertsFired++
	if m.alert != nil {
		go m.alert(event, fields)
	}
}

// RecordError classifies and counts an error. Returns the severity so callers
// can log it without reclassifying.
func (m *Monitor) RecordError(err error) Severity {
	sev := ClassifySeverity(err)
	if m == nil || !m.cfg.Enabled {
		return sev
	}
	now := m.nowFunc()
	m.mu.Lock()
	m.errCounts[sev]++
	m.errMinute.bump(now, time.Minute)
	m.errHour.bump(now, time.Hour)
	m.errDay.bump(now, errorDayWindow)
	m.mu.Unlock()
	return sev
}

// TrackFailedLogin counts a failed login attempt from ip and reports whether
// the per-IP threshold was crossed by this attempt. The alert fires once per
// window, on the crossing attempt only.
func (m *Monitor) TrackFailedLogin(ip, email string) bool {
	if m == nil || !m.cfg.Enabled || ip == "" {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.failedLogins[ip]
	if c == nil {
		c = &windowCounter{start: m.nowFunc()}
		m.failedLogins[ip] = c
	}
	n := c.bump(m.nowFunc(), failedLoginWindow)
	if n != m.cfg.FailedLoginAlertThreshold {
		return false
	}
	m.fire("repeated_failed_logins", map[string]string{
		"ip":    ip,
		"email": email,
	})
	return true
}

// TrackRateLimitViolation counts a rate-limit rejection for ip+endpoint and
// reports whether the threshold was crossed by this violation.
func (m *Monitor) TrackRateLimitViolation(ip, endpoint string) bool {
	if m == nil || !m.cfg.Enabled || ip == "" {
		return false
	}
	key := ip + "|" + endpoint
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.rateViolated[key]
	if c == nil {
		c = &windowCounter{start: m.nowFunc()}
		m.rateViolated[key] = c
	}
	n := c.bump(m.nowFunc(), rateLimitWindow)
	if n != m.cfg.RateLimitAlertThreshold {
		return false
	}
	m.fire("rate_limit_abuse", map[string]string{
		"ip":       ip,
		"endpoint": endpoint,
	})
	return true
}

// DetectSuspicious scans an inbound payload for injection fingerprints. A hit
// is stored in the bounded ring and alerted; the caller decides what to do
// with the request itself.
func (m *Monitor) DetectSuspicious(ip, endpoint, payload string) bool {
	if m == nil || !m.cfg.Enabled || payload == "" {
		return false
	}
	var reason string
	switch {
	case sqlInjectionPattern.MatchString(payload):
		reason = "sql_injection"
	case scriptInjectPattern.MatchString(payload):
		reason = "script_injection"
	default:
		return false
	}

	sample := payload
	if len(sample) > 256 {
		sample = sample[:256]
	}
	m.mu.Lock()
	m.suspicious = append(m.suspicious, SuspiciousRequest{
		IPAddress: ip,
		Endpoint:  endpoint,
		Reason:    reason,
		Sample:    sample,
		SeenAt:    m.nowFunc(),
	})
	if over := len(m.suspicious) - m.cfg.MaxStoredSuspicious; over > 0 {
		m.suspicious = m.suspicious[over:]
	}
	m.fire("suspicious_payload", map[string]string{
		"ip":       ip,
		"endpoint": endpoint,
		"reason":   reason,
	})
	m.mu.Unlock()
	return true
}

// Snapshot returns a copy of the monitor's current counters.
func (m *Monitor) Snapshot() MonitorSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[Severity]int64, len(m.errCounts))
	for sev, n := range m.errCounts {
		counts[sev] = n
	}
	suspicious := make([]SuspiciousRequest, len(m.suspicious))
	copy(suspicious, m.suspicious)
	now := m.nowFunc()
	return MonitorSnapshot{
		ErrorsBySeverity: counts,
		ErrorsLastMinute: m.errMinute.current(now, time.Minute),
		ErrorsLastHour:   m.errHour.current(now, time.Hour),
		ErrorsLastDay:    m.errDay.current(now, errorDayWindow),
		TrackedLoginIPs:  len(m.failedLogins),
		Suspicious:       suspicious,
		AlertsFired:      m.alertsFired,
	}
}
