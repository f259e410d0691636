package monitor

import (
	"sync"
	"time"
)

// maxConsecutiveErrors is how many failures in a row are tolerated.
const maxConsecutiveErrors = 3

// MaintenanceMonitor tracks the health of a periodic background job.
type MaintenanceMonitor struct {
	name       string
	staleAfter time.Duration

	mu                sync.RWMutex
	lastSuccess       time.Time
	lastAttempt       time.Time
	consecutiveErrors int
	lastError         string
}

// NewMaintenanceMonitor watches the job called name. A job that has succeeded
// before but not within staleAfter is reported unhealthy.
func NewMaintenanceMonitor(name string, staleAfter time.Duration) *MaintenanceMonitor {
	return &MaintenanceMonitor{name: name, staleAfter: staleAfter}
}

// RecordSuccess records a successful run.
func (m *MaintenanceMonitor) RecordSuccess() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastSuccess = time.Now()
	m.lastAttempt = m.lastSuccess
	m.consecutiveErrors = 0
	m.lastError = ""
}

// RecordFailure records a failed run.
func (m *MaintenanceMonitor) RecordFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastAttempt = time.Now()
	m.consecutiveErrors++
	if err != nil {
		m.lastError = err.Error()
	}
}

// IsHealthy returns false after more than three failures in a row or when
// the last success is stale. A job that has not run yet is healthy.
func (m *MaintenanceMonitor) IsHealthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.healthy()
}

func (m *MaintenanceMonitor) healthy() bool {
	if m.consecutiveErrors > maxConsecutiveErrors {
		return false
	}
	if !m.lastSuccess.IsZero() && m.staleAfter > 0 && time.Since(m.lastSuccess) > m.staleAfter {
		return false
	}
	return true
}

// MaintenanceStatus is the health report of one job.
type MaintenanceStatus struct {
	Job               string `json:"job"`
	Healthy           bool   `json:"healthy"`
	LastSuccess       string `json:"last_success,omitempty"`
	TimeSinceSuccess  string `json:"time_since_success,omitempty"`
	LastAttempt       string `json:"last_attempt,omitempty"`
	ConsecutiveErrors int    `json:"consecutive_errors,omitempty"`
	LastError         string `json:"last_error,omitempty"`
}

// Status returns the current status for health checks.
func (m *MaintenanceMonitor) Status() MaintenanceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := MaintenanceStatus{
		Job:     m.name,
		Healthy: m.healthy(),
	}

	if !m.lastSuccess.IsZero() {
		status.LastSuccess = m.lastSuccess.Format(time.RFC3339)
		status.TimeSinceSuccess = time.Since(m.lastSuccess).String()
	}
	if !m.lastAttempt.IsZero() {
		status.LastAttempt = m.lastAttempt.Format(time.RFC3339)
	}
	if m.consecutiveErrors > 0 {
		status.ConsecutiveErrors = m.consecutiveErrors
		status.LastError = m.lastError
	}
	return status
}
