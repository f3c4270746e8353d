// Package doctor watches run health: it flags runs that stop producing
// output and repairs registry records left running by a crashed process.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coxswain-dev/coxswain/internal/broadcast"
	"github.com/coxswain-dev/coxswain/internal/session"
)

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultStallTimeout      = 5 * time.Minute
)

// RunState is the subset of supervisor state the doctor inspects.
type RunState struct {
	Running   bool
	SessionID string
	StartedAt time.Time
}

// RunProbe reads the live run and its output activity.
type RunProbe interface {
	RunState() RunState
	LineCount() int
}

// Notifier publishes doctor findings into the run log stream.
type Notifier interface {
	Publish(line broadcast.Line)
}

// Store is the registry surface the doctor repairs.
type Store interface {
	ListAll() []session.Record
	UpdateByID(id string, record session.Record) error
}

// Config controls heartbeat cadence and the stall threshold.
type Config struct {
	HeartbeatInterval time.Duration
	StallTimeout      time.Duration
}

// HealthReport is emitted on every doctor heartbeat.
type HealthReport struct {
	Running         bool          `json:"running"`
	SessionID       string        `json:"session_id,omitempty"`
	QuietFor        time.Duration `json:"quiet_for"`
	Stalled         bool          `json:"stalled"`
	RepairedRecords int           `json:"repaired_records"`
	Heartbeat       time.Time     `json:"heartbeat"`
}

// Manager executes deterministic health checks on a periodic ticker.
type Manager struct {
	probe             RunProbe
	notifier          Notifier
	store             Store
	heartbeatInterval time.Duration
	stallTimeout      time.Duration
	now               func() time.Time
	newTicker         func(time.Duration) *time.Ticker

	lastSession   string
	lastLineCount int
	lastProgress  time.Time
	alerted       bool
}

// NewManager builds a doctor manager with sane defaults.
func NewManager(probe RunProbe, notifier Notifier, store Store, cfg Config) (*Manager, error) {
	if probe == nil {
		return nil, errors.New("run probe is required")
	}
	if notifier == nil {
		return nil, errors.New("notifier is required")
	}
	if store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.StallTimeout <= 0 {
		cfg.StallTimeout = defaultStallTimeout
	}
	return &Manager{
		probe:             probe,
		notifier:          notifier,
		store:             store,
		heartbeatInterval: cfg.HeartbeatInterval,
		stallTimeout:      cfg.StallTimeout,
		now:               time.Now,
		newTicker:         time.NewTicker,
	}, nil
}

// Start runs heartbeat checks until context cancellation.
func (m *Manager) Start(ctx context.Context) {
	if m == nil {
		return
	}
	ticker := m.newTicker(m.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.RunOnce()
		}
	}
}

// RunOnce executes one deterministic health check cycle.
func (m *Manager) RunOnce() HealthReport {
	if m == nil {
		return HealthReport{}
	}

	now := m.now().UTC()
	state := m.probe.RunState()
	report := HealthReport{
		Running:   state.Running,
		SessionID: state.SessionID,
		Heartbeat: now,
	}

	report.RepairedRecords = m.repairStaleRecords(now)

	if !state.Running {
		m.lastSession = ""
		m.alerted = false
		return report
	}

	lines := m.probe.LineCount()
	if state.SessionID != m.lastSession {
		// New run: start the quiet clock from its launch.
		m.lastSession = state.SessionID
		m.lastLineCount = lines
		m.lastProgress = now
		m.alerted = false
	} else if lines != m.lastLineCount {
		m.lastLineCount = lines
		m.lastProgress = now
		m.alerted = false
	}

	report.QuietFor = now.Sub(m.lastProgress)
	if report.QuietFor > m.stallTimeout {
		report.Stalled = true
		if !m.alerted {
			m.alerted = true
			m.notifier.Publish(broadcast.Line{
				Text:   fmt.Sprintf("[doctor] no output for %s; the run may be stalled", report.QuietFor.Round(time.Second)),
				Stderr: true,
			})
		}
	}
	return report
}

// repairStaleRecords marks running registry records that do not belong to
// the live run as failed. They are leftovers of a process that died
// without finalizing.
func (m *Manager) repairStaleRecords(now time.Time) int {
	records := m.store.ListAll()
	// Read the run state after listing: a run started between the two
	// reads must not look abandoned.
	state := m.probe.RunState()
	repaired := 0
	for _, record := range records {
		if record.Status != session.StatusRunning {
			continue
		}
		if state.Running && record.ID == state.SessionID {
			continue
		}
		if now.Sub(record.StartedAt.UTC()) < m.heartbeatInterval {
			// Too young to judge; the next cycle will see it.
			continue
		}
		if err := record.Finalize(session.StatusFailed, now); err != nil {
			continue
		}
		if err := m.store.UpdateByID(record.ID, record); err != nil {
			continue
		}
		repaired++
		m.notifier.Publish(broadcast.Line{
			Text:   fmt.Sprintf("[doctor] marked abandoned session %s as failed", record.ID),
			Stderr: true,
		})
	}
	return repaired
}
