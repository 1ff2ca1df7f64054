package watch

import "time"

// Status is a point-in-time snapshot of the monitor, safe to read while the
// monitor runs.
type Status struct {
	State          State
	StartedAt      time.Time
	LastWakeAt     time.Time
	WakeCount      uint64
	AlertCount     uint64
	ProcessedCount int
	ReconnectCount uint64
	LastProcessed  UID
}

// Status reports the monitor's current state and counters.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		State:          m.state,
		StartedAt:      m.startedAt,
		LastWakeAt:     m.lastWakeAt,
		WakeCount:      m.wakes,
		AlertCount:     m.alerts,
		ProcessedCount: m.ledger.Len(),
		ReconnectCount: m.reconnects,
		LastProcessed:  m.lastProcessedUID,
	}
}

// statusLoop periodically logs a one-line health report until the monitor
// stops. Disabled when the interval is zero.
func (m *Monitor) statusLoop() {
	defer m.statusDone.Done()
	ticker := time.NewTicker(m.cfg.StatusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			st := m.Status()
			m.log.Info().
				Str("state", st.State.String()).
				Uint64("wakes", st.WakeCount).
				Uint64("alerts", st.AlertCount).
				Int("processed", st.ProcessedCount).
				Uint64("reconnects", st.ReconnectCount).
				Uint32("last_uid", uint32(st.LastProcessed)).
				Dur("uptime", time.Since(st.StartedAt)).
				Msg("Status report")
		case <-m.stopCh:
			return
		}
	}
}
