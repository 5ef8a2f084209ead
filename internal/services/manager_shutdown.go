package services

import (
	"context"
)

// Shutdown waits for the watchers to return, then closes the sink and the
// resume store. Cancel the context passed to Start first. Without a prior
// Start it only releases what Init opened.
func (m *Manager) Shutdown(ctx context.Context) {
	if m.started.Load() && len(m.watchers) > 0 {
		m.logger.Info("waiting for watchers to stop")
		select {
		case <-m.done:
			m.logger.Info("watchers stopped")
		case <-ctx.Done():
			m.logger.Warn("timeout waiting for watchers")
		}
	}

	m.closeSink()
	m.closeStore(ctx)
}

func (m *Manager) closeSink() {
	if m.sinkCloser == nil {
		return
	}
	if err := m.sinkCloser.Close(); err != nil {
		m.logger.Error("error closing sink", "error", err)
	}
	m.sinkCloser = nil
}

func (m *Manager) closeStore(ctx context.Context) {
	if m.store != nil {
		if err := m.store.Close(); err != nil {
			m.logger.Error("error closing resume store", "error", err)
		}
		m.store = nil
	}
	if m.storeHandle != nil {
		if err := m.conns.Close(ctx, m.storeHandle); err != nil {
			m.logger.Error("error closing resume store connection", "error", err)
		}
		m.storeHandle = nil
	}
}
