package services

import (
	"context"
	"errors"

	"github.com/syntrixbase/streamwatch/internal/health"
	"github.com/syntrixbase/streamwatch/internal/watcher"
)

// Start runs every watcher and the health server until bgCtx is cancelled.
// Done is closed once all watchers have returned.
func (m *Manager) Start(bgCtx context.Context) {
	if !m.started.CompareAndSwap(false, true) {
		m.logger.Warn("services already started")
		return
	}

	if m.cfg.Health.Enabled && m.checker != nil {
		go func() {
			if err := health.StartServer(bgCtx, m.cfg.Health.Address, m.checker); err != nil {
				m.logger.Error("health server error", "error", err)
			}
		}()
	}

	for _, w := range m.watchers {
		m.wg.Add(1)
		go func(w *watcher.Watcher) {
			defer m.wg.Done()
			err := w.Run(bgCtx)
			if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			m.recordErr(err)
		}(w)
	}

	go func() {
		m.wg.Wait()
		close(m.done)
	}()

	m.logger.Info("watchers started", "count", len(m.watchers), "run_id", m.opts.RunID)
}
