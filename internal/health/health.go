// Package health reports per-stream watcher health over HTTP.
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/syntrixbase/streamwatch/internal/resume"
	"github.com/syntrixbase/streamwatch/internal/watcher"
)

// Status represents the health status of a stream or of the process.
type Status string

const (
	// StatusOK indicates the stream is consuming or connecting normally.
	StatusOK Status = "ok"

	// StatusDegraded indicates the stream is running but faulting.
	StatusDegraded Status = "degraded"

	// StatusUnhealthy indicates the stream has stopped.
	StatusUnhealthy Status = "unhealthy"
)

// degradedAfter is the number of consecutive faults that mark a stream
// degraded.
const degradedAfter = 5

// StreamHealth represents the health of a single watched stream.
type StreamHealth struct {
	Name         string     `json:"name"`
	Status       Status     `json:"status"`
	State        string     `json:"state"`
	LastEvent    *time.Time `json:"lastEvent,omitempty"`
	LastPosition string     `json:"lastPosition,omitempty"`
	EventsTotal  int64      `json:"eventsTotal"`
	Errors       int        `json:"errors"`
	LastError    string     `json:"lastError,omitempty"`
}

// Report is the full health report.
type Report struct {
	Status    Status         `json:"status"`
	Uptime    string         `json:"uptime"`
	StartedAt time.Time      `json:"startedAt"`
	RunID     string         `json:"runId,omitempty"`
	Streams   []StreamHealth `json:"streams"`
}

// Checker tracks watcher lifecycles. It implements watcher.Observer.
type Checker struct {
	startedAt time.Time
	runID     string
	logger    *slog.Logger

	// mu protects streams
	mu      sync.RWMutex
	streams map[string]*StreamHealth
}

var _ watcher.Observer = (*Checker)(nil)

// NewChecker creates a new health checker.
func NewChecker(runID string, logger *slog.Logger) *Checker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{
		startedAt: time.Now(),
		runID:     runID,
		logger:    logger.With("component", "health"),
		streams:   make(map[string]*StreamHealth),
	}
}

// RegisterStream registers a stream for health tracking.
func (h *Checker) RegisterStream(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.streams[name] = &StreamHealth{
		Name:   name,
		Status: StatusOK,
		State:  watcher.StateIdle.String(),
	}
}

func (h *Checker) stream(name string) *StreamHealth {
	sh, ok := h.streams[name]
	if !ok {
		sh = &StreamHealth{Name: name, Status: StatusOK}
		h.streams[name] = sh
	}
	return sh
}

// OnState implements watcher.Observer.
func (h *Checker) OnState(name string, state watcher.State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sh := h.stream(name)
	sh.State = state.String()
	switch state {
	case watcher.StateStopped:
		sh.Status = StatusUnhealthy
	case watcher.StateFaulted:
		sh.Status = StatusDegraded
	case watcher.StateConsuming:
		if sh.Errors <= degradedAfter {
			sh.Status = StatusOK
		}
	}
}

// OnEvent implements watcher.Observer.
func (h *Checker) OnEvent(name string, pos resume.Position) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sh := h.stream(name)
	now := time.Now()
	sh.LastEvent = &now
	sh.LastPosition = pos.Token.String()
	sh.EventsTotal++
	sh.Errors = 0
	if sh.Status != StatusUnhealthy {
		sh.Status = StatusOK
	}
}

// OnFault implements watcher.Observer.
func (h *Checker) OnFault(name string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sh := h.stream(name)
	sh.Errors++
	if err != nil {
		sh.LastError = err.Error()
	}
	if sh.Errors > degradedAfter && sh.Status == StatusOK {
		sh.Status = StatusDegraded
	}
}

// GetReport returns the current health report.
func (h *Checker) GetReport() Report {
	h.mu.RLock()
	defer h.mu.RUnlock()

	report := Report{
		Status:    StatusOK,
		Uptime:    time.Since(h.startedAt).Round(time.Second).String(),
		StartedAt: h.startedAt,
		RunID:     h.runID,
		Streams:   make([]StreamHealth, 0, len(h.streams)),
	}

	for _, sh := range h.streams {
		report.Streams = append(report.Streams, *sh)

		if sh.Status == StatusUnhealthy {
			report.Status = StatusUnhealthy
		} else if sh.Status == StatusDegraded && report.Status == StatusOK {
			report.Status = StatusDegraded
		}
	}
	sort.Slice(report.Streams, func(i, j int) bool {
		return report.Streams[i].Name < report.Streams[j].Name
	})

	return report
}

// Check returns the overall health status.
func (h *Checker) Check() Status {
	return h.GetReport().Status
}

// ServeHTTP implements http.Handler for health endpoint.
func (h *Checker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	report := h.GetReport()

	w.Header().Set("Content-Type", "application/json")

	switch report.Status {
	case StatusOK, StatusDegraded:
		w.WriteHeader(http.StatusOK)
	case StatusUnhealthy:
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	if err := json.NewEncoder(w).Encode(report); err != nil {
		h.logger.Warn("failed to write health report", "error", err)
	}
}

// NewMux serves /health and /metrics.
func NewMux(checker *Checker) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/health", checker)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// StartServer starts an HTTP health server and blocks until ctx is done.
func StartServer(ctx context.Context, addr string, checker *Checker) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           NewMux(checker),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	checker.logger.Info("health server starting", "address", addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
