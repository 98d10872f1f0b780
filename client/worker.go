package client

import (
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/gorilla/websocket"
	"github.com/neuromesh/neuromesh/wire"
)

// DefaultReportInterval is the cadence of resource reports when the worker
// config does not specify one.
const DefaultReportInterval = 5 * time.Second

// writeTimeout bounds how long a single frame push may take before the
// connection is considered broken.
const writeTimeout = 10 * time.Second

// WorkerConfig is the set of options to fine tune a reporting worker.
type WorkerConfig struct {
	URL      string               // WebSocket endpoint of the hub
	ID       string               // Stable identity to report under
	Interval time.Duration        // Cadence of resource reports
	Source   func() wire.NodeInfo // Resource snapshot source, sampled per report
	Backoff  Backoff              // Reconnection schedule across failures
	Logger   log.Logger           // Logger to allow differentiating workers if many is embedded
}

// Worker is a client session that registers with a hub and keeps pushing
// resource reports on a fixed cadence, reconnecting across hub restarts and
// network blips.
type Worker struct {
	*Session

	id       string
	interval time.Duration
	source   func() wire.NodeInfo
}

// NewWorker creates a reporting worker and starts its session. The first
// report doubles as the registration message, so the hub learns about the
// worker the moment a connection goes up.
func NewWorker(config *WorkerConfig) (*Worker, error) {
	if config.URL == "" {
		return nil, errors.New("hub endpoint not configured")
	}
	if config.ID == "" {
		return nil, errors.New("worker identity not configured")
	}
	if config.Source == nil {
		return nil, errors.New("resource source not configured")
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New()
	}
	logger = logger.New("id", config.ID)

	w := &Worker{
		id:       config.ID,
		interval: config.Interval,
		source:   config.Source,
	}
	if w.interval <= 0 {
		w.interval = DefaultReportInterval
	}
	w.Session = newSession(config.URL, config.Backoff, w.pump, logger)
	return w, nil
}

// pump pushes one registration report immediately and then one per tick
// until the connection or the session dies.
func (w *Worker) pump(conn *websocket.Conn, stop <-chan struct{}) error {
	if err := w.push(conn); err != nil {
		return err
	}
	// The hub never sends data frames to workers, but inbound control frames
	// (pings, close) are only processed while a reader is pending
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := w.push(conn); err != nil {
				return err
			}
		case <-stop:
			return nil
		}
	}
}

// push samples the resource source and writes one report frame.
func (w *Worker) push(conn *websocket.Conn) error {
	report := &wire.Report{
		ID:       w.id,
		Role:     wire.RoleWorker,
		NodeInfo: w.source(),
	}
	blob, err := wire.EncodeReport(report)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, blob)
}
