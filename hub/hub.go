// Package hub implements the master process of the topology protocol: it
// terminates worker and dashboard sessions, owns the node registry and
// streams consistent whole-state snapshots to every subscriber.
package hub

import (
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/gin-gonic/gin"
	"github.com/neuromesh/neuromesh/feed"
	"github.com/neuromesh/neuromesh/registry"
	"github.com/neuromesh/neuromesh/wire"
)

// Default housekeeping knobs, used when the config leaves them unset.
const (
	DefaultQueueSize       = 16               // Snapshots buffered per dashboard session
	DefaultSweepInterval   = 5 * time.Second  // Cadence of stale worker sweeps
	DefaultRefreshInterval = 15 * time.Second // Cadence of the master's own record refresh
)

// Metrics gathered about the hub's sessions and broadcast pipeline.
var (
	workerGauge    = metrics.NewRegisteredGauge("hub/sessions/workers", nil)
	dashboardGauge = metrics.NewRegisteredGauge("hub/sessions/dashboards", nil)
	reportMeter    = metrics.NewRegisteredMeter("hub/reports", nil)
	rejectMeter    = metrics.NewRegisteredMeter("hub/rejects", nil)
	broadcastMeter = metrics.NewRegisteredMeter("hub/broadcasts", nil)
	dropMeter      = metrics.NewRegisteredMeter("hub/drops", nil)
)

// Config is the set of options to fine tune the topology hub.
type Config struct {
	Listener *net.TCPAddr // Listener address for the HTTP endpoints

	MasterID        string        // Identity of the hub's own topology record
	StaleTimeout    time.Duration // Silence after which a worker is presumed dead
	GracePeriod     time.Duration // Retention of disconnected workers before purging
	SweepInterval   time.Duration // Cadence of stale worker sweeps
	RefreshInterval time.Duration // Cadence of the master's own record refresh
	QueueSize       int           // Snapshots buffered per dashboard session

	Source func() wire.NodeInfo // Resource probe for the master's own record, nil to omit it
	Feed   *feed.Feed           // Snapshot mirror for external consumers, nil to disable

	Logger log.Logger // Logger to allow differentiating hubs if many is embedded
}

// Hub is the coordinating process of a topology cluster. Workers report into
// it, dashboards subscribe to it, and a janitor keeps the registry honest in
// the background.
type Hub struct {
	registry *registry.Registry // Canonical node state shared by every session
	feed     *feed.Feed         // Snapshot mirror for external consumers, may be nil

	listener net.Listener // TCP listener the HTTP endpoints are served on
	server   *http.Server // HTTP server hosting the WebSocket and REST routes

	mu         sync.Mutex
	latest     []byte                    // Most recent encoded snapshot, never nil once serving
	workers    map[string]*workerSession // Live worker sessions keyed by node id
	dashboards map[*dashSession]struct{} // Live dashboard sessions

	source  func() wire.NodeInfo // Resource probe for the master's own record, may be nil
	sweep   time.Duration        // Cadence of stale worker sweeps
	refresh time.Duration        // Cadence of the master's own record refresh
	queue   int                  // Snapshots buffered per dashboard session

	started time.Time           // Startup time for health reporting
	changes chan *wire.Topology // Snapshot hand-over into the janitor for reporting

	logger log.Logger      // Logger to allow differentiating hubs if many is embedded
	quit   chan chan error // Termination channel to tear down the janitor
	term   chan struct{}   // Notification channel of termination
}

// New creates a topology hub and starts serving its endpoints.
func New(config *Config) (*Hub, error) {
	logger := config.Logger
	if logger == nil {
		logger = log.New()
	}
	// Bind the endpoint listener first, nothing to unwind if it fails
	addr := "0.0.0.0:0"
	if config.Listener != nil {
		addr = config.Listener.String()
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	logger.Info("Starting topology hub", "bind", listener.Addr())

	hub := &Hub{
		feed:       config.Feed,
		listener:   listener,
		workers:    make(map[string]*workerSession),
		dashboards: make(map[*dashSession]struct{}),
		source:     config.Source,
		sweep:      config.SweepInterval,
		refresh:    config.RefreshInterval,
		queue:      config.QueueSize,
		started:    time.Now(),
		changes:    make(chan *wire.Topology, 1),
		logger:     logger,
		quit:       make(chan chan error),
		term:       make(chan struct{}),
	}
	if hub.sweep <= 0 {
		hub.sweep = DefaultSweepInterval
	}
	if hub.refresh <= 0 {
		hub.refresh = DefaultRefreshInterval
	}
	if hub.queue <= 0 {
		hub.queue = DefaultQueueSize
	}
	hub.registry = registry.New(&registry.Config{
		MasterID:     config.MasterID,
		StaleTimeout: config.StaleTimeout,
		GracePeriod:  config.GracePeriod,
		OnChange:     hub.broadcast,
		Logger:       logger,
	})
	// Pin the master's own record and prime the snapshot cache so the very
	// first subscriber has something to receive even on an idle cluster
	if hub.source != nil {
		hub.registry.SetMaster(hub.source())
	}
	blob, err := wire.EncodeTopology(hub.registry.Snapshot())
	if err != nil {
		listener.Close()
		return nil, err
	}
	hub.latest = blob
	// Assemble the HTTP surface and start serving it
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/ws", hub.handleSocket)
	router.GET("/api/topology", hub.handleTopology)
	router.GET("/healthz", hub.handleHealthz)

	hub.server = &http.Server{Handler: router}
	go func() {
		if err := hub.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Hub server failed", "err", err)
		}
	}()
	go hub.janitor()

	return hub, nil
}

// Close terminates the hub's janitor and HTTP server and severs all live
// sessions.
func (h *Hub) Close() error {
	// Tear down the janitor first so sweeps stop racing the shutdown
	errc := make(chan error)
	select {
	case h.quit <- errc:
	case <-h.term:
		return nil // already terminated
	}
	err := <-errc
	close(h.term)

	// Stop accepting new sessions, then sever the live ones. WebSocket
	// connections are hijacked out of the HTTP server, closing it does not
	// reach them.
	h.server.Close()

	h.mu.Lock()
	for _, sess := range h.workers {
		sess.conn.Close()
	}
	for sess := range h.dashboards {
		sess.conn.Close()
	}
	h.mu.Unlock()

	return err
}

// Port returns the local port number the hub is serving on.
func (h *Hub) Port() int {
	return h.listener.Addr().(*net.TCPAddr).Port
}

// broadcast encodes a fresh snapshot once and fans the same bytes out to all
// dashboard sessions, the REST cache and the optional NSQ feed. It runs inside
// the registry's critical section, so snapshots land on every session's queue
// in mutation order; nothing in here may block or call back into the registry.
func (h *Hub) broadcast(topo *wire.Topology) {
	blob, err := wire.EncodeTopology(topo)
	if err != nil {
		h.logger.Error("Failed to encode snapshot", "err", err)
		return
	}
	h.mu.Lock()
	h.latest = blob
	for sess := range h.dashboards {
		sess.enqueue(blob)
	}
	h.mu.Unlock()
	broadcastMeter.Mark(1)

	if h.feed != nil {
		h.feed.Offer(blob)
	}
	// Hand the snapshot to the janitor for membership reporting. Draining the
	// slot first keeps the send from ever blocking, broadcasts are serialized
	// by the registry lock.
	select {
	case <-h.changes:
	default:
	}
	h.changes <- topo
}

// janitor is a background process that sweeps stale workers out of the
// registry, keeps the master's own record fresh and prints topology reports
// whenever the cluster membership changes.
func (h *Hub) janitor() {
	sweep := time.NewTicker(h.sweep)
	defer sweep.Stop()

	var refresh <-chan time.Time
	if h.source != nil {
		ticker := time.NewTicker(h.refresh)
		defer ticker.Stop()
		refresh = ticker.C
	}
	var members string

	for {
		select {
		case errc := <-h.quit:
			errc <- nil
			return

		case <-sweep.C:
			h.registry.EvictStale(time.Now())

		case <-refresh:
			h.registry.SetMaster(h.source())

		case topo := <-h.changes:
			// Resource gauges change on every report, only print the heavy
			// topology tables when the membership does
			if have := membership(topo); have != members {
				members = have
				h.reportTopology(topo)
			}
		}
	}
}

// membership fingerprints which nodes are in a snapshot and their liveness,
// ignoring the resource gauges.
func membership(topo *wire.Topology) string {
	parts := make([]string, 0, len(topo.Nodes))
	for _, node := range topo.Nodes {
		parts = append(parts, node.ID+"/"+node.Status)
	}
	return strings.Join(parts, ",")
}

// handleTopology serves the most recent snapshot over plain HTTP for
// consumers that only need a one-off poll instead of the live stream.
func (h *Hub) handleTopology(c *gin.Context) {
	h.mu.Lock()
	blob := h.latest
	h.mu.Unlock()

	c.Data(http.StatusOK, "application/json", blob)
}

// handleHealthz reports process health for probes and load balancers.
func (h *Hub) handleHealthz(c *gin.Context) {
	stats := h.registry.Snapshot().Stats

	h.mu.Lock()
	dashboards := len(h.dashboards)
	h.mu.Unlock()

	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"uptime":     time.Since(h.started).String(),
		"master":     h.registry.MasterID(),
		"nodes":      stats.TotalNodes,
		"active":     stats.ActiveNodes,
		"dashboards": dashboards,
	})
}
