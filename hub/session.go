package hub

import (
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/neuromesh/neuromesh/wire"
)

// Protocol timing and sizing limits for live sessions.
const (
	maxFrameSize = 1 << 20          // Cap on inbound frame sizes, plenty for any report
	electTimeout = 10 * time.Second // Grace for a fresh socket to declare its role
	readTimeout  = 90 * time.Second // Silence after which a worker socket is dead
	writeTimeout = 10 * time.Second // Bound on a single outbound frame
	pingInterval = 15 * time.Second // Keepalive cadence on dashboard sessions
	pongTimeout  = 60 * time.Second // Silence after which a dashboard socket is dead
)

// upgrader lifts HTTP requests into WebSocket connections. Dashboards are
// served from arbitrary origins, so the origin check is a pass-through.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// workerSession is the server side of one worker connection.
type workerSession struct {
	conn *websocket.Conn
	id   string
}

// dashSession is the server side of one dashboard connection. Snapshots are
// handed over through a bounded queue so a slow reader never holds up the
// registry or the other sessions.
type dashSession struct {
	conn  *websocket.Conn
	queue chan []byte   // Pending snapshots, oldest dropped when full
	lost  chan struct{} // Closed by the read loop when the peer goes away
}

// enqueue appends a snapshot to the session's outbound queue without ever
// blocking; when the queue is full, the oldest pending snapshot gives way.
// Callers must hold the hub lock, which keeps queued snapshots in broadcast
// order.
func (s *dashSession) enqueue(blob []byte) {
	for {
		select {
		case s.queue <- blob:
			return
		default:
			// Session is lagging, sacrifice its oldest pending snapshot
			select {
			case <-s.queue:
				dropMeter.Mark(1)
			default:
			}
		}
	}
}

// handleSocket upgrades an HTTP request and runs the session state machine on
// the resulting connection.
func (h *Hub) handleSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Debug("Failed to upgrade session", "remote", c.ClientIP(), "err", err)
		return
	}
	h.serveSocket(conn, c.ClientIP())
}

// serveSocket elects the role of a fresh connection from its first frame and
// hands it to the matching session loop. Connections that do not declare a
// valid role are dropped.
func (h *Hub) serveSocket(conn *websocket.Conn, remote string) {
	defer conn.Close()

	logger := h.logger.New("remote", remote)

	conn.SetReadLimit(maxFrameSize)
	conn.SetReadDeadline(time.Now().Add(electTimeout))

	_, blob, err := conn.ReadMessage()
	if err != nil {
		logger.Debug("Session closed before role election", "err", err)
		return
	}
	kind, err := wire.Kind(blob)
	if err != nil {
		logger.Warn("Rejecting malformed first frame", "err", err)
		rejectMeter.Mark(1)
		return
	}
	switch kind {
	case wire.TypeReport:
		h.serveWorker(conn, blob, logger)
	case wire.TypeSubscribe:
		h.serveDashboard(conn, logger)
	default:
		logger.Warn("Rejecting unexpected first frame", "type", kind)
		rejectMeter.Mark(1)
	}
}

// serveWorker runs a worker session: the opening report registers the node,
// every further one refreshes it and the connection dying marks it lost. A
// malformed report is logged and dropped, the session itself lives on.
func (h *Hub) serveWorker(conn *websocket.Conn, first []byte, logger log.Logger) {
	// Apply the registration before claiming the id, a worker opening with
	// garbage never enters the topology
	report, err := wire.DecodeReport(first)
	if err != nil {
		logger.Warn("Rejecting malformed registration", "err", err)
		rejectMeter.Mark(1)
		return
	}
	if err := h.registry.RegisterOrUpdate(report); err != nil {
		logger.Warn("Rejecting invalid registration", "id", report.ID, "err", err)
		rejectMeter.Mark(1)
		return
	}
	reportMeter.Mark(1)

	logger = logger.New("id", report.ID)

	// Claim the id, displacing any previous session still holding it
	sess := &workerSession{conn: conn, id: report.ID}

	h.mu.Lock()
	old := h.workers[sess.id]
	h.workers[sess.id] = sess
	h.mu.Unlock()
	workerGauge.Inc(1)

	if old != nil {
		logger.Warn("Displacing previous worker session")
		old.conn.Close()
	}
	// Keep applying reports until the connection dies
	for {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, blob, err := conn.ReadMessage()
		if err != nil {
			logger.Debug("Worker session closed", "err", err)
			break
		}
		report, err := wire.DecodeReport(blob)
		if err != nil {
			logger.Warn("Dropping malformed report", "err", err)
			rejectMeter.Mark(1)
			continue
		}
		if report.ID != sess.id {
			logger.Warn("Dropping report for foreign id", "id", report.ID)
			rejectMeter.Mark(1)
			continue
		}
		if err := h.registry.RegisterOrUpdate(report); err != nil {
			logger.Warn("Dropping invalid report", "err", err)
			rejectMeter.Mark(1)
			continue
		}
		reportMeter.Mark(1)
	}
	// Release the id, unless a newer session already took it over. A displaced
	// session must not clobber the new owner's record on its way out.
	h.mu.Lock()
	owner := h.workers[sess.id] == sess
	if owner {
		delete(h.workers, sess.id)
	}
	h.mu.Unlock()
	workerGauge.Dec(1)

	if owner {
		h.registry.MarkDisconnected(sess.id)
	}
}

// serveDashboard runs a dashboard session: the subscriber immediately gets
// the current snapshot, then every registry change in mutation order. The
// outbound queue is bounded, a lagging session loses its oldest pending
// snapshots in favour of newer ones.
func (h *Hub) serveDashboard(conn *websocket.Conn, logger log.Logger) {
	sess := &dashSession{
		conn:  conn,
		queue: make(chan []byte, h.queue),
		lost:  make(chan struct{}),
	}
	// Seed the session with the current snapshot and subscribe it. Both happen
	// under the hub lock, so a concurrent broadcast either lands in the queue
	// or is already part of the seed; the stream cannot tear.
	h.mu.Lock()
	sess.enqueue(h.latest)
	h.dashboards[sess] = struct{}{}
	h.mu.Unlock()
	dashboardGauge.Inc(1)

	logger.Info("Dashboard subscribed")

	// Dashboards never send data frames, but reading is what processes pongs
	// and surfaces disconnects
	conn.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				close(sess.lost)
				return
			}
		}
	}()
	// Push queued snapshots and keepalives until the session dies
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

loop:
	for {
		select {
		case blob := <-sess.queue:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, blob); err != nil {
				logger.Debug("Dashboard write failed", "err", err)
				break loop
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				logger.Debug("Dashboard keepalive failed", "err", err)
				break loop
			}
		case <-sess.lost:
			break loop
		}
	}
	h.mu.Lock()
	delete(h.dashboards, sess)
	h.mu.Unlock()
	dashboardGauge.Dec(1)

	logger.Info("Dashboard unsubscribed")
}
