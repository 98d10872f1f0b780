package client

import (
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/gorilla/websocket"
	"github.com/neuromesh/neuromesh/wire"
)

// ViewerConfig is the set of options to fine tune a dashboard viewer.
type ViewerConfig struct {
	URL     string               // WebSocket endpoint of the hub
	Handler func(*wire.Topology) // Sink invoked for every received snapshot
	Backoff Backoff              // Reconnection schedule across failures
	Logger  log.Logger           // Logger to allow differentiating viewers if many is embedded
}

// Viewer is a client session that subscribes to a hub's topology stream and
// feeds every received snapshot into a handler, reconnecting across hub
// restarts and network blips. After a reconnect the hub replays the current
// snapshot, so the handler always converges on live state.
type Viewer struct {
	*Session

	handler func(*wire.Topology)
}

// NewViewer creates a dashboard viewer and starts its session.
func NewViewer(config *ViewerConfig) (*Viewer, error) {
	if config.URL == "" {
		return nil, errors.New("hub endpoint not configured")
	}
	if config.Handler == nil {
		return nil, errors.New("snapshot handler not configured")
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New()
	}
	v := &Viewer{
		handler: config.Handler,
	}
	v.Session = newSession(config.URL, config.Backoff, v.pump, logger)
	return v, nil
}

// pump sends the subscription handshake and then streams snapshots into the
// handler until the connection or the session dies.
func (v *Viewer) pump(conn *websocket.Conn, stop <-chan struct{}) error {
	blob, err := wire.EncodeSubscribe()
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, blob); err != nil {
		return err
	}
	for {
		_, blob, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-stop:
				return nil // deliberate teardown, not a transport fault
			default:
				return err
			}
		}
		topo, err := wire.DecodeTopology(blob)
		if err != nil {
			v.logger.Warn("Dropping malformed snapshot", "err", err)
			continue
		}
		v.handler(topo)
	}
}
