// Package client implements the reconnecting sessions through which workers
// and dashboards talk to a topology hub.
package client

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/gorilla/websocket"
)

// DefaultBackoff is the retry schedule sessions fall back to when the caller
// does not specify one.
var DefaultBackoff = Backoff{Base: time.Second, Max: 30 * time.Second}

// Backoff is the reconnection policy of a session: capped exponential delays
// with an optional bound on consecutive failures before the session gives up.
type Backoff struct {
	Base     time.Duration // Delay after the first failed attempt
	Max      time.Duration // Ceiling the exponentially growing delays saturate at
	Attempts int           // Consecutive failures tolerated before giving up, 0 for never
}

// Delay returns the wait before redialing after the given number of
// consecutive failures.
func (b Backoff) Delay(failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	delay := float64(b.Base) * math.Pow(2, float64(failures-1))
	if delay > float64(b.Max) {
		return b.Max
	}
	return time.Duration(delay)
}

// State is the lifecycle position of a session.
type State uint32

const (
	StateConnecting State = iota // Dialing or waiting out a backoff delay
	StateOpen                    // Connection established, messages flowing
	StateClosing                 // Local teardown requested, connection draining
	StateClosed                  // No connection, possibly awaiting a redial
)

// String implements the fmt.Stringer interface.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// handshakeTimeout bounds how long a single dial attempt may take.
const handshakeTimeout = 10 * time.Second

// pumpFunc runs the role-specific message exchange on an established
// connection until it fails, the connection dies, or the stop channel
// closes. It is the only place role behavior differs, the dial, retry and
// teardown machinery is shared.
type pumpFunc func(conn *websocket.Conn, stop <-chan struct{}) error

// Session is a self-healing connection to a topology hub. It dials, runs the
// role-specific pump, and on failure redials on a capped exponential backoff
// schedule until closed or the attempt budget runs out. All state transitions
// happen on a single goroutine.
type Session struct {
	url     string     // WebSocket endpoint to keep a connection to
	backoff Backoff    // Reconnection schedule across failures
	pump    pumpFunc   // Role-specific exchange to run per connection
	logger  log.Logger // Logger to allow differentiating sessions if many is embedded

	state atomic.Uint32   // Current lifecycle position for observers
	err   error           // Terminal failure, written before term closes
	quit  chan chan error // Termination channel to tear down the session
	term  chan struct{}   // Notification channel of permanent termination
}

// newSession creates a session and starts its maintenance loop.
func newSession(url string, backoff Backoff, pump pumpFunc, logger log.Logger) *Session {
	if backoff.Base <= 0 {
		backoff.Base = DefaultBackoff.Base
	}
	if backoff.Max <= 0 {
		backoff.Max = DefaultBackoff.Max
	}
	if backoff.Max < backoff.Base {
		backoff.Max = backoff.Base
	}
	s := &Session{
		url:     url,
		backoff: backoff,
		pump:    pump,
		logger:  logger,
		quit:    make(chan chan error),
		term:    make(chan struct{}),
	}
	go s.run()
	return s
}

// State returns the session's current lifecycle position.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Done returns a channel that closes once the session has permanently
// stopped, either through Close or by exhausting its attempt budget.
func (s *Session) Done() <-chan struct{} {
	return s.term
}

// Err returns the terminal failure of a stopped session, nil before the
// session stops or if it was closed deliberately.
func (s *Session) Err() error {
	select {
	case <-s.term:
		return s.err
	default:
		return nil
	}
}

// Close tears the session down and waits for its maintenance loop to exit.
func (s *Session) Close() error {
	errc := make(chan error)
	select {
	case s.quit <- errc:
		return <-errc
	case <-s.term:
		return nil // already terminated
	}
}

// run is the session's maintenance loop: dial and pump until failure, then
// redial with capped exponential delays.
func (s *Session) run() {
	dialer := &websocket.Dialer{HandshakeTimeout: handshakeTimeout}

	var failures int
	for {
		s.state.Store(uint32(StateConnecting))

		conn, _, err := dialer.Dial(s.url, nil)
		if err != nil {
			s.state.Store(uint32(StateClosed))
			if s.gaveUp(&failures, err) {
				return
			}
			if s.wait(failures) {
				return
			}
			continue
		}
		s.state.Store(uint32(StateOpen))
		s.logger.Info("Session established", "url", s.url)

		// Run the role specific pump until it fails or a close is requested
		opened := time.Now()
		stop := make(chan struct{})
		pumped := make(chan error, 1)
		go func() { pumped <- s.pump(conn, stop) }()

		select {
		case errc := <-s.quit:
			s.state.Store(uint32(StateClosing))
			close(stop)

			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			conn.Close()
			<-pumped

			s.state.Store(uint32(StateClosed))
			errc <- nil
			close(s.term)
			return

		case err := <-pumped:
			conn.Close()
			s.state.Store(uint32(StateClosed))
			s.logger.Warn("Session lost", "err", err)

			// A drop after a healthy stretch restarts the backoff schedule
			if time.Since(opened) >= s.backoff.Base {
				failures = 0
			}
			if s.gaveUp(&failures, err) {
				return
			}
			if s.wait(failures) {
				return
			}
		}
	}
}

// gaveUp accounts one more failure and stops the session for good if the
// attempt budget is exhausted.
func (s *Session) gaveUp(failures *int, err error) bool {
	*failures++
	if s.backoff.Attempts == 0 || *failures < s.backoff.Attempts {
		return false
	}
	s.logger.Error("Session gave up reconnecting", "attempts", *failures, "err", err)
	s.err = err
	close(s.term)
	return true
}

// wait sleeps out the backoff delay for the given failure count, returning
// true if the session was closed while waiting.
func (s *Session) wait(failures int) bool {
	delay := s.backoff.Delay(failures)
	s.logger.Debug("Waiting before redial", "failures", failures, "delay", delay)

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return false
	case errc := <-s.quit:
		s.state.Store(uint32(StateClosed))
		errc <- nil
		close(s.term)
		return true
	}
}
