package server

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/streamgate/pkg/logging"
	"github.com/streamgate/pkg/protocol"
)

// session is one websocket connection. Writes are serialized through
// the mutex because registry pushes and replies share the connection.
type session struct {
	id   string
	srv  *SessionServer
	conn *websocket.Conn

	writeMu sync.Mutex

	remoteIP string
	authed   bool

	// learned from the first claim frame, "" until then
	clientIP       string
	clientHostname string
}

// Send delivers one JSON message. Satisfies registry.Sender.
func (s *session) Send(v interface{}) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(s.srv.cfg.GetPongTimeout()))
	return s.conn.WriteJSON(v)
}

// handleUpgrade upgrades an inbound request and runs the session loop.
func (s *SessionServer) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Logf("[session] upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}

	sess := &session{
		id:       uuid.NewString(),
		srv:      s,
		conn:     conn,
		remoteIP: host,
	}
	s.collector.SessionOpened()
	logging.Logf("[session] %s opened from %s", sess.id, host)

	go sess.run()
}

// run owns all reads on the connection. The first frame must carry a
// valid token within the auth timeout; afterwards liveness rides on
// transport pings plus application-level ping frames.
func (s *session) run() {
	defer func() {
		s.srv.registry.RemoveByConn(s)
		s.conn.Close()
		s.srv.collector.SessionClosed()
		logging.Logf("[session] %s closed", s.id)
	}()

	cfg := s.srv.cfg
	idleWindow := cfg.GetPingInterval() + cfg.GetPongTimeout()

	s.conn.SetReadDeadline(time.Now().Add(cfg.GetAuthTimeout()))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(idleWindow))
		return nil
	})

	done := make(chan struct{})
	defer close(done)
	go s.pingLoop(done)

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logging.Logf("[session] %s read error: %v", s.id, err)
			}
			return
		}

		frame, err := protocol.ParseFrame(data)
		if err != nil {
			_ = s.Send(protocol.ErrorReply("invalid JSON format"))
			continue
		}

		// an unset server token never authenticates anything
		token := s.srv.cfg.Node.Token
		if token == "" || frame.Token() != token {
			s.srv.collector.AuthFailure()
			_ = s.Send(protocol.ErrorReply("Invalid token"))
			if !s.authed {
				// never authenticated, drop the session
				return
			}
			continue
		}
		s.authed = true
		s.conn.SetReadDeadline(time.Now().Add(idleWindow))

		s.dispatch(frame)
	}
}

// pingLoop sends transport pings until the session ends.
func (s *session) pingLoop(done <-chan struct{}) {
	ticker := time.NewTicker(s.srv.cfg.GetPingInterval())
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.srv.cfg.GetPongTimeout()))
			s.writeMu.Unlock()
			if err != nil {
				s.conn.Close()
				return
			}
		}
	}
}

// dispatch routes one authenticated frame by field presence. Order
// matters: markers are checked before payload fields so a frame
// carrying several fields behaves predictably.
func (s *session) dispatch(frame protocol.Frame) {
	switch {
	case frame.Has(protocol.FieldPing):
		s.handlePing(frame)
	case frame.Has(protocol.FieldQueryCapabilities):
		s.handleCapabilities()
	case frame.Has(protocol.FieldTestConnection):
		s.handleTestConnection()
	case frame.Has(protocol.FieldPorts):
		s.handlePorts(frame)
	case frame.Has(protocol.FieldRemovePorts):
		s.handleRemovePorts(frame)
	case frame.Has(protocol.FieldRemoteStreamCreate):
		s.handleStreamCreate(frame)
	case frame.Has(protocol.FieldRemoteStreamDelete):
		s.handleStreamDelete(frame)
	case frame.Has(protocol.FieldRemoteStreamList):
		s.handleStreamList()
	case frame.Has(protocol.FieldRemoteCommand):
		s.handleRemoteCommand(frame)
	case len(frame) == 1:
		// bare token frame, authentication handshake
		_ = s.Send(protocol.OKReply("authenticated"))
	default:
		_ = s.Send(protocol.ErrorReply("unrecognized message"))
	}
}
