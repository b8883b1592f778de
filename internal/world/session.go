package world

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rotisserie/eris"

	"driftworld/server/internal/proto"
)

// maxMissedPings drops a session after this many unanswered keepalives.
const maxMissedPings = 3

// Conn is the transport a session writes to. The websocket adapter is the
// production implementation; tests install recorders.
type Conn interface {
	Send(data []byte) error
	Close() error
}

// WSConn adapts a gorilla connection with a write lock, since the tick
// loop and the keepalive both write.
type WSConn struct {
	mu sync.Mutex
	c  *websocket.Conn
}

// NewWSConn wraps a websocket connection.
func NewWSConn(c *websocket.Conn) *WSConn {
	return &WSConn{c: c}
}

// Send writes one binary frame.
func (w *WSConn) Send(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.c.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return eris.Wrap(err, "websocket write")
	}
	return nil
}

// Close shuts the socket.
func (w *WSConn) Close() error {
	return w.c.Close()
}

// Session is the per-socket replication state. All fields except the
// connection are owned by the simulation goroutine.
type Session struct {
	id       string
	conn     Conn
	user     proto.UserRecord
	playerID string
	token    string

	missedPings int
	rttMillis   int64
	gate        proto.MalformedGate
	closed      bool
}

func newSession(conn Conn) *Session {
	return &Session{
		id:   uuid.NewString(),
		conn: conn,
	}
}

// ID is the socket identifier mover/uploader/owner tags refer to.
func (s *Session) ID() string { return s.id }

// User returns the authenticated identity.
func (s *Session) User() proto.UserRecord { return s.user }

// PlayerID names the session's player entity.
func (s *Session) PlayerID() string { return s.playerID }

// RTT returns the last measured round trip in milliseconds.
func (s *Session) RTT() int64 { return s.rttMillis }

func (s *Session) send(tag proto.Tag, payload any) error {
	data, err := proto.Encode(tag, payload)
	if err != nil {
		return err
	}
	return s.sendRaw(data)
}

func (s *Session) sendRaw(data []byte) error {
	if s.closed {
		return eris.New("session closed")
	}
	return s.conn.Send(data)
}

func (s *Session) close() {
	if s.closed {
		return
	}
	s.closed = true
	_ = s.conn.Close()
}

// Connect registers a socket with the world: the session is created
// immediately, then admission runs on the simulation goroutine. The
// returned session is ready for ReadLoop.
func (w *World) Connect(conn Conn, authToken string) *Session {
	sess := newSession(conn)
	w.Post(func() { w.admit(sess, authToken) })
	return sess
}

// ReadLoop pumps one gorilla socket into the intake queue. Runs on its
// own goroutine until the socket dies; malformed packets trip the gate.
func (w *World) ReadLoop(sess *Session, ws *websocket.Conn) {
	for {
		kind, data, err := ws.ReadMessage()
		if err != nil {
			break
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		tag, body, err := proto.Decode(data)
		if err != nil {
			w.logger.Warn().Str("session", sess.id).Err(err).Msg("malformed packet")
			if sess.gate.Record(time.Now()) {
				w.logger.Warn().Str("session", sess.id).Msg("closing session after repeated malformed packets")
				break
			}
			continue
		}
		w.enqueue(inbound{sess: sess, tag: tag, body: body})
	}
	w.Post(func() { w.drop(sess) })
}
