// Package gateway implements the Front Server: the client-facing
// WebSocket endpoint, its session table, and message dispatch by type.
package gateway

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/duskline/langrelay/logging"
	"github.com/duskline/langrelay/protocol"
)

// Translator is the Dispatch Manager's entry point for a new job.
type Translator interface {
	Translate(sessionID string, req protocol.TransJobReq)
}

// SessionCloser lets the gateway tell the Dispatch Manager a session went
// away, so it can cancel that session's in-flight jobs.
type SessionCloser interface {
	OnSessionClosed(sessionID string)
}

// LanguageQuerier is the Adapter Registry's capability view.
type LanguageQuerier interface {
	SupportedLanguagesJSON() []byte
}

type clientConn struct {
	id      string
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *clientConn) writeText(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Server is the Front Server component.
type Server struct {
	upgrader   websocket.Upgrader
	translator Translator
	closer     SessionCloser
	registry   LanguageQuerier
	logger     *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*clientConn

	accepting atomic.Bool
}

// New constructs a Server wired to the Dispatch Manager and the Adapter
// Registry. The returned Server already accepts connections.
func New(translator Translator, closer SessionCloser, registry LanguageQuerier, logger *zap.Logger) *Server {
	s := &Server{
		translator: translator,
		closer:     closer,
		registry:   registry,
		logger:     logger,
		sessions:   make(map[string]*clientConn),
		upgrader:   websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
	}
	s.accepting.Store(true)
	return s
}

// StartAccepting allows new client connections again after
// StopAccepting. A Server accepts connections from construction on;
// ServeHTTP rejects them only while StopAccepting is in effect.
func (s *Server) StartAccepting() { s.accepting.Store(true) }

// StopAccepting rejects any new connection attempt. The first step of
// the shutdown sequence: existing sessions are left open until their
// jobs drain elsewhere in the sequence.
func (s *Server) StopAccepting() { s.accepting.Store(false) }

// ServeHTTP upgrades the connection, opens a session, and runs its read
// loop until the client disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.accepting.Load() {
		http.Error(w, "balancer shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("gateway: upgrade failed", zap.Error(err))
		return
	}

	id := uuid.NewString()
	cc := &clientConn{id: id, conn: conn}
	s.openSession(cc)
	defer s.closeSession(id)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		s.onMessage(cc, raw)
	}
}

func (s *Server) openSession(cc *clientConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[cc.id] = cc
}

func (s *Server) closeSession(id string) {
	s.mu.Lock()
	_, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()

	if ok {
		s.closer.OnSessionClosed(id)
	}
}

// onMessage dispatches one client message by its msg_type. Malformed or
// unrecognized messages get a plain-string description of the violation
// sent back as a protocol violation marker, not a typed envelope.
func (s *Server) onMessage(cc *clientConn, raw []byte) {
	env, err := protocol.PeekEnvelope(raw)
	if err != nil {
		s.reject(cc, "malformed message: "+err.Error())
		return
	}
	if env.ProtVer > protocol.ProtocolVersion {
		s.reject(cc, "unsupported protocol version")
		return
	}

	switch env.MsgType {
	case protocol.MsgTransJobReq:
		var req protocol.TransJobReq
		if err := json.Unmarshal(raw, &req); err != nil {
			s.reject(cc, "malformed TRANS_JOB_REQ: "+err.Error())
			return
		}
		s.translator.Translate(cc.id, req)
	case protocol.MsgSuppLangReq:
		s.handleSuppLangReq(cc)
	default:
		s.reject(cc, "unrecognized msg_type")
	}
}

func (s *Server) handleSuppLangReq(cc *clientConn) {
	var languages map[string][]string
	if err := json.Unmarshal(s.registry.SupportedLanguagesJSON(), &languages); err != nil {
		s.logger.Error("gateway: corrupt supported-languages snapshot", zap.Error(err))
		languages = map[string][]string{}
	}
	b, err := json.Marshal(protocol.NewSuppLangResp(languages))
	if err != nil {
		s.logger.Error("gateway: failed to marshal SUPP_LANG_RESP", zap.Error(err))
		return
	}
	if err := cc.writeText(b); err != nil {
		s.logger.Warn("gateway: failed to send SUPP_LANG_RESP", logging.Session(cc.id), zap.Error(err))
	}
}

func (s *Server) reject(cc *clientConn, msg string) {
	if err := cc.writeText([]byte(msg)); err != nil {
		s.logger.Warn("gateway: failed to send protocol error", logging.Session(cc.id), zap.Error(err))
	}
}

// Send delivers resp to the session owning sessionID. Implements
// dispatch.Sender. A missing session (client already gone) is not an
// error — the response is simply dropped, per the client-disconnect
// error handling design.
func (s *Server) Send(sessionID string, resp protocol.TransJobResp) error {
	s.mu.RLock()
	cc, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	b, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return cc.writeText(b)
}

// SessionCount reports the number of open sessions, for admin diagnostics.
func (s *Server) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
