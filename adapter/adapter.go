// Package adapter implements the Adapter component: ownership of one
// upstream WebSocket connection, with an asynchronous send/receive
// interface exposed to the rest of the balancer via callbacks.
package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/duskline/langrelay/balerrs"
	"github.com/duskline/langrelay/logging"
	"github.com/duskline/langrelay/protocol"
)

// State is one of the adapter's connection lifecycle states.
type State int

const (
	Disabled State = iota
	Connecting
	Connected
	AwaitingReconnect
)

func (s State) String() string {
	switch s {
	case Disabled:
		return "DISABLED"
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	case AwaitingReconnect:
		return "AWAITING_RECONNECT"
	default:
		return "UNKNOWN"
	}
}

// Handler is the set of callbacks the rest of the balancer wires in to
// learn about this adapter's events. Each field is one edge of the
// component data-flow: a translation response, a disconnect, a ready
// (languages known) transition, and a closed connection.
type Handler struct {
	OnResponse   func(resp protocol.TransJobResp)
	OnDisconnect func(adapterID string)
	OnReady      func(a *Adapter, languages map[string][]string)
	OnClosed     func(a *Adapter)
}

// Adapter owns one upstream WebSocket connection.
type Adapter struct {
	name   string
	uri    string
	weight uint32
	dialer *websocket.Dialer
	logger *zap.Logger

	// mu guards state, conn, and connectCancel together. Every public
	// method acquires it once and calls unsynchronized helpers internally
	// rather than re-entering — the source's reentrant lock is replaced by
	// this single-acquisition discipline.
	mu            sync.Mutex
	state         State
	conn          *websocket.Conn
	connectCancel context.CancelFunc

	writeMu sync.Mutex
	handler Handler
}

// New constructs a DISABLED adapter identified by name, dialing uri when
// enabled, with routing weight used by the registry's weighted selection.
func New(name, uri string, weight uint32, logger *zap.Logger) *Adapter {
	return &Adapter{
		name:   name,
		uri:    uri,
		weight: weight,
		dialer: websocket.DefaultDialer,
		logger: logger,
		state:  Disabled,
	}
}

// ID returns the adapter's configured name, its stable identity.
func (a *Adapter) ID() string { return a.name }

// Weight returns the configured routing weight.
func (a *Adapter) Weight() uint32 { return a.weight }

// State returns the adapter's current lifecycle state.
func (a *Adapter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Configure wires the event callbacks. Precondition: the adapter is
// DISABLED; fails otherwise.
func (a *Adapter) Configure(h Handler) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != Disabled {
		return balerrs.New(balerrs.ErrInternal, "configure requires a disabled adapter")
	}
	a.handler = h
	return nil
}

// Enable transitions DISABLED -> CONNECTING and begins a non-blocking
// connect. On success it requests supported languages upstream; the
// arriving reply drives CONNECTING -> CONNECTED and fires OnReady.
func (a *Adapter) Enable(ctx context.Context) error {
	a.mu.Lock()
	if a.state != Disabled {
		a.mu.Unlock()
		return balerrs.New(balerrs.ErrInternal, "enable requires a disabled adapter")
	}
	a.state = Connecting
	a.mu.Unlock()

	go a.connectAndRun(ctx)
	return nil
}

// Disable cancels any outstanding connection attempt or live socket and
// moves the adapter to DISABLED.
func (a *Adapter) Disable() {
	a.mu.Lock()
	conn := a.conn
	cancel := a.connectCancel
	a.conn = nil
	a.connectCancel = nil
	a.state = Disabled
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
}

// Reconnect is idempotent: it only acts when the adapter is enabled and
// currently disconnected (AWAITING_RECONNECT). Called externally by the
// reconnect loop, never by the adapter itself.
func (a *Adapter) Reconnect(ctx context.Context) {
	a.mu.Lock()
	if a.state != AwaitingReconnect {
		a.mu.Unlock()
		return
	}
	a.state = Connecting
	a.mu.Unlock()

	go a.connectAndRun(ctx)
}

// Send writes request_bytes to the upstream socket. Fails with
// ErrNotConnected unless the adapter is CONNECTED.
func (a *Adapter) Send(ctx context.Context, payload []byte) error {
	a.mu.Lock()
	state := a.state
	conn := a.conn
	a.mu.Unlock()

	if state != Connected || conn == nil {
		return balerrs.Mark(balerrs.ErrNotConnected, fmt.Errorf("adapter %q is not connected", a.name))
	}

	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return balerrs.Mark(balerrs.ErrUpstreamSend, err)
	}
	return nil
}

func (a *Adapter) connectAndRun(parent context.Context) {
	cctx, cancel := context.WithCancel(parent)
	a.mu.Lock()
	a.connectCancel = cancel
	a.mu.Unlock()

	conn, _, err := a.dialer.DialContext(cctx, a.uri, nil)
	if err != nil {
		cancel()
		a.mu.Lock()
		// Only fall back to AWAITING_RECONNECT if nothing disabled us
		// while the dial was in flight.
		if a.state == Connecting {
			a.state = AwaitingReconnect
		}
		a.connectCancel = nil
		a.mu.Unlock()
		a.logger.Warn("adapter connect failed", logging.Adapter(a.name), zap.Error(err))
		return
	}

	a.mu.Lock()
	if a.state != Connecting {
		// Disabled while dialing; drop the connection we just opened.
		a.mu.Unlock()
		cancel()
		_ = conn.Close()
		return
	}
	a.conn = conn
	a.connectCancel = nil
	a.mu.Unlock()

	if err := a.sendSuppLangReq(); err != nil {
		a.logger.Warn("adapter: supported-languages request failed", logging.Adapter(a.name), zap.Error(err))
	}

	a.readLoop()
	cancel()
}

func (a *Adapter) sendSuppLangReq() error {
	b, err := json.Marshal(protocol.NewSuppLangReq())
	if err != nil {
		return err
	}
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return a.conn.WriteMessage(websocket.TextMessage, b)
}

func (a *Adapter) readLoop() {
	for {
		a.mu.Lock()
		conn := a.conn
		a.mu.Unlock()
		if conn == nil {
			return
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			a.handleClosed()
			return
		}
		a.dispatch(raw)
	}
}

func (a *Adapter) dispatch(raw []byte) {
	env, err := protocol.PeekEnvelope(raw)
	if err != nil {
		a.logger.Warn("adapter: malformed message", logging.Adapter(a.name), zap.Error(err))
		return
	}

	switch env.MsgType {
	case protocol.MsgTransJobResp:
		var resp protocol.TransJobResp
		if err := json.Unmarshal(raw, &resp); err != nil {
			a.logger.Warn("adapter: malformed translation response", logging.Adapter(a.name), zap.Error(err))
			return
		}
		if a.handler.OnResponse != nil {
			a.handler.OnResponse(resp)
		}
	case protocol.MsgSuppLangResp:
		var resp protocol.SuppLangResp
		if err := json.Unmarshal(raw, &resp); err != nil {
			a.logger.Warn("adapter: malformed languages response", logging.Adapter(a.name), zap.Error(err))
			return
		}
		a.mu.Lock()
		a.state = Connected
		a.mu.Unlock()
		if a.handler.OnReady != nil {
			a.handler.OnReady(a, resp.Languages)
		}
	default:
		a.logger.Warn("adapter: unrecognized message type", logging.Adapter(a.name), zap.Int("msg_type", env.MsgType))
	}
}

func (a *Adapter) handleClosed() {
	a.mu.Lock()
	wasConnected := a.state == Connected
	a.conn = nil
	if a.state != Disabled {
		a.state = AwaitingReconnect
	}
	a.mu.Unlock()

	if wasConnected {
		if a.handler.OnClosed != nil {
			a.handler.OnClosed(a)
		}
		if a.handler.OnDisconnect != nil {
			a.handler.OnDisconnect(a.name)
		}
	}
}
