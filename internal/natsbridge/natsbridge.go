// Package natsbridge mirrors session events onto NATS subjects and accepts
// control signals from them.
//
// Subjects:
//
//	<prefix>.session.<id>.events   one JSON event per message
//	<prefix>.session.<id>.control  payload "pause", "resume", "step" or "interrupt"
//	                               (or {"signal": "..."}); request/reply gets a JSON ack
package natsbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/vinayprograms/agentkit/logging"

	"github.com/vinayprograms/agentcore/internal/control"
	"github.com/vinayprograms/agentcore/internal/events"
)

// DefaultPrefix is used when no subject prefix is configured.
const DefaultPrefix = "agent"

// Msg is an inbound message.
type Msg struct {
	Subject string
	Reply   string
	Data    []byte
}

// Conn is the part of a NATS connection the bridge uses.
type Conn interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, handler func(Msg)) (unsubscribe func() error, err error)
	Close()
}

// Surfaces looks up the control surface of a live session.
type Surfaces interface {
	Get(id string) (*control.Surface, bool)
}

// Connect dials a NATS server.
func Connect(url string) (Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("agentcore"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", url, err)
	}
	return &natsConn{nc: nc}, nil
}

type natsConn struct {
	nc *nats.Conn
}

func (c *natsConn) Publish(subject string, data []byte) error {
	return c.nc.Publish(subject, data)
}

func (c *natsConn) Subscribe(subject string, handler func(Msg)) (func() error, error) {
	sub, err := c.nc.Subscribe(subject, func(m *nats.Msg) {
		handler(Msg{Subject: m.Subject, Reply: m.Reply, Data: m.Data})
	})
	if err != nil {
		return nil, err
	}
	return sub.Unsubscribe, nil
}

func (c *natsConn) Close() {
	if err := c.nc.Drain(); err != nil {
		c.nc.Close()
	}
}

// EventSubject is the subject events for a session are published on.
func EventSubject(prefix, sessionID string) string {
	return prefixOr(prefix) + ".session." + sessionID + ".events"
}

// ControlSubject is the subject a session listens on for signals.
func ControlSubject(prefix, sessionID string) string {
	return prefixOr(prefix) + ".session." + sessionID + ".control"
}

func prefixOr(p string) string {
	if p == "" {
		return DefaultPrefix
	}
	return p
}

// Publisher is an events.Sink that publishes each event.
type Publisher struct {
	conn   Conn
	prefix string
}

// NewPublisher creates a publisher.
func NewPublisher(conn Conn, prefix string) *Publisher {
	return &Publisher{conn: conn, prefix: prefix}
}

// Handle implements events.Sink.
func (p *Publisher) Handle(e events.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return p.conn.Publish(EventSubject(p.prefix, e.SessionID), data)
}

// Listener routes control messages to live sessions.
type Listener struct {
	conn     Conn
	prefix   string
	surfaces Surfaces
	logger   *logging.Logger

	mu    sync.Mutex
	unsub func() error
}

// NewListener creates a listener. Call Start to subscribe.
func NewListener(conn Conn, prefix string, surfaces Surfaces) *Listener {
	return &Listener{
		conn:     conn,
		prefix:   prefixOr(prefix),
		surfaces: surfaces,
		logger:   logging.New().WithComponent("natsbridge"),
	}
}

// Start subscribes to the control subjects of every session.
func (l *Listener) Start() error {
	unsub, err := l.conn.Subscribe(ControlSubject(l.prefix, "*"), l.handle)
	if err != nil {
		return fmt.Errorf("subscribe control: %w", err)
	}
	l.mu.Lock()
	l.unsub = unsub
	l.mu.Unlock()
	return nil
}

// Stop unsubscribes.
func (l *Listener) Stop() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.unsub == nil {
		return nil
	}
	err := l.unsub()
	l.unsub = nil
	return err
}

// Ack is the reply to a control request.
type Ack struct {
	Session string        `json:"session"`
	Signal  string        `json:"signal,omitempty"`
	OK      bool          `json:"ok"`
	State   control.State `json:"state,omitempty"`
	Error   string        `json:"error,omitempty"`
}

func (l *Listener) handle(m Msg) {
	id := l.sessionOf(m.Subject)
	name := parseSignal(m.Data)
	a := Ack{Session: id, Signal: name}

	surface, ok := l.surfaces.Get(id)
	switch {
	case id == "":
		a.Error = "malformed subject " + m.Subject
	case !ok:
		a.Error = "no live session " + id
	default:
		if err := surface.Send(name); err != nil {
			a.Error = err.Error()
		} else {
			a.OK = true
		}
		a.State = surface.State()
	}

	fields := map[string]interface{}{"session": id, "signal": name}
	if a.Error != "" {
		fields["error"] = a.Error
		l.logger.Warn("control message rejected", fields)
	} else {
		l.logger.Info("control signal", fields)
	}

	if m.Reply == "" {
		return
	}
	data, _ := json.Marshal(a)
	if err := l.conn.Publish(m.Reply, data); err != nil {
		l.logger.Warn("control reply failed", map[string]interface{}{"error": err.Error()})
	}
}

func (l *Listener) sessionOf(subject string) string {
	head := l.prefix + ".session."
	if !strings.HasPrefix(subject, head) || !strings.HasSuffix(subject, ".control") {
		return ""
	}
	return strings.TrimSuffix(strings.TrimPrefix(subject, head), ".control")
}

func parseSignal(data []byte) string {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "{") {
		var body struct {
			Signal string `json:"signal"`
		}
		if json.Unmarshal(data, &body) == nil {
			return strings.ToLower(body.Signal)
		}
	}
	return strings.ToLower(trimmed)
}

// Request sends a control signal to a session over url and waits for the
// listener's Ack.
func Request(ctx context.Context, url, prefix, sessionID, signal string) (*Ack, error) {
	nc, err := nats.Connect(url, nats.Name("agentcore-signal"))
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", url, err)
	}
	defer nc.Close()

	msg, err := nc.RequestWithContext(ctx, ControlSubject(prefix, sessionID), []byte(signal))
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return nil, fmt.Errorf("no agent is listening for session %s", sessionID)
		}
		return nil, err
	}
	var a Ack
	if err := json.Unmarshal(msg.Data, &a); err != nil {
		return nil, fmt.Errorf("decoding ack: %w", err)
	}
	return &a, nil
}
