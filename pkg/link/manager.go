package link

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/aeolun/ttbridge/pkg/roster"
	"github.com/aeolun/ttbridge/pkg/ttproto"
)

const (
	readBufferSize    = 4096
	signalQueueLength = 32
)

// Config holds the link settings that come from process configuration
type Config struct {
	ClientName        string
	Protocol          string
	DefaultPort       int
	KeepaliveInterval time.Duration
	DialTimeout       time.Duration
	EchoSender        string
}

// DefaultConfig returns the settings used when nothing is configured
func DefaultConfig() Config {
	return Config{
		ClientName:        "ConnectingWorlds",
		Protocol:          ttproto.ProtocolVersion,
		DefaultPort:       10333,
		KeepaliveInterval: DefaultKeepaliveInterval,
		DialTimeout:       10 * time.Second,
		EchoSender:        "admin",
	}
}

// Dialer opens the remote TCP connection
type Dialer func(ctx context.Context, network, address string) (net.Conn, error)

// Option configures a Manager
type Option func(*Manager)

// WithConfig replaces the default link settings
func WithConfig(cfg Config) Option {
	return func(m *Manager) { m.cfg = cfg }
}

// WithDialer replaces the TCP dialer
func WithDialer(d Dialer) Option {
	return func(m *Manager) { m.dial = d }
}

// WithHeartbeat replaces the keepalive factory
func WithHeartbeat(newHeartbeat func(period time.Duration) Heartbeat) Option {
	return func(m *Manager) { m.newHeartbeat = newHeartbeat }
}

// WithLogger sets the debug logger
func WithLogger(logger *log.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithObserver attaches instrumentation
func WithObserver(o Observer) Option {
	return func(m *Manager) { m.observer = o }
}

// Signal is produced by a link's helper goroutines and must be passed back to
// Manager.Handle by the goroutine that owns the manager.
type Signal interface {
	generation() uint64
}

type dialResult struct {
	gen  uint64
	conn net.Conn
	err  error
}

type dataReceived struct {
	gen  uint64
	data []byte
}

type readFailed struct {
	gen uint64
	err error
}

type keepaliveTick struct {
	gen uint64
}

func (s dialResult) generation() uint64    { return s.gen }
func (s dataReceived) generation() uint64  { return s.gen }
func (s readFailed) generation() uint64    { return s.gen }
func (s keepaliveTick) generation() uint64 { return s.gen }

// Manager is the state machine for one session's remote link.
//
// Manager is not safe for concurrent use. The owning goroutine calls its methods and
// feeds every value received from Signals back into Handle. Dialing, reading and the
// keepalive ticker run on helper goroutines that only ever post signals, so all state
// changes happen on the owner. Each Connect starts a new generation; signals from an
// earlier generation are discarded.
type Manager struct {
	cfg          Config
	store        *roster.Store
	notify       Notifier
	observer     Observer
	logger       *log.Logger
	dial         Dialer
	newHeartbeat func(period time.Duration) Heartbeat

	state      State
	gen        uint64
	target     Target
	conn       *lineConn
	heartbeat  Heartbeat
	cancelDial context.CancelFunc
	lines      ttproto.LineBuffer

	signals  chan Signal
	quit     chan struct{}
	shutdown bool
}

// NewManager creates an idle manager that applies remote events to store and reports
// to notify.
func NewManager(store *roster.Store, notify Notifier, opts ...Option) *Manager {
	m := &Manager{
		cfg:     DefaultConfig(),
		store:   store,
		notify:  notify,
		dial:    (&net.Dialer{}).DialContext,
		signals: make(chan Signal, signalQueueLength),
		quit:    make(chan struct{}),
	}
	m.newHeartbeat = func(period time.Duration) Heartbeat {
		return NewKeepalive(period)
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Signals returns the channel helper goroutines post to
func (m *Manager) Signals() <-chan Signal {
	return m.signals
}

// State returns the current link state
func (m *Manager) State() State {
	return m.state
}

// Target returns the server of the current or most recent link
func (m *Manager) Target() Target {
	return m.target
}

// Connect starts dialing the remote server. It fails with ErrLinkActive while
// another link is connecting or open; callers wanting to replace a link must
// Disconnect first.
func (m *Manager) Connect(target Target) error {
	if m.shutdown {
		return ErrShutdown
	}
	if m.state.Active() {
		return ErrLinkActive
	}
	target.Host = strings.TrimSpace(target.Host)
	if target.Host == "" {
		return ErrMissingHost
	}
	if target.Port <= 0 {
		target.Port = m.cfg.DefaultPort
	}

	m.gen++
	m.target = target
	m.lines.Reset()
	m.store.Reset()
	m.setState(StateConnecting)

	addr := m.address()
	m.notify.Status(PhaseConnecting, fmt.Sprintf("Connecting to %s", addr))
	m.logf("dialing %s", addr)

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.DialTimeout)
	m.cancelDial = cancel
	gen := m.gen
	go func() {
		defer cancel()
		conn, err := m.dial(ctx, "tcp", addr)
		if !m.post(dialResult{gen: gen, conn: conn, err: err}) && conn != nil {
			conn.Close()
		}
	}()

	return nil
}

// Handle applies a signal received from Signals
func (m *Manager) Handle(sig Signal) {
	switch s := sig.(type) {
	case dialResult:
		if s.gen != m.gen || m.state != StateConnecting {
			// Link was abandoned while dialing
			if s.conn != nil {
				s.conn.Close()
			}
			return
		}
		m.onDialed(s.conn, s.err)

	case dataReceived:
		if m.stale(s.gen) {
			return
		}
		m.onData(s.data)

	case readFailed:
		if m.stale(s.gen) {
			return
		}
		m.onReadFailed(s.err)

	case keepaliveTick:
		if m.stale(s.gen) {
			return
		}
		m.send(ttproto.Ping{})
	}
}

// SendChat sends text to channel, or to the current channel when channel is empty,
// and echoes it back to the session. Whitespace-only text is ignored.
func (m *Manager) SendChat(text, channel string) error {
	if !m.state.Open() {
		return ErrNotConnected
	}
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if channel == "" {
		channel, _ = m.store.Current()
	}

	m.send(ttproto.ChanMsg{Channel: channel, Text: text})
	m.notify.Chat(m.cfg.EchoSender, channel, text)
	return nil
}

// RequestJoin asks the remote server to move this client to the channel at path.
// Unknown paths resolve to the root channel.
func (m *Manager) RequestJoin(path string) error {
	if !m.state.Open() {
		return ErrNotConnected
	}
	if path == "" {
		path = roster.RootChannelPath
	}

	id := m.store.ResolveChannelID(path)
	m.store.SetCurrent(path, id)
	m.send(ttproto.Join{ChannelID: id})
	m.notify.Status(PhaseJoinSent, fmt.Sprintf("Joining %s", path))
	return nil
}

// Disconnect closes the active link, if any
func (m *Manager) Disconnect() {
	if !m.state.Active() {
		return
	}
	m.teardown(StateClosed)
	m.notify.Status(PhaseDisconnected, "Disconnected from remote server")
}

// Shutdown closes the active link without notifying and releases helper
// goroutines. The manager accepts no further connects. Safe to call repeatedly.
func (m *Manager) Shutdown() {
	if m.shutdown {
		return
	}
	m.shutdown = true
	if m.state.Active() {
		m.teardown(StateClosed)
	}
	close(m.quit)
}

func (m *Manager) onDialed(conn net.Conn, err error) {
	m.cancelDial = nil
	addr := m.address()

	if err != nil {
		m.logf("dial %s: %v", addr, err)
		m.setState(StateErrored)
		m.notify.Status(PhaseError, fmt.Sprintf("Failed to connect to %s: %v", addr, err))
		return
	}

	m.conn = newLineConn(conn)
	m.setState(StateLoggedIn)
	m.notify.Status(PhaseConnected, fmt.Sprintf("Connected to %s", addr))

	m.send(ttproto.Login{
		Username:   m.target.Username,
		Password:   m.target.Password,
		ClientName: m.cfg.ClientName,
		Protocol:   m.cfg.Protocol,
	})
	m.send(ttproto.Join{ChannelID: roster.RootChannelID})
	m.store.SetCurrent(roster.RootChannelPath, roster.RootChannelID)

	gen := m.gen
	m.heartbeat = m.newHeartbeat(m.cfg.KeepaliveInterval)
	m.heartbeat.Start(func() {
		m.post(keepaliveTick{gen: gen})
	})
	m.notify.Status(PhaseLoginSent, fmt.Sprintf("Login sent as %s", m.target.Username))

	go m.readLoop(gen, m.conn)
}

func (m *Manager) onData(data []byte) {
	lines := m.lines.Feed(data)
	if err := m.lines.Overflowed(); err != nil {
		m.logf("discarding inbound data: %v", err)
	}

	for _, line := range lines {
		ev, err := ttproto.Decode(line)
		if err != nil {
			m.logf("dropping line: %v", err)
			continue
		}
		if m.observer != nil {
			m.observer.LineReceived(ev.Verb())
		}
		m.store.Apply(ev)

		switch e := ev.(type) {
		case ttproto.ChannelMessage:
			channel := e.Channel
			if channel == "" {
				channel, _ = m.store.Current()
			}
			m.notify.Chat(e.From, channel, e.Text)

		case ttproto.Joined:
			m.onJoined(e)

		case ttproto.ServerError:
			m.notify.Status(PhaseServerMessage, fmt.Sprintf("Server error %d: %s", e.Number, e.Message))
		}
	}

	m.notify.Roster(m.store.Channels(), m.store.Users())
}

func (m *Manager) onJoined(e ttproto.Joined) {
	path, id := e.Path, e.ChannelID
	if path == "" {
		if known, ok := m.store.ChannelPath(id); ok {
			path = known
		} else {
			path, _ = m.store.Current()
		}
	}
	if id == 0 {
		id = m.store.ResolveChannelID(path)
	}

	m.store.SetCurrent(path, id)
	m.setState(StateJoined)
	m.notify.CurrentChannel(path)
}

func (m *Manager) onReadFailed(err error) {
	if errors.Is(err, io.EOF) {
		m.teardown(StateClosed)
		m.notify.Status(PhaseDisconnected, "Remote server closed the connection")
		return
	}

	m.teardown(StateErrored)
	m.notify.Status(PhaseError, err.Error())
}

// teardown is the only place a link's keepalive is stopped and its socket closed
func (m *Manager) teardown(final State) {
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
	if m.heartbeat != nil {
		m.heartbeat.Stop()
		m.heartbeat = nil
	}
	if m.conn != nil {
		m.logf("closing link to %s (%d bytes in, %d bytes out)",
			m.address(), m.conn.bytesIn.Load(), m.conn.bytesOut.Load())
		m.conn.Close()
		m.conn = nil
	}
	m.lines.Reset()
	m.setState(final)
}

// readLoop forwards raw chunks until the connection fails
func (m *Manager) readLoop(gen uint64, conn *lineConn) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if !m.post(dataReceived{gen: gen, data: chunk}) {
				return
			}
		}
		if err != nil {
			m.post(readFailed{gen: gen, err: err})
			return
		}
	}
}

// send writes a command. Failures are only logged; the reader sees the broken
// socket and drives teardown.
func (m *Manager) send(cmd ttproto.Command) {
	if m.conn == nil {
		return
	}
	if err := m.conn.WriteCommand(cmd); err != nil {
		m.logf("write %s: %v", cmd.Verb(), err)
		return
	}
	if m.observer != nil {
		m.observer.LineSent(cmd.Verb())
	}
}

func (m *Manager) post(sig Signal) bool {
	select {
	case <-m.quit:
		return false
	default:
	}
	select {
	case m.signals <- sig:
		return true
	case <-m.quit:
		return false
	}
}

func (m *Manager) stale(gen uint64) bool {
	return gen != m.gen || !m.state.Open()
}

func (m *Manager) setState(s State) {
	if m.state == s {
		return
	}
	prev := m.state
	m.state = s
	if m.observer != nil {
		m.observer.StateChanged(prev, s)
	}
}

func (m *Manager) address() string {
	return net.JoinHostPort(m.target.Host, strconv.Itoa(m.target.Port))
}

// logf logs a message if a logger is set
func (m *Manager) logf(format string, args ...interface{}) {
	if m.logger != nil {
		m.logger.Printf(format, args...)
	}
}
