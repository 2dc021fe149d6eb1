package server

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/aeolun/ttbridge/pkg/database"
	"github.com/aeolun/ttbridge/pkg/link"
	"github.com/aeolun/ttbridge/pkg/roster"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

// Session owns one WebSocket connection, its roster and its remote link.
//
// Three goroutines serve a session. readPump decodes client JSON into the inbox,
// writePump drains the outbox onto the socket, and run owns everything else:
// client intents, link signals and teardown all happen there, one at a time.
type Session struct {
	id         string
	remoteAddr string
	server     *Server
	conn       *websocket.Conn

	// Owned by run
	store    *roster.Store
	link     *link.Manager
	identity ClientIdentity
	target   link.Target

	inbox  chan *ClientMessage
	outbox *outbox

	closing   chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

func newSession(s *Server, conn *websocket.Conn, remoteAddr string) *Session {
	sess := &Session{
		id:         uuid.NewString(),
		remoteAddr: remoteAddr,
		server:     s,
		conn:       conn,
		store:      roster.NewStore(),
		inbox:      make(chan *ClientMessage, 16),
		outbox:     newOutbox(),
		closing:    make(chan struct{}),
		done:       make(chan struct{}),
	}
	sess.link = link.NewManager(sess.store, sess,
		link.WithConfig(s.config.Link),
		link.WithLogger(debugLog),
		link.WithObserver(s.metrics),
	)
	return sess
}

// ID returns the session's unique id
func (s *Session) ID() string {
	return s.id
}

// Send queues pre-encoded JSON for the client. Returns false once the session is closing.
func (s *Session) Send(data []byte) bool {
	return s.outbox.push(data)
}

// Close starts teardown. Safe to call from any goroutine, any number of times.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.closing)
	})
}

// Done is closed once teardown has finished
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) start() {
	go s.writePump()
	go s.readPump()
	go s.run()
}

// run processes client intents and link signals until the session closes
func (s *Session) run() {
	defer s.teardown()

	for {
		select {
		case msg := <-s.inbox:
			s.handleMessage(msg)
		case sig := <-s.link.Signals():
			s.link.Handle(sig)
		case <-s.closing:
			return
		}
	}
}

// teardown runs exactly once, on the run goroutine
func (s *Session) teardown() {
	s.link.Shutdown()
	s.server.hub.Unregister(s)
	s.outbox.close()

	s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	s.conn.Close()

	s.server.disconnectionsSinceReport.Add(1)
	if s.server.metrics != nil {
		s.server.metrics.RecordSessionDisconnected()
	}
	debugLog.Printf("Session %s (%s): closed", s.id, s.remoteAddr)

	close(s.done)
	s.server.wg.Done()
}

// readPump decodes client messages into the inbox
func (s *Session) readPump() {
	defer s.Close()

	s.conn.SetReadLimit(s.server.config.MaxMessageBytes)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				debugLog.Printf("Session %s: read error: %v", s.id, err)
			}
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			errorLog.Printf("Session %s: invalid JSON from client: %v", s.id, err)
			if s.server.metrics != nil {
				s.server.metrics.RecordMalformedMessage()
			}
			continue
		}

		select {
		case s.inbox <- &msg:
		case <-s.closing:
			return
		}
	}
}

// writePump writes queued messages and keeps the connection alive with pings
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.outbox.ready:
			for _, data := range s.outbox.drain() {
				s.conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
					debugLog.Printf("Session %s: write error: %v", s.id, err)
					s.Close()
					return
				}
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				debugLog.Printf("Session %s: ping error: %v", s.id, err)
				s.Close()
				return
			}
		case <-s.closing:
			return
		}
	}
}

func (s *Session) handleMessage(msg *ClientMessage) {
	if s.server.metrics != nil {
		s.server.metrics.RecordMessageReceived(msg.Type)
	}

	switch msg.Type {
	case TypeHandshake:
		s.identity = identityFrom(msg)
		debugLog.Printf("Session %s: handshake from %s (protocol %d)", s.id, s.identity.ID, s.identity.Protocol)
		s.send(handshakeAckMessage{
			Type:       TypeHandshakeAck,
			Status:     "ok",
			Protocol:   bridgeProtocol,
			Message:    handshakeReply,
			ServerTime: time.Now().UnixMilli(),
		})

	case TypePing:
		s.send(pongFor(msg, time.Now()))

	case TypeTTHandshake, TypeTTConnect:
		s.handleConnect(msg)

	case TypeTTChat:
		if err := s.link.SendChat(msg.Text, msg.Channel); err != nil {
			s.Status(link.PhaseError, err.Error())
		}

	case TypeTTJoin:
		if err := s.link.RequestJoin(msg.Channel); err != nil {
			s.Status(link.PhaseError, err.Error())
		}

	case TypeTTDisconnect:
		s.link.Disconnect()

	case TypeChat, TypeAACText:
		data, err := json.Marshal(broadcastFor(msg))
		if err != nil {
			errorLog.Printf("Session %s: failed to encode chat: %v", s.id, err)
			return
		}
		sent := s.server.hub.Broadcast(data)
		debugLog.Printf("Session %s: relayed chat to %d clients", s.id, sent)

	default:
		debugLog.Printf("Session %s: ignoring message type %q", s.id, msg.Type)
	}
}

// handleConnect replaces any existing link with a new one to the requested server
func (s *Session) handleConnect(msg *ClientMessage) {
	target := msg.Target()
	if target.Port == 0 {
		target.Port = s.server.config.Link.DefaultPort
	}
	s.target = target

	s.Status(link.PhaseReceived, fmt.Sprintf("TeamTalk connection request received for %s", target.Host))

	// One link per session: close the old one before dialing again
	if s.link.State().Active() {
		s.link.Disconnect()
	}

	if err := s.link.Connect(target); err != nil {
		s.Status(link.PhaseError, err.Error())
	}
}

// Status implements link.Notifier
func (s *Session) Status(phase link.Phase, message string) {
	s.send(ttStatusMessage{Type: TypeTTStatus, Phase: phase, Message: message})

	if s.server.db != nil {
		s.server.db.RecordLinkEvent(database.LinkEvent{
			SessionID: s.id,
			Phase:     string(phase),
			Host:      s.target.Host,
			Port:      s.target.Port,
			Detail:    message,
		})
	}
}

// Chat implements link.Notifier
func (s *Session) Chat(from, channel, text string) {
	s.send(ttChatMessage{Type: TypeTTChat, From: from, Channel: channel, Text: text})
}

// Roster implements link.Notifier
func (s *Session) Roster(channels []roster.Channel, users []roster.User) {
	s.send(channelListMessage{Type: TypeChannelList, Channels: channels})
	s.send(userListMessage{Type: TypeUserList, Users: users})
}

// CurrentChannel implements link.Notifier
func (s *Session) CurrentChannel(path string) {
	s.send(currentChannelMessage{Type: TypeCurrentChannel, Channel: path})
}

func (s *Session) send(msg outbound) {
	data, err := json.Marshal(msg)
	if err != nil {
		errorLog.Printf("Session %s: failed to encode %s: %v", s.id, msg.messageType(), err)
		return
	}
	if !s.Send(data) {
		return
	}
	if s.server.metrics != nil {
		s.server.metrics.RecordMessageSent(msg.messageType())
	}
}

// outbox is an unbounded FIFO of encoded messages waiting for writePump
type outbox struct {
	mu     sync.Mutex
	queue  [][]byte
	closed bool
	ready  chan struct{}
}

func newOutbox() *outbox {
	return &outbox{ready: make(chan struct{}, 1)}
}

func (o *outbox) push(data []byte) bool {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return false
	}
	o.queue = append(o.queue, data)
	o.mu.Unlock()

	select {
	case o.ready <- struct{}{}:
	default:
	}
	return true
}

func (o *outbox) drain() [][]byte {
	o.mu.Lock()
	defer o.mu.Unlock()
	queue := o.queue
	o.queue = nil
	return queue
}

func (o *outbox) close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	o.queue = nil
}
