package server

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeolun/ttbridge/pkg/database"
	"github.com/aeolun/ttbridge/pkg/link"
	"github.com/aeolun/ttbridge/pkg/roster"
)

const journeyTimeout = 3 * time.Second

// ---------------------------------------------------------------------------
// WebSocket client
//
// A persistent reader goroutine feeds every JSON message into a channel. This
// avoids gorilla/websocket's limitation where a read deadline timeout corrupts
// the connection state.
// ---------------------------------------------------------------------------

type envelope struct {
	Type MessageType `json:"type"`
	raw  []byte
}

type wsClient struct {
	conn      *websocket.Conn
	messages  chan envelope
	errors    chan error
	done      chan struct{}
	closeOnce sync.Once
}

func newWSClient(t *testing.T, addr, path string) *wsClient {
	t.Helper()
	url := fmt.Sprintf("ws://%s%s", addr, path)
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("WebSocket dial %s: %v", url, err)
	}

	wc := &wsClient{
		conn:     conn,
		messages: make(chan envelope, 128),
		errors:   make(chan error, 1),
		done:     make(chan struct{}),
	}

	go func() {
		defer close(wc.done)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				wc.errors <- err
				return
			}
			var env envelope
			if err := json.Unmarshal(data, &env); err != nil {
				wc.errors <- err
				return
			}
			env.raw = data
			wc.messages <- env
		}
	}()

	t.Cleanup(wc.close)
	return wc
}

func (c *wsClient) send(t *testing.T, msg map[string]any) {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, c.conn.WriteMessage(websocket.TextMessage, data))
}

func (c *wsClient) sendRaw(t *testing.T, data string) {
	t.Helper()
	require.NoError(t, c.conn.WriteMessage(websocket.TextMessage, []byte(data)))
}

// expect returns the next message of type want, skipping other types.
// The decoded message is stored in v when v is non-nil.
func (c *wsClient) expect(t *testing.T, want MessageType, v any) {
	t.Helper()
	deadline := time.After(journeyTimeout)
	for {
		select {
		case env := <-c.messages:
			if env.Type != want {
				continue
			}
			if v != nil {
				require.NoError(t, json.Unmarshal(env.raw, v))
			}
			return
		case err := <-c.errors:
			t.Fatalf("expect %s: read error: %v", want, err)
		case <-deadline:
			t.Fatalf("expect %s: timeout after %v", want, journeyTimeout)
		}
	}
}

// expectStatus returns the next tt-status with the given phase, skipping others
func (c *wsClient) expectStatus(t *testing.T, phase string) ttStatusMessage {
	t.Helper()
	deadline := time.After(journeyTimeout)
	for {
		select {
		case env := <-c.messages:
			if env.Type != TypeTTStatus {
				continue
			}
			var msg ttStatusMessage
			require.NoError(t, json.Unmarshal(env.raw, &msg))
			if string(msg.Phase) == phase {
				return msg
			}
		case err := <-c.errors:
			t.Fatalf("expect status %s: read error: %v", phase, err)
		case <-deadline:
			t.Fatalf("expect status %s: timeout after %v", phase, journeyTimeout)
		}
	}
}

// nextStatuses returns the phases of the next n tt-status messages, in order
func (c *wsClient) nextStatuses(t *testing.T, n int) []string {
	t.Helper()
	var phases []string
	for len(phases) < n {
		select {
		case env := <-c.messages:
			if env.Type != TypeTTStatus {
				continue
			}
			var msg ttStatusMessage
			require.NoError(t, json.Unmarshal(env.raw, &msg))
			phases = append(phases, string(msg.Phase))
		case err := <-c.errors:
			t.Fatalf("read error after statuses %v: %v", phases, err)
		case <-time.After(journeyTimeout):
			t.Fatalf("timeout after statuses %v", phases)
		}
	}
	return phases
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() {
		c.conn.Close()
		<-c.done
	})
}

// ---------------------------------------------------------------------------
// Fake TeamTalk server
// ---------------------------------------------------------------------------

type fakeTeamTalk struct {
	ln    net.Listener
	peers chan *ttPeer
}

func newFakeTeamTalk(t *testing.T) *fakeTeamTalk {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	f := &fakeTeamTalk{ln: ln, peers: make(chan *ttPeer, 4)}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			f.peers <- newTTPeer(conn)
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return f
}

func (f *fakeTeamTalk) port() int {
	_, portStr, _ := net.SplitHostPort(f.ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	return port
}

func (f *fakeTeamTalk) connectMessage(msgType MessageType) map[string]any {
	return map[string]any{
		"type":     msgType,
		"ttHost":   "127.0.0.1",
		"ttPort":   strconv.Itoa(f.port()),
		"username": "alice",
		"password": "secret",
	}
}

func (f *fakeTeamTalk) accept(t *testing.T) *ttPeer {
	t.Helper()
	select {
	case p := <-f.peers:
		t.Cleanup(func() { p.conn.Close() })
		return p
	case <-time.After(journeyTimeout):
		t.Fatal("TeamTalk server never saw a connection")
		return nil
	}
}

type ttPeer struct {
	conn  net.Conn
	lines chan string
}

func newTTPeer(conn net.Conn) *ttPeer {
	p := &ttPeer{conn: conn, lines: make(chan string, 64)}
	go func() {
		defer close(p.lines)
		r := bufio.NewReader(conn)
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			p.lines <- line
		}
	}()
	return p
}

func (p *ttPeer) expectLine(t *testing.T, want string) {
	t.Helper()
	select {
	case got, ok := <-p.lines:
		require.True(t, ok, "connection closed while waiting for %q", want)
		assert.Equal(t, want, got)
	case <-time.After(journeyTimeout):
		t.Fatalf("timed out waiting for %q", want)
	}
}

func (p *ttPeer) expectClosed(t *testing.T) {
	t.Helper()
	deadline := time.After(journeyTimeout)
	for {
		select {
		case _, ok := <-p.lines:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("bridge never closed the TeamTalk connection")
		}
	}
}

func (p *ttPeer) send(t *testing.T, data string) {
	t.Helper()
	_, err := p.conn.Write([]byte(data))
	require.NoError(t, err)
}

// expectLogin consumes the login and root join every new link sends
func (p *ttPeer) expectLogin(t *testing.T) {
	t.Helper()
	p.expectLine(t, `login username="alice" password="secret" nickname="alice" protocol="5.14" clientname="ConnectingWorlds"`+"\r\n")
	p.expectLine(t, "join chanid=1\r\n")
}

// ---------------------------------------------------------------------------
// Server setup
// ---------------------------------------------------------------------------

func startJourneyServer(t *testing.T, withDB bool) *Server {
	t.Helper()
	config := DefaultConfig()
	config.BindAddress = "127.0.0.1"
	config.HTTPPort = 0
	config.MetricsPort = 0
	if withDB {
		config.DatabasePath = filepath.Join(t.TempDir(), "links.db")
	}

	srv, err := NewServer(config)
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })
	return srv
}

func connectClient(t *testing.T, srv *Server) *wsClient {
	t.Helper()
	c := newWSClient(t, srv.Addr().String(), "/ws")
	var status statusMessage
	c.expect(t, TypeStatus, &status)
	require.Equal(t, "connected", status.Message)
	return c
}

// linkUp connects client to the fake server and returns the remote side
func linkUp(t *testing.T, c *wsClient, tt *fakeTeamTalk) *ttPeer {
	t.Helper()
	c.send(t, tt.connectMessage(TypeTTConnect))
	assert.Equal(t, []string{"received", "connecting", "connected", "login-sent"}, c.nextStatuses(t, 4))
	peer := tt.accept(t)
	peer.expectLogin(t)
	return peer
}

// ---------------------------------------------------------------------------
// Journeys
// ---------------------------------------------------------------------------

func TestJourneyHandshakeAndPing(t *testing.T) {
	srv := startJourneyServer(t, false)
	c := connectClient(t, srv)

	c.send(t, map[string]any{"type": "handshake", "client": "aac-board", "protocol": 1, "capabilities": []string{"tts"}})
	var ack handshakeAckMessage
	c.expect(t, TypeHandshakeAck, &ack)
	assert.Equal(t, "ok", ack.Status)
	assert.Equal(t, 1, ack.Protocol)
	assert.Equal(t, handshakeReply, ack.Message)
	assert.NotZero(t, ack.ServerTime)

	// Malformed JSON is dropped without closing the session
	c.sendRaw(t, "{not json")

	c.send(t, map[string]any{"type": "ping", "timestamp": 12345})
	var pong struct {
		SentAt     int64 `json:"sentAt"`
		ServerTime int64 `json:"serverTime"`
	}
	c.expect(t, TypePong, &pong)
	assert.Equal(t, int64(12345), pong.SentAt)
	assert.NotZero(t, pong.ServerTime)
}

func TestJourneyRootPathUpgrades(t *testing.T) {
	srv := startJourneyServer(t, false)

	c := newWSClient(t, srv.Addr().String(), "/")
	var status statusMessage
	c.expect(t, TypeStatus, &status)
	assert.Equal(t, "connected", status.Message)

	resp, err := http.Get("http://" + srv.Addr().String() + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestJourneyRemoteLink(t *testing.T) {
	srv := startJourneyServer(t, false)
	tt := newFakeTeamTalk(t)
	c := connectClient(t, srv)
	peer := linkUp(t, c, tt)

	// Roster events reach the client as full lists
	peer.send(t, "addchannel chanid=2 parentid=1 channel=\"/lobby\" name=\"Lobby\"\r\n")
	var channels channelListMessage
	c.expect(t, TypeChannelList, &channels)
	require.Len(t, channels.Channels, 1)
	assert.Equal(t, "/lobby", channels.Channels[0].Path)

	// Every chunk carries a full snapshot, so the user list follows even when empty
	var users userListMessage
	c.expect(t, TypeUserList, &users)
	assert.Empty(t, users.Users)

	peer.send(t, "adduser userid=5 chanid=2 nickname=\"Bob\" username=\"bob\"\r\n")
	c.expect(t, TypeUserList, &users)
	require.Len(t, users.Users, 1)
	assert.Equal(t, roster.User{ID: 5, Nickname: "Bob", Username: "bob", ChannelID: 2}, users.Users[0])

	// Join by path
	c.send(t, map[string]any{"type": "tt-join", "channel": "/lobby"})
	peer.expectLine(t, "join chanid=2\r\n")
	c.expectStatus(t, "join-sent")

	peer.send(t, "joined channel=\"/lobby\"\r\n")
	var current currentChannelMessage
	c.expect(t, TypeCurrentChannel, &current)
	assert.Equal(t, "/lobby", current.Channel)

	// Outbound chat is escaped and echoed locally
	c.send(t, map[string]any{"type": "tt-chat", "text": `he said "hi"`, "channel": "/lobby"})
	peer.expectLine(t, `chanmsg channel="/lobby" text="he said \"hi\""`+"\r\n")
	var echo ttChatMessage
	c.expect(t, TypeTTChat, &echo)
	assert.Equal(t, ttChatMessage{Type: TypeTTChat, From: "admin", Channel: "/lobby", Text: `he said "hi"`}, echo)

	// Inbound chat
	peer.send(t, "chanmsg nickname=\"Bob\" channel=\"/lobby\" text=\"hello there\"\r\n")
	var inbound ttChatMessage
	c.expect(t, TypeTTChat, &inbound)
	assert.Equal(t, "Bob", inbound.From)
	assert.Equal(t, "hello there", inbound.Text)

	// Remote hangup
	peer.conn.Close()
	msg := c.expectStatus(t, "disconnected")
	assert.Equal(t, "Remote server closed the connection", msg.Message)
}

func TestJourneyChatWithoutLink(t *testing.T) {
	srv := startJourneyServer(t, false)
	c := connectClient(t, srv)

	c.send(t, map[string]any{"type": "tt-chat", "text": "hello"})
	msg := c.expectStatus(t, "error")
	assert.Equal(t, "not connected to remote server", msg.Message)
}

func TestJourneyConnectWithoutHost(t *testing.T) {
	srv := startJourneyServer(t, false)
	c := connectClient(t, srv)

	c.send(t, map[string]any{"type": "tt-handshake", "username": "alice"})
	assert.Equal(t, []string{"received", "error"}, c.nextStatuses(t, 2))
}

func TestJourneySecondConnectReplacesLink(t *testing.T) {
	srv := startJourneyServer(t, false)
	tt := newFakeTeamTalk(t)
	c := connectClient(t, srv)
	first := linkUp(t, c, tt)

	c.send(t, tt.connectMessage(TypeTTHandshake))
	assert.Equal(t, []string{"received", "disconnected", "connecting", "connected", "login-sent"}, c.nextStatuses(t, 5))
	first.expectClosed(t)

	second := tt.accept(t)
	second.expectLogin(t)
}

func TestJourneyExplicitDisconnect(t *testing.T) {
	srv := startJourneyServer(t, false)
	tt := newFakeTeamTalk(t)
	c := connectClient(t, srv)
	peer := linkUp(t, c, tt)

	c.send(t, map[string]any{"type": "tt-disconnect"})
	msg := c.expectStatus(t, "disconnected")
	assert.Equal(t, "Disconnected from remote server", msg.Message)
	peer.expectClosed(t)
}

func TestJourneyClientCloseTearsDownLink(t *testing.T) {
	srv := startJourneyServer(t, false)
	tt := newFakeTeamTalk(t)
	c := connectClient(t, srv)
	peer := linkUp(t, c, tt)

	c.close()

	peer.expectClosed(t)
	require.Eventually(t, func() bool { return srv.hub.Count() == 0 }, journeyTimeout, 10*time.Millisecond)
}

func TestJourneyConcurrentCloseTearsDownOnce(t *testing.T) {
	srv := startJourneyServer(t, false)
	tt := newFakeTeamTalk(t)
	c := connectClient(t, srv)
	peer := linkUp(t, c, tt)

	sessions := srv.hub.Sessions()
	require.Len(t, sessions, 1)
	sess, ok := sessions[0].(*Session)
	require.True(t, ok)

	// Read and write pumps both close the session when their socket fails
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			sess.Close()
		}()
	}
	close(start)
	wg.Wait()

	select {
	case <-sess.Done():
	case <-time.After(journeyTimeout):
		t.Fatal("session never finished teardown")
	}
	sess.Close()

	peer.expectClosed(t)
	assert.Equal(t, 0, srv.hub.Count())
	assert.Equal(t, float64(1), testutil.ToFloat64(srv.metrics.sessionsClosed))
	assert.Equal(t, float64(1), testutil.ToFloat64(srv.metrics.linkTransitions.WithLabelValues(link.StateClosed.String())))
	assert.Equal(t, float64(0), testutil.ToFloat64(srv.metrics.openLinks))
}

func TestJourneyWebChatBroadcast(t *testing.T) {
	srv := startJourneyServer(t, false)
	alice := connectClient(t, srv)
	bob := connectClient(t, srv)
	require.Eventually(t, func() bool { return srv.hub.Count() == 2 }, journeyTimeout, 10*time.Millisecond)

	alice.send(t, map[string]any{"type": "aac_text", "text": "I want juice"})
	for _, c := range []*wsClient{alice, bob} {
		var msg chatMessage
		c.expect(t, TypeChat, &msg)
		assert.Equal(t, chatMessage{Type: TypeChat, From: "web", Text: "I want juice"}, msg)
	}

	bob.send(t, map[string]any{"type": "chat", "from": "bob", "text": "ok"})
	for _, c := range []*wsClient{alice, bob} {
		var msg chatMessage
		c.expect(t, TypeChat, &msg)
		assert.Equal(t, "bob", msg.From)
	}
}

func TestJourneyAuditLog(t *testing.T) {
	srv := startJourneyServer(t, true)
	tt := newFakeTeamTalk(t)
	c := connectClient(t, srv)
	peer := linkUp(t, c, tt)

	c.send(t, map[string]any{"type": "tt-disconnect"})
	c.expectStatus(t, "disconnected")
	peer.expectClosed(t)

	var sessionID string
	for _, p := range srv.hub.Sessions() {
		sessionID = p.ID()
	}
	require.NotEmpty(t, sessionID)

	require.NoError(t, srv.db.WriteBuffer.Flush())
	events, err := srv.db.ListLinkEvents(sessionID, 0)
	require.NoError(t, err)

	var phases []string
	for _, ev := range events {
		phases = append(phases, ev.Phase)
		assert.Equal(t, "127.0.0.1", ev.Host)
		assert.Equal(t, tt.port(), ev.Port)
		assert.NotContains(t, ev.Detail, "secret")
	}
	assert.Equal(t, []string{"received", "connecting", "connected", "login-sent", "disconnected"}, phases)

	rec := httptestGet(t, srv.InternalHandler(), "/links.json?session="+sessionID)
	assert.Equal(t, http.StatusOK, rec.Code)
	var served []database.LinkEvent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &served))
	assert.Len(t, served, 5)
}

func TestJourneyStopClosesSessions(t *testing.T) {
	config := DefaultConfig()
	config.BindAddress = "127.0.0.1"
	config.HTTPPort = 0
	config.MetricsPort = 0
	srv, err := NewServer(config)
	require.NoError(t, err)
	require.NoError(t, srv.Start())

	tt := newFakeTeamTalk(t)
	c := connectClient(t, srv)
	peer := linkUp(t, c, tt)

	require.NoError(t, srv.Stop())
	peer.expectClosed(t)
	assert.Equal(t, 0, srv.hub.Count())
	require.NoError(t, srv.Stop())
}
