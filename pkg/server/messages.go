package server

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/aeolun/ttbridge/pkg/link"
	"github.com/aeolun/ttbridge/pkg/roster"
)

// MessageType discriminates WebSocket JSON messages
type MessageType string

const (
	// Client -> bridge
	TypeHandshake    MessageType = "handshake"
	TypePing         MessageType = "ping"
	TypeTTHandshake  MessageType = "tt-handshake"
	TypeTTConnect    MessageType = "tt-connect"
	TypeTTChat       MessageType = "tt-chat"
	TypeTTJoin       MessageType = "tt-join"
	TypeTTDisconnect MessageType = "tt-disconnect"
	TypeChat         MessageType = "chat"
	TypeAACText      MessageType = "aac_text"

	// Bridge -> client
	TypeStatus         MessageType = "status"
	TypeHandshakeAck   MessageType = "handshake-ack"
	TypePong           MessageType = "pong"
	TypeTTStatus       MessageType = "tt-status"
	TypeChannelList    MessageType = "tt-channel-list"
	TypeUserList       MessageType = "tt-user-list"
	TypeCurrentChannel MessageType = "tt-current-channel"
)

const (
	defaultClientID   = "unknown-client"
	defaultChatSender = "web"
	bridgeProtocol    = 1
	handshakeReply    = "Handshake received. Ready for TeamTalk connection."
)

// ClientMessage is any message a browser client sends. Fields a type does not
// use are left empty.
type ClientMessage struct {
	Type MessageType `json:"type"`

	// handshake
	Client       string          `json:"client"`
	Protocol     FlexInt         `json:"protocol"`
	Capabilities json.RawMessage `json:"capabilities"`

	// ping
	Timestamp json.RawMessage `json:"timestamp"`

	// tt-handshake / tt-connect
	TTHost   string  `json:"ttHost"`
	Host     string  `json:"host"`
	TTPort   FlexInt `json:"ttPort"`
	Port     FlexInt `json:"port"`
	Username string  `json:"username"`
	Password string  `json:"password"`

	// tt-chat, tt-join, chat, aac_text
	Text    string `json:"text"`
	Channel string `json:"channel"`
	From    string `json:"from"`
}

// Target returns the remote server a connect request names. ttHost/ttPort take
// precedence over host/port.
func (m *ClientMessage) Target() link.Target {
	host := strings.TrimSpace(m.TTHost)
	if host == "" {
		host = strings.TrimSpace(m.Host)
	}
	port := int(m.TTPort)
	if port == 0 {
		port = int(m.Port)
	}
	return link.Target{
		Host:     host,
		Port:     port,
		Username: m.Username,
		Password: m.Password,
	}
}

// FlexInt decodes a JSON number or a numeric string. Anything else decodes to 0.
type FlexInt int

func (f *FlexInt) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		data = []byte(strings.TrimSpace(s))
	}
	n, err := strconv.Atoi(string(data))
	if err != nil {
		*f = 0
		return nil
	}
	*f = FlexInt(n)
	return nil
}

// ClientIdentity is what a client announced in its handshake
type ClientIdentity struct {
	ID           string
	Protocol     int
	Capabilities json.RawMessage
	ConnectedAt  time.Time
}

func identityFrom(msg *ClientMessage) ClientIdentity {
	id := ClientIdentity{
		ID:           msg.Client,
		Protocol:     int(msg.Protocol),
		Capabilities: msg.Capabilities,
		ConnectedAt:  time.Now(),
	}
	if id.ID == "" {
		id.ID = defaultClientID
	}
	if id.Protocol == 0 {
		id.Protocol = bridgeProtocol
	}
	if len(id.Capabilities) == 0 || string(id.Capabilities) == "null" {
		id.Capabilities = json.RawMessage("[]")
	}
	return id
}

// outbound is any message the bridge sends to a client
type outbound interface {
	messageType() MessageType
}

type statusMessage struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}

type handshakeAckMessage struct {
	Type       MessageType `json:"type"`
	Status     string      `json:"status"`
	Protocol   int         `json:"protocol"`
	Message    string      `json:"message"`
	ServerTime int64       `json:"serverTime"`
}

type pongMessage struct {
	Type       MessageType     `json:"type"`
	SentAt     json.RawMessage `json:"sentAt"`
	ServerTime int64           `json:"serverTime"`
}

type ttStatusMessage struct {
	Type    MessageType `json:"type"`
	Phase   link.Phase  `json:"phase"`
	Message string      `json:"message"`
}

type ttChatMessage struct {
	Type    MessageType `json:"type"`
	From    string      `json:"from"`
	Channel string      `json:"channel"`
	Text    string      `json:"text"`
}

type channelListMessage struct {
	Type     MessageType      `json:"type"`
	Channels []roster.Channel `json:"channels"`
}

type userListMessage struct {
	Type  MessageType   `json:"type"`
	Users []roster.User `json:"users"`
}

type currentChannelMessage struct {
	Type    MessageType `json:"type"`
	Channel string      `json:"channel"`
}

type chatMessage struct {
	Type MessageType `json:"type"`
	From string      `json:"from"`
	Text string      `json:"text"`
}

func (m statusMessage) messageType() MessageType         { return m.Type }
func (m handshakeAckMessage) messageType() MessageType   { return m.Type }
func (m pongMessage) messageType() MessageType           { return m.Type }
func (m ttStatusMessage) messageType() MessageType       { return m.Type }
func (m ttChatMessage) messageType() MessageType         { return m.Type }
func (m channelListMessage) messageType() MessageType    { return m.Type }
func (m userListMessage) messageType() MessageType       { return m.Type }
func (m currentChannelMessage) messageType() MessageType { return m.Type }
func (m chatMessage) messageType() MessageType           { return m.Type }

// pongFor answers a ping, echoing the client's timestamp when it sent one
func pongFor(msg *ClientMessage, now time.Time) pongMessage {
	sentAt := msg.Timestamp
	if len(sentAt) == 0 || string(sentAt) == "null" {
		sentAt = json.RawMessage(strconv.FormatInt(now.UnixMilli(), 10))
	}
	return pongMessage{Type: TypePong, SentAt: sentAt, ServerTime: now.UnixMilli()}
}

// broadcastFor builds the chat message relayed to every web client
func broadcastFor(msg *ClientMessage) chatMessage {
	from := msg.From
	if from == "" {
		from = defaultChatSender
	}
	return chatMessage{Type: TypeChat, From: from, Text: msg.Text}
}
