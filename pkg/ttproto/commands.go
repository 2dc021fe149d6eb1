package ttproto

import (
	"strconv"
	"strings"
)

// Outbound verbs
const (
	VerbLogin = "login"
	VerbJoin  = "join"
	VerbPing  = "ping"
)

// ProtocolVersion is the remote protocol version announced at login
const ProtocolVersion = "5.14"

// LineTerminator ends every outbound line
const LineTerminator = "\r\n"

// Command is an outbound line
type Command interface {
	Verb() string
	encode(b *strings.Builder)
}

// Login authenticates the link. The nickname is always the username.
type Login struct {
	Username   string
	Password   string
	ClientName string
	Protocol   string // defaults to ProtocolVersion
}

// Join asks the server to move this client into a channel
type Join struct {
	ChannelID int
}

// ChanMsg sends chat text to a channel
type ChanMsg struct {
	Channel string
	Text    string
}

// Ping keeps an idle link alive
type Ping struct{}

func (Login) Verb() string   { return VerbLogin }
func (Join) Verb() string    { return VerbJoin }
func (ChanMsg) Verb() string { return VerbChanMsg }
func (Ping) Verb() string    { return VerbPing }

func (c Login) encode(b *strings.Builder) {
	protocol := c.Protocol
	if protocol == "" {
		protocol = ProtocolVersion
	}
	b.WriteString(VerbLogin)
	writeQuoted(b, "username", c.Username)
	writeQuoted(b, "password", c.Password)
	writeQuoted(b, "nickname", c.Username)
	writeQuoted(b, "protocol", protocol)
	writeQuoted(b, "clientname", c.ClientName)
}

func (c Join) encode(b *strings.Builder) {
	b.WriteString(VerbJoin)
	b.WriteString(" chanid=")
	b.WriteString(strconv.Itoa(c.ChannelID))
}

func (c ChanMsg) encode(b *strings.Builder) {
	b.WriteString(VerbChanMsg)
	writeQuoted(b, "channel", c.Channel)
	writeQuoted(b, "text", c.Text)
}

func (Ping) encode(b *strings.Builder) {
	b.WriteString(VerbPing)
}

// Encode renders a command as a single CRLF-terminated line
func Encode(cmd Command) string {
	var b strings.Builder
	cmd.encode(&b)
	b.WriteString(LineTerminator)
	return b.String()
}

// Escape escapes double quotes for use inside a quoted value.
// CR and LF pass through unchanged.
func Escape(s string) string {
	return strings.ReplaceAll(s, `"`, `\"`)
}

func writeQuoted(b *strings.Builder, key, value string) {
	b.WriteByte(' ')
	b.WriteString(key)
	b.WriteString(`="`)
	b.WriteString(Escape(value))
	b.WriteByte('"')
}
