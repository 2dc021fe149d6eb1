// Package ttproto implements the line-oriented text protocol spoken by the remote
// chat/voice server: one verb-prefixed command or event per CRLF-terminated line.
package ttproto

import (
	"errors"
	"fmt"
)

// Inbound verbs
const (
	VerbAddChannel = "addchannel"
	VerbAddUser    = "adduser"
	VerbRemoveUser = "removeuser"
	VerbUserUpdate = "userupdate"
	VerbChanMsg    = "chanmsg"
	VerbJoined     = "joined"
	VerbError      = "error"
)

// Field defaults applied when an optional field is missing
const (
	DefaultPath     = "/"
	DefaultNickname = "user"
	DefaultUsername = "user"
	DefaultSender   = "someone"
)

var (
	// ErrMissingField indicates a line lacks a required numeric id and was dropped.
	ErrMissingField = errors.New("missing required field")
	// ErrLineTooLong indicates buffered input exceeded MaxLineLength without a line break.
	ErrLineTooLong = errors.New("line exceeds maximum length")
)

// Event is a decoded inbound line
type Event interface {
	Verb() string
}

// ChannelAdded announces a channel (or replaces a known one with the same id)
type ChannelAdded struct {
	ID       int
	ParentID *int
	Path     string
	Name     string
}

// UserAdded announces a user on the server
type UserAdded struct {
	ID        int
	ChannelID int
	Nickname  string
	Username  string
}

// UserRemoved announces that a user left the server
type UserRemoved struct {
	ID int
}

// UserMoved announces that a user changed channel
type UserMoved struct {
	ID        int
	ChannelID int
}

// ChannelMessage is chat text delivered to a channel
type ChannelMessage struct {
	From    string
	Channel string
	Text    string
}

// Joined confirms that this client entered a channel. Servers identify the channel
// either by path or by id; the missing one is left zero.
type Joined struct {
	Path      string
	ChannelID int
}

// ServerError is a command failure reported by the remote server
type ServerError struct {
	Number  int
	Message string
}

// Unknown is any line with a verb this package does not interpret
type Unknown struct {
	Name string
}

func (ChannelAdded) Verb() string   { return VerbAddChannel }
func (UserAdded) Verb() string      { return VerbAddUser }
func (UserRemoved) Verb() string    { return VerbRemoveUser }
func (UserMoved) Verb() string      { return VerbUserUpdate }
func (ChannelMessage) Verb() string { return VerbChanMsg }
func (Joined) Verb() string         { return VerbJoined }
func (ServerError) Verb() string    { return VerbError }
func (u Unknown) Verb() string      { return u.Name }

// Decode parses one protocol line (without or with its line terminator).
// Lines with unrecognised verbs decode to Unknown with a nil error.
func Decode(line string) (Event, error) {
	verb, f := ParseLine(line)

	switch verb {
	case VerbAddChannel:
		id, ok := f.Int("chanid")
		if !ok {
			return nil, missing(verb, "chanid")
		}
		ev := ChannelAdded{ID: id}
		if parent, ok := f.Int("parentid"); ok {
			ev.ParentID = &parent
		}
		ev.Path = f.Str("channel", DefaultPath)
		ev.Name = f.Str("name", ev.Path)
		return ev, nil

	case VerbAddUser:
		id, ok := f.Int("userid")
		if !ok {
			return nil, missing(verb, "userid")
		}
		chanID, _ := f.Int("chanid")
		return UserAdded{
			ID:        id,
			ChannelID: chanID,
			Nickname:  f.Str("nickname", DefaultNickname),
			Username:  f.Str("username", DefaultUsername),
		}, nil

	case VerbRemoveUser:
		id, ok := f.Int("userid")
		if !ok {
			return nil, missing(verb, "userid")
		}
		return UserRemoved{ID: id}, nil

	case VerbUserUpdate:
		id, ok := f.Int("userid")
		if !ok {
			return nil, missing(verb, "userid")
		}
		chanID, ok := f.Int("chanid")
		if !ok {
			return nil, missing(verb, "chanid")
		}
		return UserMoved{ID: id, ChannelID: chanID}, nil

	case VerbChanMsg:
		return ChannelMessage{
			From:    f.Str("nickname", DefaultSender),
			Channel: f.Str("channel", ""),
			Text:    f.Str("text", ""),
		}, nil

	case VerbJoined:
		chanID, _ := f.Int("chanid")
		return Joined{
			Path:      f.Str("channel", ""),
			ChannelID: chanID,
		}, nil

	case VerbError:
		number, _ := f.Int("number")
		return ServerError{
			Number:  number,
			Message: f.Str("message", ""),
		}, nil

	default:
		return Unknown{Name: verb}, nil
	}
}

func missing(verb, field string) error {
	return fmt.Errorf("%s: %w %q", verb, ErrMissingField, field)
}
