// Package roster keeps the channel and user state of one remote link, as announced by
// the remote server.
package roster

import "github.com/aeolun/ttbridge/pkg/ttproto"

const (
	// RootChannelID is the id of the server's root channel
	RootChannelID = 1
	// RootChannelPath is the path of the server's root channel
	RootChannelPath = "/"
)

// Channel is a channel known to the remote server
type Channel struct {
	ID       int    `json:"id"`
	Name     string `json:"name"`
	Path     string `json:"path"`
	ParentID *int   `json:"parentId"`
}

// User is a user connected to the remote server
type User struct {
	ID        int    `json:"id"`
	Nickname  string `json:"nickname"`
	Username  string `json:"username"`
	ChannelID int    `json:"channelId"`
}

// Store holds channels and users keyed by protocol id. Iteration follows insertion
// order; replacing an entry keeps its position.
//
// Store is not safe for concurrent use; it belongs to a single session loop.
type Store struct {
	channels     map[int]*Channel
	channelOrder []int
	users        map[int]*User
	userOrder    []int

	currentPath string
	currentID   int
}

// NewStore returns an empty store positioned at the root channel
func NewStore() *Store {
	return &Store{
		channels:    make(map[int]*Channel),
		users:       make(map[int]*User),
		currentPath: RootChannelPath,
		currentID:   RootChannelID,
	}
}

// Apply folds a decoded event into the store and reports whether anything changed.
// Events that only notify (chat, join confirmations, errors) never mutate the store.
func (s *Store) Apply(ev ttproto.Event) bool {
	switch e := ev.(type) {
	case ttproto.ChannelAdded:
		s.putChannel(Channel{
			ID:       e.ID,
			Name:     e.Name,
			Path:     e.Path,
			ParentID: copyInt(e.ParentID),
		})
		return true

	case ttproto.UserAdded:
		s.putUser(User{
			ID:        e.ID,
			Nickname:  e.Nickname,
			Username:  e.Username,
			ChannelID: e.ChannelID,
		})
		return true

	case ttproto.UserRemoved:
		return s.removeUser(e.ID)

	case ttproto.UserMoved:
		user, ok := s.users[e.ID]
		if !ok {
			return false
		}
		user.ChannelID = e.ChannelID
		return true
	}

	return false
}

// ResolveChannelID returns the id of the first channel whose path matches,
// or RootChannelID when none does.
func (s *Store) ResolveChannelID(path string) int {
	for _, id := range s.channelOrder {
		if s.channels[id].Path == path {
			return id
		}
	}
	return RootChannelID
}

// ChannelPath returns the path of a known channel
func (s *Store) ChannelPath(id int) (string, bool) {
	ch, ok := s.channels[id]
	if !ok {
		return "", false
	}
	return ch.Path, true
}

// SetCurrent records the channel this session is in (or has asked to join)
func (s *Store) SetCurrent(path string, id int) {
	s.currentPath = path
	s.currentID = id
}

// Current returns the current channel path and id
func (s *Store) Current() (string, int) {
	return s.currentPath, s.currentID
}

// Channel returns a copy of a channel by id
func (s *Store) Channel(id int) (Channel, bool) {
	ch, ok := s.channels[id]
	if !ok {
		return Channel{}, false
	}
	return cloneChannel(ch), true
}

// User returns a copy of a user by id
func (s *Store) User(id int) (User, bool) {
	u, ok := s.users[id]
	if !ok {
		return User{}, false
	}
	return *u, true
}

// Channels returns a snapshot of all channels in insertion order
func (s *Store) Channels() []Channel {
	out := make([]Channel, 0, len(s.channelOrder))
	for _, id := range s.channelOrder {
		out = append(out, cloneChannel(s.channels[id]))
	}
	return out
}

// Users returns a snapshot of all users in insertion order
func (s *Store) Users() []User {
	out := make([]User, 0, len(s.userOrder))
	for _, id := range s.userOrder {
		out = append(out, *s.users[id])
	}
	return out
}

// ChannelCount returns the number of known channels
func (s *Store) ChannelCount() int {
	return len(s.channels)
}

// UserCount returns the number of known users
func (s *Store) UserCount() int {
	return len(s.users)
}

// Reset forgets all channels and users and returns to the root channel.
// Used when a new link is established, since ids belong to one server.
func (s *Store) Reset() {
	s.channels = make(map[int]*Channel)
	s.channelOrder = nil
	s.users = make(map[int]*User)
	s.userOrder = nil
	s.currentPath = RootChannelPath
	s.currentID = RootChannelID
}

func (s *Store) putChannel(ch Channel) {
	if existing, ok := s.channels[ch.ID]; ok {
		*existing = ch
		return
	}
	s.channels[ch.ID] = &ch
	s.channelOrder = append(s.channelOrder, ch.ID)
}

func (s *Store) putUser(u User) {
	if existing, ok := s.users[u.ID]; ok {
		*existing = u
		return
	}
	s.users[u.ID] = &u
	s.userOrder = append(s.userOrder, u.ID)
}

func (s *Store) removeUser(id int) bool {
	if _, ok := s.users[id]; !ok {
		return false
	}
	delete(s.users, id)
	for i, uid := range s.userOrder {
		if uid == id {
			s.userOrder = append(s.userOrder[:i], s.userOrder[i+1:]...)
			break
		}
	}
	return true
}

func cloneChannel(ch *Channel) Channel {
	out := *ch
	out.ParentID = copyInt(ch.ParentID)
	return out
}

func copyInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
