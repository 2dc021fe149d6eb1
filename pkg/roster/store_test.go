package roster

import (
	"testing"

	"github.com/aeolun/ttbridge/pkg/ttproto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func mustDecode(t *testing.T, line string) ttproto.Event {
	t.Helper()
	ev, err := ttproto.Decode(line)
	require.NoError(t, err)
	return ev
}

func TestNewStoreDefaultsToRoot(t *testing.T) {
	s := NewStore()
	path, id := s.Current()
	assert.Equal(t, "/", path)
	assert.Equal(t, 1, id)
	assert.Empty(t, s.Channels())
	assert.Empty(t, s.Users())
}

func TestApplyChannelAdded(t *testing.T) {
	s := NewStore()
	assert.True(t, s.Apply(mustDecode(t, `addchannel chanid=2 parentid=1 channel="/lobby" name="Lobby"`)))

	ch, ok := s.Channel(2)
	require.True(t, ok)
	assert.Equal(t, "Lobby", ch.Name)
	assert.Equal(t, "/lobby", ch.Path)
	require.NotNil(t, ch.ParentID)
	assert.Equal(t, 1, *ch.ParentID)
}

func TestApplyChannelAddedOverwrites(t *testing.T) {
	s := NewStore()
	s.Apply(mustDecode(t, `addchannel chanid=2 channel="/lobby" name="Lobby"`))
	s.Apply(mustDecode(t, `addchannel chanid=3 channel="/games" name="Games"`))
	s.Apply(mustDecode(t, `addchannel chanid=2 channel="/hall" name="Hall"`))

	assert.Equal(t, 2, s.ChannelCount())
	channels := s.Channels()
	require.Len(t, channels, 2)
	assert.Equal(t, Channel{ID: 2, Name: "Hall", Path: "/hall"}, channels[0], "overwrite keeps position")
	assert.Equal(t, 3, channels[1].ID)
}

func TestApplyUserLifecycle(t *testing.T) {
	s := NewStore()

	s.Apply(mustDecode(t, `adduser userid=5 chanid=2 nickname="Bob" username="bob"`))
	u, ok := s.User(5)
	require.True(t, ok)
	assert.Equal(t, User{ID: 5, Nickname: "Bob", Username: "bob", ChannelID: 2}, u)

	assert.True(t, s.Apply(mustDecode(t, `userupdate userid=5 chanid=3`)))
	u, _ = s.User(5)
	assert.Equal(t, 3, u.ChannelID)

	assert.True(t, s.Apply(mustDecode(t, `removeuser userid=5`)))
	_, ok = s.User(5)
	assert.False(t, ok)
	assert.Empty(t, s.Users())
}

func TestApplyUserAddedDefaultsChannel(t *testing.T) {
	s := NewStore()
	s.Apply(mustDecode(t, `adduser userid=9`))
	u, ok := s.User(9)
	require.True(t, ok)
	assert.Equal(t, 0, u.ChannelID)
	assert.Equal(t, "user", u.Nickname)
}

func TestApplyUserMovedUnknownUser(t *testing.T) {
	s := NewStore()
	s.Apply(mustDecode(t, `adduser userid=1 chanid=1 nickname="A" username="a"`))
	before := s.Users()

	assert.False(t, s.Apply(mustDecode(t, `userupdate userid=42 chanid=3`)))
	assert.Equal(t, before, s.Users())
	_, ok := s.User(42)
	assert.False(t, ok)
}

func TestApplyRemoveThenMoveDoesNotResurrect(t *testing.T) {
	s := NewStore()
	s.Apply(mustDecode(t, `adduser userid=5 chanid=2 nickname="Bob" username="bob"`))
	s.Apply(mustDecode(t, `removeuser userid=5`))

	assert.False(t, s.Apply(mustDecode(t, `userupdate userid=5 chanid=2`)))
	assert.Equal(t, 0, s.UserCount())
}

func TestApplyRemoveUnknownUser(t *testing.T) {
	s := NewStore()
	assert.False(t, s.Apply(ttproto.UserRemoved{ID: 3}))
}

func TestApplyNotificationsDoNotMutate(t *testing.T) {
	s := NewStore()
	events := []ttproto.Event{
		ttproto.ChannelMessage{From: "a", Channel: "/", Text: "x"},
		ttproto.Joined{Path: "/lobby"},
		ttproto.ServerError{Number: 1, Message: "nope"},
		ttproto.Unknown{Name: "pong"},
	}
	for _, ev := range events {
		assert.False(t, s.Apply(ev), "%T", ev)
	}
	assert.Equal(t, 0, s.ChannelCount())
	assert.Equal(t, 0, s.UserCount())
	path, id := s.Current()
	assert.Equal(t, "/", path)
	assert.Equal(t, 1, id)
}

func TestResolveChannelID(t *testing.T) {
	s := NewStore()
	s.Apply(mustDecode(t, `addchannel chanid=2 channel="/lobby" name="Lobby"`))
	s.Apply(mustDecode(t, `addchannel chanid=7 channel="/dup" name="First"`))
	s.Apply(mustDecode(t, `addchannel chanid=4 channel="/dup" name="Second"`))

	assert.Equal(t, 2, s.ResolveChannelID("/lobby"))
	assert.Equal(t, 7, s.ResolveChannelID("/dup"), "first match in insertion order")
	assert.Equal(t, 1, s.ResolveChannelID("/missing"))
	assert.Equal(t, 1, s.ResolveChannelID(""))
}

func TestSnapshotsAreCopies(t *testing.T) {
	s := NewStore()
	s.Apply(mustDecode(t, `addchannel chanid=2 parentid=1 channel="/lobby"`))
	s.Apply(mustDecode(t, `adduser userid=5 chanid=2`))

	channels := s.Channels()
	*channels[0].ParentID = 99
	channels[0].Name = "changed"
	users := s.Users()
	users[0].ChannelID = 99

	ch, _ := s.Channel(2)
	assert.Equal(t, 1, *ch.ParentID)
	assert.Equal(t, "/lobby", ch.Name)
	u, _ := s.User(5)
	assert.Equal(t, 2, u.ChannelID)
}

func TestReset(t *testing.T) {
	s := NewStore()
	s.Apply(mustDecode(t, `addchannel chanid=2 channel="/lobby"`))
	s.Apply(mustDecode(t, `adduser userid=5 chanid=2`))
	s.SetCurrent("/lobby", 2)

	s.Reset()
	assert.Equal(t, 0, s.ChannelCount())
	assert.Equal(t, 0, s.UserCount())
	path, id := s.Current()
	assert.Equal(t, "/", path)
	assert.Equal(t, 1, id)
}

// TestChannelAddedIdempotentRapid tests that re-applying an add with a known id never grows the map
func TestChannelAddedIdempotentRapid(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		s := NewStore()
		ids := rapid.SliceOfN(rapid.IntRange(1, 20), 1, 50).Draw(t, "ids")

		seen := map[int]bool{}
		for i, id := range ids {
			name := rapid.StringMatching(`[a-z]{1,8}`).Draw(t, "name")
			s.Apply(ttproto.ChannelAdded{ID: id, Path: "/" + name, Name: name})
			seen[id] = true

			if s.ChannelCount() != len(seen) {
				t.Fatalf("step %d: %d channels, want %d", i, s.ChannelCount(), len(seen))
			}
			ch, _ := s.Channel(id)
			if ch.Name != name {
				t.Fatalf("step %d: name %q, want %q", i, ch.Name, name)
			}
		}
	})
}

// TestResolveNonMatchingPathRapid tests that unknown paths always resolve to the root id
func TestResolveNonMatchingPathRapid(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		s := NewStore()
		n := rapid.IntRange(0, 10).Draw(t, "channels")
		for i := 0; i < n; i++ {
			name := rapid.StringMatching(`[a-z]{1,6}`).Draw(t, "name")
			s.Apply(ttproto.ChannelAdded{ID: i + 2, Path: "/known/" + name, Name: name})
		}

		path := rapid.StringMatching(`/other/[a-z0-9]{0,10}`).Draw(t, "path")
		if got := s.ResolveChannelID(path); got != RootChannelID {
			t.Fatalf("ResolveChannelID(%q) = %d, want %d", path, got, RootChannelID)
		}
	})
}

// TestUserEventsRapid tests that moves and removes never create users
func TestUserEventsRapid(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		s := NewStore()
		model := map[int]int{} // user id -> channel id

		steps := rapid.IntRange(1, 60).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			id := rapid.IntRange(1, 8).Draw(t, "id")
			chanID := rapid.IntRange(1, 5).Draw(t, "chan")

			switch rapid.IntRange(0, 2).Draw(t, "op") {
			case 0:
				s.Apply(ttproto.UserAdded{ID: id, ChannelID: chanID, Nickname: "n", Username: "u"})
				model[id] = chanID
			case 1:
				s.Apply(ttproto.UserRemoved{ID: id})
				delete(model, id)
			case 2:
				s.Apply(ttproto.UserMoved{ID: id, ChannelID: chanID})
				if _, ok := model[id]; ok {
					model[id] = chanID
				}
			}
		}

		if s.UserCount() != len(model) {
			t.Fatalf("%d users, model has %d", s.UserCount(), len(model))
		}
		for id, chanID := range model {
			u, ok := s.User(id)
			if !ok || u.ChannelID != chanID {
				t.Fatalf("user %d: got %+v (%v), want channel %d", id, u, ok, chanID)
			}
		}
	})
}
