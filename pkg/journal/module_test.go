package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"ticktack/pkg/game"
	"ticktack/pkg/session"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type tallyState struct {
	Count int
}

type tallyRules struct{}

var _ game.Rules = tallyRules{}

func (tallyRules) Name() string            { return "tally" }
func (tallyRules) Init() game.State        { return tallyState{} }
func (tallyRules) Interval() time.Duration { return 0 }

func (tallyRules) Turn(game.State) game.Role { return game.RoleNone }

func (tallyRules) Apply(
	prev game.State,
	batch []game.Command,
) (game.State, game.Delta, error) {
	state := prev.(tallyState)
	state.Count += len(batch)
	return state, tallyState{Count: state.Count}, nil
}

type silentConn struct {
	id uint32
}

var _ session.Connection = (*silentConn)(nil)

func (c *silentConn) ID() uint32          { return c.id }
func (c *silentConn) Send(data []byte)    {}
func (c *silentConn) Close(reason string) {}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, time.Second, time.Millisecond)
}

func TestArchive(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	db, err := InitDB(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	archive := New(ctx, db, nil)

	config := session.DefaultConfig()
	config.KeyframeEvery = 2
	sess := session.New(ctx, "lobby", tallyRules{}, config)
	go sess.Poll(sess.Ctx())
	archive.Watch(sess)

	_, err = sess.Join(ctx, &silentConn{id: 1})
	require.NoError(t, err)

	payload, err := cbor.Marshal("move")
	require.NoError(t, err)
	sess.Submit(1, 1, payload)
	sess.Submit(1, 2, payload)
	waitFor(t, func() bool { return sess.Tick() == 2 })

	sess.Stop("done")
	waitFor(t, sess.IsDone)

	// The recorder drains asynchronously; wait for the closed match.
	waitFor(t, func() bool {
		match, _, err := archive.History(sess.ID())
		return err == nil && match.EndedAt != nil
	})

	match, ticks, err := archive.History(sess.ID())
	require.NoError(t, err)
	assert.Equal(t, sess.ID(), match.SessionID)
	assert.Equal(t, "lobby", match.Entry)
	assert.Equal(t, "tally", match.Ruleset)
	assert.Equal(t, "closed", match.Reason)

	require.Len(t, ticks, 2)
	assert.Equal(t, uint64(1), ticks[0].Number)
	assert.Equal(t, uint64(2), ticks[1].Number)
	assert.NotEmpty(t, ticks[0].Delta)
	assert.Empty(t, ticks[0].State)

	// Tick two was a keyframe, so the snapshot is queryable.
	var state tallyState
	require.NoError(t, cbor.Unmarshal(ticks[1].State, &state))
	assert.Equal(t, 2, state.Count)

	matches, err := archive.Matches(10)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, sess.ID(), matches[0].SessionID)
}

func TestNoStores(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	archive := New(ctx, nil, nil)

	// Watching still works; there is just nowhere to write.
	sess := session.New(ctx, "lobby", tallyRules{}, session.DefaultConfig())
	go sess.Poll(sess.Ctx())
	archive.Watch(sess)

	_, err := sess.Join(ctx, &silentConn{id: 1})
	require.NoError(t, err)

	payload, err := cbor.Marshal("move")
	require.NoError(t, err)
	sess.Submit(1, 1, payload)
	waitFor(t, func() bool { return sess.Tick() == 1 })

	_, _, err = archive.History(sess.ID())
	assert.ErrorIs(t, err, ErrNoArchive)

	_, err = archive.Matches(10)
	assert.ErrorIs(t, err, ErrNoArchive)

	data, err := archive.Latest(ctx, sess.ID())
	assert.NoError(t, err)
	assert.Nil(t, data)
}
