package game

import (
	"fmt"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countState struct {
	N int
}

type countRules struct{}

var _ Rules = countRules{}

func (c countRules) Name() string            { return "count" }
func (c countRules) Init() State             { return countState{} }
func (c countRules) Turn(state State) Role   { return RoleNone }
func (c countRules) Interval() time.Duration { return 0 }

func (c countRules) Apply(prev State, batch []Command) (State, Delta, error) {
	state := prev.(countState)
	for _, cmd := range batch {
		var op string
		if err := cbor.Unmarshal(cmd.Payload, &op); err != nil {
			return nil, nil, Rejectf(cmd.Role, RejectBadCommand, "bad payload")
		}

		switch op {
		case "reject":
			return nil, nil, Rejectf(cmd.Role, RejectBadCommand, "refused")
		case "fatal":
			return nil, nil, fmt.Errorf("blew up")
		}

		state.N++
	}
	return state, len(batch), nil
}

func payload(op string) cbor.RawMessage {
	data, _ := cbor.Marshal(op)
	return data
}

func TestRole(t *testing.T) {
	assert.True(t, RolePlayer1.IsPlayer())
	assert.True(t, RolePlayer2.IsPlayer())
	assert.False(t, RoleSpectator.IsPlayer())
	assert.False(t, RoleNone.IsPlayer())

	assert.Equal(t, RolePlayer2, RolePlayer1.Opponent())
	assert.Equal(t, RolePlayer1, RolePlayer2.Opponent())
	assert.Equal(t, RoleNone, RoleSpectator.Opponent())

	assert.Equal(t, "player1", RolePlayer1.String())
	assert.Equal(t, "spectator", RoleSpectator.String())
}

func TestRegistry(t *testing.T) {
	Register("count", func() Rules { return countRules{} })

	rules, err := New("count")
	require.NoError(t, err)
	assert.Equal(t, "count", rules.Name())

	_, err = New("missing")
	assert.Error(t, err)

	assert.Contains(t, Names(), "count")
}

func TestRejection(t *testing.T) {
	err := Rejectf(RolePlayer1, RejectBadCommand, "no cell %d", 3)

	rejection, ok := AsRejection(err)
	require.True(t, ok)
	assert.Equal(t, RolePlayer1, rejection.Role)
	assert.Equal(t, RejectBadCommand, rejection.Code)

	wrapped := fmt.Errorf("apply: %w", err)
	_, ok = AsRejection(wrapped)
	assert.True(t, ok)

	_, ok = AsRejection(fmt.Errorf("plain"))
	assert.False(t, ok)
}

func TestLocal(t *testing.T) {
	local := NewLocal(countRules{})
	assert.Equal(t, uint64(0), local.Tick())

	delta, err := local.Apply(Command{Role: RolePlayer1, Payload: payload("ok")})
	require.NoError(t, err)
	assert.Equal(t, 1, delta)
	assert.Equal(t, uint64(1), local.Tick())
	assert.Equal(t, countState{N: 1}, local.State())

	// A rejected batch leaves the game where it was.
	_, err = local.Apply(Command{Role: RolePlayer1, Payload: payload("reject")})
	require.Error(t, err)
	_, ok := AsRejection(err)
	assert.True(t, ok)
	assert.Equal(t, uint64(1), local.Tick())
	assert.Equal(t, countState{N: 1}, local.State())

	// Anything other than a rejection passes through untouched.
	_, err = local.Apply(Command{Role: RolePlayer1, Payload: payload("fatal")})
	require.Error(t, err)
	_, ok = AsRejection(err)
	assert.False(t, ok)
	assert.Equal(t, uint64(1), local.Tick())
}
