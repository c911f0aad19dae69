package session

import (
	"sync"
	"testing"

	"ticktack/pkg/game"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryRoles(t *testing.T) {
	registry := NewRegistry()

	role, err := registry.Join(newFakeConn(1), true)
	require.NoError(t, err)
	assert.Equal(t, game.RolePlayer1, role)
	assert.False(t, registry.Sealed())
	assert.Equal(t, game.RolePlayer2, registry.Vacant())

	role, err = registry.Join(newFakeConn(2), true)
	require.NoError(t, err)
	assert.Equal(t, game.RolePlayer2, role)
	assert.True(t, registry.Sealed())
	assert.Equal(t, game.RoleNone, registry.Vacant())

	role, err = registry.Join(newFakeConn(3), true)
	require.NoError(t, err)
	assert.Equal(t, game.RoleSpectator, role)
	assert.Equal(t, 3, registry.Count())

	_, err = registry.Join(newFakeConn(3), true)
	assert.Error(t, err)

	member, ok := registry.Get(2)
	require.True(t, ok)
	assert.Equal(t, game.RolePlayer2, member.Role)
	assert.Equal(t, StatusJoined, member.Status)

	holder := registry.Holder(game.RolePlayer1)
	require.NotNil(t, holder)
	assert.Equal(t, uint32(1), holder.Conn.ID())
}

func TestRegistryLowestSeatFirst(t *testing.T) {
	registry := NewRegistry()

	_, err := registry.Join(newFakeConn(1), true)
	require.NoError(t, err)

	// The first player leaving before a second arrives reopens seat one.
	member, promoted := registry.Leave(1)
	require.NotNil(t, member)
	assert.Nil(t, promoted)
	assert.Equal(t, StatusDisconnected, member.Status)
	assert.Equal(t, 0, registry.Count())

	role, err := registry.Join(newFakeConn(2), true)
	require.NoError(t, err)
	assert.Equal(t, game.RolePlayer1, role)
}

func TestRegistryRefill(t *testing.T) {
	registry := NewRegistry()

	_, err := registry.Join(newFakeConn(1), true)
	require.NoError(t, err)
	_, err = registry.Join(newFakeConn(2), true)
	require.NoError(t, err)
	require.True(t, registry.Sealed())

	registry.Leave(1)

	// Sealing survives the vacancy; a refill joiner takes the seat.
	assert.True(t, registry.Sealed())
	role, err := registry.Join(newFakeConn(3), true)
	require.NoError(t, err)
	assert.Equal(t, game.RolePlayer1, role)

	role, err = registry.Join(newFakeConn(4), true)
	require.NoError(t, err)
	assert.Equal(t, game.RoleSpectator, role)
}

func TestRegistryNoRefill(t *testing.T) {
	registry := NewRegistry()

	for id := uint32(1); id <= 2; id++ {
		_, err := registry.Join(newFakeConn(id), false)
		require.NoError(t, err)
	}
	registry.Leave(1)

	// With refill off a sealed session only watches new arrivals.
	role, err := registry.Join(newFakeConn(3), false)
	require.NoError(t, err)
	assert.Equal(t, game.RoleSpectator, role)
	assert.Equal(t, game.RolePlayer1, registry.Vacant())
}

func TestRegistryPromotion(t *testing.T) {
	registry := NewRegistry()

	for id := uint32(1); id <= 4; id++ {
		_, err := registry.Join(newFakeConn(id), true)
		require.NoError(t, err)
	}

	// Spectators are promoted in the order they arrived.
	member, promoted := registry.Leave(2)
	require.NotNil(t, member)
	assert.Equal(t, game.RolePlayer2, member.Role)
	require.NotNil(t, promoted)
	assert.Equal(t, uint32(3), promoted.Conn.ID())
	assert.Equal(t, game.RolePlayer2, promoted.Role)
	assert.Equal(t, game.RoleNone, registry.Vacant())

	_, promoted = registry.Leave(1)
	require.NotNil(t, promoted)
	assert.Equal(t, uint32(4), promoted.Conn.ID())
	assert.Equal(t, game.RolePlayer1, promoted.Role)

	_, ok := registry.Get(2)
	assert.False(t, ok)
	assert.Equal(t, 2, registry.Count())
}

func TestRegistrySnapshot(t *testing.T) {
	registry := NewRegistry()

	for id := uint32(1); id <= 3; id++ {
		_, err := registry.Join(newFakeConn(id), true)
		require.NoError(t, err)
	}

	ids := func() []uint32 {
		var out []uint32
		for _, member := range registry.Snapshot() {
			out = append(out, member.Conn.ID())
		}
		return out
	}

	assert.Equal(t, []uint32{1, 2, 3}, ids())

	registry.Leave(2)
	assert.Equal(t, []uint32{1, 3}, ids())
}

func TestRegistryConcurrentJoin(t *testing.T) {
	registry := NewRegistry()

	const peers = 16
	var group sync.WaitGroup
	roles := make([]game.Role, peers)
	errs := make([]error, peers)

	for i := 0; i < peers; i++ {
		group.Add(1)
		go func(i int) {
			defer group.Done()
			roles[i], errs[i] = registry.Join(newFakeConn(uint32(i+1)), true)
		}(i)
	}
	group.Wait()

	counts := make(map[game.Role]int)
	for i := 0; i < peers; i++ {
		require.NoError(t, errs[i])
		counts[roles[i]]++
	}

	// However the joins interleave, each seat is handed out exactly once.
	assert.Equal(t, 1, counts[game.RolePlayer1])
	assert.Equal(t, 1, counts[game.RolePlayer2])
	assert.Equal(t, peers-2, counts[game.RoleSpectator])
	assert.True(t, registry.Sealed())
}
