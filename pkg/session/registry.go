package session

import (
	"fmt"
	"sort"

	"ticktack/pkg/game"

	"github.com/sasha-s/go-deadlock"
)

// Connection is one peer attached to a session. Send must not block:
// implementations buffer and cut off peers that cannot keep up.
type Connection interface {
	ID() uint32
	Send(data []byte)
	Close(reason string)
}

type Status int8

const (
	StatusConnecting Status = iota
	StatusJoined
	StatusDisconnected
)

// Member tracks one connection's role and lifecycle inside a session.
type Member struct {
	Conn   Connection
	Role   game.Role
	Status Status
	// Join sequence; promotion picks the longest-waiting spectator.
	order uint64
}

// Registry owns role assignment: at most one live connection per player
// role, sealing on the second player, spectator promotion when a player
// leaves. Everything here is serialized through the session loop; the
// mutex only protects the read-side helpers.
type Registry struct {
	mutex   deadlock.Mutex
	members map[uint32]*Member
	sealed  bool
	counter uint64
}

func NewRegistry() *Registry {
	return &Registry{
		members: make(map[uint32]*Member),
	}
}

// Join admits a connection and assigns its role: the lowest free player
// seat while the session is open, the vacant seat of a sealed session
// when refill allows it, a spectator slot otherwise. Filling the second
// seat seals the session for good.
func (r *Registry) Join(conn Connection, allowRefill bool) (game.Role, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	id := conn.ID()
	if _, ok := r.members[id]; ok {
		return game.RoleNone, fmt.Errorf("connection %d already joined", id)
	}

	member := &Member{
		Conn:   conn,
		Status: StatusConnecting,
	}

	role := game.RoleSpectator
	if vacant := r.vacant(); vacant != game.RoleNone {
		if !r.sealed {
			role = vacant
			if r.holder(role.Opponent()) != nil {
				r.sealed = true
			}
		} else if allowRefill {
			role = vacant
		}
	}

	r.counter++
	member.order = r.counter
	member.Role = role
	member.Status = StatusJoined
	r.members[id] = member

	return role, nil
}

// Leave removes a connection. When a player leaves, the earliest-joined
// spectator is promoted into the freed seat in the same step; the
// promoted member is returned so the caller can tell them.
func (r *Registry) Leave(id uint32) (member *Member, promoted *Member) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	member, ok := r.members[id]
	if !ok {
		return nil, nil
	}

	member.Status = StatusDisconnected
	delete(r.members, id)

	if !member.Role.IsPlayer() {
		return member, nil
	}

	for _, candidate := range r.members {
		if candidate.Role != game.RoleSpectator {
			continue
		}
		if promoted == nil || candidate.order < promoted.order {
			promoted = candidate
		}
	}
	if promoted != nil {
		promoted.Role = member.Role
	}

	return member, promoted
}

func (r *Registry) Get(id uint32) (*Member, bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	member, ok := r.members[id]
	return member, ok
}

// Holder returns the live connection holding a player role.
func (r *Registry) Holder(role game.Role) *Member {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	return r.holder(role)
}

func (r *Registry) holder(role game.Role) *Member {
	for _, member := range r.members {
		if member.Role == role {
			return member
		}
	}
	return nil
}

// Vacant returns the lowest player seat with nobody in it, or RoleNone.
func (r *Registry) Vacant() game.Role {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	return r.vacant()
}

func (r *Registry) vacant() game.Role {
	if r.holder(game.RolePlayer1) == nil {
		return game.RolePlayer1
	}
	if r.holder(game.RolePlayer2) == nil {
		return game.RolePlayer2
	}
	return game.RoleNone
}

func (r *Registry) Sealed() bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	return r.sealed
}

func (r *Registry) Count() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	return len(r.members)
}

// Snapshot lists the live members in join order. Broadcasts iterate a
// snapshot so a join landing mid-broadcast cannot change the set.
func (r *Registry) Snapshot() []*Member {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	members := make([]*Member, 0, len(r.members))
	for _, member := range r.members {
		members = append(members, member)
	}
	sort.Slice(members, func(i, j int) bool {
		return members[i].order < members[j].order
	})
	return members
}
