package game

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/sasha-s/go-deadlock"
)

// Role identifies what a connection is allowed to do inside a session.
// Only the two player roles may issue commands; spectators just watch.
type Role int8

const (
	RoleNone Role = iota
	RolePlayer1
	RolePlayer2
	RoleSpectator
)

func (r Role) String() string {
	switch r {
	case RolePlayer1:
		return "player1"
	case RolePlayer2:
		return "player2"
	case RoleSpectator:
		return "spectator"
	}
	return "none"
}

func (r Role) IsPlayer() bool {
	return r == RolePlayer1 || r == RolePlayer2
}

// Opponent returns the other player role, or RoleNone for non-players.
func (r Role) Opponent() Role {
	switch r {
	case RolePlayer1:
		return RolePlayer2
	case RolePlayer2:
		return RolePlayer1
	}
	return RoleNone
}

// State is the complete, authoritative description of a game at a single
// tick. States are plain data: they round-trip through cbor, contain no
// maps (encoding order must be stable), and are only ever replaced, never
// mutated in place.
type State any

// Delta describes the change between two adjacent ticks. Applying the
// delta for tick n to the state at tick n yields the state at tick n+1
// exactly; rulesets ship their own application function so this can be
// checked.
type Delta any

// Command is a single player input. The payload encoding belongs to the
// ruleset; the layers in between never look inside it.
type Command struct {
	Role    Role
	Seq     uint32
	Payload cbor.RawMessage
}

// Rules implements the mechanics of one game. Implementations must be
// deterministic: identical inputs produce identical outputs on any
// machine, with no I/O and no knowledge of who is connected.
type Rules interface {
	// Name identifies the ruleset in configuration and logs.
	Name() string
	// Init returns the state for tick zero.
	Init() State
	// Apply advances the state by one tick using the given commands, in
	// order. A *Rejection refuses the whole batch without advancing; any
	// other error is fatal to the session hosting the game.
	Apply(prev State, batch []Command) (State, Delta, error)
	// Turn returns the role that must act next, or RoleNone when any
	// player may act.
	Turn(state State) Role
	// Interval returns the tick period for clock-driven games, or zero
	// when ticks happen as commands arrive.
	Interval() time.Duration
}

// Reject codes carried back to the issuing client. Rulesets may add
// their own; these are the ones the hosting layer produces or relies on.
const (
	RejectBadCommand     = "bad_command"
	RejectNotAuthorized  = "not_authorized"
	RejectNotYourTurn    = "not_your_turn"
	RejectAwaitingPlayer = "awaiting_player"
	RejectGameOver       = "game_over"
)

// Rejection refuses a command batch without advancing the game. It is
// the only error Apply can return that leaves the session alive.
type Rejection struct {
	Role   Role
	Code   string
	Reason string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("%s: %s", r.Code, r.Reason)
}

func Rejectf(role Role, code string, format string, args ...any) *Rejection {
	return &Rejection{
		Role:   role,
		Code:   code,
		Reason: fmt.Sprintf(format, args...),
	}
}

// AsRejection extracts the *Rejection from err, if there is one.
func AsRejection(err error) (*Rejection, bool) {
	var rejection *Rejection
	if errors.As(err, &rejection) {
		return rejection, true
	}
	return nil, false
}

type Factory func() Rules

var (
	factoryMutex deadlock.Mutex
	factories    = make(map[string]Factory)
)

// Register makes a ruleset available to New under the given name.
func Register(name string, factory Factory) {
	factoryMutex.Lock()
	factories[name] = factory
	factoryMutex.Unlock()
}

// New instantiates a registered ruleset.
func New(name string) (Rules, error) {
	factoryMutex.Lock()
	factory, ok := factories[name]
	factoryMutex.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown ruleset: %s", name)
	}
	return factory(), nil
}

// Names lists the registered rulesets in sorted order.
func Names() []string {
	factoryMutex.Lock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	factoryMutex.Unlock()

	sort.Strings(names)
	return names
}
