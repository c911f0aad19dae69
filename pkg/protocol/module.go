package protocol

import (
	"fmt"

	"ticktack/pkg/game"

	"github.com/fxamacker/cbor/v2"
)

const (
	// Client -> server
	SubmitOp int = iota
	// Server -> client
	WelcomeOp
	DeltaOp
	RejectionOp
	DroppedOp
	RoleChangeOp
	TerminationOp
)

// Submit carries one command payload to the session. Fire and forget:
// the only replies are deltas, rejections and drop notices.
type SubmitMessage struct {
	Op int // SubmitOp
	// Optional client sequence number; reused numbers are dropped.
	Seq     uint32
	Payload cbor.RawMessage
}

// Sent once on join: who the client is and the complete state at the
// current tick, so every later delta has something to apply to.
type WelcomeMessage struct {
	Op      int // WelcomeOp
	Session string
	ID      uint32
	Role    game.Role
	Tick    uint64
	State   cbor.RawMessage
}

// One tick's change, identical bytes for every connection.
type DeltaMessage struct {
	Op    int // DeltaOp
	Tick  uint64
	Delta cbor.RawMessage
}

// A command was refused; the game did not move. Only the issuer sees
// this.
type RejectionMessage struct {
	Op     int // RejectionOp
	Code   string
	Reason string
}

// A command was discarded before the game ever saw it.
type DroppedMessage struct {
	Op     int // DroppedOp
	Seq    uint32
	Reason string
}

// The receiving connection now holds a different role, after a
// spectator promotion.
type RoleChangeMessage struct {
	Op   int // RoleChangeOp
	Role game.Role
}

// The session is over; no further messages follow.
type TerminationMessage struct {
	Op     int // TerminationOp
	Reason string
}

type GenericMessage struct {
	Op int
}

// Decode peeks at the op and unmarshals the full message.
func Decode(data []byte) (any, error) {
	var generic GenericMessage
	if err := cbor.Unmarshal(data, &generic); err != nil {
		return nil, err
	}

	var message any
	switch generic.Op {
	case SubmitOp:
		message = &SubmitMessage{}
	case WelcomeOp:
		message = &WelcomeMessage{}
	case DeltaOp:
		message = &DeltaMessage{}
	case RejectionOp:
		message = &RejectionMessage{}
	case DroppedOp:
		message = &DroppedMessage{}
	case RoleChangeOp:
		message = &RoleChangeMessage{}
	case TerminationOp:
		message = &TerminationMessage{}
	default:
		return nil, fmt.Errorf("unknown op %d", generic.Op)
	}

	if err := cbor.Unmarshal(data, message); err != nil {
		return nil, err
	}
	return message, nil
}
