package oxo

import (
	"fmt"
)

// Delta change kinds.
const (
	SettingsChange int = iota
	StartChange
	PlaceChange
	ResetChange
)

// Change is the effect of one applied command. SettingsChange snapshots
// the lobby settings after the edit; PlaceChange names the cell the
// piece ended up in, which with gravity on is not the cell that was
// asked for.
type Change struct {
	Kind    int
	Size    int
	Win     int
	Gravity *bool
	Team    Team
	Col     int
	Row     int
	Winner  *WinLine
}

// Delta bundles the changes of a single tick, in execution order.
type Delta struct {
	Changes []Change
}

// settings captures the current lobby settings as a change.
func (s *State) settings() Change {
	return Change{
		Kind:    SettingsChange,
		Size:    s.Size,
		Win:     s.Win,
		Gravity: copyBool(s.Gravity),
	}
}

// Advance applies a delta to the state it was produced from and yields
// the following state, bit for bit the one the ruleset computed.
func Advance(prev State, delta Delta) (State, error) {
	next := prev.clone()
	for _, change := range delta.Changes {
		if err := next.shift(change); err != nil {
			return State{}, err
		}
	}
	return next, nil
}

func (s *State) shift(change Change) error {
	switch change.Kind {
	case SettingsChange:
		s.Size = change.Size
		s.Win = change.Win
		s.Gravity = copyBool(change.Gravity)
	case StartChange:
		if s.Size == 0 || s.Win == 0 || s.Gravity == nil {
			return fmt.Errorf("start before settings")
		}
		s.deal()
	case PlaceChange:
		if s.Phase != PhasePlay {
			return fmt.Errorf("place before start")
		}
		s.Grid[change.Col][change.Row] = change.Team
		s.Winner = cloneWin(change.Winner)
		s.Turn = s.Turn.Other()
	case ResetChange:
		if s.Phase != PhasePlay {
			return fmt.Errorf("reset before start")
		}
		s.deal()
	default:
		return fmt.Errorf("unknown change kind %d", change.Kind)
	}
	return nil
}
