// Package oxo is naughts and crosses on an N by N grid, won by lining up
// K pieces in any direction. With gravity on it plays like a drop game:
// pieces fall to the lowest open cell of the chosen column. Every game
// opens in a lobby phase where either player picks the settings, then
// start deals the board.
package oxo

import (
	"fmt"
	"time"

	"ticktack/pkg/game"

	"github.com/fxamacker/cbor/v2"
)

// Team marks cell ownership. Crosses belongs to player1, naughts to
// player2, and naughts always opens.
type Team int8

const (
	TeamNone Team = iota
	TeamCrosses
	TeamNaughts
)

func (t Team) String() string {
	switch t {
	case TeamCrosses:
		return "crosses"
	case TeamNaughts:
		return "naughts"
	}
	return "none"
}

func (t Team) Role() game.Role {
	switch t {
	case TeamCrosses:
		return game.RolePlayer1
	case TeamNaughts:
		return game.RolePlayer2
	}
	return game.RoleNone
}

func (t Team) Other() Team {
	switch t {
	case TeamCrosses:
		return TeamNaughts
	case TeamNaughts:
		return TeamCrosses
	}
	return TeamNone
}

func TeamFor(role game.Role) Team {
	switch role {
	case game.RolePlayer1:
		return TeamCrosses
	case game.RolePlayer2:
		return TeamNaughts
	}
	return TeamNone
}

const (
	PhaseLobby int = iota
	PhasePlay
)

// Bounds for the lobby settings.
const (
	MinSize = 1
	MaxSize = 32
	MinWin  = 1
	MaxWin  = 32
)

type Cell struct {
	Col int
	Row int
}

// WinLine is the run of cells that ended the game, from one end to the
// other through the final placement.
type WinLine struct {
	Team Team
	From Cell
	To   Cell
}

// State holds a full game. Size, Win and Gravity stay unset until the
// lobby chooses them; Grid exists only once the game has been dealt.
type State struct {
	Phase   int
	Size    int
	Win     int
	Gravity *bool
	Turn    Team
	Grid    [][]Team // Grid[col][row]; TeamNone is empty
	Winner  *WinLine
}

// Command payload ops.
const (
	PlaceOp int = iota
	RestartOp
	StartOp
	SizeOp
	WinOp
	GravityOp
)

// Move is the command payload for this ruleset. Col and Row matter to
// PlaceOp, N to SizeOp and WinOp, On to GravityOp.
type Move struct {
	Op  int
	Col int
	Row int
	N   int
	On  bool
}

func (m Move) Payload() cbor.RawMessage {
	data, _ := cbor.Marshal(m)
	return data
}

// Command wraps the move into a ready-to-submit command.
func (m Move) Command(role game.Role) game.Command {
	return game.Command{Role: role, Payload: m.Payload()}
}

func Place(col int, row int) Move { return Move{Op: PlaceOp, Col: col, Row: row} }
func Restart() Move               { return Move{Op: RestartOp} }
func Start() Move                 { return Move{Op: StartOp} }
func Size(n int) Move             { return Move{Op: SizeOp, N: n} }
func WinCondition(n int) Move     { return Move{Op: WinOp, N: n} }
func Gravity(on bool) Move        { return Move{Op: GravityOp, On: on} }

type rules struct{}

var _ game.Rules = rules{}

func New() game.Rules {
	return rules{}
}

func (r rules) Name() string {
	return "oxo"
}

func (r rules) Init() game.State {
	return State{Phase: PhaseLobby}
}

func (r rules) Interval() time.Duration {
	return 0
}

func (r rules) Turn(state game.State) game.Role {
	s, ok := state.(State)
	if !ok {
		return game.RoleNone
	}
	// Lobby settings and post-game restarts are open to both players.
	if s.Phase != PhasePlay || s.Winner != nil {
		return game.RoleNone
	}
	return s.Turn.Role()
}

func (r rules) Apply(prev game.State, batch []game.Command) (game.State, game.Delta, error) {
	s, ok := prev.(State)
	if !ok {
		return nil, nil, fmt.Errorf("unexpected state type %T", prev)
	}

	next := s.clone()
	delta := Delta{}
	for _, cmd := range batch {
		change, err := next.exec(cmd)
		if err != nil {
			return nil, nil, err
		}
		delta.Changes = append(delta.Changes, change)
	}

	return next, delta, nil
}

func (s *State) exec(cmd game.Command) (Change, error) {
	team := TeamFor(cmd.Role)
	if team == TeamNone {
		return Change{}, game.Rejectf(cmd.Role, game.RejectNotAuthorized, "only players move")
	}

	var move Move
	if err := cbor.Unmarshal(cmd.Payload, &move); err != nil {
		return Change{}, game.Rejectf(cmd.Role, game.RejectBadCommand, "unreadable move")
	}

	switch move.Op {
	case SizeOp:
		return s.setSize(cmd.Role, move.N)
	case WinOp:
		return s.setWin(cmd.Role, move.N)
	case GravityOp:
		return s.setGravity(cmd.Role, move.On)
	case StartOp:
		return s.start(cmd.Role)
	case PlaceOp:
		return s.place(cmd.Role, team, move.Col, move.Row)
	case RestartOp:
		return s.restart(cmd.Role)
	}

	return Change{}, game.Rejectf(cmd.Role, game.RejectBadCommand, "unknown op %d", move.Op)
}

func (s *State) setSize(role game.Role, n int) (Change, error) {
	if s.Phase != PhaseLobby {
		return Change{}, game.Rejectf(role, game.RejectBadCommand, "game already started")
	}
	if n < MinSize || n > MaxSize {
		return Change{}, game.Rejectf(role, game.RejectBadCommand, "grid size %d out of range", n)
	}
	s.Size = n
	return s.settings(), nil
}

func (s *State) setWin(role game.Role, n int) (Change, error) {
	if s.Phase != PhaseLobby {
		return Change{}, game.Rejectf(role, game.RejectBadCommand, "game already started")
	}
	if n < MinWin || n > MaxWin {
		return Change{}, game.Rejectf(role, game.RejectBadCommand, "win condition %d out of range", n)
	}
	s.Win = n
	return s.settings(), nil
}

func (s *State) setGravity(role game.Role, on bool) (Change, error) {
	if s.Phase != PhaseLobby {
		return Change{}, game.Rejectf(role, game.RejectBadCommand, "game already started")
	}
	s.Gravity = &on
	return s.settings(), nil
}

func (s *State) start(role game.Role) (Change, error) {
	if s.Phase != PhaseLobby {
		return Change{}, game.Rejectf(role, game.RejectBadCommand, "game already started")
	}
	if s.Size == 0 || s.Win == 0 || s.Gravity == nil {
		return Change{}, game.Rejectf(role, game.RejectBadCommand, "settings incomplete")
	}
	s.deal()
	return Change{Kind: StartChange}, nil
}

func (s *State) restart(role game.Role) (Change, error) {
	if s.Phase != PhasePlay {
		return Change{}, game.Rejectf(role, game.RejectBadCommand, "game not started")
	}
	s.deal()
	return Change{Kind: ResetChange}, nil
}

func (s *State) place(role game.Role, team Team, col int, row int) (Change, error) {
	if s.Phase != PhasePlay {
		return Change{}, game.Rejectf(role, game.RejectBadCommand, "game not started")
	}
	if s.Winner != nil {
		return Change{}, game.Rejectf(role, game.RejectGameOver, "game is over")
	}
	if team != s.Turn {
		return Change{}, game.Rejectf(role, game.RejectNotYourTurn, "%s to move", s.Turn)
	}
	if col < 0 || col >= s.Size {
		return Change{}, game.Rejectf(role, game.RejectBadCommand, "column %d out of bounds", col)
	}

	if *s.Gravity {
		// The piece drops to the lowest open cell; the requested row is
		// irrelevant. A full column is not a move.
		if s.Grid[col][0] != TeamNone {
			return Change{}, game.Rejectf(role, game.RejectBadCommand, "column %d is full", col)
		}
		for i := len(s.Grid[col]) - 1; i >= 0; i-- {
			if s.Grid[col][i] == TeamNone {
				row = i
				break
			}
		}
	} else {
		if row < 0 || row >= s.Size {
			return Change{}, game.Rejectf(role, game.RejectBadCommand, "cell %d,%d out of bounds", col, row)
		}
		if s.Grid[col][row] != TeamNone {
			return Change{}, game.Rejectf(role, game.RejectBadCommand, "cell %d,%d is taken", col, row)
		}
	}

	s.Grid[col][row] = team
	winner := s.throughline(team, col, row)
	s.Winner = cloneWin(winner)
	s.Turn = s.Turn.Other()

	return Change{Kind: PlaceChange, Team: team, Col: col, Row: row, Winner: winner}, nil
}

// deal opens the board with the settings already in place.
func (s *State) deal() {
	s.Phase = PhasePlay
	s.Turn = TeamNaughts
	s.Winner = nil
	s.Grid = make([][]Team, s.Size)
	for i := range s.Grid {
		s.Grid[i] = make([]Team, s.Size)
	}
}

// The four lines through a cell, as forward and backward direction
// pairs. Order matters: the first line long enough to win is the one
// reported.
var lines = [4][2][2]int{
	{{1, 0}, {-1, 0}},
	{{0, 1}, {0, -1}},
	{{1, 1}, {-1, -1}},
	{{-1, 1}, {1, -1}},
}

// throughline looks for a winning run through the cell just played:
// count out from it in both directions and include the cell itself.
func (s *State) throughline(team Team, col int, row int) *WinLine {
	for _, line := range lines {
		forward, backward := line[0], line[1]
		forwardCount := s.run(col, row, forward[0], forward[1], team)
		backwardCount := s.run(col, row, backward[0], backward[1], team)
		if forwardCount+backwardCount+1 < s.Win {
			continue
		}
		return &WinLine{
			Team: team,
			From: Cell{
				Col: col + forward[0]*forwardCount,
				Row: row + forward[1]*forwardCount,
			},
			To: Cell{
				Col: col + backward[0]*backwardCount,
				Row: row + backward[1]*backwardCount,
			},
		}
	}
	return nil
}

// run counts this team's unbroken pieces along a direction, not counting
// the starting cell.
func (s *State) run(col int, row int, dx int, dy int, team Team) int {
	count := 0
	for {
		col += dx
		row += dy
		if col < 0 || col >= s.Size || row < 0 || row >= s.Size {
			return count
		}
		if s.Grid[col][row] != team {
			return count
		}
		count++
	}
}

func (s State) clone() State {
	next := s
	if s.Grid != nil {
		next.Grid = make([][]Team, len(s.Grid))
		for i, col := range s.Grid {
			next.Grid[i] = append([]Team(nil), col...)
		}
	}
	next.Gravity = copyBool(s.Gravity)
	next.Winner = cloneWin(s.Winner)
	return next
}

func copyBool(b *bool) *bool {
	if b == nil {
		return nil
	}
	v := *b
	return &v
}

func cloneWin(win *WinLine) *WinLine {
	if win == nil {
		return nil
	}
	w := *win
	return &w
}
