package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"ticktack/pkg/game"
	"ticktack/pkg/game/oxo"
)

func mark(team oxo.Team) string {
	switch team {
	case oxo.TeamCrosses:
		return "X"
	case oxo.TeamNaughts:
		return "O"
	}
	return "."
}

func render(state oxo.State) string {
	var b strings.Builder
	for row := 0; row < state.Size; row++ {
		for col := 0; col < state.Size; col++ {
			if col > 0 {
				b.WriteString(" ")
			}
			b.WriteString(mark(state.Grid[col][row]))
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func parseMove(line string) (int, int, error) {
	fields := strings.Fields(line)
	switch len(fields) {
	case 1:
		col, err := strconv.Atoi(fields[0])
		if err != nil {
			return 0, 0, fmt.Errorf("not a number: %s", fields[0])
		}
		return col, 0, nil
	case 2:
		col, err := strconv.Atoi(fields[0])
		if err != nil {
			return 0, 0, fmt.Errorf("not a number: %s", fields[0])
		}
		row, err := strconv.Atoi(fields[1])
		if err != nil {
			return 0, 0, fmt.Errorf("not a number: %s", fields[1])
		}
		return col, row, nil
	}
	return 0, 0, fmt.Errorf("expected: column [row]")
}

// playCommand runs both seats of a game at one terminal, same rules as
// a hosted session.
func playCommand(size int, win int, gravity bool) error {
	local := game.NewLocal(oxo.New())

	_, err := local.Apply(
		oxo.Size(size).Command(game.RolePlayer1),
		oxo.WinCondition(win).Command(game.RolePlayer1),
		oxo.Gravity(gravity).Command(game.RolePlayer1),
		oxo.Start().Command(game.RolePlayer1),
	)
	if err != nil {
		return err
	}

	board := func() oxo.State {
		return local.State().(oxo.State)
	}

	fmt.Println(render(board()))

	scanner := bufio.NewScanner(os.Stdin)
	for {
		state := board()
		if state.Winner != nil {
			fmt.Printf("%s wins\n", mark(state.Winner.Team))
			return nil
		}

		if state.Gravity != nil && *state.Gravity {
			fmt.Printf("%s to move (column): ", mark(state.Turn))
		} else {
			fmt.Printf("%s to move (column row): ", mark(state.Turn))
		}

		if !scanner.Scan() {
			return scanner.Err()
		}

		col, row, err := parseMove(scanner.Text())
		if err != nil {
			fmt.Println(err)
			continue
		}

		_, err = local.Apply(oxo.Place(col, row).Command(state.Turn.Role()))
		if rejection, ok := game.AsRejection(err); ok {
			fmt.Println(rejection.Reason)
			continue
		}
		if err != nil {
			return err
		}

		fmt.Println(render(board()))
	}
}
