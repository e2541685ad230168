// Package game implements the 3x3 tic-tac-toe board that backs an accepted
// invitation: move legality, termination detection, resignation, and the
// textual move/board notation exchanged with clients.
package game

import (
	"fmt"
	"strings"
	"sync"

	"github.com/udisondev/jeux/internal/protocol"
)

// Cell values. cellEmpty is the zero value so a freshly allocated board
// starts empty without any explicit initialization.
type cell byte

const (
	cellEmpty cell = 0
	cellFirst cell = cell(protocol.RoleFirst)
	cellSecond cell = cell(protocol.RoleSecond)
)

func (c cell) rune() byte {
	switch c {
	case cellFirst:
		return 'X'
	case cellSecond:
		return 'O'
	default:
		return ' '
	}
}

// Move is an immutable description of one play: a role and a 1-9 cell
// number (left to right, top to bottom).
type Move struct {
	Role protocol.Role
	Cell int
}

// Game holds the mutable state of one in-progress or finished match. All
// fields are guarded by mu; the zero value is not usable, use New.
type Game struct {
	mu        sync.Mutex
	cells     [9]cell
	toMove    protocol.Role
	terminated bool
	winner    protocol.Role
}

// New returns a game in its initial state: empty board, FIRST to move.
func New() *Game {
	return &Game{toMove: protocol.RoleFirst}
}

// Terminated reports whether the game has ended, by either a line, a draw
// or a resignation.
func (g *Game) Terminated() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.terminated
}

// Winner returns the winning role, or RoleNone if the game is unfinished
// or ended in a draw.
func (g *Game) Winner() protocol.Role {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.winner
}

// ToMove returns the role whose turn it currently is. Resignation sets
// this to RoleNone; a natural termination (line or draw) leaves it at
// whichever role would have moved next, purely for rendering purposes.
func (g *Game) ToMove() protocol.Role {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.toMove
}

// Apply plays move against the board. It fails if the game has already
// terminated, if move.Role is not the role currently on the move, or if
// the target cell is already occupied.
func (g *Game) Apply(move Move) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.terminated {
		return fmt.Errorf("applying move: game has already terminated")
	}
	if move.Cell < 1 || move.Cell > 9 {
		return fmt.Errorf("applying move: cell %d out of range 1-9", move.Cell)
	}
	if move.Role != g.toMove {
		return fmt.Errorf("applying move: %s is not the player on move", move.Role)
	}
	idx := move.Cell - 1
	if g.cells[idx] != cellEmpty {
		return fmt.Errorf("applying move: cell %d is already occupied", move.Cell)
	}

	g.cells[idx] = cell(move.Role)
	g.toMove = move.Role.Other()
	g.checkTermination()
	return nil
}

// lines enumerates the eight ways to win: three rows, three columns, two
// diagonals, each given as board indices 0-8.
var lines = [8][3]int{
	{0, 1, 2}, {3, 4, 5}, {6, 7, 8},
	{0, 3, 6}, {1, 4, 7}, {2, 5, 8},
	{0, 4, 8}, {2, 4, 6},
}

// checkTermination must be called with mu held. It sets terminated and
// winner if the board now has three in a row, or no empty cells remain.
func (g *Game) checkTermination() {
	for _, line := range lines {
		a, b, c := g.cells[line[0]], g.cells[line[1]], g.cells[line[2]]
		if a != cellEmpty && a == b && b == c {
			g.terminated = true
			g.winner = protocol.Role(a)
			return
		}
	}
	for _, c := range g.cells {
		if c == cellEmpty {
			return
		}
	}
	g.terminated = true
	g.winner = protocol.RoleNone
}

// Resign ends the game in favor of role's opponent. It is an error if the
// game has already terminated.
func (g *Game) Resign(role protocol.Role) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.terminated {
		return fmt.Errorf("resigning: game has already terminated")
	}
	g.terminated = true
	g.toMove = protocol.RoleNone
	g.winner = role.Other()
	return nil
}

// ParseMove interprets str as a move by role. Two forms are accepted: a
// single digit '1'-'9' naming the cell, or the four-character form
// "<d><-<P>" where d is the cell digit and P is 'X' or 'O' and must name
// whichever role is currently on the move.
func (g *Game) ParseMove(role protocol.Role, str string) (Move, error) {
	switch len(str) {
	case 1:
		n, ok := digit(str[0])
		if !ok || n < 1 || n > 9 {
			return Move{}, fmt.Errorf("parsing move %q: not a digit 1-9", str)
		}
		return Move{Role: role, Cell: n}, nil

	case 4:
		if str[1] != '<' || str[2] != '-' {
			return Move{}, fmt.Errorf("parsing move %q: malformed separator", str)
		}
		n, ok := digit(str[0])
		if !ok || n < 1 || n > 9 {
			return Move{}, fmt.Errorf("parsing move %q: not a digit 1-9", str)
		}

		g.mu.Lock()
		toMove := g.toMove
		g.mu.Unlock()

		switch str[3] {
		case 'X':
			if toMove != protocol.RoleFirst {
				return Move{}, fmt.Errorf("parsing move %q: X is not the player on move", str)
			}
		case 'O':
			if toMove != protocol.RoleSecond {
				return Move{}, fmt.Errorf("parsing move %q: O is not the player on move", str)
			}
		default:
			return Move{}, fmt.Errorf("parsing move %q: unrecognized role %q", str, str[3])
		}
		return Move{Role: role, Cell: n}, nil

	default:
		return Move{}, fmt.Errorf("parsing move %q: not recognized", str)
	}
}

func digit(b byte) (int, bool) {
	if b < '0' || b > '9' {
		return 0, false
	}
	return int(b - '0'), true
}

// UnparseMove renders move in the single-digit form accepted by ParseMove.
func UnparseMove(move Move) string {
	return fmt.Sprintf("%d", move.Cell)
}

// Render returns the board as a fixed ASCII diagram: three rows of
// pipe-separated cells, '-----' row separators, and a trailing line
// naming the player on move.
func (g *Game) Render() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	var b strings.Builder
	for row := 0; row < 3; row++ {
		for col := 0; col < 3; col++ {
			if col > 0 {
				b.WriteByte('|')
			}
			b.WriteByte(g.cells[row*3+col].rune())
		}
		b.WriteByte('\n')
		if row < 2 {
			b.WriteString("-----\n")
		}
	}
	if g.toMove == protocol.RoleFirst {
		b.WriteString("X to move\n")
	} else {
		b.WriteString("O to move\n")
	}
	return b.String()
}
