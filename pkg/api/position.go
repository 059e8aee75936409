package api

import (
	"fmt"
	"strconv"
	"strings"
)

// ElseBranch is the reserved child index naming the Else branch of an If
// step or the Default branch of a Switch step, where no positive branch
// index applies.
const ElseBranch = -1

// Position addresses one node in a step tree as a path of indexes:
// the first element indexes the root step list, each following element
// indexes into the branch / case / item / parallel-branch list chosen
// by the step at the previous level.
//
// Position is the sole resumption cursor: a FlowDefinition, a State and
// a Position are sufficient to continue execution deterministically
// after a crash or an awaited event.
//
// Positions are immutable values. WithChild returns a new Position and
// never aliases the receiver's backing array.
type Position struct {
	path []int
}

// RootPosition is the empty position: execution starts at the first
// step of the root list.
func RootPosition() Position {
	return Position{}
}

// NewPosition builds a Position from explicit path elements.
func NewPosition(path ...int) Position {
	if len(path) == 0 {
		return Position{}
	}
	p := make([]int, len(path))
	copy(p, path)
	return Position{path: p}
}

// WithChild returns a new Position one level deeper, selecting child i.
func (p Position) WithChild(i int) Position {
	child := make([]int, len(p.path)+1)
	copy(child, p.path)
	child[len(p.path)] = i
	return Position{path: child}
}

// Parent returns the position one level up and true, or the receiver
// and false if the position is already the root.
func (p Position) Parent() (Position, bool) {
	if len(p.path) == 0 {
		return p, false
	}
	return NewPosition(p.path[:len(p.path)-1]...), true
}

// Len is the depth of the position; zero for the root.
func (p Position) Len() int { return len(p.path) }

// At returns the path element at depth i.
func (p Position) At(i int) int { return p.path[i] }

// IsRoot reports whether the position is the empty root position.
func (p Position) IsRoot() bool { return len(p.path) == 0 }

// Equal reports structural equality: same length, same elements in order.
// A position is never equal to one of a different length, even when one
// is a prefix of the other.
func (p Position) Equal(o Position) bool {
	if len(p.path) != len(o.path) {
		return false
	}
	for i := range p.path {
		if p.path[i] != o.path[i] {
			return false
		}
	}
	return true
}

// HasPrefix reports whether prefix is a (possibly equal) prefix of p.
func (p Position) HasPrefix(prefix Position) bool {
	if len(prefix.path) > len(p.path) {
		return false
	}
	for i := range prefix.path {
		if p.path[i] != prefix.path[i] {
			return false
		}
	}
	return true
}

// Key renders the position as a stable string suitable for use as a
// map key or a persisted column value, e.g. "0.-1.2". The root position
// renders as "".
func (p Position) Key() string {
	if len(p.path) == 0 {
		return ""
	}
	parts := make([]string, len(p.path))
	for i, e := range p.path {
		parts[i] = strconv.Itoa(e)
	}
	return strings.Join(parts, ".")
}

func (p Position) String() string {
	return "[" + p.Key() + "]"
}

// ParsePosition is the inverse of Key. An empty string parses to the
// root position.
func ParsePosition(s string) (Position, error) {
	if s == "" {
		return Position{}, nil
	}
	parts := strings.Split(s, ".")
	path := make([]int, len(parts))
	for i, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil {
			return Position{}, fmt.Errorf("parse position %q: %w", s, err)
		}
		path[i] = n
	}
	return Position{path: path}, nil
}
