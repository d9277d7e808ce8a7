package acl

import (
	"fmt"
	"strings"
)

// Level is a capability tier. Levels are totally ordered: a session holding
// level L may call every operation whose required level is at most L.
type Level int

const (
	Viewer Level = iota + 1
	Editor
	Admin
)

// Lowest and Highest bound the order. Highest is granted to callers without
// a session (trusted local transports).
const (
	Lowest  = Viewer
	Highest = Admin
)

// Levels lists all levels in ascending order.
var Levels = []Level{Viewer, Editor, Admin}

func (l Level) String() string {
	switch l {
	case Viewer:
		return "viewer"
	case Editor:
		return "editor"
	case Admin:
		return "admin"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// Valid reports whether l is one of the defined levels.
func (l Level) Valid() bool {
	return l >= Lowest && l <= Highest
}

// Allows reports whether a caller at level l may call an operation that
// requires level required.
func (l Level) Allows(required Level) bool {
	return l >= required
}

// ParseLevel parses a level name, case-insensitively.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "viewer":
		return Viewer, nil
	case "editor":
		return Editor, nil
	case "admin":
		return Admin, nil
	}
	return 0, fmt.Errorf("unknown capability level %q (want viewer, editor or admin)", s)
}

func (l Level) MarshalText() ([]byte, error) {
	if !l.Valid() {
		return nil, fmt.Errorf("invalid capability level %d", int(l))
	}
	return []byte(l.String()), nil
}

func (l *Level) UnmarshalText(b []byte) error {
	v, err := ParseLevel(string(b))
	if err != nil {
		return err
	}
	*l = v
	return nil
}
