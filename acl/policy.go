package acl

import (
	"fmt"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
)

// Policy maps operation names to the minimum level required to call them.
// Keys may be exact names or doublestar patterns such as "spotify-*-playlist".
// Operations matching nothing require Open.
type Policy struct {
	Open  Level
	exact map[string]Level
	globs []globRule
}

type globRule struct {
	pattern string
	level   Level
}

// NewPolicy builds a Policy. A zero open level means Lowest.
func NewPolicy(open Level, rules map[string]Level) (Policy, error) {
	if open == 0 {
		open = Lowest
	}
	if !open.Valid() {
		return Policy{}, fmt.Errorf("invalid open level %d", int(open))
	}
	p := Policy{Open: open, exact: make(map[string]Level, len(rules))}
	for op, lvl := range rules {
		if !lvl.Valid() {
			return Policy{}, fmt.Errorf("operation %q: invalid level %d", op, int(lvl))
		}
		if !hasMeta(op) {
			p.exact[op] = lvl
			continue
		}
		if !doublestar.ValidatePattern(op) {
			return Policy{}, fmt.Errorf("operation %q: invalid pattern", op)
		}
		p.globs = append(p.globs, globRule{pattern: op, level: lvl})
	}
	sort.Slice(p.globs, func(i, j int) bool { return p.globs[i].pattern < p.globs[j].pattern })
	return p, nil
}

// MustPolicy is NewPolicy for static tables; it panics on error.
func MustPolicy(open Level, rules map[string]Level) Policy {
	p, err := NewPolicy(open, rules)
	if err != nil {
		panic(err)
	}
	return p
}

// OpenPolicy returns a policy under which every operation requires Lowest.
func OpenPolicy() Policy {
	return Policy{Open: Lowest}
}

// Required returns the level needed for operation. An exact entry wins over
// patterns; among matching patterns the highest level wins.
func (p Policy) Required(operation string) Level {
	open := p.Open
	if open == 0 {
		open = Lowest
	}
	if lvl, ok := p.exact[operation]; ok {
		return lvl
	}
	var best Level
	for _, g := range p.globs {
		if ok, _ := doublestar.Match(g.pattern, operation); ok && g.level > best {
			best = g.level
		}
	}
	if best == 0 {
		return open
	}
	return best
}

// Rules returns the policy entries, patterns included.
func (p Policy) Rules() map[string]Level {
	out := make(map[string]Level, len(p.exact)+len(p.globs))
	for k, v := range p.exact {
		out[k] = v
	}
	for _, g := range p.globs {
		out[g.pattern] = g.level
	}
	return out
}

func hasMeta(s string) bool {
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '*', '?', '[', '{', '\\':
			return true
		}
	}
	return false
}
