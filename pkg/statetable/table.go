// Package statetable parses the textual state-transition tables that define
// task types.
//
// A table is a list of state blocks:
//
//	# comments run to the end of the line
//	start {
//	    *        wait
//	}
//	wait:check {
//	    ready    finish
//	    pending  wait   wait=5 exec=false
//	}
//
// Each rule maps a trigger to a target state. A trigger is a literal word,
// "*" (matches anything not matched by a literal rule) or "!" (matches step
// errors). Rules may be separated by newlines or commas. Options:
//
//	wait=N     delay before the target state runs (seconds, or a Go duration)
//	max=N      fail after more than N consecutive firings of the rule
//	exec=BOOL  exec=false defers the target's logic to the next step
//
// "start" must be declared. "finish" is always defined and terminal; it may
// be declared without rules. "failure", when declared, receives unmatched
// triggers and exhausted retries.
package statetable

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Reserved state names and triggers.
const (
	StateStart   = "start"
	StateFinish  = "finish"
	StateFailure = "failure"

	TriggerAny   = "*"
	TriggerError = "!"
)

// Rule is one trigger -> target transition of a state.
type Rule struct {
	Trigger string
	Target  string
	Wait    time.Duration
	Max     int
	Exec    bool
}

// State is one block of a table.
type State struct {
	Name             string
	TransitionMethod string
	Rules            []Rule

	// Line is where the state header appeared; 0 for the implicit finish state.
	Line int
}

// Terminal reports whether reaching the state completes the task.
func (s *State) Terminal() bool {
	return s.Name == StateFinish || len(s.Rules) == 0
}

// Match returns the rule selected by trigger: the first literal match in
// declaration order, otherwise the first "*" rule. A "!" rule only matches
// the "!" trigger. It returns nil when nothing matches.
func (s *State) Match(trigger string) *Rule {
	var wildcard *Rule
	for i := range s.Rules {
		r := &s.Rules[i]
		switch r.Trigger {
		case trigger:
			return r
		case TriggerAny:
			if wildcard == nil {
				wildcard = r
			}
		}
	}
	return wildcard
}

// Table is an immutable parsed state table. It is safe to share between
// goroutines.
type Table struct {
	Name   string
	States map[string]*State

	// Order lists declared states in source order.
	Order []string
}

// State returns the named state or nil.
func (t *Table) State(name string) *State {
	return t.States[name]
}

// HasFailure reports whether a failure state is declared.
func (t *Table) HasFailure() bool {
	_, ok := t.States[StateFailure]
	return ok
}

// Methods returns the transition method names declared in the table, in
// source order and without duplicates.
func (t *Table) Methods() []string {
	seen := make(map[string]bool)
	var out []string
	for _, name := range t.Order {
		m := t.States[name].TransitionMethod
		if m != "" && !seen[m] {
			seen[m] = true
			out = append(out, m)
		}
	}
	return out
}

// String renders the table in canonical form. Parsing the result yields a
// table that is Equal to t.
func (t *Table) String() string {
	var b strings.Builder
	for i, name := range t.Order {
		st := t.States[name]
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(st.Name)
		if st.TransitionMethod != "" {
			b.WriteString(":")
			b.WriteString(st.TransitionMethod)
		}
		b.WriteString(" {\n")
		for _, r := range st.Rules {
			b.WriteString("    ")
			b.WriteString(r.Trigger)
			b.WriteString(" ")
			b.WriteString(r.Target)
			if r.Wait > 0 {
				b.WriteString(" wait=")
				b.WriteString(formatWait(r.Wait))
			}
			if r.Max > 0 {
				b.WriteString(" max=")
				b.WriteString(strconv.Itoa(r.Max))
			}
			if !r.Exec {
				b.WriteString(" exec=false")
			}
			b.WriteString("\n")
		}
		b.WriteString("}\n")
	}
	return b.String()
}

// Equal reports whether two tables describe the same graph. Source line
// numbers and the table name are ignored.
func (t *Table) Equal(o *Table) bool {
	if t == nil || o == nil {
		return t == o
	}
	if len(t.States) != len(o.States) || len(t.Order) != len(o.Order) {
		return false
	}
	for i := range t.Order {
		if t.Order[i] != o.Order[i] {
			return false
		}
	}
	for name, a := range t.States {
		b, ok := o.States[name]
		if !ok || a.TransitionMethod != b.TransitionMethod || len(a.Rules) != len(b.Rules) {
			return false
		}
		for i := range a.Rules {
			if a.Rules[i] != b.Rules[i] {
				return false
			}
		}
	}
	return true
}

func formatWait(d time.Duration) string {
	if d%time.Second == 0 {
		return strconv.FormatInt(int64(d/time.Second), 10)
	}
	return d.String()
}

func (r Rule) String() string {
	return fmt.Sprintf("%s -> %s", r.Trigger, r.Target)
}
