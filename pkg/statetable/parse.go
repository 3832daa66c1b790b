package statetable

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fsmawi/wip/pkg/api"
)

type tokenKind int

const (
	tokWord tokenKind = iota
	tokOpen
	tokClose
	tokSep
)

type token struct {
	kind tokenKind
	text string
	line int
}

// lex splits text into words, braces and separators. Newlines and commas
// are both separators; comments are dropped.
func lex(text string) []token {
	var toks []token
	for i, raw := range strings.Split(text, "\n") {
		line := i + 1
		if idx := strings.IndexByte(raw, '#'); idx >= 0 {
			raw = raw[:idx]
		}
		word := strings.Builder{}
		flush := func() {
			if word.Len() > 0 {
				toks = append(toks, token{kind: tokWord, text: word.String(), line: line})
				word.Reset()
			}
		}
		for _, r := range raw {
			switch {
			case r == '{':
				flush()
				toks = append(toks, token{kind: tokOpen, text: "{", line: line})
			case r == '}':
				flush()
				toks = append(toks, token{kind: tokClose, text: "}", line: line})
			case r == ',':
				flush()
				toks = append(toks, token{kind: tokSep, text: ",", line: line})
			case r == ' ' || r == '\t' || r == '\r':
				flush()
			default:
				word.WriteRune(r)
			}
		}
		flush()
		toks = append(toks, token{kind: tokSep, text: "\n", line: line})
	}
	return toks
}

type parser struct {
	name  string
	toks  []token
	pos   int
	table *Table
}

// Parse parses a state table. name is used in error messages and as
// Table.Name. Parse is pure; the result may be cached and shared.
func Parse(name, text string) (*Table, error) {
	p := &parser{
		name: name,
		toks: lex(text),
		table: &Table{
			Name:   name,
			States: make(map[string]*State),
		},
	}
	if err := p.parse(); err != nil {
		return nil, err
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return p.table, nil
}

// MustParse is like Parse but panics on error.
func MustParse(name, text string) *Table {
	t, err := Parse(name, text)
	if err != nil {
		panic(err)
	}
	return t
}

func (p *parser) errorf(state string, line int, format string, args ...any) error {
	return &api.MalformedStateTableError{Table: p.name, State: state, Line: line, Reason: fmt.Sprintf(format, args...)}
}

func (p *parser) next() (token, bool) {
	if p.pos >= len(p.toks) {
		return token{}, false
	}
	t := p.toks[p.pos]
	p.pos++
	return t, true
}

func (p *parser) skipSeps() {
	for p.pos < len(p.toks) && p.toks[p.pos].kind == tokSep {
		p.pos++
	}
}

func (p *parser) parse() error {
	for {
		p.skipSeps()
		tok, ok := p.next()
		if !ok {
			return nil
		}
		switch tok.kind {
		case tokWord:
			if err := p.parseState(tok); err != nil {
				return err
			}
		case tokOpen:
			return p.errorf("", tok.line, "block without state name")
		case tokClose:
			return p.errorf("", tok.line, "unexpected '}'")
		}
	}
}

func (p *parser) parseState(header token) error {
	name, method, err := splitHeader(header.text)
	if err != nil {
		return p.errorf(header.text, header.line, "%v", err)
	}
	if _, dup := p.table.States[name]; dup {
		return p.errorf(name, header.line, "duplicate state")
	}

	p.skipSeps()
	open, ok := p.next()
	if !ok || open.kind != tokOpen {
		line := header.line
		if ok {
			line = open.line
		}
		return p.errorf(name, line, "expected '{' after state name")
	}

	st := &State{Name: name, TransitionMethod: method, Line: header.line}
	var words []token
	for {
		tok, ok := p.next()
		if !ok {
			return p.errorf(name, header.line, "unterminated block")
		}
		switch tok.kind {
		case tokWord:
			words = append(words, tok)
		case tokSep, tokClose:
			if len(words) > 0 {
				rule, err := p.parseRule(name, words)
				if err != nil {
					return err
				}
				st.Rules = append(st.Rules, rule)
				words = words[:0]
			}
			if tok.kind == tokClose {
				p.table.States[name] = st
				p.table.Order = append(p.table.Order, name)
				return nil
			}
		case tokOpen:
			return p.errorf(name, tok.line, "nested block")
		}
	}
}

func (p *parser) parseRule(state string, words []token) (Rule, error) {
	line := words[0].line
	if len(words) < 2 {
		return Rule{}, p.errorf(state, line, "rule %q has no target", words[0].text)
	}
	r := Rule{Trigger: words[0].text, Target: words[1].text, Exec: true}
	if strings.Contains(r.Trigger, "=") || strings.Contains(r.Target, "=") {
		return Rule{}, p.errorf(state, line, "rule must start with trigger and target")
	}
	for _, w := range words[2:] {
		key, val, ok := strings.Cut(w.text, "=")
		if !ok {
			return Rule{}, p.errorf(state, w.line, "unexpected word %q in rule", w.text)
		}
		switch key {
		case "wait":
			d, err := parseWait(val)
			if err != nil {
				return Rule{}, p.errorf(state, w.line, "invalid wait %q", val)
			}
			r.Wait = d
		case "max":
			n, err := strconv.Atoi(val)
			if err != nil || n < 0 {
				return Rule{}, p.errorf(state, w.line, "invalid max %q", val)
			}
			r.Max = n
		case "exec":
			b, err := strconv.ParseBool(val)
			if err != nil {
				return Rule{}, p.errorf(state, w.line, "invalid exec %q", val)
			}
			r.Exec = b
		default:
			return Rule{}, p.errorf(state, w.line, "unknown option %q", key)
		}
	}
	return r, nil
}

func (p *parser) validate() error {
	t := p.table
	if _, ok := t.States[StateStart]; !ok {
		return p.errorf(StateStart, 0, "start state is not declared")
	}
	if fin, ok := t.States[StateFinish]; ok {
		if len(fin.Rules) > 0 {
			return p.errorf(StateFinish, fin.Line, "finish state cannot declare rules")
		}
	} else {
		t.States[StateFinish] = &State{Name: StateFinish}
	}
	for _, name := range t.Order {
		st := t.States[name]
		for _, r := range st.Rules {
			if _, ok := t.States[r.Target]; !ok {
				return p.errorf(name, st.Line, "transition %q targets undefined state %q", r.Trigger, r.Target)
			}
		}
	}
	return nil
}

func splitHeader(h string) (string, string, error) {
	name, method, hasMethod := strings.Cut(h, ":")
	if name == "" {
		return "", "", errors.New("empty state name")
	}
	if hasMethod && method == "" {
		return "", "", errors.New("empty transition method")
	}
	if strings.ContainsAny(h, "=*!") || strings.Contains(method, ":") {
		return "", "", fmt.Errorf("invalid state header %q", h)
	}
	return name, method, nil
}

func parseWait(s string) (time.Duration, error) {
	if n, err := strconv.Atoi(s); err == nil {
		if n < 0 {
			return 0, errors.New("negative wait")
		}
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, errors.New("negative wait")
	}
	return d, nil
}
