package pipeline

import (
	"strings"
)

// Filter matches a ResourceItem, either by plain substring against the
// row name, or by a logical expression over the row's flattened
// metadata.
type Filter struct {
	raw  string
	expr disjunction // nil if this is a plain substring filter
}

// disjunction is a normal-form OR-of-ANDs: the row matches iff any
// conjunct's terms are all substrings of any of the row's metadata
// strings.
type disjunction []conjunction

// conjunction is one AND-group of terms, each either a plain substring
// requirement or its negation.
type conjunction []term

type term struct {
	text     string
	negated  bool
}

// looksLogical reports whether raw contains any of the logical
// operator characters, the signal used to decide substring vs
// expression mode.
func looksLogical(raw string) bool {
	return strings.ContainsAny(raw, "&|!()")
}

// NewFilter compiles raw into a Filter. A raw string containing none
// of '&', '|', '!', '(', ')' is treated as a plain case-sensitive
// substring match against the row name; otherwise it is parsed as a
// logical expression.
func NewFilter(raw string) Filter {
	if raw == "" {
		return Filter{raw: raw}
	}
	if !looksLogical(raw) {
		return Filter{raw: raw}
	}
	expr, ok := parseExpression(raw)
	if !ok {
		// Unparseable expressions degrade to a literal substring match
		// on the raw text rather than matching everything or nothing.
		return Filter{raw: raw}
	}
	return Filter{raw: raw, expr: expr}
}

// Match reports whether item satisfies the filter.
func (f Filter) Match(item ResourceItem) bool {
	if f.raw == "" {
		return true
	}
	if f.expr == nil {
		return strings.Contains(item.Name, f.raw)
	}
	for _, conj := range f.expr {
		if conjunctionMatches(conj, item.FilterMetadata) {
			return true
		}
	}
	return false
}

func conjunctionMatches(conj conjunction, metadata []string) bool {
	for _, t := range conj {
		matched := false
		for _, m := range metadata {
			if strings.Contains(m, t.text) {
				matched = true
				break
			}
		}
		if matched == t.negated {
			return false
		}
	}
	return true
}

// --- tokenizer ---

type tokenKind int

const (
	tokLiteral tokenKind = iota
	tokAnd
	tokOr
	tokNot
	tokLParen
	tokRParen
	tokEOF
)

type token struct {
	kind tokenKind
	text string
}

func tokenize(raw string) []token {
	var toks []token
	var buf strings.Builder
	flush := func() {
		if buf.Len() > 0 {
			toks = append(toks, token{kind: tokLiteral, text: buf.String()})
			buf.Reset()
		}
	}
	for _, r := range raw {
		switch r {
		case '&':
			flush()
			toks = append(toks, token{kind: tokAnd})
		case '|':
			flush()
			toks = append(toks, token{kind: tokOr})
		case '!':
			flush()
			toks = append(toks, token{kind: tokNot})
		case '(':
			flush()
			toks = append(toks, token{kind: tokLParen})
		case ')':
			flush()
			toks = append(toks, token{kind: tokRParen})
		case ' ', '\t':
			flush()
		default:
			buf.WriteRune(r)
		}
	}
	flush()
	toks = append(toks, token{kind: tokEOF})
	return toks
}

// --- recursive-descent parser producing an AST, then a normal-form
// disjunction of conjunctions via distribution over OR/AND/NOT. ---

type node interface{ isNode() }

type litNode struct {
	text    string
	negated bool
}
type andNode struct{ left, right node }
type orNode struct{ left, right node }

func (litNode) isNode() {}
func (andNode) isNode() {}
func (orNode) isNode()  {}

type parser struct {
	toks []token
	pos  int
	ok   bool
}

func parseExpression(raw string) (disjunction, bool) {
	p := &parser{toks: tokenize(raw), ok: true}
	n := p.parseOr()
	if !p.ok || p.cur().kind != tokEOF {
		return nil, false
	}
	return normalize(n), true
}

func (p *parser) cur() token { return p.toks[p.pos] }
func (p *parser) advance()   { p.pos++ }

func (p *parser) parseOr() node {
	left := p.parseAnd()
	for p.cur().kind == tokOr {
		p.advance()
		right := p.parseAnd()
		left = orNode{left: left, right: right}
	}
	return left
}

func (p *parser) parseAnd() node {
	left := p.parseUnary()
	for p.cur().kind == tokAnd {
		p.advance()
		right := p.parseUnary()
		left = andNode{left: left, right: right}
	}
	return left
}

func (p *parser) parseUnary() node {
	if p.cur().kind == tokNot {
		p.advance()
		inner := p.parseUnary()
		return negate(inner)
	}
	if p.cur().kind == tokLParen {
		p.advance()
		n := p.parseOr()
		if p.cur().kind != tokRParen {
			p.ok = false
			return litNode{}
		}
		p.advance()
		return n
	}
	if p.cur().kind == tokLiteral {
		text := p.cur().text
		p.advance()
		return litNode{text: text}
	}
	p.ok = false
	return litNode{}
}

// negate applies De Morgan's laws so negation always ends up pushed
// down to literals, keeping the final form a plain disjunction of
// conjunctions.
func negate(n node) node {
	switch v := n.(type) {
	case litNode:
		return litNode{text: v.text, negated: !v.negated}
	case andNode:
		return orNode{left: negate(v.left), right: negate(v.right)}
	case orNode:
		return andNode{left: negate(v.left), right: negate(v.right)}
	default:
		return n
	}
}

// normalize distributes AND over OR to produce a disjunction of
// conjunctions.
func normalize(n node) disjunction {
	switch v := n.(type) {
	case litNode:
		return disjunction{conjunction{term{text: v.text, negated: v.negated}}}
	case orNode:
		return append(normalize(v.left), normalize(v.right)...)
	case andNode:
		left := normalize(v.left)
		right := normalize(v.right)
		var out disjunction
		for _, lc := range left {
			for _, rc := range right {
				merged := make(conjunction, 0, len(lc)+len(rc))
				merged = append(merged, lc...)
				merged = append(merged, rc...)
				out = append(out, merged)
			}
		}
		return out
	default:
		return nil
	}
}
