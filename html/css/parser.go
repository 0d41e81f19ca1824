package css

import (
	"strconv"
)

// Parser parses CSS.
type Parser struct {
	s *Scanner
}

// NewParser creates a new CSS parser.
func NewParser(s *Scanner) *Parser {
	return &Parser{s: s}
}

// ParseDecl parses a CSS declaration.
// An HTML style="" attribute is a sequence of declarations.
//
// The passed Decl is cleared by reducing all the slices
// its elements reference to a length of zero.
// This allows the general reusing of allocations: any []byte
// in the slice under the initial cap(d) are sliced down to
// zero and then appended to.
func (p *Parser) ParseDecl(decl *Decl) bool {
	decl.clear()

	// CSS Syntax 5.4.4 "Consume a list of declarations", fraction
	p.next()
	switch p.s.Token {
	case EOF, Semicolon:
		return false
	case Ident:
		return p.parseDecl(decl)
	default:
		p.error("invalid token")
		for {
			p.next()
			if p.s.Token == EOF || p.s.Token == Semicolon {
				break
			}
		}
		return false
	}
}

func (p *Parser) next() {
	p.s.Next()
}

func (p *Parser) error(msg string) {
	line, col, n := p.s.Source.Pos()
	p.s.ErrHandler(line, col, n, msg)
}

func (p *Parser) pos() Position {
	line, col, _ := p.s.Source.Pos()
	return Position{Line: line, Col: col}
}

func (p *Parser) parseDecl(d *Decl) bool {
	// CSS Syntax 5.4.5 "Consume a declaration"
	d.Pos = p.pos()
	d.Property = append(d.Property, p.s.Literal...)
	p.next()
	if p.s.Token != Colon {
		p.error("bad declaration: expecting ':'")
		d.clear()
		return false
	}
	p.next()
	for p.s.Token != EOF && p.s.Token != Semicolon {
		if len(d.Values) == cap(d.Values) {
			d.Values = append(d.Values, Value{})
		} else {
			d.Values = d.Values[:len(d.Values)+1]
		}
		v := &d.Values[len(d.Values)-1]
		v.clear()
		p.value(v)
		// value can stop on the terminator itself when a
		// function runs out of input.
		if p.s.Token == EOF || p.s.Token == Semicolon {
			break
		}
		p.next()
	}

	// "If the last two non-<whitespace-token>s in the declaration's
	// value are a <delim-token> with the value "!" followed by an
	// <ident-token> with a value that is an ASCII case-insensitive
	// match for "important", remove them."
	if n := len(d.Values); n >= 2 {
		excl, imp := &d.Values[n-2], &d.Values[n-1]
		if excl.Type == ValueDelim && string(excl.Value) == "!" &&
			imp.Type == ValueIdent && asciiEqualFold(imp.Value, "important") {
			d.Values = d.Values[:n-2]
			d.BangImportant = true
		}
	}
	return true
}

// value fills v from the scanner's current token.
//
// Tokens whose source text cannot be recovered from the parsed fields
// alone (numbers, functions, unicode ranges) keep a verbatim rendering
// in v.Raw so formatting round-trips exactly.
func (p *Parser) value(v *Value) {
	v.Pos = p.pos()
	switch p.s.Token {
	case Ident:
		v.Type = ValueIdent
		v.Value = append(v.Value, p.s.Literal...)
	case Function:
		v.Type = ValueFunction
		v.Value = append(v.Value, p.s.Literal...)
		v.Raw = p.rawFunction(v.Raw)
	case Hash:
		v.Type = ValueHash
		if p.s.Subtype == SubtypeID {
			v.Type = ValueHashID
		}
		v.Value = append(v.Value, p.s.Literal...)
	case String:
		v.Type = ValueString
		v.Value = append(v.Value, p.s.Literal...)
	case URL, BadURL:
		v.Type = ValueURL
		v.Value = append(v.Value, p.s.Literal...)
	case Number:
		v.Type = ValueNumber
		if p.s.Subtype == SubtypeInteger {
			v.Type = ValueInteger
		}
		v.Number, _ = strconv.ParseFloat(string(p.s.Literal), 64)
		v.Raw = append(v.Raw, p.s.Literal...)
	case Percentage:
		v.Type = ValuePercentage
		v.Number, _ = strconv.ParseFloat(string(p.s.Literal), 64)
		v.Raw = append(v.Raw, p.s.Literal...)
		v.Raw = append(v.Raw, '%')
	case Dimension:
		v.Type = ValueDimension
		v.Number, _ = strconv.ParseFloat(string(p.s.Literal), 64)
		v.Value = append(v.Value, p.s.Unit...)
		v.Raw = append(v.Raw, p.s.Literal...)
		v.Raw = append(v.Raw, p.s.Unit...)
	case UnicodeRange:
		v.Type = ValueUnicodeRange
		v.Raw = append(v.Raw, 'U', '+')
		v.Raw = strconv.AppendUint(v.Raw, uint64(p.s.RangeStart), 16)
		if p.s.RangeEnd != p.s.RangeStart {
			v.Raw = append(v.Raw, '-')
			v.Raw = strconv.AppendUint(v.Raw, uint64(p.s.RangeEnd), 16)
		}
	case IncludeMatch:
		v.Type = ValueIncludeMatch
	case DashMatch:
		v.Type = ValueDashMatch
	case PrefixMatch:
		v.Type = ValuePrefixMatch
	case SuffixMatch:
		v.Type = ValueSuffixMatch
	case SubstringMatch:
		v.Type = ValueSubstringMatch
	case Comma:
		v.Type = ValueComma
	default:
		v.Type = ValueDelim
		v.Value = append(v.Value, p.s.Literal...)
	}
}

// rawFunction re-renders a function token and everything through its
// matching close paren. The scanner has already consumed the name and
// the open paren.
func (p *Parser) rawFunction(raw []byte) []byte {
	raw = append(raw, p.s.Literal...)
	raw = append(raw, '(')
	depth := 1
	space := false
	for {
		p.next()
		switch p.s.Token {
		case EOF, Semicolon:
			// Unterminated. Close what was opened so the
			// rendering stays balanced.
			for ; depth > 0; depth-- {
				raw = append(raw, ')')
			}
			return raw
		case LeftParen:
			raw = append(raw, '(')
			depth++
			space = false
			continue
		case RightParen:
			raw = append(raw, ')')
			depth--
			if depth == 0 {
				return raw
			}
			space = true
			continue
		case Comma:
			raw = append(raw, ',')
			space = true
			continue
		}
		if space {
			raw = append(raw, ' ')
		}
		space = true
		// A nested Function token recurses through value, which
		// consumes through its matching close paren.
		var v Value
		p.value(&v)
		raw = AppendValue(raw, &v)
	}
}

func asciiEqualFold(b []byte, lower string) bool {
	if len(b) != len(lower) {
		return false
	}
	for i := 0; i < len(b); i++ {
		c := b[i]
		if 'A' <= c && c <= 'Z' {
			c += 'a' - 'A'
		}
		if c != lower[i] {
			return false
		}
	}
	return true
}

type Position struct {
	Line int
	Col  int
}

type ValueType uint8

// Value types, one per token kind a declaration value can hold.
const (
	ValueNone ValueType = iota
	ValueIdent
	ValueFunction
	ValueHash
	ValueHashID
	ValueString
	ValueURL
	ValueDelim
	ValueNumber
	ValueInteger
	ValuePercentage
	ValueDimension
	ValueUnicodeRange
	ValueIncludeMatch
	ValueDashMatch
	ValuePrefixMatch
	ValueSuffixMatch
	ValueSubstringMatch
	ValueComma
)

// Value is a single component of a declaration's value.
//
// Value holds the decoded contents: the ident or function name, the
// string body, the URL, or the unit of a dimension. Raw, when set,
// holds a verbatim rendering that formatting prefers over
// reconstructing from the decoded fields.
type Value struct {
	Pos    Position
	Type   ValueType
	Value  []byte
	Raw    []byte
	Number float64
}

// Decl is a CSS declaration.
type Decl struct {
	Pos           Position
	Property      []byte
	Values        []Value
	BangImportant bool
}

func (v *Value) clear() {
	v.Pos = Position{}
	v.Type = ValueNone
	if v.Value != nil {
		v.Value = v.Value[:0]
	}
	if v.Raw != nil {
		v.Raw = v.Raw[:0]
	}
	v.Number = 0
}

func (d *Decl) clear() {
	d.Pos = Position{}
	if d.Property != nil {
		d.Property = d.Property[:0]
	}
	if d.Values != nil {
		for i := range d.Values {
			d.Values[i].clear()
		}
		d.Values = d.Values[:0]
	}
	d.BangImportant = false
}
