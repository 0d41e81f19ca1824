package wbxml

import (
	"bufio"
	"bytes"
	"io"
	"unicode/utf8"
)

// DefaultBudget bounds how many bytes of decoded content a single
// document may allocate when the caller does not say otherwise.
const DefaultBudget = 1 << 20

const (
	maxDepth = 1000
	nodeCost = 16 // budget charge per element
)

// Decoder parses WBXML documents into Node trees.
//
// The zero value decodes with DefaultBudget. Decoding is lenient
// where clients are known to vary: unknown element tokens are kept
// in the tree for the caller to ignore, and page switches are
// accepted anywhere. Structural damage is a typed *Error.
type Decoder struct {
	// Budget caps the total bytes of strings and opaque data a
	// document may carry, plus a fixed charge per element. The
	// decoder never allocates beyond it.
	Budget int64
}

func (d *Decoder) Decode(r io.Reader) (*Node, error) {
	budget := d.Budget
	if budget == 0 {
		budget = DefaultBudget
	}
	s := &decodeState{
		br:     bufio.NewReader(r),
		budget: budget,
	}
	return s.document()
}

// Decode parses one document with the default budget.
func Decode(p []byte) (*Node, error) {
	var d Decoder
	return d.Decode(bytes.NewReader(p))
}

type decodeState struct {
	br     *bufio.Reader
	off    int64
	budget int64
	page   byte
	depth  int
}

func (s *decodeState) errf(code ErrCode, detail string) error {
	return &Error{Code: code, Page: s.page, Offset: s.off, Detail: detail}
}

func (s *decodeState) readByte() (byte, error) {
	b, err := s.br.ReadByte()
	if err != nil {
		if err == io.EOF {
			return 0, s.errf(ErrUnexpectedEOF, "")
		}
		return 0, err
	}
	s.off++
	return b, nil
}

func (s *decodeState) readMBUint32() (uint32, error) {
	var v uint32
	for i := 0; i < 5; i++ {
		b, err := s.readByte()
		if err != nil {
			return 0, err
		}
		v = v<<7 | uint32(b&0x7F)
		if b&0x80 == 0 {
			return v, nil
		}
	}
	return 0, s.errf(ErrMalformed, "mb-uint32 too long")
}

func (s *decodeState) charge(n int64) error {
	s.budget -= n
	if s.budget < 0 {
		return s.errf(ErrBudgetExceeded, "")
	}
	return nil
}

func (s *decodeState) document() (*Node, error) {
	var hdr [4]byte
	for i := range hdr {
		b, err := s.readByte()
		if err != nil {
			return nil, err
		}
		hdr[i] = b
	}
	if hdr != header {
		return nil, s.errf(ErrMalformed, "bad header")
	}

	b, err := s.readByte()
	if err != nil {
		return nil, err
	}
	for b == tokSwitchPage {
		if s.page, err = s.readByte(); err != nil {
			return nil, err
		}
		if b, err = s.readByte(); err != nil {
			return nil, err
		}
	}
	if b == tokEnd {
		return nil, s.errf(ErrNestingMismatch, "END with no open element")
	}
	root, err := s.element(b)
	if err != nil {
		return nil, err
	}
	if tb, err := s.br.ReadByte(); err != io.EOF {
		if err != nil {
			return nil, err
		}
		if tb == tokEnd {
			return nil, s.errf(ErrNestingMismatch, "END after document element")
		}
		return nil, s.errf(ErrMalformed, "trailing data after document element")
	}
	return root, nil
}

// element parses one element whose token byte has been consumed.
func (s *decodeState) element(tok byte) (*Node, error) {
	if tok&maskAttr != 0 {
		return nil, &Error{Code: ErrUnknownToken, Page: s.page, Token: tok, Offset: s.off, Detail: "attributes unsupported"}
	}
	base := tok &^ maskContent
	if base < tagMin || base > tagMax {
		return nil, &Error{Code: ErrUnknownToken, Page: s.page, Token: tok, Offset: s.off}
	}
	if err := s.charge(nodeCost); err != nil {
		return nil, err
	}
	n := &Node{Page: s.page, Tok: base}
	if tok&maskContent == 0 {
		return n, nil
	}
	s.depth++
	if s.depth > maxDepth {
		return nil, s.errf(ErrMalformed, "nesting too deep")
	}
	defer func() { s.depth-- }()
	return n, s.content(n)
}

// content parses element content up to the matching END.
func (s *decodeState) content(n *Node) error {
	var text []byte
	for {
		b, err := s.readByte()
		if err != nil {
			return err
		}
		switch b {
		case tokEnd:
			if len(text) > 0 {
				n.Text = string(text)
			} else if len(n.Children) == 0 && len(n.Opaque) == 0 {
				n.wireContent = true
			}
			return nil

		case tokSwitchPage:
			if s.page, err = s.readByte(); err != nil {
				return err
			}

		case tokStrI:
			for {
				c, err := s.readByte()
				if err != nil {
					return err
				}
				if c == 0 {
					break
				}
				if err := s.charge(1); err != nil {
					return err
				}
				text = append(text, c)
			}

		case tokEntity:
			v, err := s.readMBUint32()
			if err != nil {
				return err
			}
			if err := s.charge(utf8.UTFMax); err != nil {
				return err
			}
			text = utf8.AppendRune(text, rune(v))

		case tokOpaque:
			length, err := s.readMBUint32()
			if err != nil {
				return err
			}
			if err := s.charge(int64(length)); err != nil {
				return err
			}
			p := make([]byte, length)
			got, err := io.ReadFull(s.br, p)
			s.off += int64(got)
			if err != nil {
				return s.errf(ErrUnexpectedEOF, "inside opaque data")
			}
			n.Opaque = append(n.Opaque, p...)

		case tokLiteral:
			return s.errf(ErrMalformed, "literal token with empty string table")

		default:
			if b&0x3F < tagMin {
				// Remaining global tokens: extensions,
				// processing instructions, literals.
				return s.errf(ErrMalformed, "unhandled control token")
			}
			child, err := s.element(b)
			if err != nil {
				return err
			}
			n.Children = append(n.Children, child)
		}
	}
}
