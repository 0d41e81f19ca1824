package wbxml

import (
	"bytes"
	"fmt"
)

// Encoder builds a WBXML document in memory.
//
// Page switching is lazy: SWITCH_PAGE is written when an element on
// another page starts, and again before an element's END when its
// content left the element's own page. Encoding the same tree twice
// yields identical bytes.
//
// Methods never fail individually; the first misuse is recorded and
// reported by Bytes.
type Encoder struct {
	buf   bytes.Buffer
	page  byte
	stack []openElem
	err   error
}

type openElem struct {
	page byte
	tok  byte
}

func NewEncoder() *Encoder {
	e := new(Encoder)
	e.buf.Write(header[:])
	return e
}

// NewFragment returns an encoder producing a headerless byte run
// that starts on the given page, for splicing with Raw.
func NewFragment(page byte) *Encoder {
	return &Encoder{page: page}
}

func (e *Encoder) fail(format string, v ...interface{}) {
	if e.err == nil {
		e.err = fmt.Errorf("wbxml: "+format, v...)
	}
}

func (e *Encoder) switchTo(page byte) {
	if e.page == page {
		return
	}
	e.buf.WriteByte(tokSwitchPage)
	e.buf.WriteByte(page)
	e.page = page
}

// Start opens an element that will carry content. Every Start must
// be balanced by End.
func (e *Encoder) Start(page, tok byte) {
	if tok < tagMin || tok > tagMax {
		e.fail("element token 0x%02x out of range", tok)
		return
	}
	e.switchTo(page)
	e.buf.WriteByte(tok | maskContent)
	e.stack = append(e.stack, openElem{page: page, tok: tok})
}

// End closes the innermost open element, restoring its page first
// when the content wandered off it.
func (e *Encoder) End() {
	if len(e.stack) == 0 {
		e.fail("End without open element")
		return
	}
	el := e.stack[len(e.stack)-1]
	e.stack = e.stack[:len(e.stack)-1]
	e.switchTo(el.page)
	e.buf.WriteByte(tokEnd)
}

// Empty writes a self-closing element, like <MoreAvailable/>.
func (e *Encoder) Empty(page, tok byte) {
	if tok < tagMin || tok > tagMax {
		e.fail("element token 0x%02x out of range", tok)
		return
	}
	e.switchTo(page)
	e.buf.WriteByte(tok)
}

// Text writes inline string content. The NUL byte cannot be
// represented inline; a string containing one is a usage error.
func (e *Encoder) Text(s string) {
	if len(e.stack) == 0 {
		e.fail("Text outside element")
		return
	}
	for i := 0; i < len(s); i++ {
		if s[i] == 0 {
			e.fail("Text contains NUL")
			return
		}
	}
	e.buf.WriteByte(tokStrI)
	e.buf.WriteString(s)
	e.buf.WriteByte(0)
}

// Opaque writes length-prefixed raw bytes.
func (e *Encoder) Opaque(p []byte) {
	if len(e.stack) == 0 {
		e.fail("Opaque outside element")
		return
	}
	e.buf.WriteByte(tokOpaque)
	writeMBUint32(&e.buf, uint32(len(p)))
	e.buf.Write(p)
}

func (e *Encoder) TextElem(page, tok byte, s string) {
	e.Start(page, tok)
	if s != "" {
		e.Text(s)
	}
	e.End()
}

func (e *Encoder) OpaqueElem(page, tok byte, p []byte) {
	e.Start(page, tok)
	e.Opaque(p)
	e.End()
}

// Node re-encodes a decoded element and its subtree.
func (e *Encoder) Node(n *Node) {
	if len(n.Children) == 0 && n.Text == "" && len(n.Opaque) == 0 && !n.wireContent {
		e.Empty(n.Page, n.Tok)
		return
	}
	e.Start(n.Page, n.Tok)
	if n.Text != "" {
		e.Text(n.Text)
	}
	if len(n.Opaque) > 0 {
		e.Opaque(n.Opaque)
	}
	for _, c := range n.Children {
		e.Node(c)
	}
	e.End()
}

// Raw splices bytes produced by a fragment encoder. The fragment
// must begin and end on the current page, which holds for any
// balanced run of elements rooted on it.
func (e *Encoder) Raw(p []byte) {
	e.buf.Write(p)
}

// Len reports the encoded size so far, for byte budgeting.
func (e *Encoder) Len() int { return e.buf.Len() }

// Mark records the encoder position. Rollback discards everything
// written since the mark; the element stack must be at the same
// depth at both points.
type Mark struct {
	off   int
	page  byte
	depth int
}

func (e *Encoder) Mark() Mark {
	return Mark{off: e.buf.Len(), page: e.page, depth: len(e.stack)}
}

func (e *Encoder) Rollback(m Mark) {
	if len(e.stack) != m.depth {
		e.fail("Rollback across unbalanced elements")
		return
	}
	e.buf.Truncate(m.off)
	e.page = m.page
}

// Bytes returns the finished document. All elements must be closed.
func (e *Encoder) Bytes() ([]byte, error) {
	if e.err != nil {
		return nil, e.err
	}
	if len(e.stack) != 0 {
		return nil, fmt.Errorf("wbxml: %d element(s) still open", len(e.stack))
	}
	return e.buf.Bytes(), nil
}

// writeMBUint32 writes v in the multi-byte unsigned format: 7 bits
// per byte, high bit set on all but the final byte.
func writeMBUint32(buf *bytes.Buffer, v uint32) {
	var tmp [5]byte
	n := len(tmp)
	for {
		n--
		tmp[n] = byte(v & 0x7F)
		v >>= 7
		if v == 0 {
			break
		}
	}
	for i := n; i < len(tmp)-1; i++ {
		tmp[i] |= 0x80
	}
	buf.Write(tmp[n:])
}
