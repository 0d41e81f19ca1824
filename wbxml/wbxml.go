package wbxml

import (
	"bytes"
	"fmt"
)

// Global control tokens from WAP-192 section 7.1.
const (
	tokSwitchPage = 0x00
	tokEnd        = 0x01
	tokEntity     = 0x02
	tokStrI       = 0x03
	tokLiteral    = 0x04
	tokOpaque     = 0xC3
)

// Header bytes every ActiveSync document starts with:
// version 1.3, public ID 1 (unknown), charset UTF-8, empty string table.
var header = [4]byte{0x03, 0x01, 0x6A, 0x00}

// IsDocument reports whether p starts with the WBXML header this
// codec produces. Commands that accept either a WBXML document or a
// raw MIME body sniff with it.
func IsDocument(p []byte) bool {
	return len(p) >= len(header) && bytes.Equal(p[:len(header)], header[:])
}

const (
	tagMin = 0x05 // smallest element token
	tagMax = 0x3F // largest element token

	maskContent = 0x40
	maskAttr    = 0x80
)

type ErrCode int

const (
	ErrMalformed ErrCode = 1 + iota
	ErrUnexpectedEOF
	ErrUnknownToken
	ErrNestingMismatch
	ErrBudgetExceeded
)

func (c ErrCode) String() string {
	switch c {
	case ErrMalformed:
		return "malformed"
	case ErrUnexpectedEOF:
		return "unexpected EOF"
	case ErrUnknownToken:
		return "unknown token"
	case ErrNestingMismatch:
		return "nesting mismatch"
	case ErrBudgetExceeded:
		return "budget exceeded"
	default:
		return fmt.Sprintf("ErrCode(%d)", int(c))
	}
}

// Error reports a decoding failure with enough position
// detail to debug a hex dump.
type Error struct {
	Code   ErrCode
	Page   byte
	Token  byte
	Offset int64
	Detail string
}

func (e *Error) Error() string {
	s := fmt.Sprintf("wbxml: %v at offset %d", e.Code, e.Offset)
	if e.Code == ErrUnknownToken {
		s += fmt.Sprintf(" (page 0x%02x, token 0x%02x)", e.Page, e.Token)
	}
	if e.Detail != "" {
		s += ": " + e.Detail
	}
	return s
}

// CodePage maps element tokens to names within one code page.
type CodePage map[byte]string

// CodeSpace maps code page numbers to their pages.
// It is used only to resolve names for debugging output;
// the codec itself works on numeric tokens.
type CodeSpace map[byte]CodePage

func (cs CodeSpace) Name(page, tok byte) string {
	if p, ok := cs[page]; ok {
		if name, ok := p[tok]; ok {
			return name
		}
	}
	return fmt.Sprintf("T_%02X_%02X", page, tok)
}

// Node is one element of a decoded document.
//
// ActiveSync elements carry either text, opaque bytes, or child
// elements. A Node preserves whichever the wire had. Token values
// are the base token, without the content or attribute bits.
type Node struct {
	Page     byte
	Tok      byte
	Text     string
	Opaque   []byte
	Children []*Node

	wireContent bool // content bit was set even though the element was empty
}

// Child returns the first direct child matching (page, tok), or nil.
func (n *Node) Child(page, tok byte) *Node {
	for _, c := range n.Children {
		if c.Page == page && c.Tok == tok {
			return c
		}
	}
	return nil
}

// ChildText returns the text of the first matching direct child.
// A missing child reads as "". An OPAQUE child reads as its bytes,
// because clients are allowed to send either encoding for text.
func (n *Node) ChildText(page, tok byte) string {
	c := n.Child(page, tok)
	if c == nil {
		return ""
	}
	if c.Text == "" && len(c.Opaque) > 0 {
		return string(c.Opaque)
	}
	return c.Text
}

// All returns every direct child matching (page, tok).
func (n *Node) All(page, tok byte) []*Node {
	var nodes []*Node
	for _, c := range n.Children {
		if c.Page == page && c.Tok == tok {
			nodes = append(nodes, c)
		}
	}
	return nodes
}

// Bytes returns the node content as raw bytes regardless of
// whether the wire used OPAQUE or an inline string.
func (n *Node) Bytes() []byte {
	if len(n.Opaque) > 0 {
		return n.Opaque
	}
	if n.Text != "" {
		return []byte(n.Text)
	}
	return nil
}

// TruncateUTF8 shortens s to at most max bytes without splitting a
// multi-byte sequence, backing off to the previous code point
// boundary. It reports whether anything was cut.
func TruncateUTF8(s string, max int) (string, bool) {
	if max < 0 {
		max = 0
	}
	if len(s) <= max {
		return s, false
	}
	cut := max
	for cut > 0 && s[cut]&0xC0 == 0x80 {
		cut--
	}
	return s[:cut], true
}
