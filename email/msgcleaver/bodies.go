package msgcleaver

import (
	"bytes"
	"fmt"
	"io"
	"io/ioutil"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/gogs/chardet"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/encoding/korean"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/traditionalchinese"
	"tern.email/email"
)

// Body is the displayable text extracted from a message.
//
// Both fields are valid UTF-8. HTML is nil when the message
// carries no text/html part. Plain is derived from the HTML
// when the message carries no text/plain part.
type Body struct {
	Plain []byte
	HTML  []byte
}

const maxBodyBytes = 4 << 20 // per-part cap, clients never display more

// Bodies extracts the plain and HTML bodies of a cleaved message.
//
// Part content is transcoded to UTF-8 using the declared charset
// when it holds, falling back to detection when it does not.
// Part read offsets are restored before returning.
func Bodies(msg *email.Msg) (Body, error) {
	var body Body
	var plainPart, htmlPart *email.Part
	for i := range msg.Parts {
		p := &msg.Parts[i]
		if !p.IsBody || p.IsAttachment {
			continue
		}
		switch p.ContentType {
		case "text/plain":
			if plainPart == nil {
				plainPart = p
			}
		case "text/html":
			if htmlPart == nil {
				htmlPart = p
			}
		}
	}

	if plainPart != nil {
		data, err := readPart(plainPart)
		if err != nil {
			return Body{}, fmt.Errorf("msgcleaver: bodies: %v", err)
		}
		body.Plain = toUTF8(data, plainPart.Charset)
	}
	if htmlPart != nil {
		data, err := readPart(htmlPart)
		if err != nil {
			return Body{}, fmt.Errorf("msgcleaver: bodies: %v", err)
		}
		body.HTML = toUTF8(data, htmlPart.Charset)
	}
	if body.Plain == nil && body.HTML != nil {
		body.Plain = HTMLText(body.HTML)
	}
	if body.Plain == nil {
		body.Plain = []byte{}
	}
	return body, nil
}

func readPart(p *email.Part) ([]byte, error) {
	if p.Content == nil {
		return nil, fmt.Errorf("part %d has no content", p.PartNum)
	}
	if _, err := p.Content.Seek(0, 0); err != nil {
		return nil, err
	}
	data, err := ioutil.ReadAll(io.LimitReader(p.Content, maxBodyBytes))
	if err != nil {
		return nil, err
	}
	if _, err := p.Content.Seek(0, 0); err != nil {
		return nil, err
	}
	return data, nil
}

// toUTF8 transcodes part content to UTF-8.
//
// The declared charset is tried first. Content that fails it, or
// declares nothing, goes through detection and then a fixed list
// of encodings common in mislabeled mail. Bytes that survive all
// of that are kept with invalid sequences replaced.
func toUTF8(data []byte, declared string) []byte {
	if declared != "" {
		if enc := lookupEncoding(declared); enc != nil {
			if decoded, err := enc.NewDecoder().Bytes(data); err == nil && utf8.Valid(decoded) {
				return decoded
			}
		}
	}
	if utf8.Valid(data) {
		return data
	}

	minConfidence := 30
	if len(data) > 50 {
		minConfidence = 50
	}
	detector := chardet.NewTextDetector()
	if result, err := detector.DetectBest(data); err == nil && result.Confidence >= minConfidence {
		if enc := lookupEncoding(result.Charset); enc != nil {
			if decoded, err := enc.NewDecoder().Bytes(data); err == nil && utf8.Valid(decoded) {
				return decoded
			}
		}
	}

	// Single-byte western encodings first, then the multi-byte
	// East Asian families.
	fallbacks := []encoding.Encoding{
		charmap.Windows1252,
		charmap.ISO8859_1,
		charmap.ISO8859_15,
		japanese.ShiftJIS,
		japanese.EUCJP,
		korean.EUCKR,
		simplifiedchinese.GBK,
		traditionalchinese.Big5,
	}
	for _, enc := range fallbacks {
		if decoded, err := enc.NewDecoder().Bytes(data); err == nil && utf8.Valid(decoded) {
			return decoded
		}
	}

	return bytes.ToValidUTF8(data, []byte("�"))
}

func lookupEncoding(name string) encoding.Encoding {
	enc, err := ianaindex.MIME.Encoding(name)
	if err != nil || enc == nil {
		// ianaindex has no entry for the raw gb2312 label
		// some mailers still emit.
		if strings.EqualFold(name, "gb2312") {
			return simplifiedchinese.HZGB2312
		}
		return nil
	}
	return enc
}

// HTMLText extracts the visible text of an HTML document.
//
// Block-level elements become line breaks so that the result reads
// like a plain-text rendering rather than one long line. Whitespace
// runs collapse to a single space.
func HTMLText(src []byte) []byte {
	var buf bytes.Buffer
	skipDepth := 0
	pendingSpace := false

	lineBreak := func() {
		if n := buf.Len(); n > 0 && buf.Bytes()[n-1] != '\n' {
			buf.WriteByte('\n')
		}
		pendingSpace = false
	}

	z := html.NewTokenizer(bytes.NewReader(src))
	z.SetMaxBuf(maxBodyBytes)
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			break
		}
		switch tt {
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			switch a := atom.Lookup(name); a {
			case atom.Script, atom.Style, atom.Head, atom.Title:
				if tt == html.StartTagToken {
					skipDepth++
				}
			case atom.Br:
				buf.WriteByte('\n')
				pendingSpace = false
			case atom.Td, atom.Th:
				pendingSpace = true
			case atom.P, atom.Div, atom.Tr, atom.Li, atom.Blockquote,
				atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
				lineBreak()
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			switch a := atom.Lookup(name); a {
			case atom.Script, atom.Style, atom.Head, atom.Title:
				if skipDepth > 0 {
					skipDepth--
				}
			case atom.Td, atom.Th:
				pendingSpace = true
			case atom.P, atom.Div, atom.Tr, atom.Li, atom.Blockquote,
				atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
				lineBreak()
			}
		case html.TextToken:
			if skipDepth > 0 {
				continue
			}
			for _, r := range string(z.Text()) {
				if unicode.IsSpace(r) {
					pendingSpace = true
					continue
				}
				if pendingSpace {
					if n := buf.Len(); n > 0 && buf.Bytes()[n-1] != '\n' {
						buf.WriteByte(' ')
					}
					pendingSpace = false
				}
				buf.WriteRune(r)
			}
		}
	}
	// A truncated or malformed document still yields the text
	// gathered so far.
	return bytes.TrimSpace(buf.Bytes())
}
