// Package htmlsafe strips an HTML document down to the small subset
// of the HTML specification that renders reliably in mail clients.
//
// The allowlist has been derived by experimentation with various
// email clients.
package htmlsafe

import (
	"bytes"
	"fmt"
	"io"
	"net/url"
	"strings"

	"golang.org/x/net/html"
	a "golang.org/x/net/html/atom"
	"tern.email/html/css"
)

// A Tag lists the attributes that survive sanitizing on one element.
type Tag struct {
	Attrs []a.Atom
}

type Options struct {
	AllowedTags   map[a.Atom]Tag
	AllowedStyles map[string]bool
}

// Email is the profile for stored message bodies.
var Email = &Options{
	AllowedTags: map[a.Atom]Tag{
		a.A:      {Attrs: []a.Atom{a.Class, a.Href, a.Id, a.Style, a.Target}},
		a.B:      {Attrs: []a.Atom{a.Class, a.Id, a.Style}},
		a.Body:   {Attrs: []a.Atom{a.Dir, a.Style}},
		a.Br:     {Attrs: []a.Atom{a.Class, a.Id, a.Style}},
		a.Div:    {Attrs: []a.Atom{a.Align, a.Class, a.Dir, a.Id, a.Style}},
		a.Font:   {Attrs: []a.Atom{a.Class, a.Color, a.Face, a.Id, a.Size, a.Style}},
		a.H1:     {Attrs: []a.Atom{a.Align, a.Class, a.Dir, a.Id, a.Style}},
		a.H2:     {Attrs: []a.Atom{a.Align, a.Class, a.Dir, a.Id, a.Style}},
		a.H3:     {Attrs: []a.Atom{a.Align, a.Class, a.Dir, a.Id, a.Style}},
		a.H4:     {Attrs: []a.Atom{a.Align, a.Class, a.Dir, a.Id, a.Style}},
		a.H5:     {Attrs: []a.Atom{a.Align, a.Class, a.Dir, a.Id, a.Style}},
		a.H6:     {Attrs: []a.Atom{a.Align, a.Class, a.Dir, a.Id, a.Style}},
		a.Head:   {Attrs: []a.Atom{a.Dir, a.Lang}},
		a.Hr:     {Attrs: []a.Atom{a.Align, a.Size, a.Width}},
		a.Html:   {},
		a.Img:    {Attrs: []a.Atom{a.Align, a.Class, a.Height, a.Id, a.Src, a.Style, a.Usemap, a.Width}},
		a.Label:  {Attrs: []a.Atom{a.Class, a.Id, a.Style}},
		a.Li:     {Attrs: []a.Atom{a.Class, a.Dir, a.Id, a.Style, a.Type}},
		a.Ol:     {Attrs: []a.Atom{a.Class, a.Dir, a.Id, a.Style, a.Type}},
		a.P:      {Attrs: []a.Atom{a.Align, a.Class, a.Dir, a.Id, a.Style}},
		a.Span:   {Attrs: []a.Atom{a.Class, a.Id, a.Style}},
		a.Strong: {Attrs: []a.Atom{a.Class, a.Id, a.Style}},
		a.Table:  {Attrs: []a.Atom{a.Align, a.Class, a.Dir, a.Frame, a.Id, a.Style, a.Width}},
		a.Td:     {Attrs: []a.Atom{a.Abbr, a.Align, a.Class, a.Colspan, a.Dir, a.Height, a.Id, a.Lang, a.Rowspan, a.Scope, a.Style, a.Width}},
		a.Th:     {Attrs: []a.Atom{a.Abbr, a.Align, a.Class, a.Colspan, a.Dir, a.Height, a.Id, a.Lang, a.Scope, a.Style, a.Width}},
		a.Title:  {Attrs: []a.Atom{a.Dir}},
		a.Tr:     {Attrs: []a.Atom{a.Align, a.Class, a.Dir, a.Id, a.Style}},
		a.U:      {Attrs: []a.Atom{a.Class, a.Id, a.Style}},
		a.Ul:     {Attrs: []a.Atom{a.Class, a.Dir, a.Id, a.Style}},
	},

	AllowedStyles: map[string]bool{
		"background":          true,
		"background-color":    true,
		"border":              true,
		"border-bottom":       true,
		"border-bottom-color": true,
		"border-bottom-style": true,
		"border-bottom-width": true,
		"border-color":        true,
		"border-left":         true,
		"border-left-color":   true,
		"border-left-style":   true,
		"border-left-width":   true,
		"border-right":        true,
		"border-right-color":  true,
		"border-right-style":  true,
		"border-right-width":  true,
		"border-style":        true,
		"border-top":          true,
		"border-top-color":    true,
		"border-width":        true,
		"color":               true,
		"display":             true,
		"font":                true,
		"font-family":         true,
		"font-size":           true,
		"font-style":          true,
		"font-variant":        true,
		"font-weight":         true,
		"height":              true,
		"letter-spacing":      true,
		"line-height":         true,
		"list-style-type":     true,
		"padding":             true,
		"padding-bottom":      true,
		"padding-left":        true,
		"padding-right":       true,
		"padding-top":         true,
		"table-layout":        true,
		"text-align":          true,
		"text-decoration":     true,
		"text-indent":         true,
		"text-transform":      true,
		"vertical-align":      true,
	},
}

type Sanitizer struct {
	// RewriteURL, when set, replaces every URL that survives
	// sanitizing. Reporting "" drops the attribute.
	RewriteURL func(attr string, url *url.URL) string
	Options    *Options // nil means Email
	MaxBuf     int      // maximum input bytes buffered, 0 means unlimited
}

// Sanitize builds a sanitized version of the HTML input.
func (s *Sanitizer) Sanitize(dst io.Writer, src io.Reader) (n int, err error) {
	opts := s.Options
	if opts == nil {
		opts = Email
	}

	discarding := false

	z := html.NewTokenizer(src)
	z.SetMaxBuf(s.MaxBuf)
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			break
		}

		selfClosing := true
		switch tt {
		case html.StartTagToken:
			selfClosing = false
			fallthrough
		case html.SelfClosingTagToken:
			t := z.Token()
			allowTag, found := opts.AllowedTags[t.DataAtom]
			if found {
				discarding = false
			} else {
				discarding = true
				break
			}
			n2, err := fmt.Fprintf(dst, "<%s", t.DataAtom.String())
			n += n2
			if err != nil {
				return n, err
			}
			for _, attr := range t.Attr {
				if attr.Namespace != "" {
					continue
				}
				key := a.Lookup([]byte(attr.Key))
				if !allowTag.hasAttr(key) {
					continue
				}
				switch key {
				case a.Style:
					n2, err = s.styleAttr(dst, attr.Val, opts)
				case a.Href, a.Src:
					n2, err = s.urlAttr(dst, key, attr.Val)
				default:
					n2, err = fmt.Fprintf(dst, " %s=%q", attr.Key, attr.Val)
				}
				n += n2
				if err != nil {
					return n, err
				}
			}
			if selfClosing {
				n2, err = io.WriteString(dst, "/>")
			} else {
				n2, err = io.WriteString(dst, ">")
			}
			n += n2
			if err != nil {
				return n, err
			}
			continue
		case html.EndTagToken:
			discarding = false
			t := z.Token()
			if _, found := opts.AllowedTags[t.DataAtom]; !found {
				continue
			}
		}

		if !discarding {
			n2, err := dst.Write(z.Raw())
			n += n2
			if err != nil {
				return n, err
			}
		}
	}

	if err := z.Err(); err != io.EOF {
		return n, err
	}
	return n, nil
}

func (s *Sanitizer) urlAttr(dst io.Writer, attr a.Atom, val string) (n int, err error) {
	encURL := s.rewriteURL(attr, val)
	if encURL != "" {
		return fmt.Fprintf(dst, ` %s="%s"`, attr.String(), encURL)
	}
	return 0, nil
}

func (s *Sanitizer) rewriteURL(attr a.Atom, val string) string {
	u, err := url.Parse(strings.TrimSpace(val))
	if err != nil {
		return "" // bad URL is not an I/O error
	}
	switch u.Scheme {
	case "cid", "http", "https", "mailto":
		if s.RewriteURL != nil {
			return s.RewriteURL(attr.String(), u)
		}
		return u.String()
	}
	return ""
}

func (s *Sanitizer) styleAttr(dst io.Writer, val string, opts *Options) (n int, err error) {
	var buf []byte

	kept := 0
	errh := func(line, col, n int, msg string) {}
	p := css.NewParser(css.NewScanner(strings.NewReader(val), errh))
	var decl css.Decl
	for p.ParseDecl(&decl) {
		if !opts.AllowedStyles[string(decl.Property)] {
			continue
		}
		// URLs buried inside function values cannot be rewritten,
		// so any declaration carrying one is dropped whole.
		buried := false
		for i := range decl.Values {
			v := &decl.Values[i]
			if v.Type == css.ValueFunction && bytes.Contains(v.Raw, []byte("url(")) {
				buried = true
				break
			}
		}
		if buried {
			continue
		}
		if kept > 0 {
			buf = append(buf, ' ')
		}
		kept++

		for i := range decl.Values {
			v := &decl.Values[i]
			if v.Type == css.ValueURL {
				u := s.rewriteURL(a.Style, string(v.Value))
				v.Raw = v.Raw[:0]
				v.Value = append(v.Value[:0], u...)
			}
		}
		buf = css.AppendDecl(buf, &decl)
	}

	out := bytes.NewBuffer(make([]byte, 0, len(buf)+32))
	out.WriteString(" style=\"")
	escapeAttr(out, buf)
	out.WriteByte('"')

	return dst.Write(out.Bytes())
}

func escapeAttr(dst *bytes.Buffer, src []byte) {
	for _, c := range src {
		switch c {
		case '&':
			dst.WriteString("&amp;")
		case '\'':
			dst.WriteString("&#39;")
		case '<':
			dst.WriteString("&lt;")
		case '>':
			dst.WriteString("&gt;")
		case '"':
			dst.WriteString("&#34;")
		case '\r':
			dst.WriteString("&#13;")
		default:
			dst.WriteByte(c)
		}
	}
}

func (t Tag) hasAttr(attr a.Atom) bool {
	for _, tattr := range t.Attrs {
		if tattr == attr {
			return true
		}
	}
	return false
}
