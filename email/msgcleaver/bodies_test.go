package msgcleaver

import (
	"context"
	"strings"
	"testing"

	"crawshaw.io/iox"
)

func TestBodiesPlainAndHTML(t *testing.T) {
	filer := iox.NewFiler(0)
	defer filer.Shutdown(context.Background())

	r := strings.NewReader(strings.Replace(textMultipartAlt, "\n", "\r\n", -1))
	msg, err := Cleave(filer, r)
	if err != nil {
		t.Fatal(err)
	}
	defer msg.Close()

	body, err := Bodies(msg)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := string(body.Plain), "Plain text."; got != want {
		t.Errorf("Plain=%q, want %q", got, want)
	}
	if got, want := string(body.HTML), "<b>Rich</b> text. Hello, 世界"; got != want {
		t.Errorf("HTML=%q, want %q", got, want)
	}
}

func TestBodiesHTMLOnly(t *testing.T) {
	filer := iox.NewFiler(0)
	defer filer.Shutdown(context.Background())

	r := strings.NewReader(strings.Replace(textHTMLOnly, "\n", "\r\n", -1))
	msg, err := Cleave(filer, r)
	if err != nil {
		t.Fatal(err)
	}
	defer msg.Close()

	body, err := Bodies(msg)
	if err != nil {
		t.Fatal(err)
	}
	if body.HTML == nil {
		t.Fatal("HTML=nil, want content")
	}
	if got, want := string(body.Plain), "Meeting moved to 3pm.\nBring the Q3 numbers."; got != want {
		t.Errorf("derived Plain=%q, want %q", got, want)
	}
}

const textHTMLOnly = `MIME-Version: 1.0
Content-Type: text/html; charset="utf-8"

<html><head><title>ignored</title><style>p { color: red }</style></head>
<body><p>Meeting moved to <b>3pm</b>.</p><p>Bring the Q3 numbers.</p></body></html>
`

func TestBodiesLatin1Mislabeled(t *testing.T) {
	filer := iox.NewFiler(0)
	defer filer.Shutdown(context.Background())

	// Declares utf-8 but the body is ISO-8859-1 ("café" with 0xE9).
	raw := "MIME-Version: 1.0\r\n" +
		"Content-Type: text/plain; charset=\"utf-8\"\r\n" +
		"\r\n" +
		"Un caf\xe9, s'il vous pla\xeet.\r\n"
	msg, err := Cleave(filer, strings.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}
	defer msg.Close()

	body, err := Bodies(msg)
	if err != nil {
		t.Fatal(err)
	}
	got := string(body.Plain)
	if !strings.Contains(got, "café") || !strings.Contains(got, "plaît") {
		t.Errorf("Plain=%q, want transcoded ISO-8859-1 text", got)
	}
}

func TestBodiesDeclaredCharset(t *testing.T) {
	filer := iox.NewFiler(0)
	defer filer.Shutdown(context.Background())

	raw := "MIME-Version: 1.0\r\n" +
		"Content-Type: text/plain; charset=\"iso-8859-1\"\r\n" +
		"\r\n" +
		"na\xefve\r\n"
	msg, err := Cleave(filer, strings.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}
	defer msg.Close()

	body, err := Bodies(msg)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := string(body.Plain), "naïve\r\n"; got != want {
		t.Errorf("Plain=%q, want %q", got, want)
	}
}

func TestBodiesAttachmentIgnored(t *testing.T) {
	filer := iox.NewFiler(0)
	defer filer.Shutdown(context.Background())

	r := strings.NewReader(strings.Replace(relatedAndAttached, "\n", "\r\n", -1))
	msg, err := Cleave(filer, r)
	if err != nil {
		t.Fatal(err)
	}
	defer msg.Close()

	body, err := Bodies(msg)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := string(body.Plain), "Hello, World!"; got != want {
		t.Errorf("Plain=%q, want %q", got, want)
	}
	if !strings.Contains(string(body.HTML), "cid:v1@mycid") {
		t.Errorf("HTML=%q, want the inline html part", body.HTML)
	}
}

func TestHTMLTextTables(t *testing.T) {
	src := `<table><tr><td>a</td><td>b</td></tr><tr><td>c</td></tr></table>`
	got := string(HTMLText([]byte(src)))
	if want := "a b\nc"; got != want {
		t.Errorf("HTMLText=%q, want %q", got, want)
	}
}
