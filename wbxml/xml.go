package wbxml

import (
	"encoding/hex"
	"fmt"
	"io"
	"strings"
)

// XML writes an indented XML rendering of a decoded tree, resolving
// element names through the code space. Opaque content prints as hex.
// It is for debug logs and test failures, not for clients.
func XML(w io.Writer, n *Node, space CodeSpace, indent string) error {
	return writeXML(w, n, space, indent, 0)
}

func writeXML(w io.Writer, n *Node, space CodeSpace, indent string, depth int) error {
	pad := strings.Repeat(indent, depth)
	name := space.Name(n.Page, n.Tok)
	if len(n.Children) == 0 {
		switch {
		case n.Text != "":
			_, err := fmt.Fprintf(w, "%s<%s>%s</%s>\n", pad, name, n.Text, name)
			return err
		case len(n.Opaque) > 0:
			_, err := fmt.Fprintf(w, "%s<%s>[%d opaque bytes: %s]</%s>\n", pad, name, len(n.Opaque), shortHex(n.Opaque), name)
			return err
		default:
			_, err := fmt.Fprintf(w, "%s<%s/>\n", pad, name)
			return err
		}
	}
	if _, err := fmt.Fprintf(w, "%s<%s>\n", pad, name); err != nil {
		return err
	}
	for _, c := range n.Children {
		if err := writeXML(w, c, space, indent, depth+1); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "%s</%s>\n", pad, name)
	return err
}

func shortHex(p []byte) string {
	const max = 32
	if len(p) > max {
		return hex.EncodeToString(p[:max]) + "..."
	}
	return hex.EncodeToString(p)
}
