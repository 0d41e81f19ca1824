// Package dkim signs outgoing email with DKIM-Signature headers.
//
// Signing follows RFC 6376 using the relaxed/relaxed canonicalization.
package dkim

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
)

// A Signer signs email with a DKIM-Signature.
type Signer struct {
	key *rsa.PrivateKey

	Domain   string   // d=, signing domain
	Selector string   // s=, key selector, TXT record is: <Selector>._domainkey.<Domain>
	Headers  []string // h=, list of headers in lower-case to sign
}

// NewSigner creates a Signer around a PEM-encoded RSA private key
// with prepopulated Headers.
// Set the Domain and Selector fields before using it.
func NewSigner(privateKey []byte) (*Signer, error) {
	headers := []string{
		"content-type",
		"date",
		"from",
		"in-reply-to",
		"message-id",
		"mime-version",
		"references",
		"subject",
		"to",
	}
	sort.Strings(headers)

	block, _ := pem.Decode(privateKey)
	if block == nil {
		return nil, errors.New("dkim: cannot decode key")
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("dkim: cannot parse key: %v", err)
	}

	return &Signer{
		Headers: headers,
		key:     key,
	}, nil
}

// GenerateKey creates a new RSA signing key.
// It returns the PEM-encoded private key for storage, and the
// base64-encoded public key that belongs in the p= tag of the
// selector's DNS TXT record.
func GenerateKey() (privPEM []byte, publicBase64 string, err error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, "", fmt.Errorf("dkim: generate key: %v", err)
	}
	privPEM = pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	pub, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, "", fmt.Errorf("dkim: generate key: %v", err)
	}
	return privPEM, base64.StdEncoding.EncodeToString(pub), nil
}

// Sign signs an email, reporting a new DKIM-Signature header.
// It is safe for use by multiple goroutines simultaneously.
func (s *Signer) Sign(hdr Header, body io.Reader) (dkimHeaderValue []byte, err error) {
	h := sha256.New()

	buf := bytes.NewBuffer(make([]byte, 0, 512))
	buf.WriteString("v=1; a=rsa-sha256; c=relaxed/relaxed; d=")
	buf.WriteString(s.Domain)
	buf.WriteString("; s=")
	buf.WriteString(s.Selector)
	buf.WriteString("; h=")
	if err := collectRelaxedHeaders(buf, h, s.Headers, hdr); err != nil {
		return nil, err
	}
	buf.WriteString("; bh=")
	if err := relaxedBodyHash(buf, body); err != nil {
		return nil, err
	}
	buf.WriteString("; b=")

	io.WriteString(h, "dkim-signature:")
	h.Write(buf.Bytes())

	sig, err := rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA256, h.Sum(nil))
	if err != nil {
		return nil, fmt.Errorf("dkim: %v", err)
	}
	sigFinal := make([]byte, base64.StdEncoding.EncodedLen(len(sig)))
	base64.StdEncoding.Encode(sigFinal, sig)

	// Add folding white space.
	// Valid as per RFC 4871, 3.5:
	// """
	//   b=  The signature data (base64; REQUIRED).  Whitespace is ignored in
	//       this value and MUST be ignored when reassembling the original
	//       signature.  In particular, the signing process can safely insert
	//       FWS in this value in arbitrary places to conform to line-length
	//       limits.
	// """
	for len(sigFinal) > 0 {
		n := len(sigFinal)
		if n > 66 {
			n = 66
		}
		buf.Write(sigFinal[:n])
		sigFinal = sigFinal[n:]
		if len(sigFinal) > 0 {
			buf.WriteByte(' ')
		}
	}
	return buf.Bytes(), nil
}

// Header is the set of MIME headers on the email being signed.
//
// The Get method is called by the signer with lower-case headers
// and it is the responsibility of the implementation to search
// its header names case-insensitively.
type Header interface {
	Get(header string) (value string)
}

func relaxedBodyHash(dst *bytes.Buffer, body io.Reader) error {
	var b [sha256.BlockSize]byte
	h := sha256.New()
	if _, err := io.Copy(h, newRelaxedBody(body)); err != nil {
		return fmt.Errorf("dkim: hashing body: %v", err)
	}
	w := base64.NewEncoder(base64.StdEncoding, dst)
	if _, err := w.Write(h.Sum(b[:0])); err != nil {
		return err
	}
	return w.Close()
}

func collectRelaxedHeaders(dstHeaderKeys *bytes.Buffer, dstHeaderBytes io.Writer, potentialHeaders []string, hdr Header) (err error) {
	oneByte := make([]byte, 1)
	numHeaders := 0
	for _, hdrKey := range potentialHeaders {
		v := hdr.Get(hdrKey)
		if v == "" {
			continue
		}
		if numHeaders > 0 {
			dstHeaderKeys.WriteByte(':')
		}
		numHeaders++
		dstHeaderKeys.WriteString(hdrKey)

		// RFC 6376
		// 3.4.2.1:
		// Convert all header field names (not the header field values) to
		// lowercase.  For example, convert "SUBJect: AbC" to "subject: AbC".
		if _, err := io.WriteString(dstHeaderBytes, hdrKey); err != nil {
			return err
		}
		// 3.4.2.2:
		// Header continuations are already unfolded in email.Header.
		//
		// 3.4.2.5:
		// Delete any WSP characters remaining before and after the colon
		// separating the header field name from the header field value.  The
		// colon separator MUST be retained.
		oneByte[0] = ':'
		if _, err := dstHeaderBytes.Write(oneByte); err != nil {
			return err
		}
		// 3.4.2.4:
		// Delete all WSP characters at the end of each unfolded header field
		// value.
		v = strings.TrimSpace(v)
		// 3.4.2.3:
		// Convert all sequences of one or more WSP characters to a single SP
		// character.  WSP characters here include those before and after a
		// line folding boundary.
		inWhitespace := false
		for i := 0; i < len(v); i++ {
			c := v[i]
			switch c {
			case ' ', '\t':
				if inWhitespace {
					continue
				}
				inWhitespace = true
				c = ' '
			default:
				inWhitespace = false
			}

			oneByte[0] = c
			if _, err := dstHeaderBytes.Write(oneByte); err != nil {
				return err
			}
		}
		if _, err := dstHeaderBytes.Write(crlf); err != nil {
			return err
		}
	}
	return nil
}

var crlf = []byte{'\r', '\n'}

// newRelaxedBody implements the "relaxed" Body Canonicalization Algorithm
// from RFC 6376, section 3.4.4.
//
// ""
// a.  Reduce whitespace:
//
//    *  Ignore all whitespace at the end of lines.  Implementations
//       MUST NOT remove the CRLF at the end of the line.
//
//    *  Reduce all sequences of WSP within a line to a single SP
//       character.
//
// b.  Ignore all empty lines at the end of the message body.  "Empty
//     line" is defined in Section 3.4.3.  If the body is non-empty but
//     does not end with a CRLF, a CRLF is added.
// ""
func newRelaxedBody(r io.Reader) io.Reader {
	return &trimTrailingCRLFs{r: &reduceWhitespace{r: r}}
}

// trimTrailingCRLFs is an io.Reader that trims any number of
// trailing CRLF values in the data being read to a single CRLF.
type trimTrailingCRLFs struct {
	r io.Reader

	data [2048]byte
	off  int
	len  int
	rerr error

	inCR     bool // last byte was '\r'
	numCRLFs int  // last 2*numCRLFs bytes were CRLFs
	epilogue bool // after all input processed, send a final CRLF
}

func (s *trimTrailingCRLFs) Read(buf []byte) (n int, err error) {
	for s.len == 0 {
		if s.rerr != nil {
			if !s.epilogue {
				s.data[0], s.data[1] = '\r', '\n'
				s.off = 0
				s.len = 2
				s.epilogue = true
				break
			}
			return n, s.rerr
		}
		s.off = 0
		s.len, s.rerr = s.r.Read(s.data[:])
	}

	if s.epilogue {
		n = copy(buf, s.data[s.off:s.off+s.len])
		s.off += n
		s.len -= n
		return n, nil
	}

	n = 0
	for s.len > 0 && n < len(buf) {
		c := s.data[s.off]
		s.off++
		s.len--

		if c != '\n' {
			if s.inCR {
				buf[n] = '\r'
				n++
				s.inCR = false // bad CRLF
			}
		}

		switch c {
		case '\r':
			s.inCR = true
		case '\n':
			if s.inCR {
				s.numCRLFs++
				s.inCR = false
			} else {
				buf[n] = '\n'
				n++
			}
		default:
			for ; s.numCRLFs > 0 && n+1 < len(buf); s.numCRLFs-- {
				buf[n+0], buf[n+1] = '\r', '\n'
				n += 2
			}
			if s.numCRLFs > 0 {
				// We ran out of space in buf.
				// Keep the last s.data character.
				s.off--
				s.len++
				return n, nil
			}
			buf[n] = c
			n++
		}
	}

	return n, nil
}

// reduceWhitespace is an io.Reader that reduces any sequence
// of one of more ' ' or '\t' characters to a single ' '.
type reduceWhitespace struct {
	r io.Reader

	inWS bool // last byte was ' ' or '\t'
}

func (r *reduceWhitespace) Read(buf []byte) (n int, err error) {
	if len(buf) == 0 {
		return r.r.Read(buf) // pass on the err value
	}

	out := buf[:0]

	if r.inWS {
		buf = buf[1:] // leave space for whitespace
	}

	n, err = r.r.Read(buf)
	for _, c := range buf[:n] {
		switch c {
		case ' ', '\t':
			if r.inWS {
				continue
			} else {
				r.inWS = true
			}
		default:
			if r.inWS {
				out = append(out, ' ')
			}
			fallthrough
		case '\r', '\n':
			out = append(out, c)
			r.inWS = false
		}
	}

	return len(out), err
}
