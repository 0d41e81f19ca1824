package db

import (
	"fmt"
	"strings"
	"time"

	"crawshaw.io/sqlite"
	"tern.email/email/dkim"
)

// DKIMRecord is one outbound mail signing key.
type DKIMRecord struct {
	Domain     string
	Selector   string
	Algorithm  string // "rsa"
	PrivateKey []byte // PEM
	PublicKey  string // base64 DER, the p= tag value
}

// TXTRecord reports the DNS record that publishes the key.
func (r *DKIMRecord) TXTRecord() (name, value string) {
	name = r.Selector + "._domainkey." + r.Domain
	value = fmt.Sprintf("v=DKIM1; k=%s; p=%s", r.Algorithm, r.PublicKey)
	return name, value
}

// CurrentDKIMRecord loads the signing key for a domain.
// It reports nil when the domain has no key yet.
func CurrentDKIMRecord(conn *sqlite.Conn, domain string) (*DKIMRecord, error) {
	stmt := conn.Prep(`SELECT Selector, Algorithm, PrivateKey, PublicKey
		FROM DKIMRecords WHERE DomainName = $domain AND Current;`)
	stmt.SetText("$domain", strings.ToLower(domain))
	if hasNext, err := stmt.Step(); err != nil {
		return nil, fmt.Errorf("db.CurrentDKIMRecord: %v", err)
	} else if !hasNext {
		return nil, nil
	}
	rec := &DKIMRecord{
		Domain:     strings.ToLower(domain),
		Selector:   stmt.GetText("Selector"),
		Algorithm:  stmt.GetText("Algorithm"),
		PrivateKey: []byte(stmt.GetText("PrivateKey")),
		PublicKey:  stmt.GetText("PublicKey"),
	}
	stmt.Reset()
	return rec, nil
}

// EnsureDKIMRecord loads the current signing key for a domain,
// generating and storing a fresh key when the domain has none.
func EnsureDKIMRecord(conn *sqlite.Conn, domain string) (rec *DKIMRecord, created bool, err error) {
	rec, err = CurrentDKIMRecord(conn, domain)
	if err != nil || rec != nil {
		return rec, false, err
	}

	privPEM, publicBase64, err := dkim.GenerateKey()
	if err != nil {
		return nil, false, fmt.Errorf("db.EnsureDKIMRecord: %v", err)
	}
	rec = &DKIMRecord{
		Domain:     strings.ToLower(domain),
		Selector:   "t" + time.Now().UTC().Format("20060102"),
		Algorithm:  "rsa",
		PrivateKey: privPEM,
		PublicKey:  publicBase64,
	}

	stmt := conn.Prep(`INSERT INTO DKIMRecords (
			DomainName, Selector, Algorithm, PrivateKey, PublicKey, Current
		) VALUES (
			$domain, $selector, $algorithm, $privateKey, $publicKey, TRUE
		);`)
	stmt.SetText("$domain", rec.Domain)
	stmt.SetText("$selector", rec.Selector)
	stmt.SetText("$algorithm", rec.Algorithm)
	stmt.SetText("$privateKey", string(rec.PrivateKey))
	stmt.SetText("$publicKey", rec.PublicKey)
	if _, err := stmt.Step(); err != nil {
		return nil, false, fmt.Errorf("db.EnsureDKIMRecord: %v", err)
	}
	return rec, true, nil
}
