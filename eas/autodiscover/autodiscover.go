// Package autodiscover answers the out-of-band discovery probes
// Exchange clients send before speaking ActiveSync.
//
// Clients POST an XML request naming the response schema they can
// parse; the server switches output formats on it. Modern Outlook
// additionally probes a JSON endpoint. Both responses point the
// client at /Microsoft-Server-ActiveSync.
package autodiscover

import (
	"encoding/json"
	"encoding/xml"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"tern.email/eas"
)

// maxRequestSize bounds a discovery request. Real probes are a few
// hundred bytes.
const maxRequestSize = 1 << 20

const (
	mobilesyncSchema = "http://schemas.microsoft.com/exchange/autodiscover/mobilesync/responseschema/2006"
	outlookSchema    = "http://schemas.microsoft.com/exchange/autodiscover/outlook/responseschema/2006a"
)

type Server struct {
	// Host is the public name inserted into advertised URLs.
	// Empty means use each request's Host header.
	Host    string
	Backend eas.Backend
	Logf    func(format string, v ...interface{})
}

func NewServer(host string, backend eas.Backend) *Server {
	return &Server{
		Host:    host,
		Backend: backend,
		Logf:    log.Printf,
	}
}

// Routes registers the discovery endpoints on r. Clients spell the
// XML path with both capitalizations.
func (s *Server) Routes(r chi.Router) {
	r.MethodFunc("POST", "/Autodiscover/Autodiscover.xml", s.handleXML)
	r.MethodFunc("POST", "/autodiscover/autodiscover.xml", s.handleXML)
	r.MethodFunc("GET", "/autodiscover/autodiscover.json/v1.0/{email}", s.handleJSON)
}

// discoverRequest is the client probe. The document namespace varies
// with the requested schema, so fields match on local names only.
type discoverRequest struct {
	XMLName xml.Name `xml:"Autodiscover"`
	Request struct {
		EMailAddress             string `xml:"EMailAddress"`
		AcceptableResponseSchema string `xml:"AcceptableResponseSchema"`
	} `xml:"Request"`
}

func (s *Server) handleXML(w http.ResponseWriter, r *http.Request) {
	user, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	defer user.Close()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestSize))
	if err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}
	var req discoverRequest
	if err := xml.Unmarshal(body, &req); err != nil {
		http.Error(w, "malformed autodiscover request", http.StatusBadRequest)
		return
	}
	addr := req.Request.EMailAddress
	if addr == "" {
		addr = user.Addr()
	}
	host := s.host(r)

	// Substring match, not URL equality: clients disagree on
	// trailing slashes and case in the schema URL.
	var doc interface{}
	schema := "outlook"
	if strings.Contains(strings.ToLower(req.Request.AcceptableResponseSchema), "mobilesync") {
		schema = "mobilesync"
		doc = mobilesyncDocument(addr, host)
	} else {
		doc = outlookDocument(addr, host)
	}
	s.Logf("autodiscover: %s requested %s settings", addr, schema)
	writeXML(w, doc)
}

// handleJSON serves the modern Outlook probe. It is anonymous: the
// client has no settings to authenticate with yet.
func (s *Server) handleJSON(w http.ResponseWriter, r *http.Request) {
	s.Logf("autodiscover: json probe for %s", chi.URLParam(r, "email"))
	resp := struct {
		Protocol string `json:"Protocol"`
		URL      string `json:"Url"`
	}{
		Protocol: "ActiveSync",
		URL:      easURL(s.host(r)),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// authenticate resolves Basic credentials to a user session and
// writes the 401 challenge itself on failure.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (eas.User, bool) {
	username, password, ok := r.BasicAuth()
	if !ok {
		w.Header().Set("WWW-Authenticate", `Basic realm="Autodiscover"`)
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return nil, false
	}
	if i := strings.LastIndexByte(username, '\\'); i >= 0 {
		username = username[i+1:]
	}
	user, err := s.Backend.Login(r.Context(), username, password)
	if err != nil {
		if errors.Is(err, eas.ErrBadCredentials) {
			w.Header().Set("WWW-Authenticate", `Basic realm="Autodiscover"`)
			http.Error(w, "bad credentials", http.StatusUnauthorized)
		} else {
			s.Logf("autodiscover: login %q: %v", username, err)
			http.Error(w, "server error", http.StatusInternalServerError)
		}
		return nil, false
	}
	return user, true
}

func (s *Server) host(r *http.Request) string {
	if s.Host != "" {
		return s.Host
	}
	return r.Host
}

func easURL(host string) string {
	return "https://" + host + "/Microsoft-Server-ActiveSync"
}

func writeXML(w http.ResponseWriter, doc interface{}) {
	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, xml.Header)
	w.Write(out)
}

// The response documents carry two namespaces: the outer envelope is
// always responseschema/2006 and the Response element declares the
// schema the client asked for.

type mobilesyncDoc struct {
	XMLName  xml.Name `xml:"http://schemas.microsoft.com/exchange/autodiscover/responseschema/2006 Autodiscover"`
	Response mobilesyncResponse
}

type mobilesyncResponse struct {
	XMLName xml.Name         `xml:"http://schemas.microsoft.com/exchange/autodiscover/mobilesync/responseschema/2006 Response"`
	Culture string           `xml:"Culture"`
	User    mobilesyncUser   `xml:"User"`
	Action  mobilesyncAction `xml:"Action"`
}

type mobilesyncUser struct {
	DisplayName  string `xml:"DisplayName"`
	EMailAddress string `xml:"EMailAddress"`
}

type mobilesyncAction struct {
	Settings mobilesyncSettings `xml:"Settings"`
}

type mobilesyncSettings struct {
	Servers []mobilesyncServer `xml:"Server"`
}

type mobilesyncServer struct {
	Type string `xml:"Type"`
	URL  string `xml:"Url"`
	Name string `xml:"Name"`
}

func mobilesyncDocument(addr, host string) *mobilesyncDoc {
	doc := &mobilesyncDoc{}
	doc.Response.Culture = "en:us"
	doc.Response.User.DisplayName = addr
	doc.Response.User.EMailAddress = addr
	u := easURL(host)
	doc.Response.Action.Settings.Servers = []mobilesyncServer{{
		Type: "MobileSync",
		URL:  u,
		Name: u,
	}}
	return doc
}

type outlookDoc struct {
	XMLName  xml.Name `xml:"http://schemas.microsoft.com/exchange/autodiscover/responseschema/2006 Autodiscover"`
	Response outlookResponse
}

type outlookResponse struct {
	XMLName xml.Name       `xml:"http://schemas.microsoft.com/exchange/autodiscover/outlook/responseschema/2006a Response"`
	User    outlookUser    `xml:"User"`
	Account outlookAccount `xml:"Account"`
}

type outlookUser struct {
	DisplayName             string `xml:"DisplayName"`
	AutoDiscoverSMTPAddress string `xml:"AutoDiscoverSMTPAddress"`
}

type outlookAccount struct {
	AccountType string            `xml:"AccountType"`
	Action      string            `xml:"Action"`
	Protocols   []outlookProtocol `xml:"Protocol"`
}

type outlookProtocol struct {
	Type        string        `xml:"Type"`
	Server      string        `xml:"Server,omitempty"`
	SSL         string        `xml:"SSL,omitempty"`
	AuthPackage string        `xml:"AuthPackage,omitempty"`
	ASUrl       string        `xml:"ASUrl,omitempty"`
	OWAUrl      string        `xml:"OWAUrl,omitempty"`
	MailStore   *outlookStore `xml:"MailStore,omitempty"`
}

type outlookStore struct {
	InternalUrl string `xml:"InternalUrl,omitempty"`
	ExternalUrl string `xml:"ExternalUrl,omitempty"`
}

// outlookDocument advertises MAPI/HTTP, webmail and ActiveSync. The
// MAPI endpoint answers 501, which is deliberate: Outlook tries it,
// gives up and falls back to the MobileSync entry. AuthPackage is
// Basic; advertising Negotiate fails silently without a KDC behind
// it.
func outlookDocument(addr, host string) *outlookDoc {
	doc := &outlookDoc{}
	doc.Response.User.DisplayName = addr
	doc.Response.User.AutoDiscoverSMTPAddress = addr
	doc.Response.Account.AccountType = "email"
	doc.Response.Account.Action = "settings"
	doc.Response.Account.Protocols = []outlookProtocol{
		{
			Type:        "EXHTTP",
			Server:      host,
			SSL:         "On",
			AuthPackage: "Basic",
			MailStore:   &outlookStore{ExternalUrl: "https://" + host + "/mapi/emsmdb"},
		},
		{
			Type:        "WEB",
			AuthPackage: "Basic",
			OWAUrl:      "https://" + host + "/",
		},
		{
			Type:        "MobileSync",
			AuthPackage: "Basic",
			ASUrl:       easURL(host),
		},
	}
	return doc
}
