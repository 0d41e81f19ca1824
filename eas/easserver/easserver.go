// Package easserver implements the Exchange ActiveSync protocol
// engine over HTTP.
//
// To use this package, implement the eas.Backend and eas.User
// interfaces and mount the server's Routes on an HTTP router. Mail
// delivery wakes suspended Ping handlers through an eas.Bus shared
// with the ingest pipeline.
//
// Supported commands: Sync, FolderSync, Provision, Ping, Options,
// GetItemEstimate, SendMail, SmartForward, SmartReply, Settings,
// ItemOperations, MoveItems, Search.
package easserver

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"tern.email/eas"
	"tern.email/wbxml"
)

// ProtocolVersion is the single ActiveSync version this server
// implements end to end. Advertising versions that are only partly
// supported makes clients pick them.
const ProtocolVersion = "14.1"

// commandList is sent in MS-ASProtocolCommands.
const commandList = "Sync,FolderSync,Provision,Options,Ping,ItemOperations," +
	"GetItemEstimate,SendMail,SmartForward,SmartReply,Settings,MoveItems,Search"

const (
	wbxmlContentType = "application/vnd.ms-sync.wbxml"

	cmdTimeout  = 60 * time.Second
	pingGrace   = 30 * time.Second
	maxBodySize = 64 << 20
)

var ErrServerClosed = errors.New("easserver: Server closed")

type Server struct {
	Backend eas.Backend
	Bus     *eas.Bus
	Logf    func(format string, v ...interface{})
	Rand    io.Reader // source for policy keys

	// Debug logs request and response bodies, rendered as XML when
	// they parse and as hex dumps when they do not.
	Debug bool

	// MaxConns bounds concurrently executing commands.
	// Excess requests are answered with 503. Zero means no bound.
	MaxConns int

	locks keyMutex

	pingMu    sync.Mutex
	pingPrior map[string]pingParams // last Ping parameters per user/device

	inflightMu sync.Mutex
	inflight   int
}

func NewServer(backend eas.Backend, bus *eas.Bus) *Server {
	return &Server{
		Backend:   backend,
		Bus:       bus,
		Logf:      log.Printf,
		Rand:      rand.Reader,
		pingPrior: make(map[string]pingParams),
	}
}

// Routes registers the ActiveSync endpoints on r. The MAPI endpoints
// answer 501 so that Outlook falls back to ActiveSync after reading
// Autodiscover.
func (s *Server) Routes(r chi.Router) {
	r.MethodFunc("OPTIONS", "/Microsoft-Server-ActiveSync", s.handleOptions)
	r.MethodFunc("POST", "/Microsoft-Server-ActiveSync", s.handleCommand)
	r.HandleFunc("/mapi/emsmdb", s.handleMAPI)
	r.HandleFunc("/mapi/nspi", s.handleMAPI)
}

// request carries everything a command handler needs.
type request struct {
	user     eas.User
	device   *eas.Device
	strategy eas.Strategy
	protoVer string
	body     []byte
	query    url.Values
	log      *requestLog
}

// requestLog is one structured entry per request, enough to replay a
// client's session without a packet capture.
type requestLog struct {
	When     time.Time
	User     string
	DeviceID string
	Cmd      string
	KeysIn   string
	KeysOut  string
	Bytes    int
	Status   int
	Elapsed  time.Duration
	Err      error
}

func (l requestLog) String() string {
	buf := new(strings.Builder)
	fmt.Fprintf(buf, `{"where": "eas", "cmd": %q, `, l.Cmd)
	buf.WriteString(`"when": "`)
	buf.Write(l.When.AppendFormat(make([]byte, 0, 64), time.RFC3339Nano))
	buf.WriteString(`"`)
	if l.User != "" {
		fmt.Fprintf(buf, `, "user": %q`, l.User)
	}
	if l.DeviceID != "" {
		fmt.Fprintf(buf, `, "device_id": %q`, l.DeviceID)
	}
	if l.KeysIn != "" {
		fmt.Fprintf(buf, `, "keys_in": %q`, l.KeysIn)
	}
	if l.KeysOut != "" {
		fmt.Fprintf(buf, `, "keys_out": %q`, l.KeysOut)
	}
	fmt.Fprintf(buf, `, "bytes": %d, "status": %d, "duration": "%s"`, l.Bytes, l.Status, l.Elapsed)
	if l.Err != nil {
		fmt.Fprintf(buf, `, "err": %q`, l.Err.Error())
	}
	buf.WriteByte('}')
	return buf.String()
}

func (l *requestLog) addKeyIn(k string) {
	if l.KeysIn != "" {
		l.KeysIn += ","
	}
	l.KeysIn += k
}

func (l *requestLog) addKeyOut(k string) {
	if l.KeysOut != "" {
		l.KeysOut += ","
	}
	l.KeysOut += k
}

func (s *Server) handleOptions(w http.ResponseWriter, r *http.Request) {
	user, _, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	user.Close()
	setProtocolHeaders(w.Header())
	w.WriteHeader(http.StatusOK)
}

// setProtocolHeaders stamps every ActiveSync response, OPTIONS and
// command alike, with the advertised protocol surface.
func setProtocolHeaders(h http.Header) {
	h.Set("MS-ASProtocolVersions", ProtocolVersion)
	h.Set("MS-ASProtocolCommands", commandList)
	h.Set("MS-Server-ActiveSync", ProtocolVersion)
	h.Set("Cache-Control", "private, no-cache")
}

func (s *Server) handleMAPI(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("X-ServerApplication", "ActiveSync/"+ProtocolVersion)
	w.WriteHeader(http.StatusNotImplemented)
}

// authenticate resolves Basic credentials to a user session and
// writes the 401 challenge itself on failure.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (eas.User, string, bool) {
	username, password, ok := r.BasicAuth()
	if !ok {
		w.Header().Set("WWW-Authenticate", `Basic realm="ActiveSync"`)
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return nil, "", false
	}
	// Clients send DOMAIN\user or user@domain; the backend wants
	// the address.
	if i := strings.LastIndexByte(username, '\\'); i >= 0 {
		username = username[i+1:]
	}
	user, err := s.Backend.Login(r.Context(), username, password)
	if err != nil {
		if errors.Is(err, eas.ErrBadCredentials) {
			w.Header().Set("WWW-Authenticate", `Basic realm="ActiveSync"`)
			http.Error(w, "bad credentials", http.StatusUnauthorized)
		} else {
			s.Logf("easserver: login %q: %v", username, err)
			http.Error(w, "server error", http.StatusInternalServerError)
		}
		return nil, "", false
	}
	return user, username, true
}

func (s *Server) acquire() bool {
	if s.MaxConns == 0 {
		return true
	}
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if s.inflight >= s.MaxConns {
		return false
	}
	s.inflight++
	return true
}

func (s *Server) release() {
	if s.MaxConns == 0 {
		return
	}
	s.inflightMu.Lock()
	s.inflight--
	s.inflightMu.Unlock()
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	rlog := &requestLog{When: time.Now(), Cmd: r.URL.Query().Get("Cmd")}
	defer func() {
		rlog.Elapsed = time.Since(rlog.When)
		s.Logf("%s", rlog.String())
	}()

	if !s.acquire() {
		rlog.Status = http.StatusServiceUnavailable
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
		return
	}
	defer s.release()

	user, username, ok := s.authenticate(w, r)
	if !ok {
		rlog.Status = http.StatusUnauthorized
		return
	}
	defer user.Close()
	rlog.User = username

	q := r.URL.Query()
	cmd := q.Get("Cmd")
	deviceID := q.Get("DeviceId")
	deviceType := q.Get("DeviceType")
	rlog.DeviceID = deviceID
	if cmd == "" || deviceID == "" {
		rlog.Status = http.StatusBadRequest
		http.Error(w, "missing Cmd or DeviceId", http.StatusBadRequest)
		return
	}

	userAgent := r.Header.Get("User-Agent")
	device, err := s.ensureDevice(r.Context(), user.ID(), deviceID, deviceType, userAgent)
	if err != nil {
		rlog.Status = http.StatusInternalServerError
		rlog.Err = err
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}

	if gated(cmd) && !s.policyOK(device, r.Header.Get("X-MS-PolicyKey")) {
		rlog.Status = 449
		s.writeProvisionRequired(w)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		rlog.Status = http.StatusBadRequest
		rlog.Err = err
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}
	if s.Debug {
		s.Logf("easserver: %s request body:\n%s", cmd, debugDump(body))
	}

	rq := &request{
		user:     user,
		device:   device,
		strategy: eas.DetectStrategy(userAgent, deviceType),
		protoVer: r.Header.Get("MS-ASProtocolVersion"),
		body:     body,
		query:    q,
		log:      rlog,
	}

	timeout := cmdTimeout
	if cmd == "Ping" {
		timeout = maxHeartbeat*time.Second + pingGrace
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	var resp []byte
	switch cmd {
	case "Sync":
		resp, err = s.cmdSync(ctx, rq)
	case "FolderSync":
		resp, err = s.cmdFolderSync(ctx, rq)
	case "Provision":
		resp, err = s.cmdProvision(ctx, rq)
	case "Ping":
		resp, err = s.cmdPing(ctx, rq)
	case "Settings":
		resp, err = s.cmdSettings(ctx, rq)
	case "SendMail":
		resp, err = s.cmdSendMail(ctx, rq)
	case "SmartReply":
		resp, err = s.cmdSmartSend(ctx, rq, false)
	case "SmartForward":
		resp, err = s.cmdSmartSend(ctx, rq, true)
	case "GetItemEstimate":
		resp, err = s.cmdGetItemEstimate(ctx, rq)
	case "ItemOperations":
		resp, err = s.cmdItemOperations(ctx, rq)
	case "MoveItems":
		resp, err = s.cmdMoveItems(ctx, rq)
	case "Search":
		resp, err = s.cmdSearch(ctx, rq)
	default:
		rlog.Status = http.StatusNotImplemented
		http.Error(w, "unknown command", http.StatusNotImplemented)
		return
	}

	if err != nil {
		rlog.Err = err
		var werr *wbxml.Error
		switch {
		case errors.As(err, &werr):
			rlog.Status = http.StatusBadRequest
			http.Error(w, "malformed request", http.StatusBadRequest)
		case r.Context().Err() != nil:
			// Client went away; nothing to write.
			rlog.Status = 0
		default:
			rlog.Status = http.StatusInternalServerError
			http.Error(w, "server error", http.StatusInternalServerError)
		}
		return
	}

	if s.Debug && len(resp) > 0 {
		s.Logf("easserver: %s response body:\n%s", cmd, debugDump(resp))
	}
	h := w.Header()
	setProtocolHeaders(h)
	if rq.protoVer != "" {
		h.Set("MS-ASProtocolVersion", rq.protoVer)
	}
	if len(resp) > 0 {
		h.Set("Content-Type", wbxmlContentType)
	}
	rlog.Status = http.StatusOK
	rlog.Bytes = len(resp)
	w.WriteHeader(http.StatusOK)
	w.Write(resp)
}

func (s *Server) ensureDevice(ctx context.Context, userID int64, deviceID, deviceType, userAgent string) (*eas.Device, error) {
	device, err := s.Backend.Device(ctx, userID, deviceID)
	if errors.Is(err, eas.ErrNotFound) {
		device = &eas.Device{
			UserID:    userID,
			DeviceID:  deviceID,
			FirstSeen: time.Now(),
		}
		err = nil
	}
	if err != nil {
		return nil, fmt.Errorf("easserver: device %q: %v", deviceID, err)
	}
	device.LastSeen = time.Now()
	if deviceType != "" {
		device.Type = deviceType
	}
	if userAgent != "" {
		device.UserAgent = userAgent
	}
	if err := s.Backend.SaveDevice(ctx, device); err != nil {
		return nil, fmt.Errorf("easserver: device %q: %v", deviceID, err)
	}
	return device, nil
}

// gated reports whether a command requires a valid policy key.
func gated(cmd string) bool {
	switch cmd {
	case "Options", "Provision", "Ping", "Autodiscover":
		return false
	}
	return true
}

// policyOK checks the X-MS-PolicyKey header against the device. An
// unprovisioned device fails even when the client sends "0".
func (s *Server) policyOK(device *eas.Device, header string) bool {
	if device.PolicyKey == 0 {
		return false
	}
	return header == fmt.Sprintf("%d", device.PolicyKey)
}

// writeProvisionRequired answers a gated command from an
// unprovisioned device. The body is a minimal Provision document;
// the 449 status is what sends clients back to the handshake.
func (s *Server) writeProvisionRequired(w http.ResponseWriter) {
	e := wbxml.NewEncoder()
	e.Start(eas.PageProvision, eas.ProvProvision)
	e.TextElem(eas.PageProvision, eas.ProvStatus, "1")
	e.End()
	body, err := e.Bytes()
	if err != nil {
		http.Error(w, "provisioning required", 449)
		return
	}
	h := w.Header()
	setProtocolHeaders(h)
	h.Set("Content-Type", wbxmlContentType)
	w.WriteHeader(449)
	w.Write(body)
}

// decodeBody parses the request body as WBXML and checks the root.
func (rq *request) decodeBody(rootPage, rootTok byte, budget int64) (*wbxml.Node, error) {
	d := wbxml.Decoder{Budget: budget}
	root, err := d.Decode(bytes.NewReader(rq.body))
	if err != nil {
		return nil, err
	}
	if root.Page != rootPage || root.Tok != rootTok {
		return nil, &wbxml.Error{Code: wbxml.ErrMalformed, Page: root.Page, Token: root.Tok, Detail: "unexpected document element"}
	}
	return root, nil
}

// debugDump renders a document as indented XML when it parses,
// falling back to a hex dump for raw MIME bodies and damaged input.
func debugDump(p []byte) string {
	if !wbxml.IsDocument(p) {
		return hexDump(p)
	}
	n, err := wbxml.Decode(p)
	if err != nil {
		return hexDump(p)
	}
	var sb strings.Builder
	if err := wbxml.XML(&sb, n, eas.Tags, "  "); err != nil {
		return hexDump(p)
	}
	return sb.String()
}

func hexDump(p []byte) string {
	const max = 8 << 10
	if len(p) > max {
		return hex.Dump(p[:max]) + fmt.Sprintf("... (%d more bytes)", len(p)-max)
	}
	return hex.Dump(p)
}

// keyMutex serializes sync state access per (user, device,
// collection). Locks are sharded and collected when released so the
// table stays proportional to in-flight requests.
type keyMutex struct {
	shards [16]keyMutexShard
}

type keyMutexShard struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	refs int
	mu   sync.Mutex
}

func (km *keyMutex) Lock(key string) (unlock func()) {
	shard := &km.shards[fnv32(key)%uint32(len(km.shards))]
	shard.mu.Lock()
	if shard.locks == nil {
		shard.locks = make(map[string]*keyLock)
	}
	l := shard.locks[key]
	if l == nil {
		l = new(keyLock)
		shard.locks[key] = l
	}
	l.refs++
	shard.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		shard.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(shard.locks, key)
		}
		shard.mu.Unlock()
	}
}

func fnv32(s string) uint32 {
	h := uint32(2166136261)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	return h
}

func syncLockKey(userID int64, deviceID, collectionID string) string {
	return fmt.Sprintf("%d|%s|%s", userID, deviceID, collectionID)
}
