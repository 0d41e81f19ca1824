// Package terndb assembles the tern mail server from its parts.
//
// It owns the central database, the per-user mailboxes, and the
// background loops that move mail between them, and it serves the
// SMTP, submission, and ActiveSync listeners.
package terndb

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"crawshaw.io/iox"
	"crawshaw.io/sqlite/sqlitex"
	"github.com/go-chi/chi/v5"
	"github.com/robfig/cron/v3"
	"golang.org/x/crypto/acme/autocert"
	"tern.email/eas/autodiscover"
	"tern.email/eas/easserver"
	"tern.email/smtp/smtpserver"
	"tern.email/terndb/boxmgmt"
	"tern.email/terndb/db"
	"tern.email/terndb/deliverer"
	"tern.email/terndb/easdb"
	"tern.email/terndb/localsender"
	"tern.email/terndb/smtpdb"
)

// Retention windows for the daily mailbox sweep.
const (
	expungeRetention = 30 * 24 * time.Hour
	deviceRetention  = 90 * 24 * time.Hour
)

type Server struct {
	Filer *iox.Filer
	DB    *sqlitex.Pool

	CertManager *autocert.Manager
	Version     string
	Domain      string // primary mail domain
	Hostname    string // name used in SMTP HELO and discovery URLs

	Deliverer   *deliverer.Deliverer
	LocalSender *localsender.LocalSender
	BoxMgmt     *boxmgmt.BoxMgmt
	Janitor     *db.Janitor
	Logf        func(format string, v ...interface{})

	// Debug turns on wire-level logging in the protocol servers.
	Debug bool

	cron *cron.Cron

	shutdownFnsMu sync.Mutex
	shutdownFns   []func(context.Context) error
}

// New opens the central database and prepares the server pipelines.
// dbFile is the central SQLite database, a path or file: URI as
// DATABASE_URL supplies it; empty means in-memory. User mailboxes
// live in a users/ directory beside the central database.
func New(filer *iox.Filer, dbFile, domain, hostname string) (*Server, error) {
	if filer == nil {
		filer = iox.NewFiler(0)
	}
	s := &Server{
		Filer:    filer,
		Domain:   domain,
		Hostname: hostname,
		Logf:     log.Printf,
	}

	dbDir := ""
	if dbFile == "" {
		dbFile = "file::memory:?mode=memory"
	} else if p := dbFilePath(dbFile); p != "" {
		dbDir = filepath.Dir(p)
		if err := os.MkdirAll(dbDir, 0770); err != nil {
			return nil, fmt.Errorf("terndb: initialize dbdir: %v", err)
		}
	}

	var err error
	s.DB, err = db.Open(dbFile)
	if err != nil {
		return nil, fmt.Errorf("terndb: %v", err)
	}

	s.BoxMgmt, err = boxmgmt.New(filer, s.DB, dbDir)
	if err != nil {
		s.DB.Close()
		return nil, err
	}

	s.LocalSender = localsender.New(s.DB, s.Filer, s.BoxMgmt, domain, s.logf)
	s.Deliverer = deliverer.NewDeliverer(s.DB, s.Filer, hostname, s.logf)
	s.LocalSender.Deliver = func() { s.Deliverer.Deliver(0) }
	s.Janitor = db.NewJanitor(s.DB)
	s.Janitor.Logf = s.logf
	s.cron = cron.New()

	return s, nil
}

// logf forwards to the Logf field, which callers may replace after New.
func (s *Server) logf(format string, v ...interface{}) {
	s.Logf(format, v...)
}

// dbFilePath extracts the filesystem path from a SQLite database
// name. Memory databases have no path.
func dbFilePath(dbFile string) string {
	p := strings.TrimPrefix(dbFile, "file:")
	p = strings.TrimPrefix(p, "//")
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" || p == ":memory:" {
		return ""
	}
	return p
}

// ensureDKIM creates the domain's mail signing key on first boot.
// The key only becomes effective once the operator publishes the
// matching TXT record, so it is logged on every start.
func (s *Server) ensureDKIM() error {
	if s.Domain == "" {
		return nil
	}
	conn := s.DB.Get(nil)
	defer s.DB.Put(conn)

	rec, created, err := db.EnsureDKIMRecord(conn, s.Domain)
	if err != nil {
		return fmt.Errorf("terndb: dkim: %v", err)
	}
	if created {
		s.Logf("terndb: dkim: generated signing key for %s", s.Domain)
	}
	name, value := rec.TXTRecord()
	s.Logf("terndb: dkim: outgoing mail verifies once DNS has: %s IN TXT %q", name, value)
	return nil
}

// SetSecretKey stores the server signing key in the central database.
func (s *Server) SetSecretKey(ctx context.Context, key string) error {
	conn := s.DB.Get(ctx)
	if conn == nil {
		return context.Canceled
	}
	defer s.DB.Put(conn)
	return db.SetSecretKey(conn, key)
}

// AddUser creates a user account with a mail address and password.
func (s *Server) AddUser(ctx context.Context, details db.UserDetails) (userID int64, err error) {
	if err := details.Validate(); err != nil {
		return 0, err
	}
	conn := s.DB.Get(ctx)
	if conn == nil {
		return 0, context.Canceled
	}
	defer s.DB.Put(conn)
	return db.AddUser(conn, details)
}

type ServerAddr struct {
	Hostname  string
	Ln        net.Listener
	TLSConfig *tls.Config
}

// Serve runs the listeners until Shutdown. The smtp addresses accept
// incoming mail (port 25), msa addresses accept STARTTLS submission
// (port 587), msas addresses accept implicit-TLS submission (port
// 465), and eas addresses serve ActiveSync HTTPS.
func (s *Server) Serve(smtp, msa, msas, eas []ServerAddr) error {
	errCh := make(chan error, 8)

	if err := s.ensureDKIM(); err != nil {
		return err
	}

	s.shutdownFnsMu.Lock()
	s.shutdownFns = []func(context.Context) error{
		func(ctx context.Context) error { s.LocalSender.Shutdown(ctx); return nil },
		func(context.Context) error { s.Deliverer.Shutdown(); return nil },
		func(ctx context.Context) error { return s.Janitor.Shutdown(ctx) },
	}
	s.shutdownFnsMu.Unlock()

	if _, err := s.cron.AddFunc("@every 10m", s.Janitor.CleanNow); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc("@daily", s.cleanBoxes); err != nil {
		return err
	}
	s.cron.Start()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.Logf("terndb: message local deliverer starting")
		if err := s.LocalSender.Run(); err != nil {
			errCh <- fmt.Errorf("terndb.LocalSender: %v", err)
		}
		s.Logf("terndb: message local deliverer shutdown")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.Logf("terndb: message remote deliverer starting")
		if err := s.Deliverer.Run(); err != nil {
			errCh <- fmt.Errorf("terndb.Deliverer: %v", err)
		}
		s.Logf("terndb: message remote deliverer shutdown")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.Logf("terndb: janitor starting")
		if err := s.Janitor.Run(); err != nil {
			errCh <- fmt.Errorf("terndb.Janitor: %v", err)
		}
		s.Logf("terndb: janitor shutdown")
	}()

	for _, addr := range smtp {
		addr := addr
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Logf("terndb: SMTP %s, %s: starting", addr.Hostname, addr.Ln.Addr())
			if err := s.serveSMTP(addr); err != nil {
				errCh <- fmt.Errorf("terndb SMTP %s: %v", addr.Hostname, err)
			}
			s.Logf("terndb: SMTP %s, %s: shutdown", addr.Hostname, addr.Ln.Addr())
		}()
	}

	for _, addr := range msa {
		addr := addr
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Logf("terndb: MSA %s, %s: starting", addr.Hostname, addr.Ln.Addr())
			if err := s.serveMSA(addr, false); err != nil {
				errCh <- fmt.Errorf("terndb MSA %s: %v", addr.Hostname, err)
			}
			s.Logf("terndb: MSA %s, %s: shutdown", addr.Hostname, addr.Ln.Addr())
		}()
	}

	for _, addr := range msas {
		addr := addr
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Logf("terndb: MSAS %s, %s: starting", addr.Hostname, addr.Ln.Addr())
			if err := s.serveMSA(addr, true); err != nil {
				errCh <- fmt.Errorf("terndb MSAS %s: %v", addr.Hostname, err)
			}
			s.Logf("terndb: MSAS %s, %s: shutdown", addr.Hostname, addr.Ln.Addr())
		}()
	}

	for _, addr := range eas {
		addr := addr
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Logf("terndb: ActiveSync %s, %s: starting", addr.Hostname, addr.Ln.Addr())
			if err := s.serveEAS(addr); err != nil {
				errCh <- fmt.Errorf("terndb ActiveSync %s: %v", addr.Hostname, err)
			}
			s.Logf("terndb: ActiveSync %s, %s: shutdown", addr.Hostname, addr.Ln.Addr())
		}()
	}

	wg.Wait()
	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}

func (s *Server) cleanBoxes() {
	now := time.Now()
	err := s.BoxMgmt.CleanBoxes(context.Background(), now.Add(-expungeRetention), now.Add(-deviceRetention))
	if err != nil {
		s.Logf("terndb: mailbox sweep: %v", err)
	}
}

func (s *Server) addShutdownFn(fn func(context.Context) error) {
	s.shutdownFnsMu.Lock()
	s.shutdownFns = append(s.shutdownFns, fn)
	s.shutdownFnsMu.Unlock()
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.Logf("terndb: shutdown started")

	shutdownDone := make(chan struct{}, 1)
	go func() {
		select {
		case <-shutdownDone:
		case <-ctx.Done():
			s.Logf("terndb: shutdown time out, becoming less graceful")
		}
	}()

	// Stage 1: shut down the serving elements.
	<-s.cron.Stop().Done()

	var wg sync.WaitGroup

	s.shutdownFnsMu.Lock()
	errCh := make(chan error, len(s.shutdownFns))
	for _, fn := range s.shutdownFns {
		wg.Add(1)
		fn := fn
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				errCh <- err
			}
		}()
	}
	s.shutdownFns = nil
	s.shutdownFnsMu.Unlock()
	wg.Wait()

	// Stage 2: bring down the mailboxes and the database.
	if err := s.BoxMgmt.Close(); err != nil {
		s.Logf("terndb: mailbox shutdown: %v", err)
	}
	if err := s.DB.Close(); err != nil {
		s.Logf("terndb: DB shutdown: %v", err)
	}
	s.Logf("terndb: DB shutdown")

	s.Filer = nil

	shutdownDone <- struct{}{}
	s.Logf("terndb: shutdown complete")
	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}

func (s *Server) tlsConfig(addr ServerAddr) (*tls.Config, error) {
	if addr.TLSConfig != nil {
		return addr.TLSConfig, nil
	}
	config := &tls.Config{}

	if s.CertManager != nil {
		hello := &tls.ClientHelloInfo{ServerName: addr.Hostname}
		cert, err := s.CertManager.GetCertificate(hello)
		if err != nil {
			return nil, err
		}
		config.Certificates = append(config.Certificates, *cert)
	}
	return config, nil
}

func (s *Server) serveSMTP(addr ServerAddr) error {
	tlsConfig, err := s.tlsConfig(addr)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	msgMaker := smtpdb.New(ctx, s.DB, s.Filer, s.Domain, s.LocalSender.Process, s.logf)

	const maxMsgSize = 1 << 27
	smtp := &smtpserver.Server{
		Hostname:   addr.Hostname,
		NewMessage: msgMaker.NewMessage,
		MaxSize:    maxMsgSize,
		Logf:       s.logf,
		AllowNoTLS: true,
		TLSConfig:  tlsConfig,
	}

	s.addShutdownFn(smtp.Shutdown)

	if err := smtp.ServeSTARTTLS(addr.Ln); err != nil {
		if err != smtpserver.ErrServerClosed {
			return err
		}
	}
	return nil
}

// serveMSA serves authenticated mail submission. Port 587 submission
// starts in cleartext and upgrades with STARTTLS; port 465 submission
// wraps the whole connection in TLS (implicitTLS).
func (s *Server) serveMSA(addr ServerAddr, implicitTLS bool) error {
	tlsConfig, err := s.tlsConfig(addr)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	doneFn := func(stagingID int64) {
		// A submission may have local recipients, remote
		// recipients, or both. Give both loops a kick.
		s.Deliverer.Deliver(stagingID)
		s.LocalSender.Process(stagingID)
	}
	msgMaker := smtpdb.New(ctx, s.DB, s.Filer, s.Domain, doneFn, s.logf)

	const maxMsgSize = 1 << 27
	smtp := &smtpserver.Server{
		Hostname:   addr.Hostname,
		Auth:       msgMaker.Auth,
		MustAuth:   true,
		NewMessage: msgMaker.NewMessage,
		MaxSize:    maxMsgSize,
		Logf:       s.logf,
		TLSConfig:  tlsConfig,
	}
	s.addShutdownFn(smtp.Shutdown)

	serve := smtp.ServeSTARTTLS
	if implicitTLS {
		serve = smtp.ServeTLS
	}
	if err := serve(addr.Ln); err != nil {
		if err != smtpserver.ErrServerClosed {
			return err
		}
	}
	return nil
}

func (s *Server) serveEAS(addr ServerAddr) error {
	tlsConfig, err := s.tlsConfig(addr)
	if err != nil {
		return err
	}

	submit := func() {
		// A sent message may have local recipients, remote
		// recipients, or both. Give both loops a kick.
		s.LocalSender.Process(0)
		s.Deliverer.Deliver(0)
	}
	backend := easdb.NewBackend(s.DB, s.Filer, s.BoxMgmt, s.Domain, submit, s.logf)

	easSrv := easserver.NewServer(backend, s.BoxMgmt.Bus)
	easSrv.Logf = s.logf
	easSrv.Debug = s.Debug

	discovery := autodiscover.NewServer(s.Hostname, backend)
	discovery.Logf = s.logf

	r := chi.NewRouter()
	easSrv.Routes(r)
	discovery.Routes(r)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	httpServer := &http.Server{
		Handler:     r,
		TLSConfig:   tlsConfig,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	s.addShutdownFn(func(sctx context.Context) error {
		cancel() // unblocks long-poll Pings
		return httpServer.Shutdown(sctx)
	})

	if err := httpServer.ServeTLS(addr.Ln, "", ""); err != nil {
		if err != http.ErrServerClosed {
			return err
		}
	}
	return nil
}
