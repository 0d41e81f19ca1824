// Command ternd is the tern mail server.
//
// Configuration comes from flags, falling back to environment
// variables, which a .env file in the working directory may supply.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"io"
	"log"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"crawshaw.io/iox"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/acme/autocert"
	"tern.email/terndb"
	"tern.email/terndb/db"
	"tern.email/util/devcert"
)

var version = "unknown" // filled in by "-ldflags=-X main.version=<val>"

func main() {
	_ = godotenv.Load()

	var w io.Writer = os.Stderr
	if os.Getenv("LOG_FORMAT") == "console" {
		w = zerolog.ConsoleWriter{Out: os.Stderr}
	}
	level := zerolog.InfoLevel
	if s := os.Getenv("LOG_LEVEL"); s != "" {
		if l, err := zerolog.ParseLevel(strings.ToLower(s)); err == nil {
			level = l
		}
	}
	logger := zerolog.New(w).Level(level).With().Timestamp().Logger()
	log.SetFlags(0)
	log.SetOutput(logger) // catch anything still using the log package
	logf := func(format string, v ...interface{}) {
		logger.Info().Msgf(format, v...)
	}

	hostname, err := os.Hostname()
	if err != nil {
		logger.Warn().Err(err).Msg("cannot read hostname, using localhost")
		hostname = "localhost"
	}
	if h := os.Getenv("HOSTNAME"); h != "" {
		hostname = h
	}

	dbFile := os.Getenv("DATABASE_URL")
	if dbFile == "" {
		if dir := os.Getenv("DBDIR"); dir != "" {
			dbFile = filepath.Join(dir, "ternd.db")
		}
	}

	flagDB := flag.String("db", dbFile, "central database path or file: URI (DATABASE_URL)")
	flagDomain := flag.String("domain", os.Getenv("DOMAIN"), "primary mail domain")
	flagHostname := flag.String("hostname", hostname, "server name for HELO and discovery URLs")
	flagSMTPAddr := flag.String("smtp_addr", ":25", "address for incoming SMTP, empty disables")
	flagMSAAddr := flag.String("msa_addr", ":587", "address for STARTTLS mail submission, empty disables")
	flagMSASAddr := flag.String("msas_addr", ":465", "address for implicit-TLS mail submission, empty disables")
	flagEASAddr := flag.String("eas_addr", ":443", "address for ActiveSync HTTPS, empty disables")
	flagDebugAddr := flag.String("debug_addr", "", "address for debug HTTP")
	flagACMEDir := flag.String("acme_dir", os.Getenv("ACME_DIR"), "cache directory for ACME certificates, empty uses a local dev cert")
	flagAddUser := flag.String("adduser", "", "create this user and exit (password from TERND_ADDUSER_PASSWORD)")
	flag.Parse()

	if *flagDomain == "" {
		*flagDomain = *flagHostname
		logger.Warn().Str("domain", *flagDomain).Msg("DOMAIN not set, using hostname")
	}

	ctx := context.Background()
	filer := iox.NewFiler(0)

	tempdir, err := os.MkdirTemp("", "ternd-")
	if err != nil {
		logger.Fatal().Err(err).Msg("no temp dir")
	}
	filer.SetTempdir(tempdir)

	logger.Info().
		Str("version", version).
		Str("domain", *flagDomain).
		Str("hostname", *flagHostname).
		Str("tempdir", tempdir).
		Msg("ternd starting")

	if *flagDB == "" {
		*flagDB = filepath.Join(tempdir, "ternd.db")
	}

	s, err := terndb.New(filer, *flagDB, *flagDomain, *flagHostname)
	if err != nil {
		logger.Fatal().Err(err).Msg("server init failed")
	}
	s.Version = version
	s.Logf = logf
	s.Debug = level <= zerolog.DebugLevel

	if key := os.Getenv("SECRET_KEY"); key != "" {
		if err := s.SetSecretKey(ctx, key); err != nil {
			logger.Fatal().Err(err).Msg("storing secret key failed")
		}
	}

	if *flagAddUser != "" {
		password := os.Getenv("TERND_ADDUSER_PASSWORD")
		if password == "" {
			logger.Fatal().Msg("adduser: set TERND_ADDUSER_PASSWORD")
		}
		userID, err := s.AddUser(ctx, db.UserDetails{
			EmailAddr: *flagAddUser,
			Password:  password,
		})
		if err != nil {
			logger.Fatal().Err(err).Str("address", *flagAddUser).Msg("adduser failed")
		}
		logger.Info().Int64("user_id", userID).Str("address", *flagAddUser).Msg("user created")
		s.Shutdown(ctx)
		filer.Shutdown(ctx)
		return
	}

	var devTLS *tls.Config
	if *flagACMEDir != "" {
		s.CertManager = &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			Cache:      autocert.DirCache(*flagACMEDir),
			HostPolicy: autocert.HostWhitelist(*flagHostname),
		}
	} else {
		devTLS, err = devcert.Config()
		if err != nil {
			devTLS = nil
			logger.Warn().Err(err).Msg("no dev TLS certificate; set -acme_dir for ACME or install a mkcert root CA")
		}
	}

	listen := func(addr string) net.Listener {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			logger.Fatal().Err(err).Str("addr", addr).Msg("listen failed")
		}
		return ln
	}

	var smtpAddrs, msaAddrs, msasAddrs, easAddrs []terndb.ServerAddr
	if *flagSMTPAddr != "" {
		smtpAddrs = append(smtpAddrs, terndb.ServerAddr{
			Hostname:  *flagHostname,
			Ln:        listen(*flagSMTPAddr),
			TLSConfig: devTLS,
		})
	}
	if *flagMSAAddr != "" {
		msaAddrs = append(msaAddrs, terndb.ServerAddr{
			Hostname:  *flagHostname,
			Ln:        listen(*flagMSAAddr),
			TLSConfig: devTLS,
		})
	}
	if *flagMSASAddr != "" {
		msasAddrs = append(msasAddrs, terndb.ServerAddr{
			Hostname:  *flagHostname,
			Ln:        listen(*flagMSASAddr),
			TLSConfig: devTLS,
		})
	}
	if *flagEASAddr != "" {
		easAddrs = append(easAddrs, terndb.ServerAddr{
			Hostname:  *flagHostname,
			Ln:        listen(*flagEASAddr),
			TLSConfig: devTLS,
		})
	}

	if *flagDebugAddr != "" {
		debugMux := http.NewServeMux()
		debugMux.HandleFunc("/debug/pprof/", pprof.Index)
		debugMux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		debugMux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		debugMux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		debugMux.HandleFunc("/debug/pprof/trace", pprof.Trace)

		debugServer := &http.Server{Handler: debugMux}
		go func() {
			ln, err := net.Listen("tcp", *flagDebugAddr)
			if err != nil {
				logger.Warn().Err(err).Msg("http debug server")
				return
			}
			logger.Info().Stringer("addr", ln.Addr()).Msg("debug HTTP starting")
			err = debugServer.Serve(ln)
			if err != nil && err != http.ErrServerClosed {
				logger.Warn().Err(err).Msg("http debug serving error")
			}
		}()
	}

	go func() {
		if err := s.Serve(smtpAddrs, msaAddrs, msasAddrs, easAddrs); err != nil {
			logger.Error().Err(err).Msg("terndb serve error")
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	go func() {
		interrupt := make(chan os.Signal, 1)
		signal.Notify(interrupt, os.Interrupt)
		<-interrupt
		cancel()
	}()
	<-ctx.Done()

	ctx, cancel = context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		s.Shutdown(ctx)
		wg.Done()
	}()
	wg.Wait()

	if err := filer.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("filer shutdown error")
	}
	logger.Info().Msg("ternd shut down")
}
