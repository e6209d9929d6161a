// Command ttymux-server is the web-facing process (spec.md §4.A/§4.D–§4.I):
// it owns the Session Manager, spawns ttymux-host subprocesses, and serves
// the /ws/mux, /ws/state, and REST endpoints over HTTPS.
//
// Flag handling follows the teacher's flag.String/flag.Duration set in
// swe-swe-server's main(); config file loading and hot-reload are layered
// on top via internal/config.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"log"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/ttymux/ttymux/internal/config"
	"github.com/ttymux/ttymux/internal/muxbroadcast"
	"github.com/ttymux/ttymux/internal/playback"
	"github.com/ttymux/ttymux/internal/server"
	"github.com/ttymux/ttymux/internal/session"
	"github.com/ttymux/ttymux/internal/statebroadcast"
	"github.com/ttymux/ttymux/internal/tlscert"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (optional)")
	addr := flag.String("addr", "127.0.0.1:8443", "listen address")
	hostBinary := flag.String("host-binary", "", "path to the ttymux-host executable (defaults to the one next to this binary)")
	certDir := flag.String("cert-dir", "./certs", "directory for the self-signed TLS certificate")
	version := flag.Bool("version", false, "show version and exit")
	flag.Parse()

	if *version {
		log.Println("ttymux-server version dev")
		return
	}

	cfg := defaultRuntimeConfig(*addr, *certDir, *hostBinary)
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("load config: %v", err)
		}
		cfg = loaded
	}

	mux := muxbroadcast.New()

	var recorders *playback.Registry
	if cfg.RecordingsEnabled {
		recorders = playback.NewRegistry()
	}

	onOutput := mux.OnOutput
	if recorders != nil {
		onOutput = func(sessionID string, cols, rows uint16, data []byte) {
			recorders.Append(sessionID, data)
			mux.OnOutput(sessionID, cols, rows, data)
		}
	}

	sm := session.NewManager(resolveHostBinary(cfg.HostBinary, *hostBinary), onOutput)
	sm.SetMaxSessions(cfg.MaxSessions)

	state := statebroadcast.New(sm)
	server.WireStateChanges(sm, mux, state)

	if recorders != nil {
		sm.AddStateListener(func(sessionID string, ev session.Event) {
			switch ev {
			case session.EventCreated:
				if rec, ok := sm.GetSession(sessionID); ok && rec.RecordingEnabled {
					recorders.Start(sessionID)
				}
			case session.EventDestroyed:
				recorders.Stop(sessionID)
			}
		})
	}

	srv := server.New(sm, mux, state, recorders, serverDefaults(cfg))

	pair, err := tlscert.LoadOrGenerate(cfg.CertDir, cfg.ExtraTLSHost)
	if err != nil {
		log.Fatalf("tls cert: %v", err)
	}
	certs := newRotatingCert()
	if err := certs.reload(pair); err != nil {
		log.Fatalf("tls cert: %v", err)
	}

	if *configPath != "" {
		w, err := config.WatchFile(*configPath, func(c *config.Config) {
			log.Printf("[SERVER] config reloaded from %s", *configPath)
			sm.SetMaxSessions(c.MaxSessions)
			srv.SetDefaults(serverDefaults(c))
			if newPair, err := tlscert.LoadOrGenerate(c.CertDir, c.ExtraTLSHost); err != nil {
				log.Printf("[SERVER] cert rotation skipped, keeping previous cert: %v", err)
			} else if err := certs.reload(newPair); err != nil {
				log.Printf("[SERVER] cert rotation skipped, keeping previous cert: %v", err)
			} else {
				log.Printf("[SERVER] tls certificate rotated from %s", c.CertDir)
			}
		})
		if err != nil {
			log.Fatalf("watch config: %v", err)
		}
		defer w.Close()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	httpSrv := &http.Server{
		Addr:      cfg.ListenAddr,
		Handler:   srv,
		TLSConfig: &tls.Config{GetCertificate: certs.get},
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		httpSrv.Shutdown(shutdownCtx)
	}()

	log.Printf("ttymux-server listening on https://%s", cfg.ListenAddr)
	if err := httpSrv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
		log.Fatalf("serve: %v", err)
	}
}

// serverDefaults derives the Server's request defaults from the current
// Config, shared by initial construction and config hot-reload so both
// paths stay in sync.
func serverDefaults(cfg *config.Config) server.Defaults {
	return server.Defaults{
		ShellKind:             cfg.DefaultShell,
		ScrollbackCapacity:    cfg.ScrollbackBytes,
		ViewerQueueCapacity:   cfg.ViewerQueueDepth,
		BackgroundFlushAtByte: cfg.BackgroundFlushKB * 1024,
		RecordingsEnabled:     cfg.RecordingsEnabled,
	}
}

// rotatingCert lets config hot-reload swap the serving certificate without
// tearing down the listening http.Server, by handing http/2's TLS handshake
// a GetCertificate callback instead of a fixed cert/key pair.
type rotatingCert struct {
	mu   sync.RWMutex
	cert *tls.Certificate
}

func newRotatingCert() *rotatingCert {
	return &rotatingCert{}
}

func (r *rotatingCert) reload(pair tlscert.Pair) error {
	cert, err := pair.LoadX509KeyPair()
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.cert = &cert
	r.mu.Unlock()
	return nil
}

func (r *rotatingCert) get(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cert, nil
}

func defaultRuntimeConfig(addr, certDir, hostBinary string) *config.Config {
	return &config.Config{
		ListenAddr:        addr,
		CertDir:           certDir,
		HostBinary:        hostBinary,
		DefaultShell:      "/bin/sh",
		ScrollbackBytes:   128 * 1024,
		ViewerQueueDepth:  500,
		BackgroundFlushKB: 2,
		MaxSessions:       64,
	}
}

// resolveHostBinary prefers an explicit flag, then the config value, then a
// ttymux-host binary alongside this executable.
func resolveHostBinary(fromConfig, fromFlag string) string {
	if fromFlag != "" {
		return fromFlag
	}
	if fromConfig != "" {
		return fromConfig
	}
	if self, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(self), "ttymux-host")
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	if path, err := exec.LookPath("ttymux-host"); err == nil {
		return path
	}
	return "ttymux-host"
}
