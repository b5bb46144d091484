// Command mutualized-server is the broker's front door: it starts (or
// dials) exactly one upstream language server, then accepts any number of
// client connections on a TCP listener, attaching a fresh binding.Binding
// to each.
//
// Grounded on the teacher's main.go (config-fallback-search, logger init,
// then start) and cmd/lsp-session-manager/main.go's TCP accept loop and
// signal-triggered shutdown, generalized from a single BSL-LS session
// daemon to a transport-agnostic multi-client broker.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/myleshyson/lsprotocol-go/protocol"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/CodinGame/languageserver-mutualized/binding"
	"github.com/CodinGame/languageserver-mutualized/config"
	"github.com/CodinGame/languageserver-mutualized/languageclient"
	"github.com/CodinGame/languageserver-mutualized/logger"
	"github.com/CodinGame/languageserver-mutualized/transport"
	"github.com/CodinGame/languageserver-mutualized/watchedfiles"
)

func main() {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "mutualized-server",
		Short: "multiplex many LSP clients over one upstream language server",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPathFlag, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(v, configPathFlag)
			if err != nil {
				return err
			}
			return run(cfg)
		},
	}
	config.Flags(cmd, v)

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	if err := logger.Init(logger.Config{LogPath: cfg.LogPath, LogLevel: cfg.LogLevel, MaxLogFiles: cfg.MaxLogFiles}); err != nil {
		return fmt.Errorf("mutualized-server: init logger: %w", err)
	}
	defer logger.Close()

	log := logger.New("mutualized-server")

	if cfg.ServerAddr == "" && len(cfg.ServerCommand) == 0 {
		return errors.New("mutualized-server: one of --server-addr or --server-command is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := languageclient.New(languageclient.Config{
		Logger:                    logger.New("languageclient"),
		DisableSaveNotifications:  cfg.DisableSaveNotifications,
		DebounceDelay:             cfg.DebounceDelay,
		DiffTimeout:               cfg.DiffTimeout,
	})

	upstreamConn, cleanup, err := dialUpstream(ctx, cfg, client)
	if err != nil {
		return fmt.Errorf("mutualized-server: connect upstream server: %w", err)
	}
	defer cleanup()

	client.Attach(upstreamConn)
	go func() {
		<-upstreamConn.DisconnectNotify()
		client.HandleRemoteDisconnect()
	}()

	watcher := startWatcher(cfg, log, client)
	if watcher != nil {
		defer watcher.Stop()
	}

	debugSrv := startDebugServer(cfg, log, client)
	if debugSrv != nil {
		defer debugSrv.Close()
	}

	ln, err := transport.ListenTCP(cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("mutualized-server: listen on %s: %w", cfg.ListenAddr, err)
	}
	defer ln.Close()
	log.WithField("addr", ln.Addr().String()).Info("mutualized-server: accepting client connections")

	go func() {
		<-ctx.Done()
		log.Info("mutualized-server: shutting down")
		_ = ln.Close()
		client.Dispose(context.Background())
	}()

	acceptErr := ln.Serve(func(c net.Conn) {
		handleClient(ctx, c, client, cfg, log)
	})
	if acceptErr != nil && ctx.Err() == nil {
		return fmt.Errorf("mutualized-server: accept loop: %w", acceptErr)
	}
	return nil
}

// dialUpstream either dials an already-running server over TCP or spawns
// ServerCommand as a stdio child process, per Config's mutually exclusive
// ServerAddr/ServerCommand knobs (ServerCommand wins if both are set).
func dialUpstream(ctx context.Context, cfg *config.Config, client *languageclient.Client) (transport.Connection, func(), error) {
	if len(cfg.ServerCommand) > 0 {
		c := exec.CommandContext(ctx, cfg.ServerCommand[0], cfg.ServerCommand[1:]...)
		c.Stderr = os.Stderr
		stdin, err := c.StdinPipe()
		if err != nil {
			return nil, nil, err
		}
		stdout, err := c.StdoutPipe()
		if err != nil {
			return nil, nil, err
		}
		if err := c.Start(); err != nil {
			return nil, nil, err
		}
		conn := transport.Stdio(ctx, stdout, stdin, stdin.Close, client.Handler())
		cleanup := func() {
			_ = c.Process.Kill()
			_ = c.Wait()
		}
		return conn, cleanup, nil
	}

	nc, err := net.Dial("tcp", cfg.ServerAddr)
	if err != nil {
		return nil, nil, err
	}
	conn := transport.NewOverReadWriteCloser(ctx, nc, client.Handler())
	return conn, func() { _ = nc.Close() }, nil
}

// startWatcher wires a watchedfiles.Watcher over cfg.WatchRoot, filtering
// events through the upstream server's dynamic didChangeWatchedFiles
// registrations so the broker only forwards changes the server actually
// asked to be told about. Returns nil if WatchRoot is unset.
func startWatcher(cfg *config.Config, log *logrus.Entry, client *languageclient.Client) *watchedfiles.Watcher {
	if cfg.WatchRoot == "" {
		return nil
	}

	w := watchedfiles.New(cfg.WatchRoot, log, func(path string) bool {
		registry := client.Registry()
		if registry == nil {
			return false
		}
		// watchedfiles.Watcher decides whether to report an event before
		// it has classified created/changed/deleted, so the path is
		// accepted if it matches a registration for any kind.
		// NotifyWatchedFileChanges does no kind filtering of its own, so
		// events of every kind are forwarded for such a path, including
		// kinds its registration's kind mask excludes.
		return registry.IsPathWatched(path, protocol.FileChangeTypeCreated) ||
			registry.IsPathWatched(path, protocol.FileChangeTypeChanged) ||
			registry.IsPathWatched(path, protocol.FileChangeTypeDeleted)
	}, func(changes []watchedfiles.Change) {
		forwarded := make([]languageclient.WatchedFileChange, len(changes))
		for i, c := range changes {
			forwarded[i] = languageclient.WatchedFileChange{URI: c.URI, Type: c.Type}
		}
		client.NotifyWatchedFileChanges(forwarded)
	})

	if err := w.Start(); err != nil {
		log.WithError(err).Warn("mutualized-server: failed to start filesystem watcher")
		return nil
	}
	return w
}

// startDebugServer serves client.DebugSnapshot as JSON for
// cmd/mutualized-inspect, if cfg.DebugAddr is set. The listener runs in
// its own goroutine; callers should Close it on shutdown.
func startDebugServer(cfg *config.Config, log *logrus.Entry, client *languageclient.Client) *http.Server {
	if cfg.DebugAddr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/debug/snapshot", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(client.DebugSnapshot()); err != nil {
			log.WithError(err).Warn("mutualized-server: failed to encode debug snapshot")
		}
	})

	srv := &http.Server{Addr: cfg.DebugAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Warn("mutualized-server: debug server stopped")
		}
	}()
	log.WithField("addr", cfg.DebugAddr).Info("mutualized-server: serving debug snapshot")
	return srv
}

// handleClient attaches a fresh Binding to an accepted client connection
// and blocks on it for the lifetime of the accept goroutine, mirroring
// the teacher's "go sm.HandleClient(conn)" per-connection dispatch.
func handleClient(ctx context.Context, c net.Conn, client *languageclient.Client, cfg *config.Config, log *logrus.Entry) {
	b := binding.New(client, binding.Config{
		Logger:            logger.New("binding"),
		ClientInitTimeout: cfg.ClientInitTimeout,
	})
	conn := transport.NewOverReadWriteCloser(ctx, c, b.Handler())

	cause, err := b.Attach(ctx, conn)
	if err != nil {
		log.WithError(err).WithField("binding", b.ID()).Debug("mutualized-server: binding attach ended with error")
		return
	}
	log.WithField("binding", b.ID()).WithField("cause", cause.String()).Debug("mutualized-server: binding ended")
}
