// Command btserial is the SPP session gateway: it keeps serial sessions with
// many Bluetooth peers and serves them over HTTP and WebSocket.
//
// Usage:
//
//	btserial -config /etc/btserial.yaml
//
// Without -config every default applies (BlueZ adapter, :8080).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"bluetooth-serial/internal/api"
	"bluetooth-serial/internal/bluez"
	"bluetooth-serial/internal/config"
	"bluetooth-serial/internal/connmgr"
	"bluetooth-serial/internal/eventbus"
	"bluetooth-serial/internal/logging"
	"bluetooth-serial/internal/store"
	"bluetooth-serial/internal/ttyport"
	"bluetooth-serial/internal/version"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}

	log, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(2)
	}
	defer log.Sync() //nolint:errcheck

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("received signal, shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("btserial exited", zap.Error(err))
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadAndValidate(path)
	}
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	log.Info("starting btserial",
		zap.String("version", version.Version),
		zap.String("adapter", cfg.Adapter.Kind),
		zap.String("listen", cfg.API.Listen),
	)

	var closers []io.Closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].Close(); err != nil {
				log.Warn("close", zap.Error(err))
			}
		}
	}()

	adapter, discovery, closer, err := openAdapter(ctx, cfg, log)
	if err != nil {
		return err
	}
	if closer != nil {
		closers = append(closers, closer)
	}

	bus := eventbus.New(cfg.API.EventBuffer)

	opts := []connmgr.Option{
		connmgr.WithLogger(log),
		connmgr.WithRawChannel(uint8(cfg.Session.RawChannel)),
		connmgr.WithReadChunkSize(cfg.Session.ReadChunkSize),
	}
	if discovery != nil {
		opts = append(opts, connmgr.WithDiscovery(discovery))
	}
	mgr := connmgr.New(adapter, bus, opts...)
	closers = append(closers, mgr)

	for peer, delim := range cfg.Session.Delimiters {
		if err := mgr.SetDelimiter(connmgr.ParsePeerID(peer), delim); err != nil {
			return fmt.Errorf("preset delimiter for %s: %w", peer, err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	var history api.History
	if cfg.Store.Path != "" {
		db, err := store.Open(cfg.Store.Path)
		if err != nil {
			return err
		}
		closers = append(closers, db)
		if err := store.Migrate(ctx, db); err != nil {
			return err
		}
		history = db

		events, unsub := bus.Subscribe()
		rec := store.NewRecorder(db, log)
		g.Go(func() error {
			defer unsub()
			return rec.Run(gctx, events)
		})
		log.Info("session history enabled", zap.String("path", cfg.Store.Path))
	}

	srv := &http.Server{
		Addr: cfg.API.Listen,
		Handler: api.NewRouter(mgr, history, bus.Subscribe, api.Options{
			ConnectWait:  cfg.API.ConnectWait,
			HistoryLimit: cfg.Store.HistoryLimit,
		}, log),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.API.ReadTimeout,
		IdleTimeout:       60 * time.Second,
	}
	// A waiting connect must be able to answer after the full connect wait.
	srv.WriteTimeout = max(cfg.API.WriteTimeout, cfg.API.ConnectWait+5*time.Second)

	g.Go(func() error {
		log.Info("HTTP API listening", zap.String("addr", cfg.API.Listen))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})

	for _, peer := range cfg.Session.AutoConnect {
		id := connmgr.ParsePeerID(peer)
		g.Go(func() error {
			autoConnect(gctx, mgr, id, log)
			return nil
		})
	}

	return g.Wait()
}

// openAdapter returns the configured transport. A BlueZ adapter that cannot
// be opened is logged and left nil: the manager then reports every connect
// as adapter-unavailable instead of the daemon refusing to start.
func openAdapter(ctx context.Context, cfg *config.Config, log *zap.Logger) (connmgr.Adapter, connmgr.Discoverer, io.Closer, error) {
	switch cfg.Adapter.Kind {
	case "tty":
		ports := make([]ttyport.PortConfig, len(cfg.TTY.Ports))
		for i, p := range cfg.TTY.Ports {
			ports[i] = ttyport.PortConfig{
				Peer:        connmgr.ParsePeerID(p.Peer),
				Name:        p.Name,
				Device:      p.Device,
				Baud:        p.Baud,
				ReadTimeout: p.ReadTimeout,
			}
		}
		a, err := ttyport.New(ports, log)
		if err != nil {
			return nil, nil, nil, err
		}
		return a, nil, nil, nil

	default:
		a, err := bluez.Open(ctx, bluez.Options{
			AdapterName: cfg.Adapter.Name,
			ServiceUUID: cfg.Adapter.ServiceUUID,
			FilterSPP:   cfg.Adapter.FilterSPP,
			Logger:      log,
		})
		if err != nil {
			log.Error("bluetooth adapter unavailable", zap.Error(err))
			return nil, nil, nil, nil
		}
		if !cfg.Adapter.Discovery {
			return a, nil, a, nil
		}
		return a, a, a, nil
	}
}

func autoConnect(ctx context.Context, mgr connmgr.Manager, id connmgr.PeerID, log *zap.Logger) {
	peer, err := mgr.Connect(ctx, id)
	switch {
	case err == nil:
		log.Info("auto-connect established", zap.String("peer", string(peer.ID)), zap.String("name", peer.Name))
	case ctx.Err() != nil:
	default:
		log.Warn("auto-connect failed", zap.String("peer", string(id)), zap.Error(err))
	}
}
