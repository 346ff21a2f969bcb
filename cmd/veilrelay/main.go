// Command veilrelay runs one onion-routing peer process: it can act as a
// transit relay, a hidden-service user, or both at once, driven entirely
// through its local control API (SPEC_FULL.md §6.3).
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/veilrelay/veilrelay/directory"
	"github.com/veilrelay/veilrelay/events"
	"github.com/veilrelay/veilrelay/peer"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	nickname := flag.String("nickname", "", "this peer's relay nickname (required to run as a relay)")
	listen := flag.String("listen", "127.0.0.1:9050", "address to listen for peer connections on")
	directoryAddr := flag.String("directory", "http://127.0.0.1:8990", "directory service base URL")
	controlAddr := flag.String("control-addr", "127.0.0.1:9051", "address for the local control API")
	cacheDir := flag.String("cache-dir", directory.DefaultCacheDir(), "directory cache directory")
	cachePassphrase := flag.String("cache-passphrase", "", "passphrase to stretch into the cache encryption key (Argon2id); if empty, a derived local secret is used")
	flag.Parse()

	logger, logFile := setupLogging()
	defer func() { _ = logFile.Close() }()

	fmt.Printf("=== veilrelay %s ===\n", Version)
	fmt.Printf("listen=%s control=%s directory=%s\n", *listen, *controlAddr, *directoryAddr)

	cache := buildCache(*cacheDir, *cachePassphrase, logger)
	bus := events.NewBus()

	p := peer.New(*nickname, *listen, *directoryAddr, cache, bus, logger)

	go func() {
		if err := p.ListenAndServe(); err != nil {
			logger.Error("peer listener stopped", "error", err)
		}
	}()

	cs := peer.NewControlServer(p)
	go func() {
		if err := cs.ListenAndServe(*controlAddr); err != nil {
			logger.Error("control API stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	fmt.Println("shutting down")
	_ = p.Close()
}

func buildCache(dir, passphrase string, logger *slog.Logger) *directory.Cache {
	if dir == "" {
		logger.Warn("no cache directory configured, directory responses will not be cached")
		return nil
	}
	var key [32]byte
	if passphrase != "" {
		var salt [16]byte
		copy(salt[:], []byte("veilrelay-cache-salt"))
		key = directory.DeriveCacheKeyFromPassphrase(passphrase, salt)
	} else {
		derived, err := directory.DeriveCacheKey([]byte(dir))
		if err != nil {
			logger.Warn("derive cache key failed, caching disabled", "error", err)
			return nil
		}
		key = derived
	}
	return &directory.Cache{Dir: dir, Key: key}
}

func setupLogging() (*slog.Logger, *os.File) {
	logFile, err := os.OpenFile("veilrelay-debug.log", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create log file: %v\n", err)
		os.Exit(1)
	}
	fileHandler := slog.NewJSONHandler(logFile, &slog.HandlerOptions{Level: slog.LevelDebug})
	stdoutHandler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	logger := slog.New(&multiHandler{handlers: []slog.Handler{fileHandler, stdoutHandler}})
	return logger, logFile
}

// multiHandler fans out slog records to multiple handlers.
type multiHandler struct {
	handlers []slog.Handler
}

func (m *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range m.handlers {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	hs := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		hs[i] = h.WithAttrs(attrs)
	}
	return &multiHandler{handlers: hs}
}

func (m *multiHandler) WithGroup(name string) slog.Handler {
	hs := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		hs[i] = h.WithGroup(name)
	}
	return &multiHandler{handlers: hs}
}
