// Command mqttbrokerd runs a standalone MQTT v3.1 broker.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mqttd/broker/auth"
	"github.com/mqttd/broker/broker"
	"github.com/mqttd/broker/pkg/logger"
	"github.com/mqttd/broker/retainedstore"
	"github.com/mqttd/broker/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		addr         string
		requireAuth  bool
		passwdFile   string
		retainedKind string
		pebbleDir    string
		redisAddr    string
		logLevel     string
	)

	flag.StringVar(&addr, "addr", "", "listen address (default :1883, or :1884 with -auth)")
	flag.BoolVar(&requireAuth, "auth", false, "require username/password from -passwd-file")
	flag.StringVar(&passwdFile, "passwd-file", envOr("PASSWD_FILE_PATH", defaultPasswdFile()), "credential file (only used with -auth)")
	flag.StringVar(&retainedKind, "retained-store", "memory", "retained-message backend: memory, pebble, or redis")
	flag.StringVar(&pebbleDir, "pebble-dir", "", "Pebble database directory (required for -retained-store=pebble)")
	flag.StringVar(&redisAddr, "redis-addr", "localhost:6379", "Redis address (used with -retained-store=redis)")
	flag.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	if addr == "" {
		if requireAuth {
			addr = ":1884"
		} else {
			addr = ":1883"
		}
	}

	log := logger.NewSlogLogger(parseLevel(logLevel), nil)

	opts := []broker.Option{broker.WithLogger(log)}

	if requireAuth {
		authenticator, err := auth.LoadFile(passwdFile)
		if err != nil {
			return fmt.Errorf("mqttbrokerd: loading passwd file: %w", err)
		}
		opts = append(opts, broker.WithAuthenticator(authenticator))
	}

	retained, err := newRetainedStore(retainedKind, pebbleDir, redisAddr)
	if err != nil {
		return err
	}
	opts = append(opts, broker.WithRetainedStore(retained))

	b := broker.New(addr, opts...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("starting mqttbrokerd", "addr", addr, "auth", requireAuth, "retained_store", retainedKind)
	if err := b.Serve(ctx); err != nil {
		return fmt.Errorf("mqttbrokerd: %w", err)
	}

	return nil
}

func newRetainedStore(kind, pebbleDir, redisAddr string) (retainedstore.Store, error) {
	switch kind {
	case "memory", "":
		return retainedstore.NewMemory(), nil
	case "pebble":
		if pebbleDir == "" {
			return nil, fmt.Errorf("mqttbrokerd: -retained-store=pebble requires -pebble-dir")
		}
		return retainedstore.NewPebble(store.PebbleStoreConfig{Path: pebbleDir})
	case "redis":
		return retainedstore.NewRedis(store.RedisStoreConfig{Addr: redisAddr})
	default:
		return nil, fmt.Errorf("mqttbrokerd: unknown -retained-store %q", kind)
	}
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func defaultPasswdFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".mqtt_passwd"
	}
	return home + "/.mqtt_passwd"
}
