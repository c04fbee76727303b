// Package broker wires the protocol (packet/message/frame), routing (topic),
// persistence (retainedstore), and session packages into a running MQTT v3.1
// server: it owns the listener accept loop and one goroutine per connection.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mqttd/broker/auth"
	"github.com/mqttd/broker/hook"
	"github.com/mqttd/broker/network"
	"github.com/mqttd/broker/pkg/logger"
	"github.com/mqttd/broker/retainedstore"
	"github.com/mqttd/broker/topic"
)

// defaultConnectDeadline bounds how long a freshly accepted connection has
// to send its CONNECT packet, before any keep-alive has been negotiated.
const defaultConnectDeadline = 30 * time.Second

// Broker is the MQTT v3.1 server: one topic.Router, one retainedstore.Store,
// one auth.Authenticator and one hook.Manager shared by every accepted
// connection.
type Broker struct {
	addr     string
	router   *topic.Router
	auth     auth.Authenticator
	retained retainedstore.Store
	hooks    *hook.Manager
	registry *network.Registry
	log      *logger.SlogLogger

	sessionSeq atomic.Uint64

	mu       sync.Mutex
	listener net.Listener
	serving  bool

	wg sync.WaitGroup
}

// Option configures a Broker at construction time.
type Option func(*Broker)

// WithAuthenticator sets the CONNECT credential check. Default is
// auth.AllowAll.
func WithAuthenticator(a auth.Authenticator) Option {
	return func(b *Broker) { b.auth = a }
}

// WithRetainedStore sets the retained-message backend. Default is an
// in-memory store.
func WithRetainedStore(s retainedstore.Store) Option {
	return func(b *Broker) { b.retained = s }
}

// WithHooks registers hooks to run for every connection.
func WithHooks(hooks ...hook.Hook) Option {
	return func(b *Broker) {
		for _, h := range hooks {
			_ = b.hooks.Add(h)
		}
	}
}

// WithLogger overrides the default stdout logger.
func WithLogger(l *logger.SlogLogger) Option {
	return func(b *Broker) { b.log = l }
}

// New creates a Broker listening on addr once Serve is called.
func New(addr string, opts ...Option) *Broker {
	b := &Broker{
		addr:     addr,
		router:   topic.NewRouter(),
		auth:     auth.AllowAll{},
		retained: retainedstore.NewMemory(),
		hooks:    hook.NewManager(),
		registry: network.NewRegistry(),
		log:      logger.NewSlogLogger(slog.LevelInfo, nil),
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

// Serve listens on the broker's address and accepts connections until ctx is
// canceled, at which point it closes the listener, every open connection,
// and waits for their handler goroutines to return before returning nil.
func (b *Broker) Serve(ctx context.Context) error {
	b.mu.Lock()
	if b.serving {
		b.mu.Unlock()
		return ErrAlreadyServing
	}

	ln, err := net.Listen("tcp", b.addr)
	if err != nil {
		b.mu.Unlock()
		return fmt.Errorf("broker: listen: %w", err)
	}
	b.listener = ln
	b.serving = true
	b.mu.Unlock()

	b.log.Info("broker started", "addr", ln.Addr().String())
	b.hooks.OnStarted()

	go func() {
		<-ctx.Done()
		_ = ln.Close()
		// Force-close every in-flight connection socket here, concurrently
		// with the accept loop unwinding, rather than after b.wg.Wait():
		// a connection blocked in frame.Read on an idle socket has no other
		// way to notice ctx was canceled.
		b.registry.Close()
	}()

	var acceptErr error
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				acceptErr = nil
				break
			}
			acceptErr = err
			break
		}

		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.handleConnection(ctx, conn)
		}()
	}

	b.wg.Wait()
	b.retained.Close()

	b.mu.Lock()
	b.serving = false
	b.mu.Unlock()

	b.log.Info("broker stopped")
	b.hooks.OnStopped(acceptErr)

	return acceptErr
}

// Addr returns the listener's bound address. Valid only while Serve is
// running; used by tests that bind to ":0".
func (b *Broker) Addr() net.Addr {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listener == nil {
		return nil
	}
	return b.listener.Addr()
}

func (b *Broker) nextSessionID() string {
	return fmt.Sprintf("sess-%d", b.sessionSeq.Add(1))
}
