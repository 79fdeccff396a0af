package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"onbehalf/internal/config"
	"onbehalf/internal/delegation"
	"onbehalf/pkg/logging"

	mcpserver "github.com/mark3labs/mcp-go/server"
)

const (
	serverName      = "onbehalf"
	shutdownTimeout = 5 * time.Second
	janitorInterval = 30 * time.Second
)

// Broker exposes the delegation registry as an MCP server over
// streamable HTTP. Each tool call is authenticated by bearer token;
// sessions that close or go idle get their cached credentials purged
// from every module.
type Broker struct {
	host           string
	port           int
	version        string
	sessionTimeout time.Duration

	registry *delegation.Registry
	sessions *sessionTracker

	mcpServer  *mcpserver.MCPServer
	httpServer *mcpserver.StreamableHTTPServer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithVersion sets the version advertised to MCP clients.
func WithVersion(version string) BrokerOption {
	return func(b *Broker) { b.version = version }
}

// WithSessionTimeout overrides the idle session timeout.
func WithSessionTimeout(timeout time.Duration) BrokerOption {
	return func(b *Broker) { b.sessionTimeout = timeout }
}

// NewBroker creates a broker for the given registry.
func NewBroker(cfg config.ServerConfig, registry *delegation.Registry, opts ...BrokerOption) *Broker {
	broker := &Broker{
		host:           cfg.Host,
		port:           cfg.Port,
		version:        "dev",
		sessionTimeout: time.Duration(config.DefaultCacheSessionTimeoutMs) * time.Millisecond,
		registry:       registry,
		sessions:       newSessionTracker(),
	}
	for _, opt := range opts {
		opt(broker)
	}
	return broker
}

// Start begins serving MCP over streamable HTTP. It returns once the
// listener goroutine is running.
func (b *Broker) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.mcpServer != nil {
		return fmt.Errorf("broker already started")
	}
	b.ctx, b.cancel = context.WithCancel(ctx)

	hooks := &mcpserver.Hooks{}
	hooks.AddOnRegisterSession(func(ctx context.Context, session mcpserver.ClientSession) {
		b.sessions.touch(session.SessionID())
		logging.Debug("Server", "Session %s registered", logging.TruncateSubject(session.SessionID()))
	})
	hooks.AddOnUnregisterSession(func(ctx context.Context, session mcpserver.ClientSession) {
		sessionID := session.SessionID()
		b.registry.PurgeSession(sessionID)
		b.sessions.remove(sessionID)
		logging.Info("Server", "Session %s closed, cached credentials purged", logging.TruncateSubject(sessionID))
	})

	b.mcpServer = mcpserver.NewMCPServer(
		serverName,
		b.version,
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithHooks(hooks),
	)
	b.mcpServer.AddTools(b.buildTools()...)

	b.httpServer = mcpserver.NewStreamableHTTPServer(
		b.mcpServer,
		mcpserver.WithHTTPContextFunc(withBearerToken),
	)

	addr := fmt.Sprintf("%s:%d", b.host, b.port)
	logging.Info("Server", "Starting delegation broker on %s (streamable-http)", addr)

	httpServer := b.httpServer
	go func() {
		if err := httpServer.Start(addr); err != nil && err != http.ErrServerClosed {
			logging.Error("Server", err, "MCP server error")
		}
	}()

	b.wg.Add(1)
	go b.runJanitor()

	return nil
}

// runJanitor purges cached credentials of sessions idle beyond the
// session timeout. Clean closes are handled by the unregister hook;
// this catches clients that vanished.
func (b *Broker) runJanitor() {
	defer b.wg.Done()

	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			for _, sessionID := range b.sessions.expire(b.sessionTimeout) {
				b.registry.PurgeSession(sessionID)
				logging.Info("Server", "Session %s idle for over %s, cached credentials purged",
					logging.TruncateSubject(sessionID), b.sessionTimeout)
			}
		}
	}
}

// Endpoint returns the broker's MCP endpoint URL.
func (b *Broker) Endpoint() string {
	return fmt.Sprintf("http://%s:%d/mcp", b.host, b.port)
}

// Stop shuts the broker down, waiting briefly for in-flight requests.
func (b *Broker) Stop(ctx context.Context) error {
	b.mu.Lock()
	if b.mcpServer == nil {
		b.mu.Unlock()
		return fmt.Errorf("broker not started")
	}
	cancel, httpServer := b.cancel, b.httpServer
	b.mu.Unlock()

	logging.Info("Server", "Stopping delegation broker")
	cancel()

	shutdownCtx, cancelShutdown := context.WithTimeout(ctx, shutdownTimeout)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logging.Error("Server", err, "Error shutting down MCP server")
	}

	b.wg.Wait()

	b.mu.Lock()
	b.mcpServer = nil
	b.httpServer = nil
	b.mu.Unlock()
	return nil
}
