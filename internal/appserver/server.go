// ABOUTME: Appserver orchestrator that wires the store, services, and HTTP/gRPC listeners
// ABOUTME: Manages the optional tailnet node, health endpoints, and graceful shutdown

package appserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/coven-appserver/internal/auth"
	"github.com/2389/coven-appserver/internal/callback"
	"github.com/2389/coven-appserver/internal/config"
	"github.com/2389/coven-appserver/internal/conversation"
	"github.com/2389/coven-appserver/internal/event"
	"github.com/2389/coven-appserver/internal/matrix"
	"github.com/2389/coven-appserver/internal/sandbox"
	"github.com/2389/coven-appserver/internal/slack"
	"github.com/2389/coven-appserver/internal/store"
)

// Server orchestrates the coven-appserver components.
type Server struct {
	config      *config.Config
	store       *store.SQLiteStore
	specs       sandbox.SpecService
	callbacks   *callback.Service
	broadcaster *event.Broadcaster
	logger      *slog.Logger

	// scopes opens the per-request resources of conversation handlers
	scopes     ScopeFactory
	starts     *conversation.StartTracker
	batchLimit int

	handler      http.Handler
	httpServer   *http.Server
	grpcServer   *grpc.Server // nil when no gRPC listener is configured
	healthServer *health.Server
	tsnetServer  *tsnet.Server
}

// initStore opens the SQLite store; COVEN_DB_PATH overrides database.path.
func initStore(cfg *config.Config) (*store.SQLiteStore, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("COVEN_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// newCallbackRegistry registers every processor type the server can run.
func newCallbackRegistry(cfg *config.Config, sqlStore *store.SQLiteStore, logger *slog.Logger) (*callback.Registry, error) {
	registry := callback.NewRegistry()

	registry.Register(slack.ProcessorType, slack.NewFactory(slack.Deps{
		Tokens:          sqlStore,
		Poster:          slack.NewClient(cfg.Slack.APIURL, &http.Client{Timeout: outboundTimeout}),
		Events:          sqlStore,
		ConversationURL: cfg.Web.ConversationURL,
		Logger:          logger,
	}))

	matrixDeps := matrix.Deps{
		Events:          sqlStore,
		ConversationURL: cfg.Web.ConversationURL,
		Logger:          logger,
	}
	if cfg.Matrix.Enabled() {
		client, err := matrix.NewClient(cfg.Matrix)
		if err != nil {
			return nil, err
		}
		matrixDeps.Sender = client
		logger.Info("matrix callbacks enabled", "homeserver", cfg.Matrix.Homeserver, "user_id", cfg.Matrix.UserID)
	} else {
		logger.Warn("matrix callbacks will fail - no matrix credentials configured")
	}
	registry.Register(matrix.ProcessorType, matrix.NewFactory(matrixDeps))

	logger.Debug("callback processors registered", "types", registry.Types())
	return registry, nil
}

// createGRPCServer creates the gRPC server that carries the standard health service.
func createGRPCServer(healthServer *health.Server) *grpc.Server {
	server := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	healthpb.RegisterHealthServer(server, healthServer)
	return server
}

// New creates a new Server with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	sqlStore, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	s, err := newServer(cfg, sqlStore, logger)
	if err != nil {
		_ = sqlStore.Close()
		return nil, err
	}
	return s, nil
}

func newServer(cfg *config.Config, sqlStore *store.SQLiteStore, logger *slog.Logger) (*Server, error) {
	if err := sandbox.Seed(context.Background(), sqlStore, cfg.Sandbox.Specs, logger); err != nil {
		return nil, fmt.Errorf("seeding sandbox specs: %w", err)
	}
	specs := sandbox.NewStoreSpecService(sqlStore)

	registry, err := newCallbackRegistry(cfg, sqlStore, logger)
	if err != nil {
		return nil, err
	}

	// agent server calls run after the request scope is released
	var agent conversation.AgentServer
	if cfg.Conversations.AgentServerURL != "" {
		agent = conversation.NewHTTPAgentServer(cfg.Conversations.AgentServerURL, &http.Client{Timeout: outboundTimeout})
	}
	starts := conversation.NewStartTracker()

	s := &Server{
		config:       cfg,
		store:        sqlStore,
		specs:        specs,
		callbacks:    callback.NewService(sqlStore, registry, logger),
		broadcaster:  event.NewBroadcaster(logger),
		logger:       logger.With("component", "appserver"),
		scopes:       storeScopes(cfg, sqlStore, specs, agent, starts, logger),
		starts:       starts,
		batchLimit:   cfg.Conversations.BatchLimit,
		healthServer: health.NewServer(),
	}
	if s.batchLimit <= 0 {
		s.batchLimit = config.DefaultBatchLimit
	}

	if cfg.Server.GRPCAddr != "" || cfg.Tailscale.Enabled {
		s.grpcServer = createGRPCServer(s.healthServer)
	}

	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /health/ready", s.handleReady)

	api, err := s.apiHandler()
	if err != nil {
		return nil, err
	}
	mux.Handle("/api/", api)

	s.handler = mux
	s.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s, nil
}

// apiHandler registers the /api/v1 routes, behind bearer auth when a JWT secret is configured.
func (s *Server) apiHandler() (http.Handler, error) {
	api := http.NewServeMux()

	api.HandleFunc("GET /api/v1/app-conversations", s.handleBatchGetConversations)
	api.HandleFunc("POST /api/v1/app-conversations", s.handleStartConversation)
	api.HandleFunc("GET /api/v1/app-conversations/children", s.handleListChildConversations)
	api.HandleFunc("GET /api/v1/app-conversations/{id}", s.handleGetConversation)
	api.HandleFunc("POST /api/v1/app-conversations/{id}/clear", s.handleClearConversation)
	api.HandleFunc("GET /api/v1/app-conversations/start-tasks/{id}", s.handleGetStartTask)

	api.HandleFunc("POST /api/v1/conversations/{id}/events", s.handleIngestEvent)
	api.HandleFunc("GET /api/v1/conversations/{id}/events/search", s.handleSearchEvents)
	api.HandleFunc("GET /api/v1/conversations/{id}/events/stream", s.handleStreamEvents)

	api.HandleFunc("POST /api/v1/event-callbacks", s.handleCreateEventCallback)
	api.HandleFunc("GET /api/v1/event-callbacks/{id}", s.handleGetEventCallback)
	api.HandleFunc("GET /api/v1/event-callbacks/{id}/results", s.handleEventCallbackResults)

	api.HandleFunc("GET /api/v1/sandbox-specs", s.handleBatchGetSandboxSpecs)
	api.HandleFunc("GET /api/v1/sandbox-specs/search", s.handleSearchSandboxSpecs)

	if s.config.Auth.JWTSecret == "" {
		s.logger.Warn("HTTP auth disabled - no jwt_secret configured")
		return api, nil
	}

	verifier, err := auth.NewJWTVerifier([]byte(s.config.Auth.JWTSecret))
	if err != nil {
		return nil, fmt.Errorf("creating HTTP JWT verifier: %w", err)
	}
	s.logger.Info("HTTP auth middleware enabled")
	return auth.HTTPAuthMiddleware(verifier, s.logger)(api), nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// setupTCPListeners creates standard TCP listeners. grpcLn is nil when no gRPC address is set.
func (s *Server) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	s.logger.Info("starting appserver",
		"grpc_addr", s.config.Server.GRPCAddr,
		"http_addr", s.config.Server.HTTPAddr,
	)

	if s.grpcServer != nil {
		grpcLn, err = net.Listen("tcp", s.config.Server.GRPCAddr)
		if err != nil {
			return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
		}
	}

	httpLn, err = net.Listen("tcp", s.config.Server.HTTPAddr)
	if err != nil {
		if grpcLn != nil {
			_ = grpcLn.Close()
		}
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	return grpcLn, httpLn, nil
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (s *Server) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if s.config.Tailscale.Enabled {
		if s.config.Server.GRPCAddr != "" || s.config.Server.HTTPAddr != "" {
			s.logger.Warn("server.grpc_addr and server.http_addr are ignored when tailscale is enabled",
				"grpc_addr", s.config.Server.GRPCAddr,
				"http_addr", s.config.Server.HTTPAddr,
			)
		}
		return s.setupTailscaleListeners(ctx)
	}
	return s.setupTCPListeners()
}

// startServers starts the servers in goroutines, returning the error channel.
func (s *Server) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	if grpcLn != nil {
		go func() {
			s.logger.Info("gRPC health server listening", "addr", grpcLn.Addr().String())
			if err := s.grpcServer.Serve(grpcLn); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}

	go func() {
		s.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := s.httpServer.Serve(httpLn); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (s *Server) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		s.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		s.logger.Error("server error", "error", err)
		select {
		case additionalErr := <-errCh:
			s.logger.Error("additional server error", "error", additionalErr)
		default:
		}
		return err
	}
}

// Run starts the servers and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if a server fails.
func (s *Server) Run(ctx context.Context) error {
	grpcListener, httpListener, err := s.setupListeners(ctx)
	if err != nil {
		return err
	}

	s.healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	errCh := s.startServers(grpcListener, httpListener)
	serverErr := s.waitForShutdownSignal(ctx, errCh)

	shutdownErr := s.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown runs Shutdown with a fresh timeout; the Run context is already canceled.
func (s *Server) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "coven-appserver", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListeners brings up a tsnet node and listens on :50051 (gRPC) and :80 (HTTP).
func (s *Server) setupTailscaleListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	tsCfg := s.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, nil, err
	}

	s.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	s.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := s.tsnetServer.Up(ctx)
	if err != nil {
		_ = s.tsnetServer.Close()
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}
	s.logTailscaleStatus(tsCfg.Hostname, status)

	grpcLn, err = s.tsnetServer.Listen("tcp", ":50051")
	if err != nil {
		_ = s.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
	}

	httpLn, err = s.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		_ = grpcLn.Close()
		_ = s.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return grpcLn, httpLn, nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (s *Server) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		s.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	s.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (s *Server) shutdownGRPCServer(ctx context.Context) {
	if s.grpcServer == nil {
		return
	}
	stopped := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		s.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops all servers and releases resources.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down appserver")
	s.healthServer.Shutdown()
	// ends open event streams so the HTTP server can drain
	s.broadcaster.Close()

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", s.httpServer.Shutdown(ctx))

	s.shutdownGRPCServer(ctx)

	if s.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", s.tsnetServer.Close())
	}
	// background starts still write to the store
	if err := s.starts.Shutdown(ctx); err != nil {
		s.logger.Warn("aborted conversation starts still running at shutdown", "error", err)
		errs = appendCloseError(errs, "conversation starts", err)
	}
	errs = appendCloseError(errs, "store close", s.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK when the database answers a ping.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		s.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("database unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
