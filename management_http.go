package distcache

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/goccy/go-json"
	fiber "github.com/gofiber/fiber/v3"
	"github.com/hyp3rd/ewrap"
	"github.com/rs/zerolog"

	"github.com/hyp3rd/distcache/internal/sentinel"
	"github.com/hyp3rd/distcache/pkg/cluster"
	"github.com/hyp3rd/distcache/pkg/config"
	"github.com/hyp3rd/distcache/pkg/consistency"
	"github.com/hyp3rd/distcache/pkg/replication"
)

// ManagementHTTPOption configures the management HTTP server.
type ManagementHTTPOption func(*ManagementHTTPServer)

// ManagementHTTPServer exposes the cluster administration endpoints.
type ManagementHTTPServer struct {
	addr         string
	app          *fiber.App
	readTimeout  time.Duration
	writeTimeout time.Duration
	authFunc     func(fiber.Ctx) error
	log          zerolog.Logger
	ln           net.Listener
	started      bool
}

// WithMgmtAuth sets an auth function (return error to block).
func WithMgmtAuth(fn func(fiber.Ctx) error) ManagementHTTPOption {
	return func(s *ManagementHTTPServer) { s.authFunc = fn }
}

// WithMgmtReadTimeout sets read timeout.
func WithMgmtReadTimeout(d time.Duration) ManagementHTTPOption {
	return func(s *ManagementHTTPServer) { s.readTimeout = d }
}

// WithMgmtWriteTimeout sets write timeout.
func WithMgmtWriteTimeout(d time.Duration) ManagementHTTPOption {
	return func(s *ManagementHTTPServer) { s.writeTimeout = d }
}

// WithMgmtLogger sets the server logger.
func WithMgmtLogger(l zerolog.Logger) ManagementHTTPOption {
	return func(s *ManagementHTTPServer) { s.log = l }
}

const (
	defaultReadTimeout  = 5 * time.Second
	defaultWriteTimeout = 5 * time.Second
)

// NewManagementHTTPServer builds an HTTP server holder (lazy start).
func NewManagementHTTPServer(addr string, opts ...ManagementHTTPOption) *ManagementHTTPServer {
	srv := &ManagementHTTPServer{
		addr:         addr,
		readTimeout:  defaultReadTimeout,
		writeTimeout: defaultWriteTimeout,
		log:          zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(srv)
	}

	srv.app = fiber.New(fiber.Config{
		ReadTimeout:  srv.readTimeout,
		WriteTimeout: srv.writeTimeout,
	})

	return srv
}

// managementCache is the administrative surface of a node.
type managementCache interface {
	Info() cluster.Info
	Nodes() []cluster.Info
	Stats() Stats
	AddNode(ctx context.Context, p config.PeerConfig) (cluster.Info, error)
	RemoveNode(ctx context.Context, id string) error
	Rebalance(ctx context.Context) replication.RebalanceReport
	ReplicationStatus(key string) replication.Status
	ConsistencyReport(ctx context.Context, key string) consistency.Report
	Repair(ctx context.Context, key string) bool
	Ring() *cluster.Ring
}

// Start mounts the routes and serves in the background (idempotent).
func (s *ManagementHTTPServer) Start(ctx context.Context, mc managementCache) error {
	if s.started {
		return nil
	}

	s.mountRoutes(ctx, mc)

	lc := net.ListenConfig{}

	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return ewrap.Wrap(err, "mgmt listen")
	}

	s.ln = ln

	go func() {
		serveErr := s.app.Listener(ln)
		if serveErr != nil {
			s.log.Error().Err(serveErr).Msg("management http server stopped")
		}
	}()

	s.started = true
	s.log.Info().Str("addr", ln.Addr().String()).Msg("management http server listening")

	return nil
}

// Address returns the bound address (useful when passing ":0" for ephemeral port). Empty if not started yet.
func (s *ManagementHTTPServer) Address() string {
	if s.ln == nil {
		return ""
	}

	return s.ln.Addr().String()
}

// Shutdown stops the server.
func (s *ManagementHTTPServer) Shutdown(ctx context.Context) error {
	if !s.started {
		return nil
	}

	ch := make(chan error, 1)

	go func() {
		ch <- s.app.Shutdown()
	}()

	select {
	case <-ctx.Done():
		return sentinel.ErrMgmtHTTPShutdownTimeout
	case err := <-ch:
		return err
	}
}

func (s *ManagementHTTPServer) mountRoutes(ctx context.Context, mc managementCache) {
	useAuth := s.wrapAuth
	s.registerBasic(useAuth, mc)
	s.registerMembership(ctx, useAuth, mc)
	s.registerKeys(ctx, useAuth, mc)
}

// wrapAuth returns an auth-wrapped handler if authFunc provided.
func (s *ManagementHTTPServer) wrapAuth(handler fiber.Handler) fiber.Handler { //nolint:ireturn
	if s.authFunc == nil {
		return handler
	}

	return func(fiberCtx fiber.Ctx) error {
		authErr := s.authFunc(fiberCtx)
		if authErr != nil {
			return authErr
		}

		return handler(fiberCtx)
	}
}

func (s *ManagementHTTPServer) registerBasic(useAuth func(fiber.Handler) fiber.Handler, mc managementCache) {
	s.app.Get("/health", useAuth(func(fiberCtx fiber.Ctx) error { return fiberCtx.SendString("ok") }))
	s.app.Get("/node", useAuth(func(fiberCtx fiber.Ctx) error { return fiberCtx.JSON(mc.Info()) }))
	s.app.Get("/stats", useAuth(func(fiberCtx fiber.Ctx) error { return fiberCtx.JSON(mc.Stats()) }))
	s.app.Get("/cluster/ring", useAuth(func(fiberCtx fiber.Ctx) error {
		ring := mc.Ring()
		spots := ring.Spots()

		return fiberCtx.JSON(fiber.Map{
			"version":      ring.Version(),
			"nodes":        ring.NodeCount(),
			"virtualNodes": ring.VirtualNodes(),
			"count":        len(spots),
		})
	}))
}

func (s *ManagementHTTPServer) registerMembership(
	ctx context.Context,
	useAuth func(fiber.Handler) fiber.Handler,
	mc managementCache,
) {
	s.app.Get("/cluster/nodes", useAuth(func(fiberCtx fiber.Ctx) error {
		return fiberCtx.JSON(fiber.Map{"nodes": mc.Nodes()})
	}))
	s.app.Post("/cluster/nodes", useAuth(func(fiberCtx fiber.Ctx) error {
		var peer config.PeerConfig

		err := json.Unmarshal(fiberCtx.Body(), &peer)
		if err != nil {
			return fiberCtx.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid body: " + err.Error()})
		}

		info, err := mc.AddNode(ctx, peer)
		if err != nil {
			return fiberCtx.Status(statusFor(err)).JSON(fiber.Map{"error": err.Error()})
		}

		return fiberCtx.Status(fiber.StatusCreated).JSON(info)
	}))
	s.app.Delete("/cluster/nodes/:id", useAuth(func(fiberCtx fiber.Ctx) error {
		err := mc.RemoveNode(ctx, fiberCtx.Params("id"))
		if err != nil {
			return fiberCtx.Status(statusFor(err)).JSON(fiber.Map{"error": err.Error()})
		}

		return fiberCtx.SendStatus(fiber.StatusNoContent)
	}))
	s.app.Post("/cluster/rebalance", useAuth(func(fiberCtx fiber.Ctx) error {
		return fiberCtx.JSON(mc.Rebalance(ctx))
	}))
}

func (s *ManagementHTTPServer) registerKeys(
	ctx context.Context,
	useAuth func(fiber.Handler) fiber.Handler,
	mc managementCache,
) {
	s.app.Get("/cluster/replication", useAuth(func(fiberCtx fiber.Ctx) error {
		key := fiberCtx.Query("key")
		if key == "" {
			return fiberCtx.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "missing key"})
		}

		return fiberCtx.JSON(mc.ReplicationStatus(key))
	}))
	s.app.Get("/cluster/consistency", useAuth(func(fiberCtx fiber.Ctx) error {
		key := fiberCtx.Query("key")
		if key == "" {
			return fiberCtx.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "missing key"})
		}

		return fiberCtx.JSON(mc.ConsistencyReport(ctx, key))
	}))
	s.app.Post("/cluster/repair", useAuth(func(fiberCtx fiber.Ctx) error {
		key := fiberCtx.Query("key")
		if key == "" {
			return fiberCtx.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "missing key"})
		}

		return fiberCtx.JSON(fiber.Map{"key": key, "repaired": mc.Repair(ctx, key)})
	}))
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, sentinel.ErrNodeExists):
		return fiber.StatusConflict
	case errors.Is(err, sentinel.ErrNodeNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, sentinel.ErrInvalidAddress), errors.Is(err, sentinel.ErrInvalidNodeID):
		return fiber.StatusBadRequest
	default:
		return fiber.StatusInternalServerError
	}
}
