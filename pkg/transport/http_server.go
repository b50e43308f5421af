package transport

import (
	"context"
	"net"
	"time"

	fiber "github.com/gofiber/fiber/v3"
	"github.com/hyp3rd/ewrap"
	"github.com/rs/zerolog"

	"github.com/hyp3rd/distcache/pkg/protocol"
)

// MessagePath is the route serving inbound protocol messages.
const MessagePath = "/internal/cache/message"

const (
	httpReadTimeout  = 5 * time.Second
	httpWriteTimeout = 5 * time.Second
)

// HTTPServer exposes a protocol endpoint over HTTP.
type HTTPServer struct {
	app   *fiber.App
	ln    net.Listener
	addr  string
	proto *protocol.Protocol
	codec *protocol.Codec
	log   zerolog.Logger
}

// NewHTTPServer creates a server for proto listening on addr ("host:port", port 0 for ephemeral).
func NewHTTPServer(addr string, proto *protocol.Protocol, codec *protocol.Codec, log zerolog.Logger) *HTTPServer {
	app := fiber.New(fiber.Config{ReadTimeout: httpReadTimeout, WriteTimeout: httpWriteTimeout})

	return &HTTPServer{app: app, addr: addr, proto: proto, codec: codec, log: log}
}

// Start binds the listener and serves in the background.
func (s *HTTPServer) Start(ctx context.Context) error {
	s.app.Post(MessagePath, func(fctx fiber.Ctx) error {
		msg, err := s.codec.DecodeMessage(fctx.Body())
		if err != nil {
			return fctx.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		}

		reply, err := s.proto.HandleMessage(ctx, msg)
		if err != nil {
			reply = &protocol.Reply{Error: err.Error()}
		}

		body, err := s.codec.EncodeReply(reply)
		if err != nil {
			return fctx.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
		}

		fctx.Set(fiber.HeaderContentType, s.codec.ContentType())

		return fctx.Send(body)
	})

	s.app.Get("/health", func(fctx fiber.Ctx) error {
		return fctx.SendString("ok")
	})

	lc := net.ListenConfig{}

	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return ewrap.Wrap(err, "transport http listen")
	}

	s.ln = ln

	go func() {
		serveErr := s.app.Listener(ln)
		if serveErr != nil {
			s.log.Error().Err(serveErr).Msg("transport http server stopped")
		}
	}()

	s.log.Info().Str("addr", ln.Addr().String()).Msg("transport http server listening")

	return nil
}

// Address returns the bound address once started.
func (s *HTTPServer) Address() string {
	if s.ln == nil {
		return ""
	}

	return s.ln.Addr().String()
}

// Stop shuts the server down, bounded by ctx.
func (s *HTTPServer) Stop(ctx context.Context) error {
	if s == nil || s.ln == nil {
		return nil
	}

	ch := make(chan error, 1)

	go func() { ch <- s.app.Shutdown() }()

	select {
	case <-ctx.Done():
		return ewrap.Newf("transport http shutdown timeout")
	case err := <-ch:
		// the serve goroutine may not have taken the listener yet
		_ = s.ln.Close()

		return err
	}
}
