// Package rest exposes a master over HTTP.
package rest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberrecover "github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"yqhp/taskmesh/internal/config"
	"yqhp/taskmesh/internal/master"
	"yqhp/taskmesh/pkg/protocol"
)

// Producer is the part of a master the API needs.
type Producer interface {
	Submit(payload []byte) (string, error)
	WaitForTaskCompletion(ctx context.Context, id string, timeout time.Duration) (*master.Completion, error)
	WaitForAnyTaskCompletion(ctx context.Context, timeout time.Duration) (*master.Completion, error)
	HasConnection() bool
	Nodes() []master.NodeSnapshot
	Stats() master.Stats
}

// Config holds the configuration for the REST API server.
type Config struct {
	// Address is the address to listen on (e.g., ":8080").
	Address string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// EnableCORS enables Cross-Origin Resource Sharing.
	EnableCORS bool

	// DefaultWait is used when a wait request carries no timeout.
	DefaultWait time.Duration

	// MaxWait caps the timeout a client may ask for.
	MaxWait time.Duration
}

// DefaultConfig returns a default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Address:      ":8080",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		EnableCORS:   true,
		DefaultWait:  time.Second,
		MaxWait:      25 * time.Second,
	}
}

// FromConfig converts the api section of the loaded configuration.
func FromConfig(c config.APIConfig) *Config {
	cfg := DefaultConfig()
	cfg.Address = c.Address
	cfg.ReadTimeout = c.ReadTimeout
	cfg.WriteTimeout = c.WriteTimeout
	cfg.EnableCORS = c.EnableCORS
	if cfg.WriteTimeout > 0 && cfg.MaxWait >= cfg.WriteTimeout {
		cfg.MaxWait = cfg.WriteTimeout - time.Second
	}
	return cfg
}

// Server represents the REST API server.
type Server struct {
	app      *fiber.App
	producer Producer
	config   *Config
	log      *zap.Logger
}

// NewServer creates a new REST API server.
func NewServer(p Producer, cfg *Config, log *zap.Logger) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if log == nil {
		log = zap.NewNop()
	}

	app := fiber.New(fiber.Config{
		ReadTimeout:           cfg.ReadTimeout,
		WriteTimeout:          cfg.WriteTimeout,
		ErrorHandler:          customErrorHandler,
		BodyLimit:             protocol.MaxFrameSize,
		AppName:               "taskmesh",
		DisableStartupMessage: true,
		JSONEncoder:           sonic.Marshal,
		JSONDecoder:           sonic.Unmarshal,
	})

	s := &Server{
		app:      app,
		producer: p,
		config:   cfg,
		log:      log.Named("api"),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.app.Use(fiberrecover.New(fiberrecover.Config{
		EnableStackTrace: true,
	}))

	// 请求日志走 zap
	s.app.Use(func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		s.log.Debug("request",
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Int("status", c.Response().StatusCode()),
			zap.Duration("latency", time.Since(start)))
		return err
	})

	if s.config.EnableCORS {
		s.app.Use(cors.New(cors.Config{
			AllowOrigins: "*",
			AllowMethods: "GET,POST,OPTIONS",
			AllowHeaders: "Origin,Content-Type,Accept",
			MaxAge:       86400,
		}))
	}
}

func (s *Server) setupRoutes() {
	s.app.Get("/health", s.healthCheck)

	api := s.app.Group("/api/v1")
	api.Get("/health", s.healthCheck)
	api.Get("/nodes", s.listNodes)
	api.Get("/stats", s.getStats)

	api.Post("/tasks", s.submitTask)
	api.Get("/tasks/:id", s.waitTask)
	api.Get("/completions/next", s.nextCompletion)
}

// StartWithContext serves until ctx ends, then shuts down.
func (s *Server) StartWithContext(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.app.Listen(s.config.Address)
	}()

	s.log.Info("api listening", zap.String("address", s.config.Address))
	select {
	case <-ctx.Done():
		return s.app.ShutdownWithTimeout(5 * time.Second)
	case err := <-errCh:
		return err
	}
}

// App returns the underlying Fiber app.
func (s *Server) App() *fiber.App {
	return s.app
}

// customErrorHandler maps master errors onto status codes.
func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	var fe *fiber.Error
	switch {
	case errors.As(err, &fe):
		code = fe.Code
		message = fe.Message
	case errors.Is(err, master.ErrTaskNotFound):
		code, message = fiber.StatusNotFound, err.Error()
	case errors.Is(err, master.ErrTaskNotCompleted):
		code, message = fiber.StatusRequestTimeout, err.Error()
	case errors.Is(err, master.ErrPayloadTooLarge):
		code, message = fiber.StatusRequestEntityTooLarge, err.Error()
	case errors.Is(err, master.ErrQueueFull), errors.Is(err, master.ErrStopped):
		code, message = fiber.StatusServiceUnavailable, err.Error()
	}

	return c.Status(code).JSON(ErrorResponse{
		Error:   fmt.Sprintf("error_%d", code),
		Message: message,
	})
}
