// Package hoststub is a development stand-in for a gadget's host: it serves
// the remote configuration endpoints and, over websocket, answers the
// reserved host requests.
package hoststub

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/baaaht/gadget/internal/config"
	"github.com/baaaht/gadget/internal/logger"
	"github.com/baaaht/gadget/pkg/types"
	"github.com/gofiber/fiber/v2"
)

// Query and form fields carrying credentials
const (
	fieldAuthorizationToken = "authorization_token"
	fieldAccount            = "account"
	fieldGadget             = "gadget"
)

// Response is the error body returned by the stub
type Response struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Server serves the configuration endpoints
type Server struct {
	app    *fiber.App
	cfg    config.HostConfig
	sync   config.SyncConfig
	store  *Store
	logger *logger.Logger

	mu     sync.RWMutex
	tokens map[string]bool
	peers  *PeerHub
}

// New creates a host stub. An empty token list accepts any non-empty token.
func New(cfg config.HostConfig, syncCfg config.SyncConfig, store *Store, log *logger.Logger, tokens ...string) *Server {
	if store == nil {
		store = NewStore()
	}
	if syncCfg.ViewPath == "" {
		syncCfg.ViewPath = config.DefaultViewPath
	}
	if syncCfg.ConfigurePath == "" {
		syncCfg.ConfigurePath = config.DefaultConfigurePath
	}

	s := &Server{
		cfg:    cfg,
		sync:   syncCfg,
		store:  store,
		logger: logger.OrGlobal(log).With("component", "hoststub"),
		tokens: make(map[string]bool, len(tokens)),
	}
	for _, t := range tokens {
		s.tokens[t] = true
	}

	s.app = fiber.New(fiber.Config{
		AppName:               "gadget-host",
		DisableStartupMessage: true,
		ReadTimeout:           cfg.ReadTimeout,
		WriteTimeout:          cfg.WriteTimeout,
		ErrorHandler:          s.handleError,
	})
	s.app.Use(s.logRequests)
	s.app.Get(syncCfg.ViewPath, s.handleView)
	s.app.Post(syncCfg.ConfigurePath, s.handleConfigure)
	s.app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.SendStatus(http.StatusNoContent)
	})

	return s
}

// App exposes the fiber application
func (s *Server) App() *fiber.App {
	return s.app
}

// Store returns the configuration store
func (s *Server) Store() *Store {
	return s.store
}

// AttachPeers makes configuration saves push a configuration notification to connected gadgets
func (s *Server) AttachPeers(hub *PeerHub) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers = hub
}

// Run listens on the configured address until ctx is done
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.app.Listen(s.cfg.Address)
	}()

	s.logger.Info("Host stub listening", "address", s.cfg.Address)

	select {
	case err := <-errCh:
		if err != nil {
			return types.WrapError(types.ErrCodeUnavailable, "host stub stopped", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.app.ShutdownWithContext(shutdownCtx); err != nil {
			return types.WrapError(types.ErrCodeInternal, "host stub shutdown failed", err)
		}
		s.logger.Info("Host stub stopped")
		return nil
	}
}

func (s *Server) logRequests(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()
	s.logger.Debug("Request served",
		"method", c.Method(),
		"path", c.Path(),
		"status", c.Response().StatusCode(),
		"duration", time.Since(start))
	return err
}

// handleError renders errors as JSON
func (s *Server) handleError(c *fiber.Ctx, err error) error {
	status := http.StatusInternalServerError
	code := types.ErrCodeInternal

	var fe *fiber.Error
	var te *types.Error
	switch {
	case errors.As(err, &fe):
		status = fe.Code
		code = http.StatusText(fe.Code)
	case errors.As(err, &te):
		code = te.Code
		switch te.Code {
		case types.ErrCodeInvalidArgument:
			status = http.StatusBadRequest
		case types.ErrCodePermissionDenied:
			status = http.StatusUnauthorized
		case types.ErrCodeNotFound:
			status = http.StatusNotFound
		}
	}

	return c.Status(status).JSON(Response{Code: code, Message: err.Error()})
}

// authorize checks the credentials common to both endpoints
func (s *Server) authorize(token, account, gadget string) error {
	if account == "" || gadget == "" {
		return types.NewError(types.ErrCodeInvalidArgument, "account and gadget are required")
	}
	if token == "" {
		return types.NewError(types.ErrCodePermissionDenied, "authorization_token is required")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.tokens) > 0 && !s.tokens[token] {
		return types.NewError(types.ErrCodePermissionDenied, "authorization_token is not valid")
	}
	return nil
}

// viewEntry wraps one stored value
type viewEntry struct {
	Value string `json:"value"`
}

// handleView returns {"config": {key: {"value": v}}}
func (s *Server) handleView(c *fiber.Ctx) error {
	account := c.Query(fieldAccount)
	gadget := c.Query(fieldGadget)
	if err := s.authorize(c.Query(fieldAuthorizationToken), account, gadget); err != nil {
		return err
	}

	stored := s.store.Get(account, gadget)
	doc := make(map[string]viewEntry, len(stored))
	for k, v := range stored {
		doc[k] = viewEntry{Value: v}
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{"config": doc})
}

// handleConfigure replaces the stored configuration with the posted form
func (s *Server) handleConfigure(c *fiber.Ctx) error {
	if !strings.HasPrefix(string(c.Request().Header.ContentType()), fiber.MIMEApplicationForm) {
		return types.NewError(types.ErrCodeInvalidArgument, "expected a form-encoded body")
	}

	values := make(map[string]string)
	c.Request().PostArgs().VisitAll(func(key, value []byte) {
		values[string(key)] = string(value)
	})

	token := values[fieldAuthorizationToken]
	account := values[fieldAccount]
	gadget := values[fieldGadget]
	if err := s.authorize(token, account, gadget); err != nil {
		return err
	}
	delete(values, fieldAuthorizationToken)
	delete(values, fieldAccount)
	delete(values, fieldGadget)

	s.store.Put(account, gadget, values)
	s.logger.Info("Configuration stored", "account", account, "gadget", gadget, "keys", len(values))

	s.mu.RLock()
	hub := s.peers
	s.mu.RUnlock()
	if hub != nil {
		payload := make(map[string]any, len(values))
		for k, v := range values {
			payload[k] = v
		}
		hub.Notify(c.UserContext(), gadget, types.NotificationConfiguration, payload)
	}

	return c.Status(http.StatusOK).JSON(fiber.Map{"success": true})
}
