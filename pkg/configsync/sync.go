// Package configsync loads and stores the gadget's configuration map on the
// remote configuration service.
package configsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/baaaht/gadget/internal/logger"
	"github.com/baaaht/gadget/pkg/settings"
	"github.com/baaaht/gadget/pkg/types"
	"github.com/sony/gobreaker"
)

// Form and query fields carrying the instance credentials
const (
	FieldAuthorizationToken = "authorization_token"
	FieldAccount            = "account"
	FieldGadget             = "gadget"
)

// maxResponseBytes bounds the configuration document read from the service
const maxResponseBytes = 8 << 20

// Executor performs HTTP requests. *http.Client satisfies it.
type Executor interface {
	Do(req *http.Request) (*http.Response, error)
}

// IdentitySource supplies the service host and credentials
type IdentitySource interface {
	APIHost() string
	Token() string
	Account() string
	GID() string
}

// BreakerConfig configures the optional circuit breaker
type BreakerConfig struct {
	Enabled     bool
	MaxFailures uint32
	OpenTimeout time.Duration
}

// Config configures a Synchronizer
type Config struct {
	ViewPath      string
	ConfigurePath string
	Timeout       time.Duration
	Breaker       BreakerConfig
}

// Update assigns one configuration key before a save
type Update struct {
	Key   string
	Value any
}

// Synchronizer fetches and saves the configuration map
type Synchronizer struct {
	exec     Executor
	identity IdentitySource
	store    *settings.Store
	cfg      Config
	breaker  *gobreaker.CircuitBreaker
	logger   *logger.Logger
}

// viewResponse is the document returned by the view endpoint
type viewResponse struct {
	Config map[string]struct {
		Value any `json:"value"`
	} `json:"config"`
}

// New creates a synchronizer. A nil executor uses http.DefaultClient.
func New(exec Executor, identity IdentitySource, store *settings.Store, cfg Config, log *logger.Logger) (*Synchronizer, error) {
	if identity == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "identity cannot be nil")
	}
	if store == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "settings store cannot be nil")
	}
	if exec == nil {
		exec = http.DefaultClient
	}
	if cfg.ViewPath == "" {
		cfg.ViewPath = "/gadgets/view"
	}
	if cfg.ConfigurePath == "" {
		cfg.ConfigurePath = "/gadgets/configure"
	}

	s := &Synchronizer{
		exec:     exec,
		identity: identity,
		store:    store,
		cfg:      cfg,
		logger:   logger.OrGlobal(log).With("component", "configsync"),
	}

	if cfg.Breaker.Enabled {
		maxFailures := cfg.Breaker.MaxFailures
		if maxFailures == 0 {
			maxFailures = 5
		}
		s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "configsync",
			MaxRequests: 1,
			Timeout:     cfg.Breaker.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= maxFailures
			},
			OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
				s.logger.Warn("Circuit breaker state changed",
					"breaker", name,
					"from", from.String(),
					"to", to.String())
			},
		})
	}

	return s, nil
}

// BreakerState returns the circuit breaker state, or "disabled"
func (s *Synchronizer) BreakerState() string {
	if s.breaker == nil {
		return "disabled"
	}
	return s.breaker.State().String()
}

// Fetch replaces the configuration map with the service's copy. On any
// failure the map is left untouched.
func (s *Synchronizer) Fetch(ctx context.Context) error {
	apiHost := s.identity.APIHost()
	if apiHost == "" {
		return types.NewError(types.ErrCodeFailedPrecondition, "no apihost to fetch configuration from")
	}

	query := url.Values{}
	query.Set(FieldAuthorizationToken, s.identity.Token())
	query.Set(FieldAccount, s.identity.Account())
	query.Set(FieldGadget, s.identity.GID())
	target := apiHost + s.cfg.ViewPath + "?" + query.Encode()

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return types.WrapError(types.ErrCodeInvalidArgument, "failed to build fetch request", err)
	}
	req.Header.Set("Accept", "application/json")

	body, err := s.execute(req)
	if err != nil {
		s.logger.Error("Configuration fetch failed", "error", err)
		return err
	}

	var doc viewResponse
	if err := json.Unmarshal(body, &doc); err != nil {
		s.logger.Error("Configuration document could not be decoded", "error", err)
		return types.WrapError(types.ErrCodeInvalid, "invalid configuration document", err)
	}

	values := make(map[string]any, len(doc.Config))
	for key, entry := range doc.Config {
		values[key] = entry.Value
	}
	s.store.Replace(values)

	s.logger.Info("Configuration fetched", "keys", len(values))
	return nil
}

// Save applies updates to the local map and posts the whole map to the service.
// Values travel as form fields, so a service that stores form fields hands
// non-string values back from Fetch as their JSON text: 3 comes back as "3".
func (s *Synchronizer) Save(ctx context.Context, updates ...Update) error {
	for _, u := range updates {
		if u.Key == "" {
			return types.NewError(types.ErrCodeInvalidArgument, "configuration key cannot be empty")
		}
	}
	apiHost := s.identity.APIHost()
	if apiHost == "" {
		return types.NewError(types.ErrCodeFailedPrecondition, "no apihost to save configuration to")
	}

	for _, u := range updates {
		s.store.Set(u.Key, u.Value)
	}

	snapshot := s.store.Snapshot()
	form, err := EncodeForm(snapshot)
	if err != nil {
		return err
	}
	form.Set(FieldAuthorizationToken, s.identity.Token())
	form.Set(FieldAccount, s.identity.Account())
	form.Set(FieldGadget, s.identity.GID())

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiHost+s.cfg.ConfigurePath,
		strings.NewReader(form.Encode()))
	if err != nil {
		return types.WrapError(types.ErrCodeInvalidArgument, "failed to build save request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	if _, err := s.execute(req); err != nil {
		s.logger.Error("Configuration save failed", "error", err)
		return err
	}

	s.logger.Info("Configuration saved", "keys", len(snapshot))
	return nil
}

// EncodeForm flattens a configuration map into form fields. Strings are sent
// verbatim; every other value is JSON-encoded.
func EncodeForm(values map[string]any) (url.Values, error) {
	form := make(url.Values, len(values)+3)
	for key, value := range values {
		if str, ok := value.(string); ok {
			form.Set(key, str)
			continue
		}
		encoded, err := json.Marshal(value)
		if err != nil {
			return nil, types.WrapError(types.ErrCodeInvalidArgument,
				fmt.Sprintf("configuration value for %s is not JSON-encodable", key), err)
		}
		form.Set(key, string(encoded))
	}
	return form, nil
}

func (s *Synchronizer) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.Timeout > 0 {
		return context.WithTimeout(ctx, s.cfg.Timeout)
	}
	return context.WithCancel(ctx)
}

// execute runs req through the breaker, when enabled, and returns the body of a 2xx response
func (s *Synchronizer) execute(req *http.Request) ([]byte, error) {
	if s.breaker == nil {
		return s.roundTrip(req)
	}

	result, err := s.breaker.Execute(func() (interface{}, error) {
		return s.roundTrip(req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, types.WrapError(types.ErrCodeUnavailable, "configuration service circuit breaker is open", err)
		}
		return nil, err
	}
	return result.([]byte), nil
}

func (s *Synchronizer) roundTrip(req *http.Request) ([]byte, error) {
	resp, err := s.exec.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); errors.Is(ctxErr, context.DeadlineExceeded) {
			return nil, types.WrapError(types.ErrCodeTimeout, req.Method+" "+req.URL.Path+" timed out", err)
		}
		return nil, types.WrapError(types.ErrCodeUnavailable, req.Method+" "+req.URL.Path+" failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, types.WrapError(types.ErrCodeUnavailable, "failed to read response body", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet := bytes.TrimSpace(body)
		if len(snippet) > 200 {
			snippet = snippet[:200]
		}
		return nil, types.NewError(statusCode(resp.StatusCode),
			fmt.Sprintf("%s %s returned %d: %s", req.Method, req.URL.Path, resp.StatusCode, snippet))
	}
	return body, nil
}

// statusCode maps an HTTP status to an error code
func statusCode(status int) string {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return types.ErrCodePermissionDenied
	case status == http.StatusNotFound:
		return types.ErrCodeNotFound
	case status == http.StatusBadRequest:
		return types.ErrCodeInvalidArgument
	default:
		return types.ErrCodeUnavailable
	}
}
