package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/makeasinger/audiogen/internal/model"
)

var (
	// ErrNotReady means the provider has nothing to report yet.
	ErrNotReady = errors.New("provider result not ready")
	// ErrProviderFailed is a terminal failure reported by the provider.
	ErrProviderFailed = errors.New("provider reported failure")
	// ErrPushOnly is returned by Poll on push-delivery providers.
	ErrPushOnly = errors.New("provider delivers results by callback only")
	// ErrUnknownProvider is returned when a provider id is not registered.
	ErrUnknownProvider = errors.New("unknown provider")
)

// GenerateParams is the provider-independent generation request
type GenerateParams struct {
	JobID             string
	Model             string
	N                 int
	Title             string
	Lyrics            string
	Prompt            string
	Style             string
	ReferenceID       string
	VocalID           string
	MelodyID          string
	PublicPerformance bool
}

// Adapter is one external generation backend.
//
// Prepare must be safe to retry as long as it returned no task id. Poll is a
// single non-blocking status check: it returns no results while the task is
// pending, every result once it succeeded, and an error wrapping
// ErrProviderFailed when the provider reports a terminal failure.
type Adapter interface {
	ID() string
	Enabled() bool
	Delivery() model.Delivery
	PublicPerformance() bool
	Prepare(ctx context.Context, params GenerateParams) (*model.ProviderPrepareResult, error)
	Poll(ctx context.Context, taskID string, conversionIDs []string) ([]model.ProviderPollResult, error)
	Normalize(result model.ProviderPollResult) ([]model.NormalizedResult, error)
}

// CallbackParser is implemented by push-delivery adapters
type CallbackParser interface {
	ParseCallback(body []byte) ([]model.ProviderPollResult, error)
	VerifyCallback(token string) bool
}

// HTTPError is a non-2xx response from a provider
type HTTPError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s API error (status %d): %s", e.Provider, e.StatusCode, e.Body)
}

var transientMarkers = []string{
	"connection reset",
	"timeout",
	"eof",
	"connection refused",
	"no such host",
	"tls handshake",
}

// IsTransient reports whether err is worth retrying: rate limiting or a
// network-level failure.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrProviderFailed) || errors.Is(err, ErrNotReady) {
		return false
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == http.StatusTooManyRequests
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, m := range transientMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// IsRateLimited reports whether err is an HTTP 429 from a provider.
func IsRateLimited(err error) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusTooManyRequests
}

// Registry holds the enabled adapters, keyed by id
type Registry struct {
	adapters map[string]Adapter
	order    []string
}

// NewRegistry keeps only the adapters that report themselves enabled.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter)}
	for _, a := range adapters {
		if a == nil || !a.Enabled() {
			continue
		}
		if _, dup := r.adapters[a.ID()]; dup {
			continue
		}
		r.adapters[a.ID()] = a
		r.order = append(r.order, a.ID())
	}
	return r
}

// Get returns the adapter registered under id.
func (r *Registry) Get(id string) (Adapter, error) {
	a, ok := r.adapters[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, id)
	}
	return a, nil
}

// IDs lists the registered providers in registration order.
func (r *Registry) IDs() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// AllowedForPublicPerformance reports whether output of the provider may be
// used in public performance.
func (r *Registry) AllowedForPublicPerformance(id string) bool {
	a, ok := r.adapters[id]
	return ok && a.PublicPerformance()
}
