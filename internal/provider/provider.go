// Package provider adapts external data sources to a uniform call contract
// and guards every live call with system mode, cache, budget, circuit and
// rate checks.
package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/site-enrich/internal/cache"
	"github.com/sells-group/site-enrich/internal/model"
)

// Request is the input to one provider call.
type Request struct {
	Provider      string
	ApplicationID string
	Point         *model.Coordinates
	Address       string
	// Parcel is an optional GeoJSON polygon.
	Parcel json.RawMessage
	Params map[string]string
}

func (r Request) keyInput(spec Spec) cache.KeyInput {
	in := cache.KeyInput{Address: r.Address, Params: r.Params}
	if r.Point != nil {
		lat, lng := r.Point.Lat, r.Point.Lng
		in.Lat, in.Lng = &lat, &lng
	}
	if spec.UseParcel && len(r.Parcel) > 0 {
		params := make(map[string]string, len(r.Params)+1)
		for k, v := range r.Params {
			params[k] = v
		}
		params["parcel"] = string(r.Parcel)
		in.Params = params
	}
	return in
}

// Handler fetches one provider's payload. Implementations must not mutate
// remote state.
type Handler interface {
	Fetch(ctx context.Context, spec Spec, req Request) (json.RawMessage, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, spec Spec, req Request) (json.RawMessage, error)

// Fetch calls f.
func (f HandlerFunc) Fetch(ctx context.Context, spec Spec, req Request) (json.RawMessage, error) {
	return f(ctx, spec, req)
}

// Provider pairs a spec with its handler.
type Provider struct {
	Spec    Spec
	Handler Handler
}

// Registry is the closed set of providers keyed by provider key.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewEmptyRegistry creates a registry with no providers.
func NewEmptyRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// HandlerDeps are shared by the built-in handlers.
type HandlerDeps struct {
	HTTP      *http.Client
	GoogleKey string
	UserAgent string
}

// NewRegistry builds a registry with one built-in handler per catalog entry.
func NewRegistry(cat *Catalog, deps HandlerDeps) (*Registry, error) {
	if err := cat.Validate(); err != nil {
		return nil, err
	}
	if deps.HTTP == nil {
		deps.HTTP = &http.Client{Timeout: 30 * time.Second}
	}
	if deps.UserAgent == "" {
		deps.UserAgent = "site-enrich/1.0"
	}

	base := httpBase{client: deps.HTTP, userAgent: deps.UserAgent}
	r := NewEmptyRegistry()
	for _, spec := range cat.Providers {
		var h Handler
		switch spec.Handler {
		case HandlerArcGIS:
			h = &arcgisHandler{httpBase: base}
		case HandlerElevation:
			h = &elevationHandler{httpBase: base}
		case HandlerEcho:
			h = &echoHandler{httpBase: base}
		case HandlerSoil:
			h = &soilHandler{httpBase: base}
		case HandlerPlaces:
			h = &placesHandler{httpBase: base, apiKey: deps.GoogleKey}
		case HandlerGeocode:
			h = &geocodeHandler{httpBase: base, apiKey: deps.GoogleKey}
		default:
			return nil, eris.Errorf("provider: no handler %q for %s", spec.Handler, spec.Key)
		}
		r.Register(spec, h)
	}
	return r, nil
}

// Register adds or replaces a provider.
func (r *Registry) Register(spec Spec, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[spec.Key] = Provider{Spec: spec, Handler: h}
}

// Get returns the provider for key.
func (r *Registry) Get(key string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[key]
	return p, ok
}

// Keys returns every provider key in sorted order.
func (r *Registry) Keys() []string {
	return r.keys(func(Spec) bool { return true })
}

// KeysOfKind returns provider keys of one kind in sorted order.
func (r *Registry) KeysOfKind(kind Kind) []string {
	return r.keys(func(s Spec) bool { return s.Kind == kind })
}

// Specs returns all specs sorted by key.
func (r *Registry) Specs() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Spec, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, p.Spec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (r *Registry) keys(match func(Spec) bool) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for k, p := range r.providers {
		if match(p.Spec) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
