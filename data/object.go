// Package data implements per-request data objects and their resolution.
//
// A data object is declared once with a Config and turned into a Factory with
// Define. Every request gets fresh Instances from the factories of a group; the
// Resolver fetches all instances of a group concurrently and waits for all of
// them. Per-instance failures are recorded on the instance and reported, never
// returned as an error for the group.
//
// Lifecycle of one instance:
//
//	Before -> Fetch -> Valid -> After
//	Before -> Fetch (error) -> Fallback -> Valid -> After
//
// An authorization-denied fetch error skips Fallback and fails the instance.
package data

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"reflect"
	"slices"

	"github.com/hanpama/conductor/props"
	"google.golang.org/protobuf/proto"
)

// Hook runs before or after a fetch. It may adjust o, e.g. its Outbound
// parameters or static data.
type Hook func(o *Instance, w http.ResponseWriter, r *http.Request)

// Config declares a data object. Host selects the remote variant.
type Config struct {
	// Name identifies the object in a request's data store. Required.
	Name string

	// Data is the initial payload. Local objects without Get resolve to it.
	Data any

	Before   Hook
	After    Hook
	IsValid  func(payload any) bool
	Fallback func(o *Instance) any

	// Get fetches local data. Ignored for remote objects.
	Get func(ctx context.Context, o *Instance) (any, error)

	// Fetcher overrides how the payload is produced, for custom variants.
	Fetcher Fetcher

	// Remote variant. Port defaults to 80, or 443 when Secure.
	Host         string
	Port         int
	Secure       bool
	Method       string // default GET
	BaseURL      string
	URL          string
	Query        url.Values
	Body         any
	PostType     string // "json" (default) or "form"
	Headers      http.Header
	ResourceType string // "json" (default) or "text"
	// Proto, when set, decodes a JSON response into a fresh message of the
	// same type with protojson.
	Proto proto.Message
}

// Factory creates a fresh instance bound to one request.
type Factory func(w http.ResponseWriter, r *http.Request) *Instance

// Fetcher produces the payload of an instance. client is nil for objects
// without an outbound target.
type Fetcher interface {
	Fetch(ctx context.Context, o *Instance, client *Client) (any, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, o *Instance, client *Client) (any, error)

func (f FetcherFunc) Fetch(ctx context.Context, o *Instance, client *Client) (any, error) {
	return f(ctx, o, client)
}

// NewFactory validates cfg and returns a factory for it.
func NewFactory(cfg Config) (Factory, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidConfig)
	}
	remote := cfg.Host != ""
	if !remote && (cfg.Port != 0 || cfg.URL != "" || len(cfg.Query) > 0) {
		return nil, fmt.Errorf("%w: %s: host is required for remote data", ErrInvalidConfig, cfg.Name)
	}
	switch cfg.PostType {
	case "", "json", "form":
	default:
		return nil, fmt.Errorf("%w: %s: unknown post type %q", ErrInvalidConfig, cfg.Name, cfg.PostType)
	}
	switch cfg.ResourceType {
	case "", "json", "text":
	default:
		return nil, fmt.Errorf("%w: %s: unknown resource type %q", ErrInvalidConfig, cfg.Name, cfg.ResourceType)
	}
	return func(w http.ResponseWriter, r *http.Request) *Instance {
		return newInstance(&cfg, remote)
	}, nil
}

// Define is NewFactory for package level declarations; it panics on an
// invalid config.
func Define(cfg Config) Factory {
	f, err := NewFactory(cfg)
	if err != nil {
		panic(err)
	}
	return f
}

// State is the resolution state of an instance.
type State uint8

const (
	StatePending State = iota
	StateResolved
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateResolved:
		return "resolved"
	case StateFailed:
		return "failed"
	}
	return "pending"
}

// Instance is one data object bound to one request. It is mutated only by the
// Resolver and by its own hooks, and never shared across requests.
type Instance struct {
	cfg      *Config
	fetcher  Fetcher
	outbound *Outbound

	data     any
	errs     []error
	fallback bool
	state    State
	raw      RawResponse
}

func newInstance(cfg *Config, remote bool) *Instance {
	o := &Instance{cfg: cfg, data: cloneData(cfg.Data)}
	switch {
	case cfg.Fetcher != nil:
		o.fetcher = cfg.Fetcher
	case remote:
		o.fetcher = remoteFetcher{}
	default:
		o.fetcher = localFetcher{}
	}
	if remote {
		o.outbound = newOutbound(cfg)
		o.raw = RawResponse{StatusCode: -1}
	}
	return o
}

func (o *Instance) Name() string { return o.cfg.Name }

// Data returns the payload. For a failed instance it is the initial data.
func (o *Instance) Data() any { return o.data }

// SetData replaces the payload, typically from a Before hook.
func (o *Instance) SetData(v any) { o.data = v }

// Errors returns the errors collected during resolution.
func (o *Instance) Errors() []error { return slices.Clone(o.errs) }

// Err joins the collected errors, nil when there are none.
func (o *Instance) Err() error { return errors.Join(o.errs...) }

// InFallback reports whether the payload came from the Fallback hook.
func (o *Instance) InFallback() bool { return o.fallback }

func (o *Instance) State() State { return o.state }

func (o *Instance) Resolved() bool { return o.state == StateResolved }

func (o *Instance) Failed() bool { return o.state == StateFailed }

// Remote reports whether the instance fetches from an outbound target.
func (o *Instance) Remote() bool { return o.outbound != nil }

// Outbound returns the mutable outbound call parameters, nil for local
// objects.
func (o *Instance) Outbound() *Outbound { return o.outbound }

// Raw returns the snapshot of the last outbound response.
func (o *Instance) Raw() RawResponse { return o.raw }

func (o *Instance) before(w http.ResponseWriter, r *http.Request) {
	if o.cfg.Before != nil {
		o.cfg.Before(o, w, r)
	}
}

func (o *Instance) after(w http.ResponseWriter, r *http.Request) {
	if o.cfg.After != nil {
		o.cfg.After(o, w, r)
	}
}

// valid rejects a nil payload before consulting IsValid.
func (o *Instance) valid(payload any) bool {
	if isNil(payload) {
		return false
	}
	if o.cfg.IsValid == nil {
		return true
	}
	return o.cfg.IsValid(payload)
}

func (o *Instance) fail(err error) {
	o.errs = append(o.errs, err)
	o.state = StateFailed
}

type localFetcher struct{}

func (localFetcher) Fetch(ctx context.Context, o *Instance, _ *Client) (any, error) {
	if o.cfg.Get == nil {
		return o.data, nil
	}
	return o.cfg.Get(ctx, o)
}

// cloneData deep copies static payloads so instances of different requests
// share nothing mutable. Messages are copied with proto.Clone.
func cloneData(v any) any {
	if isNil(v) {
		return v
	}
	if m, ok := v.(proto.Message); ok {
		return proto.Clone(m)
	}
	return props.Clone(v)
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map, reflect.Slice, reflect.Pointer, reflect.Interface, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}
