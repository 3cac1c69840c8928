package conductor

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/hanpama/conductor/data"
	"github.com/hanpama/conductor/props"
)

// Context is the per-request execution state. It is created by the host
// adapter (or NewContext) and passed to every stage. Stages run one at a time;
// only the data store and client cache are touched concurrently, by data
// resolution.
type Context struct {
	ctx    context.Context
	id     string
	log    *slog.Logger
	w      http.ResponseWriter
	r      *http.Request
	active *Definition

	clients  *data.Clients
	resolver *data.Resolver
	label    string
	locals   map[string]any

	mu    sync.Mutex
	store map[string]*data.Instance
}

var _ data.Env = (*Context)(nil)

// ContextConfig holds the collaborators of a Context. Zero fields get
// defaults: a random ID, a discarding logger, a client cache over a shared
// transport and an unlimited resolver.
type ContextConfig struct {
	ID       string
	Logger   *slog.Logger
	Clients  *data.Clients
	Resolver *data.Resolver
}

// NewContext binds a fresh execution context to def.
func NewContext(ctx context.Context, def *Definition, w http.ResponseWriter, r *http.Request, cfg ContextConfig) *Context {
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Clients == nil {
		cfg.Clients = data.NewClients(defaultTransport())
	}
	if cfg.Resolver == nil {
		cfg.Resolver = data.NewResolver()
	}
	return &Context{
		ctx:      ctx,
		id:       cfg.ID,
		log:      cfg.Logger,
		w:        w,
		r:        r,
		active:   def,
		clients:  cfg.Clients,
		resolver: cfg.Resolver,
		locals:   map[string]any{},
		store:    map[string]*data.Instance{},
	}
}

var (
	defaultTransportOnce sync.Once
	sharedTransport      *data.Transport
)

func defaultTransport() *data.Transport {
	defaultTransportOnce.Do(func() { sharedTransport = data.NewTransport() })
	return sharedTransport
}

// ID is the request identifier.
func (ec *Context) ID() string { return ec.id }

// Context returns the request context.
func (ec *Context) Context() context.Context { return ec.ctx }

func (ec *Context) Logger() *slog.Logger { return ec.log }

func (ec *Context) Writer() http.ResponseWriter { return ec.w }

func (ec *Context) Request() *http.Request { return ec.r }

// Conductor returns the active definition.
func (ec *Context) Conductor() *Definition { return ec.active }

// Shard reassigns the active definition. The running pipeline notices the
// change when the current stage returns and resumes on def.
func (ec *Context) Shard(def *Definition) {
	if def == nil {
		panic(fmt.Errorf("%w: shard to a nil conductor", ErrConfig))
	}
	ec.active = def
}

// Props returns the properties of the active definition.
func (ec *Context) Props() props.Bag { return ec.active.Props() }

// Prop returns one property of the active definition.
func (ec *Context) Prop(name string) any { return ec.active.Props().Value(name) }

// Set stores a request scoped value for later stages. Values survive
// sharding.
func (ec *Context) Set(key string, v any) { ec.locals[key] = v }

// Value returns a value stored with Set.
func (ec *Context) Value(key string) (any, bool) {
	v, ok := ec.locals[key]
	return v, ok
}

// Data returns the instance registered under name, resolved or not.
func (ec *Context) Data(name string) *data.Instance {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return ec.store[name]
}

// AllData returns a snapshot of the data store.
func (ec *Context) AllData() map[string]*data.Instance {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return maps.Clone(ec.store)
}

// Register adds o to the data store. Names are write-once per request.
func (ec *Context) Register(o *data.Instance) error {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	if _, ok := ec.store[o.Name()]; ok {
		return fmt.Errorf("%w: %s", data.ErrDuplicateName, o.Name())
	}
	ec.store[o.Name()] = o
	return nil
}

// Client returns the client for target, creating it on first use within this
// request.
func (ec *Context) Client(target data.Target) *data.Client { return ec.clients.Get(target) }

// SetTimerLabel sets the label nested timings are prefixed with. The engine
// sets it to "<key>-<stage>" before every stage.
func (ec *Context) SetTimerLabel(label string) { ec.label = label }

// TimerLabel returns the current timer label.
func (ec *Context) TimerLabel() string {
	if ec.label == "" {
		return "no-prefix-found"
	}
	return ec.label
}
