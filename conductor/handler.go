package conductor

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/hanpama/conductor/data"
	"github.com/hanpama/conductor/eventbus"
	"github.com/hanpama/conductor/events"
	"github.com/hanpama/conductor/internal/reqid"
)

// ErrorHandler renders a failed pipeline run.
type ErrorHandler func(w http.ResponseWriter, r *http.Request, err error)

// Handler is the host adapter: an http.Handler that creates an execution
// context for each request and runs a conductor against it.
type Handler struct {
	def    *Definition
	engine *Engine
	opt    HandlerOptions
}

// HandlerOptions configures a Handler.
type HandlerOptions struct {
	// Timeout sets a default timeout if the incoming request context has none.
	// 0 means no default timeout.
	Timeout time.Duration

	Logger *slog.Logger
	Bus    *eventbus.Bus

	// ErrorHandler renders failures. Default: DefaultErrorHandler.
	ErrorHandler ErrorHandler

	// Dialer creates outbound clients. Default: a Transport shared by every
	// request of this handler.
	Dialer data.Dialer

	// Resolver resolves data groups. Default: unlimited concurrency.
	Resolver *data.Resolver

	// RequestIDHeader names an incoming header whose value is used as the
	// request ID instead of a generated one. The ID is echoed back in it.
	RequestIDHeader string

	// Pretty enables indented JSON error bodies.
	Pretty bool
}

type Option func(*HandlerOptions)

func WithTimeout(d time.Duration) Option     { return func(o *HandlerOptions) { o.Timeout = d } }
func WithLogger(l *slog.Logger) Option       { return func(o *HandlerOptions) { o.Logger = l } }
func WithBus(b *eventbus.Bus) Option         { return func(o *HandlerOptions) { o.Bus = b } }
func WithErrorHandler(h ErrorHandler) Option { return func(o *HandlerOptions) { o.ErrorHandler = h } }
func WithDialer(d data.Dialer) Option        { return func(o *HandlerOptions) { o.Dialer = d } }
func WithResolver(r *data.Resolver) Option   { return func(o *HandlerOptions) { o.Resolver = r } }
func WithRequestIDHeader(name string) Option { return func(o *HandlerOptions) { o.RequestIDHeader = name } }
func WithPretty() Option                     { return func(o *HandlerOptions) { o.Pretty = true } }

// NewHandler creates the adapter for def.
func NewHandler(def *Definition, opts ...Option) *Handler {
	op := HandlerOptions{Timeout: 10 * time.Second}
	for _, f := range opts {
		f(&op)
	}
	if op.Logger == nil {
		op.Logger = slog.New(slog.DiscardHandler)
	}
	if op.Dialer == nil {
		op.Dialer = data.NewTransport(data.WithBus(op.Bus))
	}
	if op.Resolver == nil {
		op.Resolver = data.NewResolver(data.WithResolverBus(op.Bus))
	}
	if op.ErrorHandler == nil {
		op.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
			renderError(w, err, op.Pretty)
		}
	}
	return &Handler{def: def, engine: NewEngine(op.Bus), opt: op}
}

func (h *Handler) Conductor() *Definition { return h.def }

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := ctx.Deadline(); !ok && h.opt.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.opt.Timeout)
		defer cancel()
	}

	var rid string
	if h.opt.RequestIDHeader != "" {
		rid = r.Header.Get(h.opt.RequestIDHeader)
	}
	if rid == "" {
		ctx, rid = reqid.NewContext(ctx)
	} else {
		ctx = reqid.WithID(ctx, rid)
	}
	if h.opt.RequestIDHeader != "" {
		w.Header().Set(h.opt.RequestIDHeader, rid)
	}
	r = r.WithContext(ctx)

	log := h.opt.Logger.With(
		slog.String("request.id", rid),
		slog.String("conductor", h.def.Name()),
	)
	ec := NewContext(ctx, h.def, w, r, ContextConfig{
		ID:       rid,
		Logger:   log,
		Clients:  data.NewClients(h.opt.Dialer),
		Resolver: h.opt.Resolver,
	})

	start := time.Now()
	eventbus.Publish(h.opt.Bus, ctx, events.HTTPStart{Request: r, Conductor: h.def.Name()})
	err := h.engine.Run(ec)
	eventbus.Publish(h.opt.Bus, ctx, events.HTTPFinish{
		Request:   r,
		Conductor: ec.Conductor().Name(),
		Err:       err,
		Duration:  time.Since(start),
	})
	if err != nil {
		log.Error("pipeline failed", slog.Any("err", err))
		h.opt.ErrorHandler(w, r, err)
	}
}

// DefaultErrorHandler writes err as a JSON body {"code", "message"}. The
// status comes from a StatusCoder in err's chain, else 500.
func DefaultErrorHandler(w http.ResponseWriter, r *http.Request, err error) {
	renderError(w, err, false)
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func renderError(w http.ResponseWriter, err error, pretty bool) {
	status := http.StatusInternalServerError
	var sc StatusCoder
	if errors.As(err, &sc) {
		status = sc.StatusCode()
	}
	code := http.StatusText(status)
	switch {
	case errors.Is(err, ErrNoStages):
		code = "NoStages"
	case errors.Is(err, context.DeadlineExceeded):
		status, code = http.StatusGatewayTimeout, http.StatusText(http.StatusGatewayTimeout)
	}
	writeJSON(w, status, errorBody{Code: code, Message: err.Error()}, pretty)
}

func writeJSON(w http.ResponseWriter, status int, v any, pretty bool) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	if pretty {
		enc.SetIndent("", "  ")
	}
	_ = enc.Encode(v)
}
