package data

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hanpama/conductor/eventbus"
	"github.com/hanpama/conductor/events"
	"golang.org/x/sync/errgroup"
)

// Env is the request scope the Resolver works in. The conductor execution
// context implements it.
type Env interface {
	// Register stores o in the request's data store. It fails with
	// ErrDuplicateName when the name is taken.
	Register(o *Instance) error
	// Client returns the request scoped client for target.
	Client(target Target) *Client
	Writer() http.ResponseWriter
	Request() *http.Request
	// TimerLabel is the label of the stage that triggered resolution.
	TimerLabel() string
	Logger() *slog.Logger
}

// ResolverOptions configures a Resolver.
type ResolverOptions struct {
	// Concurrency caps instances resolved at once within one group.
	// 0 means unlimited.
	Concurrency int
	Bus         *eventbus.Bus
}

type ResolverOption func(*ResolverOptions)

func WithConcurrency(n int) ResolverOption { return func(o *ResolverOptions) { o.Concurrency = n } }
func WithResolverBus(b *eventbus.Bus) ResolverOption {
	return func(o *ResolverOptions) { o.Bus = b }
}

// Resolver resolves groups of instances with fan-out/fan-in.
// It is safe for concurrent use by many requests.
type Resolver struct {
	opts ResolverOptions
}

func NewResolver(opts ...ResolverOption) *Resolver {
	var o ResolverOptions
	for _, f := range opts {
		f(&o)
	}
	return &Resolver{opts: o}
}

// Failure is one instance that did not resolve.
type Failure struct {
	Name string
	Err  error
}

// Report summarizes a group resolution, in instance order.
type Report struct {
	Resolved []string
	Fallback []string
	Failed   []Failure
	Skipped  []Failure
}

// Resolve registers every instance into env and resolves them concurrently,
// returning once all of them finished. It never fails as a whole: failures
// are recorded on the instances and listed in the report.
func (rs *Resolver) Resolve(ctx context.Context, env Env, instances []*Instance) Report {
	var report Report
	log := env.Logger()
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	log = log.With(slog.String("component", "data"))

	// Register before resolving so that failed instances stay inspectable.
	live := make([]*Instance, 0, len(instances))
	for _, o := range instances {
		if err := env.Register(o); err != nil {
			log.Warn("skipping data object", slog.String("data", o.Name()), slog.Any("err", err))
			report.Skipped = append(report.Skipped, Failure{Name: o.Name(), Err: err})
			continue
		}
		live = append(live, o)
	}

	errs := make([]error, len(live))
	var g errgroup.Group
	if rs.opts.Concurrency > 0 {
		g.SetLimit(rs.opts.Concurrency)
	}
	for i, o := range live {
		g.Go(func() error {
			errs[i] = rs.resolveOne(ctx, env, log, o)
			return nil
		})
	}
	_ = g.Wait()

	var failedNames []string
	for i, o := range live {
		if errs[i] != nil {
			report.Failed = append(report.Failed, Failure{Name: o.Name(), Err: errs[i]})
			failedNames = append(failedNames, o.Name())
			continue
		}
		report.Resolved = append(report.Resolved, o.Name())
		if o.InFallback() {
			report.Fallback = append(report.Fallback, o.Name())
		}
	}
	if len(report.Failed) > 0 {
		log.Error(fmt.Sprintf("all data resolved, but %d object(s) failed: %s",
			len(failedNames), strings.Join(failedNames, ", ")))
		for i, f := range report.Failed {
			log.Error(fmt.Sprintf("%d of %d failed data objects", i+1, len(report.Failed)),
				slog.String("data", f.Name),
				slog.Any("err", f.Err))
		}
	}
	return report
}

func (rs *Resolver) resolveOne(ctx context.Context, env Env, log *slog.Logger, o *Instance) (err error) {
	label := env.TimerLabel() + "-" + o.Name()
	ctx = withLabel(ctx, label)
	start := time.Now()
	eventbus.Publish(rs.opts.Bus, ctx, events.DataStart{Name: o.Name(), Label: label})
	log.Debug("resolving data", slog.String("data", o.Name()), slog.Bool("remote", o.Remote()))

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%s: %w: panic: %v", o.Name(), ErrRequest, p)
			o.fail(err)
		}
		eventbus.Publish(rs.opts.Bus, ctx, events.DataFinish{
			Name:     o.Name(),
			Label:    label,
			Fallback: o.InFallback(),
			Err:      err,
			Duration: time.Since(start),
		})
		log.Debug("data resolved", slog.String("data", o.Name()), slog.String("state", o.State().String()))
	}()

	w, r := env.Writer(), env.Request()
	o.before(w, r)

	var client *Client
	if o.outbound != nil {
		client = env.Client(o.outbound.Target())
	}
	payload, ferr := o.fetcher.Fetch(ctx, o, client)
	if ferr != nil {
		err = requestError(o.Name(), ferr)
		if IsUnauthorized(ferr) || o.cfg.Fallback == nil {
			o.fail(err)
			return err
		}
		log.Info("attempting fallback mode", slog.String("data", o.Name()), slog.Any("err", ferr))
		o.errs = append(o.errs, err)
		payload = o.cfg.Fallback(o)
		o.fallback = true
		err = nil
	}

	if !o.valid(payload) {
		err = fmt.Errorf("%w for %s", ErrValidation, o.Name())
		o.fail(err)
		return err
	}
	o.data = payload
	o.after(w, r)
	o.state = StateResolved
	return nil
}
