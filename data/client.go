package data

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hanpama/conductor/eventbus"
	"github.com/hanpama/conductor/events"
	"golang.org/x/time/rate"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

// Options configures the outbound transport.
//
// Defaults:
//   - HTTPClient:     a client with its own http.Transport
//   - RequestTimeout: 3s (used only if the incoming context has no deadline)
//   - RateLimit:      unlimited
//
// All options are safe to leave zero-valued to use defaults.
type Options struct {
	HTTPClient     *http.Client
	RequestTimeout time.Duration

	// RateLimit caps calls per second per Target. Zero disables limiting.
	RateLimit rate.Limit
	Burst     int

	DefaultHeaders http.Header
	MaxBodyBytes   int64

	Bus *eventbus.Bus
}

// Option mutates Options.
type Option func(*Options)

func defaultOptions() *Options {
	return &Options{
		RequestTimeout: 3 * time.Second,
		MaxBodyBytes:   8 << 20,
	}
}

func WithHTTPClient(c *http.Client) Option      { return func(o *Options) { o.HTTPClient = c } }
func WithRequestTimeout(d time.Duration) Option { return func(o *Options) { o.RequestTimeout = d } }
func WithDefaultHeaders(h http.Header) Option   { return func(o *Options) { o.DefaultHeaders = h.Clone() } }
func WithMaxBodyBytes(n int64) Option           { return func(o *Options) { o.MaxBodyBytes = n } }
func WithBus(b *eventbus.Bus) Option            { return func(o *Options) { o.Bus = b } }
func WithRateLimit(perSecond float64, burst int) Option {
	return func(o *Options) { o.RateLimit, o.Burst = rate.Limit(perSecond), burst }
}

// Dialer builds clients for remote targets. Implementations must be safe for
// concurrent use.
type Dialer interface {
	Dial(target Target) *Client
}

// Transport is the process wide Dialer. It shares one http.Client and keeps a
// rate limiter per target so limits hold across requests.
type Transport struct {
	opts *Options

	mu       sync.Mutex
	limiters map[Target]*rate.Limiter
}

var _ Dialer = (*Transport)(nil)

func NewTransport(opts ...Option) *Transport {
	o := defaultOptions()
	for _, f := range opts {
		f(o)
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()}
	}
	if o.RateLimit > 0 && o.Burst <= 0 {
		o.Burst = 1
	}
	return &Transport{opts: o, limiters: make(map[Target]*rate.Limiter)}
}

// Dial returns a client bound to target.
func (t *Transport) Dial(target Target) *Client {
	return &Client{
		target:  target,
		opts:    t.opts,
		limiter: t.limiter(target),
	}
}

func (t *Transport) limiter(target Target) *rate.Limiter {
	if t.opts.RateLimit <= 0 {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.limiters[target]
	if !ok {
		l = rate.NewLimiter(t.opts.RateLimit, t.opts.Burst)
		t.limiters[target] = l
	}
	return l
}

// Client performs outbound calls against one Target.
type Client struct {
	target  Target
	opts    *Options
	limiter *rate.Limiter
}

func (c *Client) Target() Target { return c.target }

// Do performs the call described by ob and decodes the response according to
// ob.ResourceType. A status of 400 or above yields a *StatusError.
func (c *Client) Do(ctx context.Context, ob *Outbound) (payload any, raw RawResponse, err error) {
	raw = RawResponse{ResourcePath: ob.ResourcePath(), StatusCode: -1}

	if _, ok := ctx.Deadline(); !ok && c.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.RequestTimeout)
		defer cancel()
	}
	if c.limiter != nil {
		if err = c.limiter.Wait(ctx); err != nil {
			return nil, raw, err
		}
	}

	req, err := c.newRequest(ctx, ob, raw.ResourcePath)
	if err != nil {
		return nil, raw, err
	}

	start := time.Now()
	label := labelFromContext(ctx)
	eventbus.Publish(c.opts.Bus, ctx, events.ClientStart{Label: label, Target: c.target.String(), Method: ob.Method, Path: raw.ResourcePath})
	defer func() {
		eventbus.Publish(c.opts.Bus, ctx, events.ClientFinish{
			Label:    label,
			Target:   c.target.String(),
			Method:   ob.Method,
			Path:     raw.ResourcePath,
			Status:   raw.StatusCode,
			Err:      err,
			Duration: time.Since(start),
		})
	}()

	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, raw, err
	}
	defer resp.Body.Close()

	reader := io.Reader(resp.Body)
	if c.opts.MaxBodyBytes > 0 {
		reader = io.LimitReader(resp.Body, c.opts.MaxBodyBytes+1)
	}
	body, err := io.ReadAll(reader)
	tooLarge := c.opts.MaxBodyBytes > 0 && int64(len(body)) > c.opts.MaxBodyBytes
	if tooLarge {
		body = body[:c.opts.MaxBodyBytes]
	}
	raw.StatusCode = resp.StatusCode
	raw.Header = resp.Header.Clone()
	raw.Body = string(body)
	if err != nil {
		return nil, raw, fmt.Errorf("reading body: %w", err)
	}
	if tooLarge {
		return nil, raw, fmt.Errorf("%w: response body exceeds %d bytes", ErrRequest, c.opts.MaxBodyBytes)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, raw, &StatusError{Code: resp.StatusCode}
	}

	payload, err = decode(ob, body)
	if err != nil {
		return nil, raw, fmt.Errorf("decoding %s response: %w", ob.ResourceType, err)
	}
	return payload, raw, nil
}

func (c *Client) newRequest(ctx context.Context, ob *Outbound, resourcePath string) (*http.Request, error) {
	body, contentType, err := encodeBody(ob)
	if err != nil {
		return nil, fmt.Errorf("encoding body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, ob.Method, c.target.String()+resourcePath, body)
	if err != nil {
		return nil, err
	}
	for k, v := range c.opts.DefaultHeaders {
		req.Header[k] = append([]string(nil), v...)
	}
	for k, v := range ob.Headers {
		req.Header[k] = append([]string(nil), v...)
	}
	if contentType != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", contentType)
	}
	if req.Header.Get("Accept") == "" && ob.ResourceType == "json" {
		req.Header.Set("Accept", "application/json")
	}
	return req, nil
}

func encodeBody(ob *Outbound) (io.Reader, string, error) {
	if isNil(ob.Body) {
		return nil, "", nil
	}
	if ob.PostType == "form" {
		var form url.Values
		switch b := ob.Body.(type) {
		case url.Values:
			form = b
		case map[string]string:
			form = url.Values{}
			for k, v := range b {
				form.Set(k, v)
			}
		default:
			return nil, "", fmt.Errorf("form body must be url.Values or map[string]string, got %T", ob.Body)
		}
		return strings.NewReader(form.Encode()), "application/x-www-form-urlencoded", nil
	}
	var (
		b   []byte
		err error
	)
	if m, ok := ob.Body.(proto.Message); ok {
		b, err = protojson.Marshal(m)
	} else {
		b, err = json.Marshal(ob.Body)
	}
	if err != nil {
		return nil, "", err
	}
	return bytes.NewReader(b), "application/json", nil
}

func decode(ob *Outbound, body []byte) (any, error) {
	if ob.ResourceType == "text" {
		return string(body), nil
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}
	if ob.Proto != nil {
		m := proto.Clone(ob.Proto)
		proto.Reset(m)
		if err := (protojson.UnmarshalOptions{DiscardUnknown: true}).Unmarshal(body, m); err != nil {
			return nil, err
		}
		return m, nil
	}
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// Clients caches one client per Target for a single request.
type Clients struct {
	dialer Dialer

	mu sync.Mutex
	m  map[Target]*Client
}

// NewClients creates an empty cache backed by d.
func NewClients(d Dialer) *Clients {
	return &Clients{dialer: d, m: make(map[Target]*Client)}
}

// Get returns the cached client for target, dialing it on first use.
func (cs *Clients) Get(target Target) *Client {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	c, ok := cs.m[target]
	if !ok {
		c = cs.dialer.Dial(target)
		cs.m[target] = c
	}
	return c
}

// Len returns the number of cached clients.
func (cs *Clients) Len() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return len(cs.m)
}

type labelKey struct{}

// withLabel records the label of the data object being resolved so outbound
// calls made for it can be attributed.
func withLabel(ctx context.Context, label string) context.Context {
	return context.WithValue(ctx, labelKey{}, label)
}

func labelFromContext(ctx context.Context) string {
	label, _ := ctx.Value(labelKey{}).(string)
	return label
}
