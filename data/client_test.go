package data

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/hanpama/conductor/eventbus"
	"github.com/hanpama/conductor/events"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"
)

func splitHostPort(t *testing.T, rawURL string) (string, int) {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}

func TestRemote_GetJSON(t *testing.T) {
	var gotPath, gotQuery, gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotQuery, gotHeader = r.URL.Path, r.URL.RawQuery, r.Header.Get("X-Trace")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"userId":2,"id":1,"title":"t"}]`))
	}))
	defer srv.Close()
	host, port := splitHostPort(t, srv.URL)

	posts := Define(Config{
		Name:    "posts",
		Host:    host,
		Port:    port,
		BaseURL: "/api",
		URL:     "/posts",
		Headers: http.Header{"X-Trace": {"abc"}},
		Before: func(o *Instance, w http.ResponseWriter, r *http.Request) {
			o.Outbound().Query.Set("userId", "2")
		},
	})
	env := newTestEnv()
	report := NewResolver().Resolve(context.Background(), env, instances(env, posts))
	require.Empty(t, report.Failed)

	o := env.store["posts"]
	want := []any{map[string]any{"userId": float64(2), "id": float64(1), "title": "t"}}
	if diff := cmp.Diff(want, o.Data()); diff != "" {
		t.Fatalf("payload mismatch (-want +got):\n%s", diff)
	}
	require.Equal(t, "/api/posts", gotPath)
	require.Equal(t, "userId=2", gotQuery)
	require.Equal(t, "abc", gotHeader)
	require.Equal(t, "/api/posts?userId=2", o.Raw().ResourcePath)
	require.Equal(t, http.StatusOK, o.Raw().StatusCode)
	require.Equal(t, 1, env.clients.Len())
}

func TestRemote_Unauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()
	host, port := splitHostPort(t, srv.URL)

	called := false
	f := Define(Config{
		Name:     "secret",
		Host:     host,
		Port:     port,
		URL:      "/secret",
		Fallback: func(o *Instance) any { called = true; return "x" },
	})
	env := newTestEnv()
	report := NewResolver().Resolve(context.Background(), env, instances(env, f))

	require.Len(t, report.Failed, 1)
	require.ErrorIs(t, report.Failed[0].Err, ErrUnauthorized)
	require.ErrorIs(t, report.Failed[0].Err, ErrRequest)
	require.False(t, called)
	require.Equal(t, http.StatusUnauthorized, env.store["secret"].Raw().StatusCode)
}

func TestRemote_ServerErrorFallsBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()
	host, port := splitHostPort(t, srv.URL)

	withFallback := Define(Config{
		Name:     "ip",
		Host:     host,
		Port:     port,
		Fallback: func(o *Instance) any { return map[string]any{"ip": "0.0.0.0"} },
	})
	without := Define(Config{Name: "posts", Host: host, Port: port})
	env := newTestEnv()
	report := NewResolver().Resolve(context.Background(), env, instances(env, withFallback, without))

	require.Equal(t, []string{"ip"}, report.Resolved)
	require.Equal(t, []string{"ip"}, report.Fallback)
	require.Len(t, report.Failed, 1)
	require.Equal(t, "posts", report.Failed[0].Name)
	require.ErrorIs(t, report.Failed[0].Err, ErrRequest)
	require.NotErrorIs(t, report.Failed[0].Err, ErrUnauthorized)

	ip := env.store["ip"]
	require.True(t, ip.InFallback())
	require.Equal(t, map[string]any{"ip": "0.0.0.0"}, ip.Data())
	require.Equal(t, "nope\n", ip.Raw().Body)
	// both objects share one client for the same host
	require.Equal(t, 1, env.clients.Len())
}

func TestRemote_NoResponseStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	host, port := splitHostPort(t, srv.URL)
	srv.Close()

	f := Define(Config{Name: "down", Host: host, Port: port})
	env := newTestEnv()
	NewResolver().Resolve(context.Background(), env, instances(env, f))
	o := env.store["down"]
	require.True(t, o.Failed())
	require.Equal(t, -1, o.Raw().StatusCode)
}

func TestRemote_PostJSONAndText(t *testing.T) {
	var body map[string]any
	var contentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		contentType = r.Header.Get("Content-Type")
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &body)
		_, _ = w.Write([]byte("created"))
	}))
	defer srv.Close()
	host, port := splitHostPort(t, srv.URL)

	f := Define(Config{
		Name:         "create",
		Host:         host,
		Port:         port,
		Method:       "post",
		Body:         map[string]any{"title": "hello"},
		ResourceType: "text",
	})
	env := newTestEnv()
	NewResolver().Resolve(context.Background(), env, instances(env, f))
	require.Equal(t, "created", env.store["create"].Data())
	require.Equal(t, "application/json", contentType)
	require.Equal(t, map[string]any{"title": "hello"}, body)
}

func TestRemote_ClientEventsCarryDataLabel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()
	host, port := splitHostPort(t, srv.URL)

	bus := eventbus.New()
	var mu sync.Mutex
	var labels []string
	eventbus.Subscribe(bus, func(_ context.Context, e events.ClientFinish) {
		mu.Lock()
		labels = append(labels, e.Label)
		mu.Unlock()
	})

	a := Define(Config{Name: "a", Host: host, Port: port, URL: "/same"})
	b := Define(Config{Name: "b", Host: host, Port: port, URL: "/same"})
	env := newTestEnv(WithBus(bus))
	NewResolver().Resolve(context.Background(), env, instances(env, a, b))
	require.ElementsMatch(t, []string{"10-buildData-a", "10-buildData-b"}, labels)
}

func TestRemote_BodyLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(r.URL.Query().Get("body")))
	}))
	defer srv.Close()
	host, port := splitHostPort(t, srv.URL)

	text := func(body string) Factory {
		return Define(Config{
			Name:         "text",
			Host:         host,
			Port:         port,
			Query:        url.Values{"body": {body}},
			ResourceType: "text",
		})
	}

	env := newTestEnv(WithMaxBodyBytes(5))
	report := NewResolver().Resolve(context.Background(), env, instances(env, text("12345")))
	require.Empty(t, report.Failed)
	require.Equal(t, "12345", env.store["text"].Data())

	env = newTestEnv(WithMaxBodyBytes(5))
	report = NewResolver().Resolve(context.Background(), env, instances(env, text("123456")))
	require.Len(t, report.Failed, 1)
	o := env.store["text"]
	require.True(t, o.Failed())
	require.ErrorIs(t, o.Err(), ErrRequest)
	require.Equal(t, "12345", o.Raw().Body)
}

func TestRemote_PostForm(t *testing.T) {
	var got url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		got = r.PostForm
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()
	host, port := splitHostPort(t, srv.URL)

	f := Define(Config{
		Name:     "login",
		Host:     host,
		Port:     port,
		Method:   http.MethodPost,
		PostType: "form",
		Body:     map[string]string{"user": "a"},
	})
	env := newTestEnv()
	NewResolver().Resolve(context.Background(), env, instances(env, f))
	require.Equal(t, "a", got.Get("user"))
}

func TestRemote_ProtoDecoding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ip":"10.0.0.1","hops":3}`))
	}))
	defer srv.Close()
	host, port := splitHostPort(t, srv.URL)

	f := Define(Config{Name: "ip", Host: host, Port: port, Proto: &structpb.Struct{}})
	env := newTestEnv()
	NewResolver().Resolve(context.Background(), env, instances(env, f))

	msg, ok := env.store["ip"].Data().(*structpb.Struct)
	require.True(t, ok)
	require.Equal(t, "10.0.0.1", msg.GetFields()["ip"].GetStringValue())
	require.EqualValues(t, 3, msg.GetFields()["hops"].GetNumberValue())
}

func TestRemote_DefaultHeaders(t *testing.T) {
	var ua string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ua = r.Header.Get("User-Agent")
		_, _ = w.Write([]byte(`1`))
	}))
	defer srv.Close()
	host, port := splitHostPort(t, srv.URL)

	f := Define(Config{Name: "n", Host: host, Port: port})
	env := newTestEnv(WithDefaultHeaders(http.Header{"User-Agent": {"conductor-test"}}))
	NewResolver().Resolve(context.Background(), env, instances(env, f))
	require.Equal(t, "conductor-test", ua)
	require.Equal(t, float64(1), env.store["n"].Data())
}

func TestOutbound_TargetAndPath(t *testing.T) {
	o := Define(Config{Name: "a", Host: "example.com", Secure: true, URL: "/x/"})(nil, nil)
	ob := o.Outbound()
	require.Equal(t, Target{Scheme: "https", Host: "example.com", Port: 443}, ob.Target())
	require.Equal(t, "https://example.com:443", ob.Target().String())
	require.Equal(t, "/x/", ob.ResourcePath())
	require.Equal(t, http.MethodGet, ob.Method)

	plain := Define(Config{Name: "b", Host: "example.com"})(nil, nil)
	require.Equal(t, 80, plain.Outbound().Target().Port)
	require.Equal(t, "/", plain.Outbound().ResourcePath())
	require.Equal(t, -1, plain.Raw().StatusCode)
}

func TestTransport_RateLimiterSharedPerTarget(t *testing.T) {
	tr := NewTransport(WithRateLimit(10, 2))
	a := Target{Scheme: "http", Host: "a", Port: 80}
	b := Target{Scheme: "http", Host: "b", Port: 80}
	require.Same(t, tr.Dial(a).limiter, tr.Dial(a).limiter)
	require.NotSame(t, tr.Dial(a).limiter, tr.Dial(b).limiter)

	require.Nil(t, NewTransport().Dial(a).limiter)
}

func TestClients_CachePerTarget(t *testing.T) {
	cs := NewClients(NewTransport())
	a := Target{Scheme: "http", Host: "a", Port: 80}
	require.Same(t, cs.Get(a), cs.Get(a))
	require.NotSame(t, cs.Get(a), cs.Get(Target{Scheme: "https", Host: "a", Port: 443}))
	require.Equal(t, 2, cs.Len())
}
