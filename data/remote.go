package data

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"

	"google.golang.org/protobuf/proto"
)

// Outbound describes the call a remote instance makes. Before hooks may change
// any field; the client for the call is picked from Target after Before ran.
type Outbound struct {
	Method       string
	Secure       bool
	Host         string
	Port         int
	BaseURL      string
	URL          string
	Query        url.Values
	Body         any
	PostType     string
	Headers      http.Header
	ResourceType string
	Proto        proto.Message
}

func newOutbound(cfg *Config) *Outbound {
	ob := &Outbound{
		Method:       strings.ToUpper(cfg.Method),
		Secure:       cfg.Secure,
		Host:         cfg.Host,
		Port:         cfg.Port,
		BaseURL:      cfg.BaseURL,
		URL:          cfg.URL,
		Query:        url.Values{},
		Body:         cloneData(cfg.Body),
		PostType:     cfg.PostType,
		Headers:      cfg.Headers.Clone(),
		ResourceType: cfg.ResourceType,
		Proto:        cfg.Proto,
	}
	for k, v := range cfg.Query {
		ob.Query[k] = append([]string(nil), v...)
	}
	if ob.Method == "" {
		ob.Method = http.MethodGet
	}
	if ob.Headers == nil {
		ob.Headers = http.Header{}
	}
	if ob.PostType == "" {
		ob.PostType = "json"
	}
	if ob.ResourceType == "" {
		ob.ResourceType = "json"
	}
	return ob
}

// Target identifies the remote host an outbound call goes to.
func (ob *Outbound) Target() Target {
	t := Target{Scheme: "http", Host: ob.Host, Port: ob.Port}
	if ob.Secure {
		t.Scheme = "https"
	}
	if t.Port == 0 {
		t.Port = 80
		if ob.Secure {
			t.Port = 443
		}
	}
	return t
}

// ResourcePath is the request URI: base URL and URL joined, plus the encoded
// query.
func (ob *Outbound) ResourcePath() string {
	p := path.Join("/", ob.BaseURL, ob.URL)
	if strings.HasSuffix(ob.URL, "/") && p != "/" {
		p += "/"
	}
	if q := ob.Query.Encode(); q != "" {
		p += "?" + q
	}
	return p
}

// Target is the identity of a remote host. Clients are cached per Target.
type Target struct {
	Scheme string
	Host   string
	Port   int
}

func (t Target) String() string {
	return t.Scheme + "://" + t.Host + ":" + strconv.Itoa(t.Port)
}

// RawResponse is a diagnostic snapshot of an outbound call. StatusCode is -1
// when no response was received.
type RawResponse struct {
	ResourcePath string
	StatusCode   int
	Header       http.Header
	Body         string
}

type remoteFetcher struct{}

func (remoteFetcher) Fetch(ctx context.Context, o *Instance, client *Client) (any, error) {
	if client == nil {
		return nil, fmt.Errorf("no client for %s", o.outbound.Target())
	}
	payload, raw, err := client.Do(ctx, o.outbound)
	o.raw = raw
	return payload, err
}
