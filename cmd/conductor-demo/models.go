package main

import (
	"context"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/hanpama/conductor/data"
)

var userAgent = data.Define(data.Config{
	Name: "userAgent",
	Before: func(o *data.Instance, w http.ResponseWriter, r *http.Request) {
		o.SetData(r.UserAgent())
	},
})

var serverEnv = data.Define(data.Config{
	Name: "serverEnv",
	Before: func(o *data.Instance, w http.ResponseWriter, r *http.Request) {
		env := os.Getenv("APP_ENV")
		if env == "" {
			env = "development"
		}
		o.SetData(map[string]any{
			"env":  env,
			"user": os.Getenv("USER"),
			"pwd":  os.Getenv("PWD"),
		})
	},
})

// asyncModel resolves after delay, standing in for a slow local source.
func asyncModel(delay time.Duration) data.Factory {
	return data.Define(data.Config{
		Name: "asyncModel",
		Get: func(ctx context.Context, o *data.Instance) (any, error) {
			select {
			case <-time.After(delay):
				return map[string]any{"hello": "world", "async": true}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	})
}

func ipModel(ep Endpoint) data.Factory {
	return data.Define(data.Config{
		Name:   "ip",
		Host:   ep.Host,
		Port:   ep.Port,
		Secure: ep.Secure,
		IsValid: func(payload any) bool {
			m, ok := payload.(map[string]any)
			if !ok {
				return false
			}
			_, ok = m["ip"]
			return ok
		},
		Fallback: func(o *data.Instance) any {
			return map[string]any{"ip": "unknown"}
		},
	})
}

func postsModel(ep Endpoint) data.Factory {
	return data.Define(data.Config{
		Name:   "posts",
		Host:   ep.Host,
		Port:   ep.Port,
		Secure: ep.Secure,
		URL:    "/posts",
		Before: func(o *data.Instance, w http.ResponseWriter, r *http.Request) {
			userID := r.URL.Query().Get("userId")
			if _, err := strconv.Atoi(userID); err != nil {
				userID = "1"
			}
			o.Outbound().Query.Set("userId", userID)
		},
		IsValid: func(payload any) bool {
			posts, ok := payload.([]any)
			return ok && len(posts) > 0
		},
	})
}
