package conductor

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
)

// Router is the host routing table. *http.ServeMux satisfies it.
type Router interface {
	Handle(pattern string, h http.Handler)
}

// RouteOptions is the object form of a route.
type RouteOptions struct {
	Path string
	// Name labels the route in logs. Optional.
	Name string
}

// Install registers def on router for method and route. route is a path
// string, a RouteOptions or a *RouteOptions.
func Install(router Router, method string, route any, def *Definition, opts ...Option) error {
	if router == nil {
		return fmt.Errorf("%w: router is nil", ErrConfig)
	}
	if def == nil || def.name == "" {
		return fmt.Errorf("%w: conductor was not created with New", ErrConfig)
	}
	ro, err := routeOptions(route)
	if err != nil {
		return err
	}
	if ro.Path == "" || !strings.HasPrefix(ro.Path, "/") {
		return fmt.Errorf("%w: invalid path %q", ErrConfig, ro.Path)
	}
	h := NewHandler(def, opts...)
	if ro.Name != "" {
		h.opt.Logger = h.opt.Logger.With(slog.String("route", ro.Name))
	}
	router.Handle(strings.ToUpper(method)+" "+ro.Path, h)
	return nil
}

func routeOptions(route any) (RouteOptions, error) {
	switch r := route.(type) {
	case string:
		return RouteOptions{Path: r}, nil
	case RouteOptions:
		return r, nil
	case *RouteOptions:
		if r != nil {
			return *r, nil
		}
	}
	return RouteOptions{}, fmt.Errorf("%w: route must be a path or RouteOptions, got %T", ErrConfig, route)
}

func mustInstall(router Router, method string, route any, def *Definition, opts []Option) {
	if err := Install(router, method, route, def, opts...); err != nil {
		panic(err)
	}
}

// Get installs def for GET requests. It panics on a configuration error.
func Get(router Router, route any, def *Definition, opts ...Option) {
	mustInstall(router, http.MethodGet, route, def, opts)
}

func Head(router Router, route any, def *Definition, opts ...Option) {
	mustInstall(router, http.MethodHead, route, def, opts)
}

func Post(router Router, route any, def *Definition, opts ...Option) {
	mustInstall(router, http.MethodPost, route, def, opts)
}

func Put(router Router, route any, def *Definition, opts ...Option) {
	mustInstall(router, http.MethodPut, route, def, opts)
}

func Patch(router Router, route any, def *Definition, opts ...Option) {
	mustInstall(router, http.MethodPatch, route, def, opts)
}

func Delete(router Router, route any, def *Definition, opts ...Option) {
	mustInstall(router, http.MethodDelete, route, def, opts)
}

func Options(router Router, route any, def *Definition, opts ...Option) {
	mustInstall(router, http.MethodOptions, route, def, opts)
}
