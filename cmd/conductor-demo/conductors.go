package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/hanpama/conductor/conductor"
	"github.com/hanpama/conductor/data"
	"github.com/hanpama/conductor/props"
)

func sendText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func str(ec *conductor.Context, key string) string {
	v, _ := ec.Value(key)
	s, _ := v.(string)
	return s
}

func set(key, value string) conductor.StageFunc {
	return func(ec *conductor.Context, w http.ResponseWriter, r *http.Request) conductor.Result {
		ec.Set(key, value)
		return conductor.Continue()
	}
}

func renderHello(ec *conductor.Context, w http.ResponseWriter, r *http.Request) conductor.Result {
	sendText(w, http.StatusOK, "hello world!")
	return conductor.Continue()
}

func renderName(ec *conductor.Context, w http.ResponseWriter, r *http.Request) conductor.Result {
	sendText(w, http.StatusOK, "hello world: "+str(ec, "name")+"!")
	return conductor.Continue()
}

// renderData writes every resolved data object, keyed by name.
func renderData(ec *conductor.Context, w http.ResponseWriter, r *http.Request) conductor.Result {
	out := map[string]any{}
	for name, o := range ec.AllData() {
		if o.Resolved() {
			out[name] = o.Data()
		}
	}
	sendJSON(w, http.StatusOK, out)
	return conductor.Continue()
}

var simpleConductor = conductor.MustNew(conductor.Declaration{
	Name:     "simpleConductor",
	Handlers: conductor.Flat(conductor.StageFunc(renderHello)),
})

var simpleConductor2 = conductor.MustNew(conductor.Declaration{
	Name: "simpleConductor2",
	Handlers: conductor.Flat(
		conductor.Named("addName", set("name", "simpleConductor2")),
		conductor.StageFunc(renderName),
	),
})

var simpleConductor3 = conductor.MustNew(conductor.Declaration{
	Name: "simpleConductor3",
	Handlers: conductor.Nested(
		[]conductor.Stage{
			conductor.Named("addName", set("name", "simpleConductor3")),
			conductor.Named("addMessage", set("message", "success")),
		},
		[]conductor.Stage{conductor.Named("render", func(ec *conductor.Context, w http.ResponseWriter, r *http.Request) conductor.Result {
			sendText(w, http.StatusOK, "hello world: "+str(ec, "name")+" "+str(ec, "message")+"!")
			return conductor.Continue()
		})},
	),
})

// simpleConductor4 redirects and stops before rendering.
var simpleConductor4 = conductor.MustNew(conductor.Declaration{
	Name: "simpleConductor4",
	Handlers: conductor.Flat(
		conductor.Named("redirect", func(ec *conductor.Context, w http.ResponseWriter, r *http.Request) conductor.Result {
			http.Redirect(w, r, "/simple", http.StatusFound)
			return conductor.Stop()
		}),
		conductor.StageFunc(renderHello),
	),
})

func validateQuery(ec *conductor.Context, w http.ResponseWriter, r *http.Request) conductor.Result {
	blacklisted, _ := ec.Prop("blacklistedQueries").([]string)
	if slices.Contains(blacklisted, r.URL.Query().Get("search")) {
		return conductor.Fail(conductor.NewHTTPError(http.StatusBadRequest, "query not allowed!"))
	}
	return conductor.Continue()
}

func renderSearch(ec *conductor.Context, w http.ResponseWriter, r *http.Request) conductor.Result {
	q := r.URL.Query().Get("search")
	if q == "" {
		q = "no query specified"
	}
	sendText(w, http.StatusOK, "searchQuery: "+q)
	return conductor.Continue()
}

var propsConductor = conductor.MustNew(conductor.Declaration{
	Name: "propsConductor",
	Props: func(props.Bag) props.Bag {
		return props.New(map[string]any{
			"foo":                "bar",
			"baz":                "qux",
			"blacklistedQueries": []string{"foo", "bar"},
		})
	},
	Handlers: conductor.Nested([]conductor.Stage{
		conductor.StageFunc(validateQuery),
		conductor.StageFunc(renderSearch),
	}),
})

// propsConductor2 declares its props as plain values.
var propsConductor2 = conductor.MustNew(conductor.Declaration{
	Name: "propsConductor2",
	PropValues: map[string]any{
		"blacklistedQueries": []string{"baz"},
	},
	Handlers: conductor.Nested([]conductor.Stage{
		conductor.StageFunc(validateQuery),
		conductor.StageFunc(renderSearch),
	}),
})

var inheritanceConductor = conductor.MustNew(conductor.Declaration{
	Name: "inheritanceConductor",
	Deps: []*conductor.Definition{propsConductor},
})

var inheritanceConductor2 = conductor.MustNew(conductor.Declaration{
	Name: "inheritanceConductor2",
	Deps: []*conductor.Definition{propsConductor},
	Props: func(inherited props.Bag) props.Bag {
		return inherited.With("blacklistedQueries", []string{"override"})
	},
})

// inheritanceConductor3 extends the inherited blacklist and appends a block
// after the inherited render.
var inheritanceConductor3 = conductor.MustNew(conductor.Declaration{
	Name: "inheritanceConductor3",
	Deps: []*conductor.Definition{propsConductor},
	PropValues: map[string]any{
		"blacklistedQueries": []string{"extra"},
	},
	Extend: []string{"blacklistedQueries"},
	Handlers: conductor.Nested([]conductor.Stage{
		conductor.Named("postRender", func(ec *conductor.Context, w http.ResponseWriter, r *http.Request) conductor.Result {
			ec.Logger().Info("response already rendered")
			return conductor.Continue()
		}),
	}),
})

var parentPositional = conductor.MustNew(conductor.Declaration{
	Name: "parentInheritanceConductor",
	Handlers: conductor.Nested(
		nil,
		[]conductor.Stage{conductor.Named("render", func(ec *conductor.Context, w http.ResponseWriter, r *http.Request) conductor.Result {
			sendText(w, http.StatusOK, "Name: "+str(ec, "name"))
			return conductor.Continue()
		})},
	),
})

// inheritanceConductor4 fills the empty first block of its parent.
var inheritanceConductor4 = conductor.MustNew(conductor.Declaration{
	Name: "inheritanceConductor4",
	Deps: []*conductor.Definition{parentPositional},
	Handlers: conductor.Nested(
		[]conductor.Stage{conductor.Named("addName", set("name", "inheritanceConductor4"))},
		nil,
	),
})

var parentKeyed = conductor.MustNew(conductor.Declaration{
	Name: "parentKeyedConductor",
	Handlers: conductor.Keyed(map[int][]conductor.Stage{
		10: {conductor.Named("timestamp", func(ec *conductor.Context, w http.ResponseWriter, r *http.Request) conductor.Result {
			ec.Set("data", map[string]any{"timestamp": time.Now().UTC().Format(time.RFC3339)})
			return conductor.Continue()
		})},
		30: {conductor.Named("render", func(ec *conductor.Context, w http.ResponseWriter, r *http.Request) conductor.Result {
			v, _ := ec.Value("data")
			sendJSON(w, http.StatusOK, v)
			return conductor.Continue()
		})},
	}),
})

func addField(key string, value int) conductor.StageFunc {
	return func(ec *conductor.Context, w http.ResponseWriter, r *http.Request) conductor.Result {
		v, _ := ec.Value("data")
		m, ok := v.(map[string]any)
		if !ok {
			return conductor.Fail(fmt.Errorf("no data to add %s to", key))
		}
		m[key] = value
		return conductor.Continue()
	}
}

// inheritanceConductor5 interleaves its blocks with the parent's by key.
var inheritanceConductor5 = conductor.MustNew(conductor.Declaration{
	Name: "inheritanceConductor5",
	Deps: []*conductor.Definition{parentKeyed},
	Handlers: conductor.Keyed(map[int][]conductor.Stage{
		10: {conductor.Named("dataA", addField("a", 1))},
		20: {conductor.Named("dataB", addField("b", 2))},
	}),
})

var shardTextConductor = conductor.MustNew(conductor.Declaration{
	Name: "shardTextConductor",
	Handlers: conductor.Keyed(map[int][]conductor.Stage{
		10: {conductor.Named("addName", set("name", "text"))},
		20: {conductor.Named("render", func(ec *conductor.Context, w http.ResponseWriter, r *http.Request) conductor.Result {
			sendText(w, http.StatusOK, "name: "+str(ec, "name"))
			return conductor.Continue()
		})},
	}),
})

func renderNameJSON(ec *conductor.Context, w http.ResponseWriter, r *http.Request) conductor.Result {
	sendJSON(w, http.StatusOK, map[string]string{"name": str(ec, "name")})
	return conductor.Continue()
}

var shardJSONConductor = conductor.MustNew(conductor.Declaration{
	Name: "shardJsonConductor",
	Handlers: conductor.Keyed(map[int][]conductor.Stage{
		10: {conductor.Named("addName", set("name", "json"))},
		20: {conductor.StageFunc(renderNameJSON)},
	}),
})

var nextLevelShardConductor = conductor.MustNew(conductor.Declaration{
	Name: "nextLevelShardJsonConductor",
	Handlers: conductor.Keyed(map[int][]conductor.Stage{
		15: {conductor.Named("addName", set("name", "json"))},
		20: {conductor.StageFunc(renderNameJSON)},
	}),
})

var noHandlersConductor = conductor.MustNew(conductor.Declaration{Name: "noHandlers"})

var shardTargets = map[string]*conductor.Definition{
	"text":          shardTextConductor,
	"json":          shardJSONConductor,
	"nextLevelJson": nextLevelShardConductor,
	"noHandlers":    noHandlersConductor,
}

var shardConductor = conductor.MustNew(conductor.Declaration{
	Name: "shardConductor",
	Handlers: conductor.Keyed(map[int][]conductor.Stage{
		9: {conductor.Named("name", set("name", "preshard"))},
		10: {conductor.Named("shard", func(ec *conductor.Context, w http.ResponseWriter, r *http.Request) conductor.Result {
			target, ok := shardTargets[r.URL.Query().Get("type")]
			if !ok {
				return conductor.Fail(conductor.NewHTTPError(http.StatusBadRequest, "unknown shard type"))
			}
			ec.Shard(target)
			return conductor.Continue()
		})},
		20: {conductor.Named("nothingHere", func(ec *conductor.Context, w http.ResponseWriter, r *http.Request) conductor.Result {
			return conductor.Fail(fmt.Errorf("shard conductor rendered"))
		})},
	}),
})

// modelConductors builds the conductors whose data sources depend on cfg.
func modelConductors(cfg RemoteConfig, asyncDelay time.Duration) map[string]*conductor.Definition {
	ip, posts := ipModel(cfg.IP), postsModel(cfg.Posts)
	return map[string]*conductor.Definition{
		"/model": conductor.MustNew(conductor.Declaration{
			Name:     "modelConductor",
			Models:   conductor.Models(userAgent, serverEnv),
			Handlers: conductor.Nested([]conductor.Stage{conductor.BuildData(conductor.DefaultGroup), conductor.StageFunc(renderData)}),
		}),
		"/model3": conductor.MustNew(conductor.Declaration{
			Name:     "modelConductor3",
			Models:   conductor.ModelGroups(map[string][]data.Factory{"basic": {ip, posts}}),
			Handlers: conductor.Nested([]conductor.Stage{conductor.BuildData("basic"), conductor.StageFunc(renderData)}),
		}),
		"/model4": conductor.MustNew(conductor.Declaration{
			Name:   "modelConductor4",
			Models: conductor.Models(asyncModel(asyncDelay)),
			Handlers: conductor.Nested([]conductor.Stage{
				conductor.BuildData(conductor.DefaultGroup),
				conductor.Named("render", func(ec *conductor.Context, w http.ResponseWriter, r *http.Request) conductor.Result {
					o := ec.Data("asyncModel")
					if !o.Resolved() {
						return conductor.Fail(o.Err())
					}
					sendJSON(w, http.StatusOK, o.Data())
					return conductor.Continue()
				}),
			}),
		}),
		"/model5": conductor.MustNew(conductor.Declaration{
			Name: "modelConductor5",
			Models: conductor.ModelGroups(map[string][]data.Factory{
				"bucketA": {ip, userAgent},
				"bucketB": {posts},
			}),
			Handlers: conductor.Flat(
				conductor.BuildData("bucketA"),
				conductor.Named("check", func(ec *conductor.Context, w http.ResponseWriter, r *http.Request) conductor.Result {
					if ec.Data("ip") == nil || ec.Data("userAgent") == nil {
						return conductor.Fail(fmt.Errorf("bucketA was not built"))
					}
					return conductor.Continue()
				}),
				conductor.BuildData("bucketB"),
				conductor.StageFunc(renderData),
			),
		}),
	}
}

// routes maps GET paths to conductors.
func routes(cfg Config) map[string]*conductor.Definition {
	m := map[string]*conductor.Definition{
		"/simple":    simpleConductor,
		"/simple2":   simpleConductor2,
		"/simple3":   simpleConductor3,
		"/simple4":   simpleConductor4,
		"/props":     propsConductor,
		"/props2":    propsConductor2,
		"/inherit":   inheritanceConductor,
		"/inherit2":  inheritanceConductor2,
		"/inherit3":  inheritanceConductor3,
		"/inherit4":  inheritanceConductor4,
		"/inherit5":  inheritanceConductor5,
		"/shard":     shardConductor,
		"/shardText": shardTextConductor,
		"/shardJson": shardJSONConductor,
	}
	for path, def := range modelConductors(cfg.Remote, time.Second) {
		m[path] = def
	}
	return m
}
