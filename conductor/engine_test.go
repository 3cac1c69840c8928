package conductor

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/hanpama/conductor/eventbus"
	"github.com/hanpama/conductor/events"
	"github.com/stretchr/testify/require"
)

// recorder collects the labels of executed stages.
type recorder struct {
	mu  sync.Mutex
	ran []string
}

func (rec *recorder) stage(name string, then func(ec *Context) Result) Stage {
	return Named(name, func(ec *Context, w http.ResponseWriter, r *http.Request) Result {
		rec.mu.Lock()
		rec.ran = append(rec.ran, ec.Conductor().Name()+"/"+ec.TimerLabel())
		rec.mu.Unlock()
		if then == nil {
			return Continue()
		}
		return then(ec)
	})
}

func runDef(t *testing.T, def *Definition) (*Context, error) {
	t.Helper()
	w, r := httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil)
	ec := NewContext(context.Background(), def, w, r, ContextConfig{})
	return ec, NewEngine(nil).Run(ec)
}

func TestEngine_RunsBlocksInOrder(t *testing.T) {
	var rec recorder
	def := MustNew(Declaration{Name: "s", Handlers: Keyed(map[int][]Stage{
		20: {rec.stage("c", nil)},
		1:  {rec.stage("a", nil), rec.stage("b", nil)},
	})})

	_, err := runDef(t, def)
	require.NoError(t, err)
	require.Equal(t, []string{"s/1-a", "s/1-b", "s/20-c"}, rec.ran)
}

func TestEngine_StopEndsSuccessfully(t *testing.T) {
	var rec recorder
	def := MustNew(Declaration{Name: "s", Handlers: Nested(
		[]Stage{rec.stage("a", func(*Context) Result { return Stop() }), rec.stage("b", nil)},
		[]Stage{rec.stage("c", nil)},
	)})

	_, err := runDef(t, def)
	require.NoError(t, err)
	require.Equal(t, []string{"s/0-a"}, rec.ran)
}

func TestEngine_FailSurfacesError(t *testing.T) {
	var rec recorder
	boom := NewHTTPError(http.StatusBadRequest, "query not allowed!")
	def := MustNew(Declaration{Name: "s", Handlers: Nested(
		[]Stage{rec.stage("a", func(*Context) Result { return Fail(boom) })},
		[]Stage{rec.stage("b", nil)},
	)})

	_, err := runDef(t, def)
	require.Same(t, boom, err)
	require.Equal(t, []string{"s/0-a"}, rec.ran)
}

func TestEngine_FailNilContinues(t *testing.T) {
	var rec recorder
	def := MustNew(Declaration{Name: "s", Handlers: Flat(
		rec.stage("a", func(*Context) Result { return Fail(nil) }),
		rec.stage("b", nil),
	)})
	_, err := runDef(t, def)
	require.NoError(t, err)
	require.Len(t, rec.ran, 2)
}

func TestEngine_NoStages(t *testing.T) {
	def := MustNew(Declaration{Name: "empty"})
	_, err := runDef(t, def)
	require.ErrorIs(t, err, ErrNoStages)
}

// shardFixture mirrors a conductor that sets a marker at 9, shards at 10
// and would render at 20.
func shardFixture(rec *recorder, target *Definition) *Definition {
	return MustNew(Declaration{Name: "shard", Handlers: Keyed(map[int][]Stage{
		9: {rec.stage("name", func(ec *Context) Result {
			ec.Set("name", "preshard")
			return Continue()
		})},
		10: {rec.stage("shard", func(ec *Context) Result {
			ec.Shard(target)
			return Continue()
		})},
		20: {rec.stage("nothingHere", nil)},
	})})
}

func renderName(rec *recorder) Stage {
	return rec.stage("render", func(ec *Context) Result {
		name, _ := ec.Value("name")
		ec.Writer().WriteHeader(http.StatusOK)
		_, _ = ec.Writer().Write([]byte("name: " + name.(string)))
		return Continue()
	})
}

func TestEngine_ShardResumesAfterCurrentKey(t *testing.T) {
	var rec recorder
	text := MustNew(Declaration{Name: "text", Handlers: Keyed(map[int][]Stage{
		10: {rec.stage("addName", func(ec *Context) Result {
			ec.Set("name", "text")
			return Continue()
		})},
		20: {renderName(&rec)},
	})})
	def := shardFixture(&rec, text)

	ec, err := runDef(t, def)
	require.NoError(t, err)
	require.Same(t, text, ec.Conductor())
	require.Equal(t, []string{"shard/9-name", "shard/10-shard", "text/20-render"}, rec.ran)
	require.Equal(t, "name: preshard", ec.Writer().(*httptest.ResponseRecorder).Body.String())
}

func TestEngine_ShardToHigherKeysOnly(t *testing.T) {
	var rec recorder
	next := MustNew(Declaration{Name: "nextLevel", Handlers: Keyed(map[int][]Stage{
		15: {rec.stage("addName", func(ec *Context) Result {
			ec.Set("name", "json")
			return Continue()
		})},
		21: {renderName(&rec)},
	})})
	ec, err := runDef(t, shardFixture(&rec, next))
	require.NoError(t, err)
	require.Equal(t, []string{"shard/9-name", "shard/10-shard", "nextLevel/15-addName", "nextLevel/21-render"}, rec.ran)
	require.Equal(t, "name: json", ec.Writer().(*httptest.ResponseRecorder).Body.String())
}

func TestEngine_ShardToConductorWithoutStages(t *testing.T) {
	var rec recorder
	none := MustNew(Declaration{Name: "noHandlers"})
	_, err := runDef(t, shardFixture(&rec, none))
	require.ErrorIs(t, err, ErrNoStages)
}

func TestEngine_ShardOnLastStage(t *testing.T) {
	var rec recorder
	later := MustNew(Declaration{Name: "later", Handlers: Keyed(map[int][]Stage{
		5:  {rec.stage("skipped", nil)},
		10: {rec.stage("skippedToo", nil)},
		30: {rec.stage("render", nil)},
	})})
	def := MustNew(Declaration{Name: "short", Handlers: Keyed(map[int][]Stage{
		10: {rec.stage("shard", func(ec *Context) Result {
			ec.Shard(later)
			return Continue()
		})},
	})})

	_, err := runDef(t, def)
	require.NoError(t, err)
	require.Equal(t, []string{"short/10-shard", "later/30-render"}, rec.ran)
}

func TestEngine_ShardAbandonsRestOfBlock(t *testing.T) {
	var rec recorder
	target := MustNew(Declaration{Name: "target", Handlers: Nested(nil, []Stage{rec.stage("b", nil)})})
	def := MustNew(Declaration{Name: "origin", Handlers: Nested([]Stage{
		rec.stage("shard", func(ec *Context) Result { ec.Shard(target); return Continue() }),
		rec.stage("abandoned", nil),
	})})

	_, err := runDef(t, def)
	require.NoError(t, err)
	require.Equal(t, []string{"origin/0-shard", "target/1-b"}, rec.ran)
}

func TestEngine_FailBeatsShard(t *testing.T) {
	var rec recorder
	target := MustNew(Declaration{Name: "target", Handlers: Keyed(map[int][]Stage{20: {rec.stage("never", nil)}})})
	boom := errors.New("boom")
	def := MustNew(Declaration{Name: "origin", Handlers: Keyed(map[int][]Stage{
		10: {rec.stage("both", func(ec *Context) Result {
			ec.Shard(target)
			return Fail(boom)
		})},
	})})

	_, err := runDef(t, def)
	require.ErrorIs(t, err, boom)
	require.Equal(t, []string{"origin/10-both"}, rec.ran)
}

func TestEngine_StopAfterShard(t *testing.T) {
	var rec recorder
	target := MustNew(Declaration{Name: "target", Handlers: Keyed(map[int][]Stage{20: {rec.stage("never", nil)}})})
	def := MustNew(Declaration{Name: "origin", Handlers: Keyed(map[int][]Stage{
		10: {rec.stage("redirect", func(ec *Context) Result {
			ec.Shard(target)
			return Stop()
		})},
	})})
	_, err := runDef(t, def)
	require.NoError(t, err)
	require.Equal(t, []string{"origin/10-redirect"}, rec.ran)
}

func TestEngine_StartKeyHint(t *testing.T) {
	var rec recorder
	def := MustNew(Declaration{Name: "def", Handlers: Keyed(map[int][]Stage{
		5:  {rec.stage("five", nil)},
		10: {rec.stage("ten", nil)},
		20: {rec.stage("twenty", nil)},
	})})

	w, r := httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil)
	e := NewEngine(nil)
	ec := NewContext(context.Background(), def, w, r, ContextConfig{})

	require.Equal(t, []int{20}, e.keys(ec, def, resumeHint{kind: hintStartKey, key: 10}))
	require.Equal(t, []int{20}, e.keys(ec, def, resumeHint{kind: hintStartKey, key: 12}))
	require.Equal(t, []int{20}, e.keys(ec, def, resumeHint{kind: hintStartKey, key: 20}))
	require.Empty(t, e.keys(ec, def, resumeHint{kind: hintStartKey, key: 30}))
	require.Equal(t, []int{5, 10, 20}, e.keys(ec, def, resumeHint{}))
}

func TestEngine_ShardRunsTargetBlockAtShardKey(t *testing.T) {
	var rec recorder
	target := MustNew(Declaration{Name: "target", Handlers: Keyed(map[int][]Stage{
		10: {rec.stage("render", nil)},
	})})
	def := MustNew(Declaration{Name: "origin", Handlers: Keyed(map[int][]Stage{
		10: {rec.stage("shard", func(ec *Context) Result {
			ec.Shard(target)
			return Continue()
		})},
	})})

	_, err := runDef(t, def)
	require.NoError(t, err)
	require.Equal(t, []string{"origin/10-shard", "target/10-render"}, rec.ran)
}

func TestEngine_DeadlineStopsRun(t *testing.T) {
	var rec recorder
	ctx, cancel := context.WithCancel(context.Background())
	def := MustNew(Declaration{Name: "slow", Handlers: Nested(
		[]Stage{rec.stage("cancel", func(*Context) Result { cancel(); return Continue() })},
		[]Stage{rec.stage("never", nil)},
	)})

	w, r := httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil)
	ec := NewContext(ctx, def, w, r, ContextConfig{})
	err := NewEngine(nil).Run(ec)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, []string{"slow/0-cancel"}, rec.ran)
}

func TestEngine_PublishesEvents(t *testing.T) {
	bus := eventbus.New()
	var finished []events.StageFinish
	var shards []events.Shard
	eventbus.Subscribe(bus, func(_ context.Context, e events.StageFinish) { finished = append(finished, e) })
	eventbus.Subscribe(bus, func(_ context.Context, e events.Shard) { shards = append(shards, e) })

	var rec recorder
	target := MustNew(Declaration{Name: "target", Handlers: Keyed(map[int][]Stage{20: {rec.stage("render", nil)}})})
	def := MustNew(Declaration{Name: "origin", Handlers: Keyed(map[int][]Stage{
		10: {rec.stage("shard", func(ec *Context) Result { ec.Shard(target); return Continue() })},
	})})

	w, r := httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil)
	ec := NewContext(context.Background(), def, w, r, ContextConfig{})
	start := time.Now()
	require.NoError(t, NewEngine(bus).Run(ec))

	require.Len(t, finished, 2)
	require.Equal(t, "10-shard", finished[0].Label)
	require.Equal(t, "origin", finished[0].Conductor)
	require.Equal(t, "continue", finished[0].Outcome)
	require.Equal(t, "20-render", finished[1].Label)
	require.Equal(t, "target", finished[1].Conductor)
	require.LessOrEqual(t, finished[1].Duration, time.Since(start))

	require.Equal(t, []events.Shard{{From: "origin", To: "target", Hint: "startKey", Key: 10}}, shards)
}

func TestContext_ShardNilPanics(t *testing.T) {
	def := MustNew(Declaration{Name: "d", Handlers: Flat(noop("x"))})
	ec := NewContext(context.Background(), def, httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil), ContextConfig{})
	require.Panics(t, func() { ec.Shard(nil) })
	require.Equal(t, "no-prefix-found", ec.TimerLabel())
	require.NotEmpty(t, ec.ID())
}
