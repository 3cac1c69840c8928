package conductor

import (
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/hanpama/conductor/eventbus"
	"github.com/hanpama/conductor/events"
)

type runState uint8

const (
	stateRunning runState = iota
	stateSharded
	stateDone
	stateFailed
)

type hintKind uint8

const (
	hintNone hintKind = iota
	// hintStartKey resumes at key itself when it is the new conductor's last
	// block, else with the keys strictly greater than key.
	hintStartKey
)

func (h hintKind) String() string {
	if h == hintStartKey {
		return "startKey"
	}
	return "none"
}

type resumeHint struct {
	kind hintKind
	key  int
}

type state struct {
	kind runState
	hint resumeHint
	from *Definition
	err  error
}

// Engine runs the stage blocks of a Context's active conductor. It holds no
// per-request state and is safe for concurrent use.
type Engine struct {
	bus *eventbus.Bus
}

// NewEngine creates an engine publishing stage and shard events on bus.
// bus may be nil.
func NewEngine(bus *eventbus.Bus) *Engine { return &Engine{bus: bus} }

// Run executes ec's active conductor until it is done, a stage stops or
// fails, or the request context ends. A stage that reassigns the conductor
// makes the run restart on the new one from the current key.
func (e *Engine) Run(ec *Context) error {
	st := state{kind: stateRunning}
	for {
		switch st.kind {
		case stateRunning:
			st = e.run(ec, st.hint)
		case stateSharded:
			to := ec.Conductor()
			ec.Logger().Info("conductor sharded",
				slog.String("oldConductor", st.from.Name()),
				slog.String("newConductor", to.Name()),
				slog.String("resume", st.hint.kind.String()),
				slog.Int("key", st.hint.key))
			eventbus.Publish(e.bus, ec.Context(), events.Shard{
				From: st.from.Name(),
				To:   to.Name(),
				Hint: st.hint.kind.String(),
				Key:  st.hint.key,
			})
			st = state{kind: stateRunning, hint: st.hint}
		case stateDone:
			return nil
		case stateFailed:
			return st.err
		}
	}
}

func (e *Engine) run(ec *Context, hint resumeHint) state {
	start := ec.Conductor()
	keys := e.keys(ec, start, hint)
	if len(keys) == 0 {
		return state{kind: stateFailed, err: fmt.Errorf("%w for %s", ErrNoStages, start.Name())}
	}

	for _, key := range keys {
		stages, err := start.Stages(key)
		if err != nil {
			return state{kind: stateFailed, err: err}
		}
		for _, s := range stages {
			res, err := e.serve(ec, start, key, s)
			if err != nil {
				return state{kind: stateFailed, err: err}
			}
			switch {
			case res.IsStop():
				return state{kind: stateDone}
			case res.Err() != nil:
				// a failure wins over a reassignment made by the same stage
				return state{kind: stateFailed, err: res.Err()}
			}
			if ec.Conductor() != start {
				return state{kind: stateSharded, from: start, hint: resumeHint{kind: hintStartKey, key: key}}
			}
		}
	}
	return state{kind: stateDone}
}

// keys derives the block keys of def to run for hint.
func (e *Engine) keys(ec *Context, def *Definition, hint resumeHint) []int {
	if hint.kind == hintStartKey {
		if last, ok := def.stages.Last(); ok && last == hint.key {
			return []int{hint.key}
		}
		ec.Logger().Debug("resuming after shard key",
			slog.String("conductor", def.Name()),
			slog.Int("startKey", hint.key))
		return def.stages.After(hint.key)
	}
	return def.StageKeys()
}

func (e *Engine) serve(ec *Context, def *Definition, key int, s Stage) (Result, error) {
	if err := ec.Context().Err(); err != nil {
		return Result{}, fmt.Errorf("%s: %w", def.Name(), err)
	}
	label := strconv.Itoa(key) + "-" + StageName(s)
	ec.SetTimerLabel(label)

	start := time.Now()
	eventbus.Publish(e.bus, ec.Context(), events.StageStart{Conductor: def.Name(), Key: key, Label: label})
	res := s.Serve(ec, ec.Writer(), ec.Request())
	eventbus.Publish(e.bus, ec.Context(), events.StageFinish{
		Conductor: def.Name(),
		Key:       key,
		Label:     label,
		Outcome:   res.String(),
		Err:       res.Err(),
		Duration:  time.Since(start),
	})
	return res, nil
}
