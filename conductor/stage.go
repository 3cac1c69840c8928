package conductor

import (
	"fmt"
	"net/http"
	"reflect"
	"runtime"
	"strings"
)

// Stage is one unit of request processing inside a keyed block.
type Stage interface {
	Serve(ec *Context, w http.ResponseWriter, r *http.Request) Result
}

// StageFunc adapts a function to Stage.
type StageFunc func(ec *Context, w http.ResponseWriter, r *http.Request) Result

func (f StageFunc) Serve(ec *Context, w http.ResponseWriter, r *http.Request) Result {
	return f(ec, w, r)
}

type namedStage struct {
	name string
	fn   StageFunc
}

func (s namedStage) Serve(ec *Context, w http.ResponseWriter, r *http.Request) Result {
	return s.fn(ec, w, r)
}

func (s namedStage) Name() string { return s.name }

// Named gives fn an explicit name for timer labels and DebugStack.
func Named(name string, fn StageFunc) Stage {
	return namedStage{name: name, fn: fn}
}

// StageName returns the name used in timer labels: the name given to Named,
// the Name method of s if it has one, or the function symbol for a StageFunc.
func StageName(s Stage) string {
	if n, ok := s.(interface{ Name() string }); ok {
		return n.Name()
	}
	if f, ok := s.(StageFunc); ok {
		return funcName(f)
	}
	return fmt.Sprintf("%T", s)
}

func funcName(f StageFunc) string {
	fn := runtime.FuncForPC(reflect.ValueOf(f).Pointer())
	if fn == nil {
		return "?"
	}
	name := fn.Name()
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	if i := strings.IndexByte(name, '.'); i >= 0 {
		name = name[i+1:]
	}
	return name
}

func isNilStage(s Stage) bool {
	if s == nil {
		return true
	}
	if n, ok := s.(namedStage); ok {
		return n.fn == nil
	}
	v := reflect.ValueOf(s)
	switch v.Kind() {
	case reflect.Func, reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice:
		return v.IsNil()
	}
	return false
}

type outcome uint8

const (
	outcomeContinue outcome = iota
	outcomeStop
	outcomeFail
)

func (o outcome) String() string {
	switch o {
	case outcomeStop:
		return "stop"
	case outcomeFail:
		return "fail"
	}
	return "continue"
}

// Result is what a stage returns: Continue, Stop or Fail(err).
// The zero Result is Continue.
type Result struct {
	outcome outcome
	err     error
}

// Continue proceeds to the next stage.
func Continue() Result { return Result{} }

// Stop ends the pipeline successfully, e.g. after a terminal response was
// written.
func Stop() Result { return Result{outcome: outcomeStop} }

// Fail ends the pipeline with err. Fail(nil) is Continue.
func Fail(err error) Result {
	if err == nil {
		return Result{}
	}
	return Result{outcome: outcomeFail, err: err}
}

func (r Result) IsContinue() bool { return r.outcome == outcomeContinue }
func (r Result) IsStop() bool     { return r.outcome == outcomeStop }

// Err returns the failure, nil unless the result is a Fail.
func (r Result) Err() error { return r.err }

func (r Result) String() string { return r.outcome.String() }
