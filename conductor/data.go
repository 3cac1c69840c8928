package conductor

import (
	"net/http"

	"github.com/hanpama/conductor/data"
)

// ResolveGroup instantiates the data group of the active conductor and waits
// until every instance has resolved or failed. Per-instance failures do not
// make it fail; inspect the instances through Context.Data. The only error is
// ErrNoSuchGroup.
func ResolveGroup(ec *Context, group string) (data.Report, error) {
	instances, err := ec.Conductor().CreateData(group, ec.Writer(), ec.Request())
	if err != nil {
		return data.Report{}, err
	}
	return ec.resolver.Resolve(ec.Context(), ec, instances), nil
}

// BuildData returns a stage that resolves group. A missing group fails the
// pipeline.
func BuildData(group string) Stage {
	return Named("buildData", func(ec *Context, w http.ResponseWriter, r *http.Request) Result {
		_, err := ResolveGroup(ec, group)
		return Fail(err)
	})
}
