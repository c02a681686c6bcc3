package engine

import (
	"context"
)

// BuildRequest is handed to a unit's build function
type BuildRequest struct {
	Unit  string
	RunID string
	Root  string
	// Inputs are every tracked input of the unit; Changed the subset that
	// was added or modified since the last recorded build.
	Inputs  []string
	Changed []string
}

// BuildFunc performs one unit's build. The returned value must be
// JSON-serializable to be cached.
type BuildFunc func(ctx context.Context, req BuildRequest) (interface{}, error)

// Adapter turns a configured unit into a build function. Multiple
// implementations exist, one per bundler backend; "command" is built in.
type Adapter interface {
	Name() string
	Build(ctx context.Context, req BuildRequest) (interface{}, error)
}

// AdapterFunc adapts a function to Adapter
type AdapterFunc struct {
	AdapterName string
	Fn          BuildFunc
}

// Name implements Adapter
func (a AdapterFunc) Name() string { return a.AdapterName }

// Build implements Adapter
func (a AdapterFunc) Build(ctx context.Context, req BuildRequest) (interface{}, error) {
	return a.Fn(ctx, req)
}
