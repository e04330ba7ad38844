// Package discovery declares the typed boundary to the external
// collaborator that parses source files and resolves fixture dependency
// graphs. This package owns only the Go-typed interface; the
// host-language side of parsing and resolution lives outside this
// repository.
package discovery

import (
	"context"

	"github.com/tachrun/tach/internal/protocol"
)

// Resolver discovers tests under root and returns them already assigned
// monotonic test_ids in discovery order, with each test's fixtures
// topologically sorted.
type Resolver interface {
	Resolve(ctx context.Context, root string) ([]protocol.RunnableTest, error)
}

// StaticResolver is a Resolver over a fixed, pre-computed list of tests:
// a test double for exercising the scheduler without a real discovery
// collaborator attached.
type StaticResolver struct {
	Tests []protocol.RunnableTest
}

// Resolve returns the static list, ignoring ctx and root.
func (s StaticResolver) Resolve(ctx context.Context, root string) ([]protocol.RunnableTest, error) {
	return s.Tests, nil
}

var _ Resolver = StaticResolver{}
