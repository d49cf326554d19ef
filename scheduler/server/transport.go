package server

//go:generate mockgen -source=transport.go -package=server -destination=transport_mock.go

import (
	"context"

	"github.com/twitter/gridsched/cloud/cluster"
)

// Transport hands node bundles to worker nodes. Dispatch must not block on
// the execution itself: the outcome is reported later through the bundle's
// ResultsReceived or ExceptionReceived.
type Transport interface {
	Dispatch(ctx context.Context, nb *NodeBundle, node cluster.Node) (Future, error)
}

// Future is the transport's handle on one dispatch.
type Future interface {
	// Cancel asks the node to stop. It returns false if the dispatch
	// already completed.
	Cancel(interruptIfRunning bool) bool
	IsDone() bool
}
