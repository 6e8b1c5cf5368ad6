// Package graph defines the narrow contract to the knowledge graph: a
// yes/no oracle for sender trust plus ingestion of share edges. The graph
// itself lives outside this engine.
package graph

import "context"

// ShareEdge describes one share relationship to ingest.
type ShareEdge struct {
	GlobalID     string
	SenderID     string
	RecipientIDs []string
	GroupID      string
}

// KnowledgeGraph is implemented by the host application.
type KnowledgeGraph interface {
	// IsKnown answers, for each given user, whether they are an already
	// known/trusted contact. Batched: one call per reconciliation pass.
	IsKnown(ctx context.Context, userIDs []string) (map[string]bool, error)

	// IngestProvisionalShare records a share edge that is underway but not
	// yet confirmed by the server, so concurrent reads see the pending
	// share immediately.
	IngestProvisionalShare(ctx context.Context, edge ShareEdge) error

	// IngestConfirmedShare records a share edge confirmed by the server.
	IngestConfirmedShare(ctx context.Context, edge ShareEdge) error
}
