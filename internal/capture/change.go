package capture

import (
	"time"
)

// Collection identifies a watched source collection.
type Collection string

const (
	CollectionRider    Collection = "rider"
	CollectionExpense  Collection = "expense"
	CollectionDocument Collection = "document"
)

// Kind is the mutation kind observed on the source record.
type Kind string

const (
	KindCreated Kind = "created"
	KindUpdated Kind = "updated"
	KindDeleted Kind = "deleted"
)

// Change is one normalized mutation notification. It is transient: built
// from a feed message, handed to the envelope builder, never persisted.
type Change struct {
	Collection    Collection
	RecordID      string
	Kind          Kind
	SnapshotAfter map[string]any // nil when Kind == KindDeleted
	MutatedAt     time.Time
	Traceparent   string
	Tracestate    string
}
