package store

import (
	"time"

	"scribe/sync/internal/crdt"
)

type Document struct {
	ID        string
	Title     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Snapshot is one immutable materialization of a document. Content is
// stored inline unless BlobKey names an object in the snapshot bucket.
// ParentIDs holds 0 entries for a root snapshot, 1 for linear history
// and 2 for a merge.
type Snapshot struct {
	ID          string
	DocumentID  string
	Frontier    crdt.Frontier
	Content     string
	ContentHash string
	BlobKey     string
	ParentIDs   []string
	CreatedBy   string
	CreatedAt   time.Time
}

// Branch is a cheap mutable pointer at a snapshot, never a copy.
type Branch struct {
	ID             string
	DocumentID     string
	Name           string
	HeadSnapshotID string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

const (
	MergePending  = "pending"
	MergeResolved = "resolved"
)

// MergeConflict is a three-way merge suspended on structural overlap.
// The branch op sets and the overlapping regions are recorded so the
// merge can be finalized once a participant chooses.
type MergeConflict struct {
	ID             string
	DocumentID     string
	SourceBranch   string
	TargetBranch   string
	BaseSnapshotID string
	SourceHeadID   string
	TargetHeadID   string
	Regions        []crdt.ElementID
	SourceOps      []crdt.Op
	TargetOps      []crdt.Op
	Status         string
	Choice         string
	CreatedAt      time.Time
	ResolvedAt     *time.Time
}
