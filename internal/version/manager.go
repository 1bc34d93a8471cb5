// Package version keeps document history: content snapshots hashed for
// integrity, branches as mutable head pointers, restores expressed as
// compensating operations, and three-way merges over the snapshot DAG.
package version

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/blake2b"

	"scribe/sync/internal/causal"
	"scribe/sync/internal/crdt"
	"scribe/sync/internal/store"
	"scribe/sync/internal/util"
)

const (
	// MainBranch is created implicitly with a document's first snapshot.
	MainBranch = "main"

	// Auto-snapshot thresholds applied by the session layer.
	DefaultSnapshotOps      = 200
	DefaultSnapshotInterval = 5 * time.Minute

	// Content larger than this moves to the blob store when one is
	// configured; the row keeps the key and the hash.
	inlineContentLimit = 64 << 10
)

// ErrSnapshotCorrupt reports that a snapshot's content does not match
// its recorded hash and could not be rebuilt from the operation log.
var ErrSnapshotCorrupt = errors.New("snapshot content corrupt")

type dataStore interface {
	TouchDocument(context.Context, string) error
	AppendOps(context.Context, []crdt.Op) error
	ListOps(context.Context, string) ([]crdt.Op, error)
	OpsSince(context.Context, string, crdt.Frontier) ([]crdt.Op, error)
	InsertSnapshot(context.Context, store.Snapshot) error
	GetSnapshot(context.Context, string) (store.Snapshot, error)
	LatestSnapshot(context.Context, string) (*store.Snapshot, error)
	InsertBranch(context.Context, store.Branch) error
	GetBranch(context.Context, string, string) (store.Branch, error)
	UpdateBranchHead(context.Context, string, string) error
	InsertMergeConflict(context.Context, store.MergeConflict) error
	GetMergeConflict(context.Context, string) (store.MergeConflict, error)
	MarkMergeResolved(context.Context, string, string) (bool, error)
}

type blobStore interface {
	Put(ctx context.Context, key, content string) error
	Get(ctx context.Context, key string) (string, error)
}

type Manager struct {
	store dataStore
	blobs blobStore
}

// New wires a manager. The blob store is optional; without one all
// snapshot content stays inline in the row.
func New(dataStore dataStore, blobs *store.SnapshotBlobs) *Manager {
	m := &Manager{store: dataStore}
	if blobs != nil {
		m.blobs = blobs
	}
	return m
}

// Hash returns the BLAKE2b-256 digest of snapshot content as lowercase hex.
func Hash(content string) string {
	sum := blake2b.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// CreateSnapshot materializes the replica's visible content together
// with its frontier, parented on the main branch head, and advances
// main. The first snapshot creates main.
func (m *Manager) CreateSnapshot(ctx context.Context, seq *crdt.Sequence, author string) (store.Snapshot, error) {
	main, err := m.store.GetBranch(ctx, seq.DocumentID(), MainBranch)
	haveMain := err == nil
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return store.Snapshot{}, err
	}

	var parents []string
	if haveMain {
		parents = []string{main.HeadSnapshotID}
	} else {
		latest, err := m.store.LatestSnapshot(ctx, seq.DocumentID())
		if err != nil {
			return store.Snapshot{}, err
		}
		if latest != nil {
			parents = []string{latest.ID}
		}
	}

	snap, err := m.writeSnapshot(ctx, seq.DocumentID(), seq.Materialize(), seq.Frontier(), author, parents)
	if err != nil {
		return store.Snapshot{}, err
	}
	if haveMain {
		if err := m.store.UpdateBranchHead(ctx, main.ID, snap.ID); err != nil {
			return store.Snapshot{}, err
		}
	} else if _, err := m.EnsureBranch(ctx, seq.DocumentID(), MainBranch, snap.ID); err != nil {
		return store.Snapshot{}, err
	}
	return snap, nil
}

func (m *Manager) writeSnapshot(ctx context.Context, documentID, content string, f crdt.Frontier, author string, parents []string) (store.Snapshot, error) {
	snap := store.Snapshot{
		ID:          util.NewID("snap"),
		DocumentID:  documentID,
		Frontier:    f,
		Content:     content,
		ContentHash: Hash(content),
		ParentIDs:   parents,
		CreatedBy:   author,
	}
	if m.blobs != nil && len(content) > inlineContentLimit {
		if err := m.blobs.Put(ctx, snap.ID, content); err != nil {
			return store.Snapshot{}, fmt.Errorf("offload snapshot content: %w", err)
		}
		snap.BlobKey = snap.ID
		snap.Content = ""
	}
	if err := m.store.InsertSnapshot(ctx, snap); err != nil {
		return store.Snapshot{}, err
	}
	return snap, nil
}

// LoadVerified fetches a snapshot and its content, checking the content
// hash. On a mismatch the operation log is replayed up to the
// snapshot's frontier; the log is append-only and therefore
// authoritative. If the log has gaps the nearest ancestor that still
// verifies is returned alongside ErrSnapshotCorrupt so callers can
// degrade explicitly.
func (m *Manager) LoadVerified(ctx context.Context, snapshotID string) (store.Snapshot, string, error) {
	snap, err := m.store.GetSnapshot(ctx, snapshotID)
	if err != nil {
		return store.Snapshot{}, "", err
	}
	content, err := m.snapshotContent(ctx, snap)
	if err == nil && Hash(content) == snap.ContentHash {
		return snap, content, nil
	}

	replica, replayErr := m.replayAt(ctx, snap.DocumentID, snap.Frontier)
	if replayErr == nil {
		return snap, replica.Materialize(), nil
	}

	fallback, fallbackContent, ok := m.nearestVerifiedAncestor(ctx, snap)
	if !ok {
		return snap, "", fmt.Errorf("snapshot %s: %w", snap.ID, ErrSnapshotCorrupt)
	}
	return fallback, fallbackContent, fmt.Errorf("snapshot %s degraded to ancestor %s: %w", snap.ID, fallback.ID, ErrSnapshotCorrupt)
}

func (m *Manager) snapshotContent(ctx context.Context, snap store.Snapshot) (string, error) {
	if snap.BlobKey == "" {
		return snap.Content, nil
	}
	if m.blobs == nil {
		return "", fmt.Errorf("snapshot %s: no blob store for key %q: %w", snap.ID, snap.BlobKey, ErrSnapshotCorrupt)
	}
	content, err := m.blobs.Get(ctx, snap.BlobKey)
	if err != nil {
		return "", fmt.Errorf("snapshot %s: %v: %w", snap.ID, err, ErrSnapshotCorrupt)
	}
	return content, nil
}

func (m *Manager) nearestVerifiedAncestor(ctx context.Context, snap store.Snapshot) (store.Snapshot, string, bool) {
	seen := map[string]struct{}{snap.ID: {}}
	queue := append([]string(nil), snap.ParentIDs...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		candidate, err := m.store.GetSnapshot(ctx, id)
		if err != nil {
			continue
		}
		content, err := m.snapshotContent(ctx, candidate)
		if err == nil && Hash(content) == candidate.ContentHash {
			return candidate, content, true
		}
		queue = append(queue, candidate.ParentIDs...)
	}
	return store.Snapshot{}, "", false
}

// replayAt rebuilds a replica from the operation log, keeping only the
// operations contained in the given frontier.
func (m *Manager) replayAt(ctx context.Context, documentID string, f crdt.Frontier) (*crdt.Sequence, error) {
	ops, err := m.store.ListOps(ctx, documentID)
	if err != nil {
		return nil, err
	}
	seq := crdt.NewSequence(documentID, crdt.NewSiteID())
	buf := causal.NewBuffer(seq, 0)
	for _, op := range ops {
		if !f.Contains(op.Stamp()) {
			continue
		}
		if _, err := buf.Enqueue(op); err != nil {
			return nil, fmt.Errorf("replay %s: %w", op.Stamp(), err)
		}
	}
	if n := buf.Pending(); n > 0 {
		return nil, fmt.Errorf("replay %s: %d operations missing dependencies", documentID, n)
	}
	return seq, nil
}

// RestoreTo brings the live replica's visible content back to the given
// snapshot by appending compensating operations: deletes for elements
// visible now but not then, and fresh inserts for content tombstoned
// since. History is never rewritten; peers converge on a restore the
// same way they converge on any other edit.
func (m *Manager) RestoreTo(ctx context.Context, seq *crdt.Sequence, snapshotID string) ([]crdt.Op, error) {
	snap, err := m.store.GetSnapshot(ctx, snapshotID)
	if err != nil {
		return nil, err
	}
	if snap.DocumentID != seq.DocumentID() {
		return nil, fmt.Errorf("snapshot %s belongs to document %s", snapshotID, snap.DocumentID)
	}

	target := seq.ElementsAt(snap.Frontier)
	inTarget := make(map[crdt.ElementID]struct{}, len(target))
	for _, el := range target {
		inTarget[el.ID] = struct{}{}
	}

	ops := make([]crdt.Op, 0)
	for _, el := range seq.VisibleElements() {
		if _, ok := inTarget[el.ID]; ok {
			continue
		}
		op, err := seq.LocalDelete(el.ID)
		if err != nil {
			return nil, fmt.Errorf("compensating delete %s: %w", el.ID, err)
		}
		ops = append(ops, op)
	}

	// Re-insert tombstoned content under fresh ids, chained so each run
	// stays contiguous. Surviving elements act as anchors.
	anchor := crdt.RootID
	for _, el := range target {
		if seq.Visible(el.ID) {
			anchor = el.ID
			continue
		}
		op, err := seq.LocalInsert(anchor, el.Value)
		if err != nil {
			return nil, fmt.Errorf("compensating insert after %s: %w", anchor, err)
		}
		anchor = op.Target
		ops = append(ops, op)
	}

	if len(ops) == 0 {
		return nil, nil
	}
	if err := m.store.AppendOps(ctx, ops); err != nil {
		return nil, err
	}
	if err := m.store.TouchDocument(ctx, seq.DocumentID()); err != nil {
		return nil, err
	}
	return ops, nil
}

func (m *Manager) CreateBranch(ctx context.Context, fromSnapshotID, name string) (store.Branch, error) {
	snap, err := m.store.GetSnapshot(ctx, fromSnapshotID)
	if err != nil {
		return store.Branch{}, err
	}
	branch := store.Branch{
		ID:             util.NewID("branch"),
		DocumentID:     snap.DocumentID,
		Name:           name,
		HeadSnapshotID: snap.ID,
	}
	if err := m.store.InsertBranch(ctx, branch); err != nil {
		return store.Branch{}, err
	}
	return branch, nil
}

// EnsureBranch returns the named branch, creating it at the given head
// when absent.
func (m *Manager) EnsureBranch(ctx context.Context, documentID, name, headSnapshotID string) (store.Branch, error) {
	branch, err := m.store.GetBranch(ctx, documentID, name)
	if err == nil {
		return branch, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return store.Branch{}, err
	}
	branch = store.Branch{
		ID:             util.NewID("branch"),
		DocumentID:     documentID,
		Name:           name,
		HeadSnapshotID: headSnapshotID,
	}
	if err := m.store.InsertBranch(ctx, branch); err != nil {
		return store.Branch{}, err
	}
	return branch, nil
}

// AdvanceBranch moves a branch head to a newer snapshot.
func (m *Manager) AdvanceBranch(ctx context.Context, documentID, name, headSnapshotID string) error {
	branch, err := m.store.GetBranch(ctx, documentID, name)
	if err != nil {
		return err
	}
	return m.store.UpdateBranchHead(ctx, branch.ID, headSnapshotID)
}
