package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"scribe/sync/internal/conflict"
	"scribe/sync/internal/crdt"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) EnsureDocument(ctx context.Context, documentID, title string) (Document, error) {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, title)
		VALUES ($1, $2)
		ON CONFLICT (id) DO NOTHING
	`, documentID, title); err != nil {
		return Document{}, fmt.Errorf("ensure document: %w", err)
	}
	return s.GetDocument(ctx, documentID)
}

func (s *PostgresStore) GetDocument(ctx context.Context, documentID string) (Document, error) {
	var item Document
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, created_at, updated_at
		FROM documents
		WHERE id=$1
	`, documentID).Scan(&item.ID, &item.Title, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Document{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListDocuments(ctx context.Context) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, created_at, updated_at
		FROM documents
		ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	items := make([]Document, 0)
	for rows.Next() {
		var item Document
		if err := rows.Scan(&item.ID, &item.Title, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) TouchDocument(ctx context.Context, documentID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE documents SET updated_at=NOW() WHERE id=$1`, documentID)
	if err != nil {
		return fmt.Errorf("touch document: %w", err)
	}
	return nil
}

// AppendOp records one operation in the append-only log. Re-delivery of
// an already-recorded stamp is a no-op.
func (s *PostgresStore) AppendOp(ctx context.Context, op crdt.Op) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO operations (document_id, site_id, counter, kind, target_site, target_counter, origin_site, origin_counter, value, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (document_id, site_id, counter) DO NOTHING
	`, op.DocumentID, op.Site, int64(op.Counter), string(op.Kind),
		op.Target.Site, int64(op.Target.Counter),
		op.Origin.Site, int64(op.Origin.Counter),
		op.Value, op.SentAt)
	if err != nil {
		return fmt.Errorf("append operation: %w", err)
	}
	return nil
}

func (s *PostgresStore) AppendOps(ctx context.Context, ops []crdt.Op) error {
	if len(ops) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append tx: %w", err)
	}
	for _, op := range ops {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO operations (document_id, site_id, counter, kind, target_site, target_counter, origin_site, origin_counter, value, sent_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (document_id, site_id, counter) DO NOTHING
		`, op.DocumentID, op.Site, int64(op.Counter), string(op.Kind),
			op.Target.Site, int64(op.Target.Counter),
			op.Origin.Site, int64(op.Origin.Counter),
			op.Value, op.SentAt); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("append operation %s:%d: %w", op.Site, op.Counter, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append tx: %w", err)
	}
	return nil
}

const opColumns = `site_id, counter, kind, target_site, target_counter, origin_site, origin_counter, value, sent_at`

// ListOps returns the full operation log for a document in recorded
// order. Replaying it through a causal buffer rebuilds the replica.
func (s *PostgresStore) ListOps(ctx context.Context, documentID string) ([]crdt.Op, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+opColumns+`
		FROM operations
		WHERE document_id=$1
		ORDER BY recorded_at ASC, site_id ASC, counter ASC
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	defer rows.Close()
	return scanOps(rows, documentID)
}

// OpsSince returns the operations not contained in the given frontier:
// for each site, everything past the frontier's counter.
func (s *PostgresStore) OpsSince(ctx context.Context, documentID string, f crdt.Frontier) ([]crdt.Op, error) {
	encoded, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("marshal frontier: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+opColumns+`
		FROM operations
		WHERE document_id=$1
		  AND counter > COALESCE((($2::jsonb)->>site_id)::bigint, 0)
		ORDER BY recorded_at ASC, site_id ASC, counter ASC
	`, documentID, string(encoded))
	if err != nil {
		return nil, fmt.Errorf("list operations since frontier: %w", err)
	}
	defer rows.Close()
	return scanOps(rows, documentID)
}

func (s *PostgresStore) CountOpsSince(ctx context.Context, documentID string, f crdt.Frontier) (int, error) {
	encoded, err := json.Marshal(f)
	if err != nil {
		return 0, fmt.Errorf("marshal frontier: %w", err)
	}
	var count int
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM operations
		WHERE document_id=$1
		  AND counter > COALESCE((($2::jsonb)->>site_id)::bigint, 0)
	`, documentID, string(encoded)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count operations since frontier: %w", err)
	}
	return count, nil
}

func scanOps(rows *sql.Rows, documentID string) ([]crdt.Op, error) {
	ops := make([]crdt.Op, 0)
	for rows.Next() {
		var (
			op                                    crdt.Op
			kind                                  string
			counter, targetCounter, originCounter int64
		)
		if err := rows.Scan(&op.Site, &counter, &kind,
			&op.Target.Site, &targetCounter,
			&op.Origin.Site, &originCounter,
			&op.Value, &op.SentAt); err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		op.DocumentID = documentID
		op.Kind = crdt.Kind(kind)
		op.Counter = uint64(counter)
		op.Target.Counter = uint64(targetCounter)
		op.Origin.Counter = uint64(originCounter)
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate operations: %w", err)
	}
	return ops, nil
}

func (s *PostgresStore) InsertSnapshot(ctx context.Context, snap Snapshot) error {
	frontier, err := json.Marshal(snap.Frontier)
	if err != nil {
		return fmt.Errorf("marshal snapshot frontier: %w", err)
	}
	parents := snap.ParentIDs
	if parents == nil {
		parents = []string{}
	}
	parentIDs, err := json.Marshal(parents)
	if err != nil {
		return fmt.Errorf("marshal snapshot parents: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO snapshots (id, document_id, frontier, content, content_hash, blob_key, parent_ids, created_by)
		VALUES ($1, $2, $3::jsonb, $4, $5, $6, $7::jsonb, $8)
	`, snap.ID, snap.DocumentID, string(frontier), snap.Content, snap.ContentHash, snap.BlobKey, string(parentIDs), snap.CreatedBy)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

const snapshotColumns = `id, document_id, frontier, content, content_hash, blob_key, parent_ids, created_by, created_at`

func (s *PostgresStore) GetSnapshot(ctx context.Context, snapshotID string) (Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+snapshotColumns+`
		FROM snapshots
		WHERE id=$1
	`, snapshotID)
	return scanSnapshot(row)
}

// LatestSnapshot returns the newest snapshot for a document, or nil when
// none exists yet.
func (s *PostgresStore) LatestSnapshot(ctx context.Context, documentID string) (*Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+snapshotColumns+`
		FROM snapshots
		WHERE document_id=$1
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, documentID)
	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

func (s *PostgresStore) ListSnapshots(ctx context.Context, documentID string) ([]Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+snapshotColumns+`
		FROM snapshots
		WHERE document_id=$1
		ORDER BY created_at DESC, id DESC
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	items := make([]Snapshot, 0)
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshots: %w", err)
	}
	return items, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row rowScanner) (Snapshot, error) {
	var (
		snap                 Snapshot
		frontierRaw, parents []byte
	)
	if err := row.Scan(&snap.ID, &snap.DocumentID, &frontierRaw, &snap.Content, &snap.ContentHash, &snap.BlobKey, &parents, &snap.CreatedBy, &snap.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Snapshot{}, err
		}
		return Snapshot{}, fmt.Errorf("scan snapshot: %w", err)
	}
	snap.Frontier = crdt.NewFrontier()
	if err := json.Unmarshal(frontierRaw, &snap.Frontier); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot frontier: %w", err)
	}
	if err := json.Unmarshal(parents, &snap.ParentIDs); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot parents: %w", err)
	}
	return snap, nil
}

func (s *PostgresStore) InsertBranch(ctx context.Context, branch Branch) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO branches (id, document_id, name, head_snapshot_id)
		VALUES ($1, $2, $3, $4)
	`, branch.ID, branch.DocumentID, branch.Name, branch.HeadSnapshotID)
	if err != nil {
		return fmt.Errorf("insert branch: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetBranch(ctx context.Context, documentID, name string) (Branch, error) {
	var item Branch
	err := s.db.QueryRowContext(ctx, `
		SELECT id, document_id, name, head_snapshot_id, created_at, updated_at
		FROM branches
		WHERE document_id=$1 AND name=$2
	`, documentID, name).Scan(&item.ID, &item.DocumentID, &item.Name, &item.HeadSnapshotID, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Branch{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListBranches(ctx context.Context, documentID string) ([]Branch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, name, head_snapshot_id, created_at, updated_at
		FROM branches
		WHERE document_id=$1
		ORDER BY name ASC
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list branches: %w", err)
	}
	defer rows.Close()

	items := make([]Branch, 0)
	for rows.Next() {
		var item Branch
		if err := rows.Scan(&item.ID, &item.DocumentID, &item.Name, &item.HeadSnapshotID, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan branch: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate branches: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) UpdateBranchHead(ctx context.Context, branchID, headSnapshotID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE branches SET head_snapshot_id=$2, updated_at=NOW() WHERE id=$1
	`, branchID, headSnapshotID)
	if err != nil {
		return fmt.Errorf("update branch head: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertMergeConflict(ctx context.Context, mc MergeConflict) error {
	regions, err := json.Marshal(mc.Regions)
	if err != nil {
		return fmt.Errorf("marshal conflict regions: %w", err)
	}
	sourceOps, err := json.Marshal(mc.SourceOps)
	if err != nil {
		return fmt.Errorf("marshal source ops: %w", err)
	}
	targetOps, err := json.Marshal(mc.TargetOps)
	if err != nil {
		return fmt.Errorf("marshal target ops: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO merge_conflicts (id, document_id, source_branch, target_branch, base_snapshot_id, source_head_id, target_head_id, regions, source_ops, target_ops, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9::jsonb, $10::jsonb, $11)
	`, mc.ID, mc.DocumentID, mc.SourceBranch, mc.TargetBranch, mc.BaseSnapshotID, mc.SourceHeadID, mc.TargetHeadID,
		string(regions), string(sourceOps), string(targetOps), MergePending)
	if err != nil {
		return fmt.Errorf("insert merge conflict: %w", err)
	}
	return nil
}

const mergeConflictColumns = `id, document_id, source_branch, target_branch, base_snapshot_id, source_head_id, target_head_id, regions, source_ops, target_ops, status, choice, created_at, resolved_at`

func (s *PostgresStore) GetMergeConflict(ctx context.Context, conflictID string) (MergeConflict, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+mergeConflictColumns+`
		FROM merge_conflicts
		WHERE id=$1
	`, conflictID)
	return scanMergeConflict(row)
}

func (s *PostgresStore) ListOpenMergeConflicts(ctx context.Context, documentID string) ([]MergeConflict, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+mergeConflictColumns+`
		FROM merge_conflicts
		WHERE document_id=$1 AND status=$2
		ORDER BY created_at ASC
	`, documentID, MergePending)
	if err != nil {
		return nil, fmt.Errorf("list merge conflicts: %w", err)
	}
	defer rows.Close()

	items := make([]MergeConflict, 0)
	for rows.Next() {
		mc, err := scanMergeConflict(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, mc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate merge conflicts: %w", err)
	}
	return items, nil
}

// MarkMergeResolved records the participant's choice. Returns false when
// the conflict was already resolved.
func (s *PostgresStore) MarkMergeResolved(ctx context.Context, conflictID, choice string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE merge_conflicts
		SET status=$2, choice=$3, resolved_at=NOW()
		WHERE id=$1 AND status=$4
	`, conflictID, MergeResolved, choice, MergePending)
	if err != nil {
		return false, fmt.Errorf("resolve merge conflict: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("resolve merge conflict rows: %w", err)
	}
	return affected > 0, nil
}

func scanMergeConflict(row rowScanner) (MergeConflict, error) {
	var (
		mc                            MergeConflict
		regions, sourceOps, targetOps []byte
	)
	if err := row.Scan(&mc.ID, &mc.DocumentID, &mc.SourceBranch, &mc.TargetBranch, &mc.BaseSnapshotID, &mc.SourceHeadID, &mc.TargetHeadID,
		&regions, &sourceOps, &targetOps, &mc.Status, &mc.Choice, &mc.CreatedAt, &mc.ResolvedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return MergeConflict{}, err
		}
		return MergeConflict{}, fmt.Errorf("scan merge conflict: %w", err)
	}
	if err := json.Unmarshal(regions, &mc.Regions); err != nil {
		return MergeConflict{}, fmt.Errorf("decode conflict regions: %w", err)
	}
	if err := json.Unmarshal(sourceOps, &mc.SourceOps); err != nil {
		return MergeConflict{}, fmt.Errorf("decode source ops: %w", err)
	}
	if err := json.Unmarshal(targetOps, &mc.TargetOps); err != nil {
		return MergeConflict{}, fmt.Errorf("decode target ops: %w", err)
	}
	return mc, nil
}

// UpsertAnnotation inserts an annotation or, on re-delivery, refreshes
// its mutable fields (status and attrs).
func (s *PostgresStore) UpsertAnnotation(ctx context.Context, a conflict.Annotation) error {
	attrs := a.Attrs
	if attrs == nil {
		attrs = map[string]string{}
	}
	encodedAttrs, err := json.Marshal(attrs)
	if err != nil {
		return fmt.Errorf("marshal annotation attrs: %w", err)
	}
	frontier, err := json.Marshal(a.Frontier)
	if err != nil {
		return fmt.Errorf("marshal annotation frontier: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO annotations (id, document_id, kind, start_site, start_counter, end_site, end_counter, author_id, attrs, status, created_site, created_counter, frontier)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb, $10, $11, $12, $13::jsonb)
		ON CONFLICT (id) DO UPDATE SET status=EXCLUDED.status, attrs=EXCLUDED.attrs
	`, a.ID, a.DocumentID, string(a.Kind),
		a.Start.Site, int64(a.Start.Counter),
		a.End.Site, int64(a.End.Counter),
		a.AuthorID, string(encodedAttrs), string(a.Status),
		a.Created.Site, int64(a.Created.Counter), string(frontier))
	if err != nil {
		return fmt.Errorf("upsert annotation: %w", err)
	}
	return nil
}

const annotationColumns = `id, document_id, kind, start_site, start_counter, end_site, end_counter, author_id, attrs, status, created_site, created_counter, frontier`

// ListAnnotations returns a document's annotations, optionally filtered
// by status, ordered by creation stamp.
func (s *PostgresStore) ListAnnotations(ctx context.Context, documentID string, status conflict.Status) ([]conflict.Annotation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+annotationColumns+`
		FROM annotations
		WHERE document_id=$1
		  AND ($2='' OR status=$2)
		ORDER BY created_counter ASC, created_site ASC, id ASC
	`, documentID, string(status))
	if err != nil {
		return nil, fmt.Errorf("list annotations: %w", err)
	}
	defer rows.Close()

	items := make([]conflict.Annotation, 0)
	for rows.Next() {
		a, err := scanAnnotation(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate annotations: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetAnnotation(ctx context.Context, annotationID string) (conflict.Annotation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+annotationColumns+` FROM annotations WHERE id=$1
	`, annotationID)
	return scanAnnotation(row)
}

func scanAnnotation(row rowScanner) (conflict.Annotation, error) {
	var (
		a                                        conflict.Annotation
		kind, state                              string
		startCounter, endCounter, createdCounter int64
		attrs, frontier                          []byte
	)
	if err := row.Scan(&a.ID, &a.DocumentID, &kind,
		&a.Start.Site, &startCounter,
		&a.End.Site, &endCounter,
		&a.AuthorID, &attrs, &state,
		&a.Created.Site, &createdCounter, &frontier); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return conflict.Annotation{}, err
		}
		return conflict.Annotation{}, fmt.Errorf("scan annotation: %w", err)
	}
	a.Kind = conflict.Kind(kind)
	a.Status = conflict.Status(state)
	a.Start.Counter = uint64(startCounter)
	a.End.Counter = uint64(endCounter)
	a.Created.Counter = uint64(createdCounter)
	if err := json.Unmarshal(attrs, &a.Attrs); err != nil {
		return conflict.Annotation{}, fmt.Errorf("decode annotation attrs: %w", err)
	}
	a.Frontier = crdt.NewFrontier()
	if err := json.Unmarshal(frontier, &a.Frontier); err != nil {
		return conflict.Annotation{}, fmt.Errorf("decode annotation frontier: %w", err)
	}
	return a, nil
}

// UpdateAnnotationStatus moves an annotation to a terminal status.
// Returns false when the annotation does not exist.
func (s *PostgresStore) UpdateAnnotationStatus(ctx context.Context, annotationID string, status conflict.Status) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE annotations SET status=$2 WHERE id=$1
	`, annotationID, string(status))
	if err != nil {
		return false, fmt.Errorf("update annotation status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update annotation status rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) UpdateAnnotationAttrs(ctx context.Context, annotationID string, attrs map[string]string) error {
	if attrs == nil {
		attrs = map[string]string{}
	}
	encoded, err := json.Marshal(attrs)
	if err != nil {
		return fmt.Errorf("marshal annotation attrs: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `
		UPDATE annotations SET attrs=$2::jsonb WHERE id=$1
	`, annotationID, string(encoded)); err != nil {
		return fmt.Errorf("update annotation attrs: %w", err)
	}
	return nil
}
