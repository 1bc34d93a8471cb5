package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; a Postgres outage takes the whole app
// down with it.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search executes a UNION ALL query across documents, snapshots, and
// annotations using plainto_tsquery and ts_rank, with ts_headline for
// snippets. Snapshot content and annotation text are covered by the GIN
// expression indexes from the migrations.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{q.Text}
	argN := 2

	var subQueries []string

	if q.FilterType == "" || q.FilterType == ResultDocument {
		docWhere := "to_tsvector('english', d.title) @@ " + tsQuery
		if q.FilterDocumentID != "" {
			docWhere += fmt.Sprintf(" AND d.id = $%d", argN)
			args = append(args, q.FilterDocumentID)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'document'::text AS type, d.id, d.title,
				ts_headline('english', d.title, %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				d.id AS document_id,
				''::text AS author_id,
				''::text AS status,
				ts_rank(to_tsvector('english', d.title), %s) AS rank
			FROM documents d
			WHERE %s`, tsQuery, tsQuery, docWhere))
	}

	if q.FilterType == "" || q.FilterType == ResultSnapshot {
		snapWhere := "to_tsvector('english', s.content) @@ " + tsQuery
		if q.FilterDocumentID != "" {
			snapWhere += fmt.Sprintf(" AND s.document_id = $%d", argN)
			args = append(args, q.FilterDocumentID)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'snapshot'::text AS type, s.id, d.title,
				ts_headline('english', s.content, %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				s.document_id,
				s.created_by AS author_id,
				''::text AS status,
				ts_rank(to_tsvector('english', s.content), %s) AS rank
			FROM snapshots s
			JOIN documents d ON d.id = s.document_id
			WHERE %s`, tsQuery, tsQuery, snapWhere))
	}

	if q.FilterType == "" || q.FilterType == ResultAnnotation {
		annWhere := "to_tsvector('english', coalesce(a.attrs->>'text', '')) @@ " + tsQuery
		if q.FilterDocumentID != "" {
			annWhere += fmt.Sprintf(" AND a.document_id = $%d", argN)
			args = append(args, q.FilterDocumentID)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'annotation'::text AS type, a.id, a.kind AS title,
				ts_headline('english', coalesce(a.attrs->>'text', ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				a.document_id,
				a.author_id,
				a.status,
				ts_rank(to_tsvector('english', coalesce(a.attrs->>'text', '')), %s) AS rank
			FROM annotations a
			WHERE %s`, tsQuery, tsQuery, annWhere))
	}

	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub",
		strings.Join(subQueries, " UNION ALL "))

	dataSQL := fmt.Sprintf(`SELECT type, id, title, snippet, document_id, author_id, status
		FROM (%s) sub
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`,
		strings.Join(subQueries, " UNION ALL "),
		limit, offset)

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.DocumentID, &r.AuthorID, &r.Status); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns all searchable records for full reindexing.
// Blob-offloaded snapshot bodies are skipped; their inline content is
// empty and would index nothing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]DocumentRecord, []SnapshotRecord, []AnnotationRecord, error) {
	docRows, err := p.db.QueryContext(ctx, `
		SELECT id, title
		FROM documents
	`)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load documents: %w", err)
	}
	defer docRows.Close()

	documents := make([]DocumentRecord, 0)
	for docRows.Next() {
		var d DocumentRecord
		if err := docRows.Scan(&d.ID, &d.Title); err != nil {
			return nil, nil, nil, fmt.Errorf("scan document: %w", err)
		}
		documents = append(documents, d)
	}
	if err := docRows.Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("iterate documents: %w", err)
	}

	snapRows, err := p.db.QueryContext(ctx, `
		SELECT s.id, s.document_id, d.title, s.content, s.created_by
		FROM snapshots s
		JOIN documents d ON d.id = s.document_id
		WHERE s.blob_key = ''
	`)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load snapshots: %w", err)
	}
	defer snapRows.Close()

	snapshots := make([]SnapshotRecord, 0)
	for snapRows.Next() {
		var s SnapshotRecord
		if err := snapRows.Scan(&s.ID, &s.DocumentID, &s.Title, &s.Content, &s.CreatedBy); err != nil {
			return nil, nil, nil, fmt.Errorf("scan snapshot: %w", err)
		}
		snapshots = append(snapshots, s)
	}
	if err := snapRows.Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("iterate snapshots: %w", err)
	}

	annRows, err := p.db.QueryContext(ctx, `
		SELECT id, document_id, kind, coalesce(attrs->>'text', ''), author_id, status
		FROM annotations
	`)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load annotations: %w", err)
	}
	defer annRows.Close()

	annotations := make([]AnnotationRecord, 0)
	for annRows.Next() {
		var a AnnotationRecord
		if err := annRows.Scan(&a.ID, &a.DocumentID, &a.Kind, &a.Text, &a.AuthorID, &a.Status); err != nil {
			return nil, nil, nil, fmt.Errorf("scan annotation: %w", err)
		}
		annotations = append(annotations, a)
	}
	if err := annRows.Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("iterate annotations: %w", err)
	}

	return documents, snapshots, annotations, nil
}
