package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultDocument   ResultType = "document"
	ResultSnapshot   ResultType = "snapshot"
	ResultAnnotation ResultType = "annotation"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type       ResultType `json:"type"`
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	Snippet    string     `json:"snippet"`
	DocumentID string     `json:"documentId"`
	AuthorID   string     `json:"authorId,omitempty"`
	Status     string     `json:"status,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text             string
	FilterType       ResultType // empty = all types
	FilterDocumentID string
	Limit            int
	Offset           int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push entities into a search index.
type Indexer interface {
	IndexDocument(doc DocumentRecord) error
	IndexSnapshot(s SnapshotRecord) error
	IndexAnnotation(a AnnotationRecord) error
	DeleteDocument(id string) error
	DeleteAnnotation(id string) error
}

// DocumentRecord is the data we index for a document.
type DocumentRecord struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// SnapshotRecord is the data we index for a point-in-time snapshot, so
// history is searchable alongside the live text.
type SnapshotRecord struct {
	ID         string `json:"id"`
	DocumentID string `json:"documentId"`
	Title      string `json:"title"`
	Content    string `json:"content"`
	CreatedBy  string `json:"createdBy"`
}

// AnnotationRecord is the data we index for a comment or suggestion.
type AnnotationRecord struct {
	ID         string `json:"id"`
	DocumentID string `json:"documentId"`
	Kind       string `json:"kind"`
	Text       string `json:"text"`
	AuthorID   string `json:"authorId"`
	Status     string `json:"status"`
}
