package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"scribe/sync/internal/search"
	"scribe/sync/internal/version"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

// Handler builds the router. Preflight requests are answered in the
// outer middleware before mux does method matching, which would
// otherwise turn them into 405s.
func (s *HTTPServer) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/api/ready", s.handleReady).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/api/search", s.handleSearch).Methods(http.MethodGet)

	r.HandleFunc("/api/documents", s.handleCreateDocument).Methods(http.MethodPost)
	r.HandleFunc("/api/documents", s.handleListDocuments).Methods(http.MethodGet)
	r.HandleFunc("/api/documents/{id}", s.handleGetDocument).Methods(http.MethodGet)
	r.HandleFunc("/api/documents/{id}/content", s.handleDocumentContent).Methods(http.MethodGet)
	r.HandleFunc("/api/documents/{id}/participants", s.handleParticipants).Methods(http.MethodGet)
	r.HandleFunc("/api/documents/{id}/ws", s.handleWebSocket)

	r.HandleFunc("/api/documents/{id}/snapshots", s.handleCreateSnapshot).Methods(http.MethodPost)
	r.HandleFunc("/api/documents/{id}/snapshots", s.handleListSnapshots).Methods(http.MethodGet)
	r.HandleFunc("/api/snapshots/{snapshotId}", s.handleGetSnapshot).Methods(http.MethodGet)
	r.HandleFunc("/api/documents/{id}/restore", s.handleRestore).Methods(http.MethodPost)

	r.HandleFunc("/api/documents/{id}/branches", s.handleCreateBranch).Methods(http.MethodPost)
	r.HandleFunc("/api/documents/{id}/branches", s.handleListBranches).Methods(http.MethodGet)
	r.HandleFunc("/api/documents/{id}/merge", s.handleMerge).Methods(http.MethodPost)
	r.HandleFunc("/api/documents/{id}/merge-conflicts", s.handleListMergeConflicts).Methods(http.MethodGet)
	r.HandleFunc("/api/merge-conflicts/{conflictId}/resolve", s.handleResolveMergeConflict).Methods(http.MethodPost)

	r.HandleFunc("/api/documents/{id}/annotations", s.handleCreateAnnotation).Methods(http.MethodPost)
	r.HandleFunc("/api/documents/{id}/annotations", s.handleListAnnotations).Methods(http.MethodGet)
	r.HandleFunc("/api/annotations/{annotationId}/resolve", s.handleResolveAnnotation).Methods(http.MethodPost)
	r.HandleFunc("/api/documents/{id}/conflicts", s.handleDetectConflicts).Methods(http.MethodGet)
	r.HandleFunc("/api/documents/{id}/conflicts/resolve", s.handleResolveConflicts).Methods(http.MethodPost)

	r.HandleFunc("/api/documents/{id}/history", s.handleHistory).Methods(http.MethodGet)
	r.HandleFunc("/api/documents/{id}/archive/{revision}", s.handleArchiveContent).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})

	return s.withMiddleware(r)
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}
	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{"status": "error", "error": err.Error()}
	}
	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	q := search.Query{
		Text:             query.Get("q"),
		FilterType:       search.ResultType(query.Get("type")),
		FilterDocumentID: query.Get("documentId"),
		Limit:            queryInt(query.Get("limit"), 20),
		Offset:           queryInt(query.Get("offset"), 0),
	}
	if strings.TrimSpace(q.Text) == "" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "q is required", nil)
		return
	}
	writeJSON(w, http.StatusOK, s.service.Search(q))
}

func (s *HTTPServer) handleCreateDocument(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID     string `json:"id"`
		Title  string `json:"title"`
		Author string `json:"author"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	payload, err := s.service.CreateDocument(r.Context(), body.ID, body.Title, body.Author)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusCreated, payload)
}

func (s *HTTPServer) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	payload, err := s.service.ListDocuments(r.Context())
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	payload, err := s.service.GetDocument(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleDocumentContent(w http.ResponseWriter, r *http.Request) {
	payload, err := s.service.DocumentContent(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleParticipants(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.Participants(r.Context(), mux.Vars(r)["id"]))
}

func (s *HTTPServer) handleCreateSnapshot(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Author string `json:"author"`
	}
	_ = decodeBody(r, &body) // body is optional
	if body.Author == "" {
		body.Author = "manual"
	}
	payload, err := s.service.CreateSnapshot(r.Context(), mux.Vars(r)["id"], body.Author)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusCreated, payload)
}

func (s *HTTPServer) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	payload, err := s.service.ListSnapshots(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	payload, err := s.service.GetSnapshot(r.Context(), mux.Vars(r)["snapshotId"])
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleRestore(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SnapshotID string `json:"snapshotId"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	payload, err := s.service.RestoreSnapshot(r.Context(), mux.Vars(r)["id"], body.SnapshotID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleCreateBranch(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name           string `json:"name"`
		FromBranch     string `json:"fromBranch"`
		FromSnapshotID string `json:"fromSnapshotId"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	payload, err := s.service.CreateBranch(r.Context(), mux.Vars(r)["id"], body.Name, body.FromBranch, body.FromSnapshotID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusCreated, payload)
}

func (s *HTTPServer) handleListBranches(w http.ResponseWriter, r *http.Request) {
	payload, err := s.service.ListBranches(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleMerge(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SourceBranch string `json:"sourceBranch"`
		TargetBranch string `json:"targetBranch"`
		Strategy     string `json:"strategy"`
		Author       string `json:"author"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	payload, err := s.service.MergeBranches(r.Context(), mux.Vars(r)["id"], body.SourceBranch, body.TargetBranch, body.Strategy, body.Author)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleListMergeConflicts(w http.ResponseWriter, r *http.Request) {
	payload, err := s.service.ListMergeConflicts(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleResolveMergeConflict(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Choice string `json:"choice"`
		Author string `json:"author"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	payload, err := s.service.ResolveMergeConflict(r.Context(), mux.Vars(r)["conflictId"], body.Choice, body.Author)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleCreateAnnotation(w http.ResponseWriter, r *http.Request) {
	var body AnnotationInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	payload, err := s.service.CreateAnnotation(r.Context(), mux.Vars(r)["id"], body)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusCreated, payload)
}

func (s *HTTPServer) handleListAnnotations(w http.ResponseWriter, r *http.Request) {
	payload, err := s.service.ListAnnotations(r.Context(), mux.Vars(r)["id"], r.URL.Query().Get("status"))
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleResolveAnnotation(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status string `json:"status"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	payload, err := s.service.ResolveAnnotation(r.Context(), mux.Vars(r)["annotationId"], body.Status)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleDetectConflicts(w http.ResponseWriter, r *http.Request) {
	payload, err := s.service.DetectConflicts(r.Context(), mux.Vars(r)["id"], false)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleResolveConflicts(w http.ResponseWriter, r *http.Request) {
	payload, err := s.service.DetectConflicts(r.Context(), mux.Vars(r)["id"], true)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r.URL.Query().Get("limit"), 50)
	payload, err := s.service.History(r.Context(), mux.Vars(r)["id"], r.URL.Query().Get("branch"), limit)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleArchiveContent(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	payload, err := s.service.ArchiveContent(r.Context(), vars["id"], vars["revision"])
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		// Websocket upgrades must not go through the status recorder;
		// the upgrader needs the raw http.Hijacker.
		if strings.HasSuffix(r.URL.Path, "/ws") {
			next.ServeHTTP(w, r)
			return
		}

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		if r.Method == http.MethodOptions {
			writer.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func queryInt(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, version.ErrSnapshotCorrupt) {
		return http.StatusInternalServerError, "SNAPSHOT_CORRUPT", "Snapshot failed verification and could not be recovered", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
