package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"scribe/sync/internal/archive"
	"scribe/sync/internal/conflict"
	"scribe/sync/internal/crdt"
	"scribe/sync/internal/events"
	"scribe/sync/internal/presence"
	"scribe/sync/internal/search"
	"scribe/sync/internal/session"
	"scribe/sync/internal/store"
	"scribe/sync/internal/util"
	"scribe/sync/internal/version"
)

type dataStore interface {
	Ping(ctx context.Context) error
	EnsureDocument(ctx context.Context, documentID, title string) (store.Document, error)
	GetDocument(ctx context.Context, documentID string) (store.Document, error)
	ListDocuments(ctx context.Context) ([]store.Document, error)
	GetSnapshot(ctx context.Context, snapshotID string) (store.Snapshot, error)
	ListSnapshots(ctx context.Context, documentID string) ([]store.Snapshot, error)
	LatestSnapshot(ctx context.Context, documentID string) (*store.Snapshot, error)
	GetBranch(ctx context.Context, documentID, name string) (store.Branch, error)
	ListBranches(ctx context.Context, documentID string) ([]store.Branch, error)
	GetMergeConflict(ctx context.Context, conflictID string) (store.MergeConflict, error)
	ListOpenMergeConflicts(ctx context.Context, documentID string) ([]store.MergeConflict, error)
	UpsertAnnotation(ctx context.Context, a conflict.Annotation) error
	GetAnnotation(ctx context.Context, annotationID string) (conflict.Annotation, error)
	ListAnnotations(ctx context.Context, documentID string, status conflict.Status) ([]conflict.Annotation, error)
	UpdateAnnotationStatus(ctx context.Context, annotationID string, status conflict.Status) (bool, error)
	UpdateAnnotationAttrs(ctx context.Context, annotationID string, attrs map[string]string) error
}

type versionService interface {
	CreateBranch(ctx context.Context, fromSnapshotID, name string) (store.Branch, error)
	Merge(ctx context.Context, documentID, sourceBranch, targetBranch, strategy, author string) (version.MergeResult, error)
	ResolveMerge(ctx context.Context, conflictID, choice, author string) (version.MergeResult, error)
	LoadVerified(ctx context.Context, snapshotID string) (store.Snapshot, string, error)
}

type archiveService interface {
	EnsureDocumentRepo(documentID, title, author string) error
	EnsureBranch(documentID, branchName, fromBranch string) error
	CommitSnapshot(documentID, branchName string, snap store.Snapshot, content string) (archive.CommitInfo, error)
	CommitMerge(documentID, sourceBranch, targetBranch string, snap store.Snapshot, content string) (archive.CommitInfo, error)
	History(documentID, branchName string, limit int) ([]archive.CommitInfo, error)
	ContentAt(documentID, revision string) (string, archive.Meta, error)
}

type searchService interface {
	Search(q search.Query) search.Response
	IndexDocument(doc search.DocumentRecord)
	IndexSnapshot(snap search.SnapshotRecord)
	IndexAnnotation(a search.AnnotationRecord)
	ReindexAllFromPG(ctx context.Context)
}

type presenceMirror interface {
	Publish(ctx context.Context, documentID string, u presence.Update) error
	Snapshot(ctx context.Context, documentID string) ([]presence.Update, error)
}

// Service is the application layer over the sync core: it owns the
// REST-visible operations and the side effects (archive mirroring,
// search indexing, event emission) the live sessions stay unaware of.
type Service struct {
	store    dataStore
	sessions *session.Registry
	versions versionService
	archive  archiveService
	search   searchService
	mirror   presenceMirror
	bus      events.Bus
}

// New wires the service. The archive and the presence mirror are
// optional; pass nil to run without them.
func New(dataStore *store.PostgresStore, sessions *session.Registry, versions *version.Manager, archiveService *archive.Service, searchService *search.Service, mirror *presence.RedisPresence, bus events.Bus) *Service {
	s := &Service{
		store:    dataStore,
		sessions: sessions,
		versions: versions,
		search:   searchService,
		bus:      bus,
	}
	if archiveService != nil {
		s.archive = archiveService
	}
	if mirror != nil {
		s.mirror = mirror
	}
	return s
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Bootstrap backfills the search indexes from Postgres. Safe to run on
// every start; indexing is idempotent.
func (s *Service) Bootstrap(ctx context.Context) error {
	s.search.ReindexAllFromPG(ctx)
	return nil
}

// ConsumeEvents handles the side effects of events this instance
// published: auto snapshots taken inside a session loop get mirrored to
// the archive and indexed here, keeping the session code free of those
// dependencies. Events relayed from other gateways are skipped; their
// originator owns the side effects.
func (s *Service) ConsumeEvents(ctx context.Context) {
	ch, cancel, err := s.bus.Subscribe(ctx, "")
	if err != nil {
		log.Printf("event consumer: subscribe: %v", err)
		return
	}
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.Origin != s.sessions.Instance() {
				continue
			}
			switch ev.Type {
			case events.TypeSnapshotCreated:
				s.mirrorSnapshot(ctx, ev)
			case events.TypePresence:
				s.mirrorPresence(ctx, ev)
			}
		}
	}
}

func (s *Service) mirrorPresence(ctx context.Context, ev events.Event) {
	if s.mirror == nil || ev.Presence == nil {
		return
	}
	err := s.mirror.Publish(ctx, ev.DocumentID, *ev.Presence)
	if err != nil && !errors.Is(err, presence.ErrStaleClock) {
		log.Printf("mirror presence %s: %v", ev.DocumentID, err)
	}
}

func (s *Service) mirrorSnapshot(ctx context.Context, ev events.Event) {
	if ev.SnapshotID == "" {
		return
	}
	snap, content, err := s.versions.LoadVerified(ctx, ev.SnapshotID)
	if err != nil {
		log.Printf("mirror snapshot %s: %v", ev.SnapshotID, err)
		return
	}
	if s.archive != nil && len(snap.ParentIDs) < 2 {
		if _, err := s.archive.CommitSnapshot(snap.DocumentID, version.MainBranch, snap, content); err != nil {
			log.Printf("archive snapshot %s: %v", snap.ID, err)
		}
	}
	title := snap.DocumentID
	if doc, err := s.store.GetDocument(ctx, snap.DocumentID); err == nil {
		title = doc.Title
	}
	s.search.IndexSnapshot(search.SnapshotRecord{
		ID:         snap.ID,
		DocumentID: snap.DocumentID,
		Title:      title,
		Content:    content,
		CreatedBy:  snap.CreatedBy,
	})
}

// Documents

func (s *Service) CreateDocument(ctx context.Context, documentID, title, author string) (map[string]any, error) {
	if strings.TrimSpace(title) == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", nil)
	}
	if strings.TrimSpace(documentID) == "" {
		documentID = util.NewID("doc")
	}
	doc, err := s.store.EnsureDocument(ctx, documentID, title)
	if err != nil {
		return nil, fmt.Errorf("create document: %w", err)
	}
	if s.archive != nil {
		go func() {
			if err := s.archive.EnsureDocumentRepo(doc.ID, doc.Title, author); err != nil {
				log.Printf("archive init %s: %v", doc.ID, err)
			}
		}()
	}
	s.search.IndexDocument(search.DocumentRecord{ID: doc.ID, Title: doc.Title})
	return map[string]any{"document": docPayload(doc)}, nil
}

func (s *Service) ListDocuments(ctx context.Context) (map[string]any, error) {
	docs, err := s.store.ListDocuments(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(docs))
	for _, doc := range docs {
		items = append(items, docPayload(doc))
	}
	return map[string]any{"documents": items}, nil
}

func (s *Service) GetDocument(ctx context.Context, documentID string) (map[string]any, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	branches, err := s.store.ListBranches(ctx, documentID)
	if err != nil {
		return nil, err
	}
	branchItems := make([]map[string]any, 0, len(branches))
	for _, b := range branches {
		branchItems = append(branchItems, branchPayload(b))
	}
	payload := map[string]any{
		"document": docPayload(doc),
		"branches": branchItems,
	}
	if latest, err := s.store.LatestSnapshot(ctx, documentID); err == nil && latest != nil {
		payload["latestSnapshot"] = snapshotPayload(*latest)
	}
	payload["participants"] = s.participantsFor(ctx, documentID)
	return payload, nil
}

// DocumentContent boots the room when needed and returns the live
// materialized text with its frontier.
func (s *Service) DocumentContent(ctx context.Context, documentID string) (map[string]any, error) {
	room, err := s.openRoom(ctx, documentID)
	if err != nil {
		return nil, err
	}
	content, frontier, err := room.State()
	if err != nil {
		return nil, err
	}
	return map[string]any{"documentId": documentID, "content": content, "frontier": frontier}, nil
}

func (s *Service) Participants(ctx context.Context, documentID string) map[string]any {
	return map[string]any{"participants": s.participantsFor(ctx, documentID)}
}

// participantsFor serves from the local room when one is open. Otherwise
// the Redis mirror answers for rooms hosted on other gateways; mirrored
// keys carry no last-seen stamp, liveness there is the key's TTL.
func (s *Service) participantsFor(ctx context.Context, documentID string) []presence.Participant {
	if room, ok := s.sessions.Get(documentID); ok {
		return room.Participants()
	}
	participants := []presence.Participant{}
	if s.mirror == nil {
		return participants
	}
	updates, err := s.mirror.Snapshot(ctx, documentID)
	if err != nil {
		log.Printf("presence mirror %s: %v", documentID, err)
		return participants
	}
	for _, u := range updates {
		n := len(participants)
		if n == 0 || participants[n-1].ID != u.ParticipantID {
			participants = append(participants, presence.Participant{
				ID:     u.ParticipantID,
				Online: true,
				Fields: make(map[string]presence.Field),
			})
			n++
		}
		participants[n-1].Fields[u.Field] = presence.Field{Value: u.Value, Clock: u.Clock}
	}
	return participants
}

// OpenRoom resolves the document and returns its live session, booting
// one when no room is open. Used by the websocket gateway.
func (s *Service) OpenRoom(ctx context.Context, documentID string) (*session.Document, error) {
	return s.openRoom(ctx, documentID)
}

func (s *Service) openRoom(ctx context.Context, documentID string) (*session.Document, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	return s.sessions.Open(ctx, doc.ID, doc.Title)
}

// Snapshots

func (s *Service) CreateSnapshot(ctx context.Context, documentID, author string) (map[string]any, error) {
	room, err := s.openRoom(ctx, documentID)
	if err != nil {
		return nil, err
	}
	snap, err := room.Snapshot(author)
	if err != nil {
		return nil, err
	}
	return map[string]any{"snapshot": snapshotPayload(snap)}, nil
}

func (s *Service) ListSnapshots(ctx context.Context, documentID string) (map[string]any, error) {
	if _, err := s.store.GetDocument(ctx, documentID); err != nil {
		return nil, err
	}
	snaps, err := s.store.ListSnapshots(ctx, documentID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(snaps))
	for _, snap := range snaps {
		items = append(items, snapshotPayload(snap))
	}
	return map[string]any{"snapshots": items}, nil
}

// GetSnapshot returns a verified snapshot with its content. When the
// stored bytes fail verification and cannot be replayed, the nearest
// intact ancestor is served with degraded set.
func (s *Service) GetSnapshot(ctx context.Context, snapshotID string) (map[string]any, error) {
	snap, content, err := s.versions.LoadVerified(ctx, snapshotID)
	if err != nil {
		if errors.Is(err, version.ErrSnapshotCorrupt) && content != "" {
			return map[string]any{
				"requested": snapshotID,
				"snapshot":  snapshotPayload(snap),
				"content":   content,
				"degraded":  true,
			}, nil
		}
		return nil, err
	}
	return map[string]any{
		"requested": snapshotID,
		"snapshot":  snapshotPayload(snap),
		"content":   content,
		"degraded":  false,
	}, nil
}

// RestoreSnapshot rewrites the live document back to a snapshot's state
// through compensating operations; history is preserved, nothing is
// rewound.
func (s *Service) RestoreSnapshot(ctx context.Context, documentID, snapshotID string) (map[string]any, error) {
	if strings.TrimSpace(snapshotID) == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "snapshotId is required", nil)
	}
	room, err := s.openRoom(ctx, documentID)
	if err != nil {
		return nil, err
	}
	ops, err := room.Restore(snapshotID)
	if err != nil {
		return nil, err
	}
	content, frontier, err := room.State()
	if err != nil {
		return nil, err
	}
	s.publish(ctx, events.Event{Type: events.TypeChanged, DocumentID: documentID, Frontier: frontier})
	return map[string]any{
		"restored":   snapshotID,
		"ops":        len(ops),
		"content":    content,
		"frontier":   frontier,
		"documentId": documentID,
	}, nil
}

// Branches and merging

func (s *Service) CreateBranch(ctx context.Context, documentID, name, fromBranch, fromSnapshotID string) (map[string]any, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}
	if name == version.MainBranch {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "branch name is reserved", nil)
	}
	if fromSnapshotID == "" {
		if fromBranch == "" {
			fromBranch = version.MainBranch
		}
		b, err := s.store.GetBranch(ctx, documentID, fromBranch)
		if err != nil {
			return nil, err
		}
		fromSnapshotID = b.HeadSnapshotID
	} else {
		snap, err := s.store.GetSnapshot(ctx, fromSnapshotID)
		if err != nil {
			return nil, err
		}
		if snap.DocumentID != documentID {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "snapshot belongs to a different document", nil)
		}
	}
	branch, err := s.versions.CreateBranch(ctx, fromSnapshotID, name)
	if err != nil {
		return nil, err
	}
	if s.archive != nil {
		from := fromBranch
		if from == "" {
			from = version.MainBranch
		}
		go func() {
			if err := s.archive.EnsureBranch(documentID, name, from); err != nil {
				log.Printf("archive branch %s/%s: %v", documentID, name, err)
			}
		}()
	}
	return map[string]any{"branch": branchPayload(branch)}, nil
}

func (s *Service) ListBranches(ctx context.Context, documentID string) (map[string]any, error) {
	if _, err := s.store.GetDocument(ctx, documentID); err != nil {
		return nil, err
	}
	branches, err := s.store.ListBranches(ctx, documentID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(branches))
	for _, b := range branches {
		items = append(items, branchPayload(b))
	}
	return map[string]any{"branches": items}, nil
}

// MergeBranches merges source into target. A structural conflict
// suspends the merge and comes back as 409 with the conflict record;
// everything else resolves automatically.
func (s *Service) MergeBranches(ctx context.Context, documentID, source, target, strategy, author string) (map[string]any, error) {
	if strings.TrimSpace(source) == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "sourceBranch is required", nil)
	}
	if target == "" {
		target = version.MainBranch
	}
	result, err := s.versions.Merge(ctx, documentID, source, target, strategy, author)
	if err != nil {
		if errors.Is(err, version.ErrStructuralConflictUnresolved) && result.Conflict != nil {
			mc := *result.Conflict
			s.publish(ctx, events.Event{
				Type:       events.TypeConflict,
				DocumentID: documentID,
				Conflict:   &conflict.Descriptor{Class: conflict.ClassStructure, DocumentID: documentID},
			})
			return nil, domainError(http.StatusConflict, "MERGE_CONFLICT", "concurrent inserts at the same position need a choice", mergeConflictPayload(mc))
		}
		return nil, err
	}
	s.afterMerge(ctx, documentID, source, target, result)
	payload := map[string]any{"merged": true, "appliedOps": len(result.AppliedOps)}
	if result.Snapshot != nil {
		payload["snapshot"] = snapshotPayload(*result.Snapshot)
	}
	return payload, nil
}

func (s *Service) ListMergeConflicts(ctx context.Context, documentID string) (map[string]any, error) {
	conflicts, err := s.store.ListOpenMergeConflicts(ctx, documentID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(conflicts))
	for _, mc := range conflicts {
		items = append(items, mergeConflictPayload(mc))
	}
	return map[string]any{"conflicts": items}, nil
}

func (s *Service) ResolveMergeConflict(ctx context.Context, conflictID, choice, author string) (map[string]any, error) {
	switch choice {
	case version.ChoiceSource, version.ChoiceTarget, version.ChoiceBoth:
	default:
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "choice must be source, target or both", nil)
	}
	mc, err := s.store.GetMergeConflict(ctx, conflictID)
	if err != nil {
		return nil, err
	}
	result, err := s.versions.ResolveMerge(ctx, conflictID, choice, author)
	if err != nil {
		if strings.Contains(err.Error(), "already resolved") {
			return nil, domainError(http.StatusConflict, "ALREADY_RESOLVED", "merge conflict already resolved", nil)
		}
		return nil, err
	}
	s.afterMerge(ctx, mc.DocumentID, mc.SourceBranch, mc.TargetBranch, result)
	payload := map[string]any{"resolved": true, "choice": choice, "appliedOps": len(result.AppliedOps)}
	if result.Snapshot != nil {
		payload["snapshot"] = snapshotPayload(*result.Snapshot)
	}
	return payload, nil
}

// afterMerge fans out the side effects of a completed merge: the open
// room catches up on the compensating deletes, the archive records a
// merge commit and the result is indexed and announced.
func (s *Service) afterMerge(ctx context.Context, documentID, source, target string, result version.MergeResult) {
	if result.Snapshot == nil {
		return
	}
	snap := *result.Snapshot
	if room, ok := s.sessions.Get(documentID); ok {
		if _, err := room.CatchUp(); err != nil {
			log.Printf("merge catch up %s: %v", documentID, err)
		}
	}
	content := snap.Content
	if _, loaded, err := s.versions.LoadVerified(ctx, snap.ID); err == nil {
		content = loaded
	}
	if s.archive != nil && len(snap.ParentIDs) == 2 {
		go func() {
			if _, err := s.archive.CommitMerge(documentID, source, target, snap, content); err != nil {
				log.Printf("archive merge %s: %v", documentID, err)
			}
		}()
	}
	title := documentID
	if doc, err := s.store.GetDocument(ctx, documentID); err == nil {
		title = doc.Title
	}
	s.search.IndexSnapshot(search.SnapshotRecord{
		ID:         snap.ID,
		DocumentID: documentID,
		Title:      title,
		Content:    content,
		CreatedBy:  snap.CreatedBy,
	})
	s.publish(ctx, events.Event{Type: events.TypeChanged, DocumentID: documentID, Frontier: snap.Frontier})
}

// Annotations

type AnnotationInput struct {
	Kind     string            `json:"kind"`
	Start    crdt.ElementID    `json:"start"`
	End      crdt.ElementID    `json:"end"`
	AuthorID string            `json:"authorId"`
	Attrs    map[string]string `json:"attrs"`
	Created  *crdt.Stamp       `json:"created,omitempty"`
	Frontier crdt.Frontier     `json:"frontier,omitempty"`
}

func (s *Service) CreateAnnotation(ctx context.Context, documentID string, in AnnotationInput) (map[string]any, error) {
	if strings.TrimSpace(in.AuthorID) == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "authorId is required", nil)
	}
	switch conflict.Kind(in.Kind) {
	case conflict.KindComment, conflict.KindSuggestion, conflict.KindFormat, conflict.KindStructure:
	default:
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "kind must be comment, suggestion, format or structure", nil)
	}
	if in.Start.Site == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "start element is required", nil)
	}
	if _, err := s.store.GetDocument(ctx, documentID); err != nil {
		return nil, err
	}
	end := in.End
	if end.Site == "" {
		end = in.Start
	}
	frontier := in.Frontier
	if frontier == nil {
		if room, ok := s.sessions.Get(documentID); ok {
			if _, f, err := room.State(); err == nil {
				frontier = f
			}
		}
	}
	if frontier == nil {
		frontier = crdt.NewFrontier()
	}
	// Annotations are metadata, not sequence operations; their creation
	// stamp orders them in wall-clock time under the same LWW rule the
	// op stamps use.
	created := crdt.Stamp{Site: in.AuthorID, Counter: uint64(time.Now().UnixNano())}
	if in.Created != nil {
		created = *in.Created
	}
	a := conflict.Annotation{
		ID:         util.NewID("ann"),
		DocumentID: documentID,
		Kind:       conflict.Kind(in.Kind),
		Start:      in.Start,
		End:        end,
		AuthorID:   in.AuthorID,
		Attrs:      in.Attrs,
		Status:     conflict.StatusPending,
		Created:    created,
		Frontier:   frontier,
	}
	if err := s.store.UpsertAnnotation(ctx, a); err != nil {
		return nil, err
	}
	s.search.IndexAnnotation(search.AnnotationRecord{
		ID:         a.ID,
		DocumentID: documentID,
		Kind:       string(a.Kind),
		Text:       a.Attrs["text"],
		AuthorID:   a.AuthorID,
		Status:     string(a.Status),
	})
	return map[string]any{"annotation": a}, nil
}

func (s *Service) ListAnnotations(ctx context.Context, documentID, status string) (map[string]any, error) {
	switch conflict.Status(status) {
	case "", conflict.StatusPending, conflict.StatusAccepted, conflict.StatusRejected:
	default:
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "status must be pending, accepted or rejected", nil)
	}
	if _, err := s.store.GetDocument(ctx, documentID); err != nil {
		return nil, err
	}
	annotations, err := s.store.ListAnnotations(ctx, documentID, conflict.Status(status))
	if err != nil {
		return nil, err
	}
	return map[string]any{"annotations": annotations}, nil
}

func (s *Service) ResolveAnnotation(ctx context.Context, annotationID, status string) (map[string]any, error) {
	outcome := conflict.Status(status)
	if outcome != conflict.StatusAccepted && outcome != conflict.StatusRejected {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "status must be accepted or rejected", nil)
	}
	updated, err := s.store.UpdateAnnotationStatus(ctx, annotationID, outcome)
	if err != nil {
		return nil, err
	}
	if !updated {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "annotation not found", nil)
	}
	if a, err := s.store.GetAnnotation(ctx, annotationID); err == nil {
		s.search.IndexAnnotation(search.AnnotationRecord{
			ID:         a.ID,
			DocumentID: a.DocumentID,
			Kind:       string(a.Kind),
			Text:       a.Attrs["text"],
			AuthorID:   a.AuthorID,
			Status:     string(a.Status),
		})
	}
	return map[string]any{"annotation": annotationID, "status": string(outcome)}, nil
}

// DetectConflicts reports overlapping concurrent annotations for a
// document. With apply set, the automatic resolutions are persisted;
// structural overlaps always come back unresolved for a human.
func (s *Service) DetectConflicts(ctx context.Context, documentID string, apply bool) (map[string]any, error) {
	pending, err := s.store.ListAnnotations(ctx, documentID, conflict.StatusPending)
	if err != nil {
		return nil, err
	}
	room, err := s.openRoom(ctx, documentID)
	if err != nil {
		return nil, err
	}
	found, err := room.DetectConflicts(pending)
	if err != nil {
		return nil, err
	}
	auto := make([]map[string]any, 0)
	manual := make([]conflict.Descriptor, 0)
	for _, desc := range found {
		res, err := conflict.Resolve(desc)
		if errors.Is(err, conflict.ErrManualResolutionRequired) {
			manual = append(manual, desc)
			d := desc
			s.publish(ctx, events.Event{Type: events.TypeConflict, DocumentID: documentID, Conflict: &d})
			continue
		}
		if err != nil {
			return nil, err
		}
		if apply {
			if err := s.applyResolution(ctx, res); err != nil {
				return nil, err
			}
		}
		auto = append(auto, map[string]any{"descriptor": desc, "resolution": res, "applied": apply})
	}
	return map[string]any{"conflicts": auto, "manual": manual}, nil
}

func (s *Service) applyResolution(ctx context.Context, res conflict.Resolution) error {
	switch res.Action {
	case conflict.ActionKeepLater:
		if _, err := s.store.UpdateAnnotationStatus(ctx, res.LoserID, conflict.StatusRejected); err != nil {
			return err
		}
	case conflict.ActionMergeAttrs:
		if err := s.store.UpdateAnnotationAttrs(ctx, res.WinnerID, res.Attrs); err != nil {
			return err
		}
		if _, err := s.store.UpdateAnnotationStatus(ctx, res.LoserID, conflict.StatusRejected); err != nil {
			return err
		}
	}
	return nil
}

// Search and archive reads

func (s *Service) Search(q search.Query) search.Response {
	return s.search.Search(q)
}

func (s *Service) History(ctx context.Context, documentID, branch string, limit int) (map[string]any, error) {
	if s.archive == nil {
		return nil, domainError(http.StatusNotImplemented, "ARCHIVE_DISABLED", "history archive is not enabled", nil)
	}
	if _, err := s.store.GetDocument(ctx, documentID); err != nil {
		return nil, err
	}
	if branch == "" {
		branch = version.MainBranch
	}
	commits, err := s.archive.History(documentID, branch, limit)
	if err != nil {
		return nil, err
	}
	return map[string]any{"branch": branch, "commits": commits}, nil
}

func (s *Service) ArchiveContent(ctx context.Context, documentID, revision string) (map[string]any, error) {
	if s.archive == nil {
		return nil, domainError(http.StatusNotImplemented, "ARCHIVE_DISABLED", "history archive is not enabled", nil)
	}
	if _, err := s.store.GetDocument(ctx, documentID); err != nil {
		return nil, err
	}
	content, meta, err := s.archive.ContentAt(documentID, revision)
	if err != nil {
		return nil, err
	}
	return map[string]any{"content": content, "meta": meta}, nil
}

func (s *Service) publish(ctx context.Context, ev events.Event) {
	ev.Origin = s.sessions.Instance()
	ev.At = time.Now()
	if err := s.bus.Publish(ctx, ev); err != nil {
		log.Printf("publish %s: %v", ev.Type, err)
	}
}

// Payloads

func docPayload(doc store.Document) map[string]any {
	return map[string]any{
		"id":        doc.ID,
		"title":     doc.Title,
		"createdAt": doc.CreatedAt,
		"updatedAt": doc.UpdatedAt,
	}
}

func snapshotPayload(snap store.Snapshot) map[string]any {
	parents := snap.ParentIDs
	if parents == nil {
		parents = []string{}
	}
	return map[string]any{
		"id":          snap.ID,
		"documentId":  snap.DocumentID,
		"frontier":    snap.Frontier,
		"contentHash": snap.ContentHash,
		"inline":      snap.BlobKey == "",
		"parentIds":   parents,
		"createdBy":   snap.CreatedBy,
		"createdAt":   snap.CreatedAt,
	}
}

func branchPayload(b store.Branch) map[string]any {
	return map[string]any{
		"id":             b.ID,
		"documentId":     b.DocumentID,
		"name":           b.Name,
		"headSnapshotId": b.HeadSnapshotID,
		"createdAt":      b.CreatedAt,
		"updatedAt":      b.UpdatedAt,
	}
}

func mergeConflictPayload(mc store.MergeConflict) map[string]any {
	regions := mc.Regions
	if regions == nil {
		regions = []crdt.ElementID{}
	}
	return map[string]any{
		"id":             mc.ID,
		"documentId":     mc.DocumentID,
		"sourceBranch":   mc.SourceBranch,
		"targetBranch":   mc.TargetBranch,
		"baseSnapshotId": mc.BaseSnapshotID,
		"sourceHeadId":   mc.SourceHeadID,
		"targetHeadId":   mc.TargetHeadID,
		"regions":        regions,
		"sourceOps":      len(mc.SourceOps),
		"targetOps":      len(mc.TargetOps),
		"status":         mc.Status,
		"createdAt":      mc.CreatedAt,
	}
}
