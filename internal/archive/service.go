// Package archive mirrors document snapshots into per-document git
// repositories. The mirror is an auditable plain-text trail alongside
// the authoritative Postgres history; writes are best-effort and never
// block the sync path.
package archive

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"scribe/sync/internal/crdt"
	"scribe/sync/internal/store"
)

const (
	contentFile = "content.txt"
	metaFile    = "snapshot.json"
)

// Meta is the sidecar committed next to the document text.
type Meta struct {
	SnapshotID  string        `json:"snapshotId"`
	ContentHash string        `json:"contentHash"`
	Frontier    crdt.Frontier `json:"frontier"`
	ParentIDs   []string      `json:"parentIds,omitempty"`
	CreatedBy   string        `json:"createdBy"`
	CreatedAt   time.Time     `json:"createdAt"`
}

// CommitInfo describes one archive commit for history listings.
type CommitInfo struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// EnsureDocumentRepo initializes the mirror repository for a document
// with an empty baseline on main. Idempotent.
func (s *Service) EnsureDocumentRepo(documentID, title, author string) error {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	path := s.repoPath(documentID)
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat repo path: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("create repo dir: %w", err)
	}

	repo, err := git.PlainInit(path, false)
	if err != nil {
		return fmt.Errorf("init repo: %w", err)
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}
	if err := writeFiles(path, "", Meta{CreatedBy: author, CreatedAt: time.Now()}); err != nil {
		return err
	}
	if _, err := worktree.Add(contentFile); err != nil {
		return fmt.Errorf("git add baseline content: %w", err)
	}
	if _, err := worktree.Add(metaFile); err != nil {
		return fmt.Errorf("git add baseline meta: %w", err)
	}
	hash, err := worktree.Commit("Create "+title, &git.CommitOptions{
		Author: signature(author),
	})
	if err != nil {
		return fmt.Errorf("commit baseline: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName("main"), hash)); err != nil {
		return fmt.Errorf("set main branch ref: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))); err != nil {
		return fmt.Errorf("set HEAD to main: %w", err)
	}
	return nil
}

// EnsureBranch creates a mirror branch pointing at fromBranch's head.
// Idempotent.
func (s *Service) EnsureBranch(documentID, branchName, fromBranch string) error {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(documentID))
	if err != nil {
		return fmt.Errorf("open repo: %w", err)
	}

	branchRefName := plumbing.NewBranchReferenceName(branchName)
	if _, err := repo.Reference(branchRefName, true); err == nil {
		return nil
	}

	fromRef, err := repo.Reference(plumbing.NewBranchReferenceName(fromBranch), true)
	if err != nil {
		return fmt.Errorf("read source branch ref: %w", err)
	}

	if err := repo.Storer.SetReference(plumbing.NewHashReference(branchRefName, fromRef.Hash())); err != nil {
		return fmt.Errorf("create branch ref: %w", err)
	}
	return nil
}

// CommitSnapshot records a snapshot on a branch and tags the commit
// with the snapshot id so it can be found again from the database row.
func (s *Service) CommitSnapshot(documentID, branchName string, snap store.Snapshot, content string) (CommitInfo, error) {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(documentID))
	if err != nil {
		return CommitInfo{}, fmt.Errorf("open repo: %w", err)
	}

	message := fmt.Sprintf("Snapshot %s", snap.ID)
	hash, err := s.commit(repo, branchName, snap, content, message, nil)
	if err != nil {
		return CommitInfo{}, err
	}
	s.tag(repo, hash, snap.ID)

	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return CommitInfo{}, fmt.Errorf("read commit object: %w", err)
	}
	return toCommitInfo(commitObj), nil
}

// CommitMerge records a merge snapshot on the target branch as a real
// two-parent commit, source branch head second.
func (s *Service) CommitMerge(documentID, sourceBranch, targetBranch string, snap store.Snapshot, content string) (CommitInfo, error) {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(documentID))
	if err != nil {
		return CommitInfo{}, fmt.Errorf("open repo: %w", err)
	}

	var parents []plumbing.Hash
	if targetRef, err := repo.Reference(plumbing.NewBranchReferenceName(targetBranch), true); err == nil {
		parents = append(parents, targetRef.Hash())
	}
	if sourceRef, err := repo.Reference(plumbing.NewBranchReferenceName(sourceBranch), true); err == nil {
		parents = append(parents, sourceRef.Hash())
	}

	message := fmt.Sprintf("Merge %s into %s (%s)", sourceBranch, targetBranch, snap.ID)
	hash, err := s.commit(repo, targetBranch, snap, content, message, parents)
	if err != nil {
		return CommitInfo{}, err
	}
	s.tag(repo, hash, snap.ID)

	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return CommitInfo{}, fmt.Errorf("read merge commit object: %w", err)
	}
	return toCommitInfo(commitObj), nil
}

// History lists commits on a branch, newest first.
func (s *Service) History(documentID, branchName string, limit int) ([]CommitInfo, error) {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(documentID))
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}

	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branchName), true)
	if err != nil {
		return nil, fmt.Errorf("resolve branch %s: %w", branchName, err)
	}

	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]CommitInfo, 0, limit)
	count := 0
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommitInfo(commitObj))
		count++
		if limit > 0 && count >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// ContentAt reads the archived text and metadata at a revision: a tag
// (snapshot id), a branch name, or a commit hash.
func (s *Service) ContentAt(documentID, revision string) (string, Meta, error) {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(documentID))
	if err != nil {
		return "", Meta{}, fmt.Errorf("open repo: %w", err)
	}

	hash, err := resolveHash(repo, revision)
	if err != nil {
		return "", Meta{}, err
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return "", Meta{}, fmt.Errorf("read commit %s: %w", revision, err)
	}

	content, err := readFile(commitObj, contentFile)
	if err != nil {
		return "", Meta{}, err
	}
	metaRaw, err := readFile(commitObj, metaFile)
	if err != nil {
		return "", Meta{}, err
	}
	var meta Meta
	if err := json.Unmarshal([]byte(metaRaw), &meta); err != nil {
		return "", Meta{}, fmt.Errorf("decode snapshot meta: %w", err)
	}
	return content, meta, nil
}

func (s *Service) repoPath(documentID string) string {
	return filepath.Join(s.baseDir, documentID)
}

func (s *Service) documentLock(documentID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[documentID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[documentID] = lock
	return lock
}

func (s *Service) commit(repo *git.Repository, branchName string, snap store.Snapshot, content, message string, parents []plumbing.Hash) (plumbing.Hash, error) {
	if err := checkoutBranch(repo, branchName); err != nil {
		return plumbing.ZeroHash, err
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("open worktree: %w", err)
	}

	meta := Meta{
		SnapshotID:  snap.ID,
		ContentHash: snap.ContentHash,
		Frontier:    snap.Frontier,
		ParentIDs:   snap.ParentIDs,
		CreatedBy:   snap.CreatedBy,
		CreatedAt:   snap.CreatedAt,
	}
	if err := writeFiles(worktree.Filesystem.Root(), content, meta); err != nil {
		return plumbing.ZeroHash, err
	}

	if _, err := worktree.Add(contentFile); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("git add content: %w", err)
	}
	if _, err := worktree.Add(metaFile); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("git add meta: %w", err)
	}

	hash, err := worktree.Commit(message, &git.CommitOptions{
		AllowEmptyCommits: true,
		Parents:           parents,
		Author:            signature(snap.CreatedBy),
	})
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("commit snapshot: %w", err)
	}
	return hash, nil
}

// tag is best-effort: a mirror rebuild may see the same snapshot twice.
func (s *Service) tag(repo *git.Repository, hash plumbing.Hash, name string) {
	_, _ = repo.CreateTag(name, hash, &git.CreateTagOptions{
		Tagger:  signature("scribe"),
		Message: name,
	})
}

func checkoutBranch(repo *git.Repository, branchName string) error {
	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}

	branchRef := plumbing.NewBranchReferenceName(branchName)
	if _, err := repo.Reference(branchRef, true); err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			if err := worktree.Checkout(&git.CheckoutOptions{Branch: branchRef, Create: true}); err != nil {
				return fmt.Errorf("create branch checkout %s: %w", branchName, err)
			}
			return nil
		}
		return fmt.Errorf("resolve branch %s: %w", branchName, err)
	}

	if err := worktree.Checkout(&git.CheckoutOptions{Branch: branchRef, Force: true}); err != nil {
		return fmt.Errorf("checkout branch %s: %w", branchName, err)
	}
	return nil
}

func writeFiles(root, content string, meta Meta) error {
	if err := os.WriteFile(filepath.Join(root, contentFile), []byte(content), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", contentFile, err)
	}
	payload, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot meta: %w", err)
	}
	if err := os.WriteFile(filepath.Join(root, metaFile), append(payload, '\n'), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", metaFile, err)
	}
	return nil
}

func readFile(commitObj *object.Commit, name string) (string, error) {
	file, err := commitObj.File(name)
	if err != nil {
		return "", fmt.Errorf("load %s from commit: %w", name, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return "", fmt.Errorf("open %s reader: %w", name, err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", name, err)
	}
	return string(data), nil
}

func toCommitInfo(commitObj *object.Commit) CommitInfo {
	return CommitInfo{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

func signature(author string) *object.Signature {
	if author == "" {
		author = "scribe"
	}
	return &object.Signature{
		Name:  author,
		Email: fmt.Sprintf("%s@local.scribe.dev", sanitizeEmail(author)),
		When:  time.Now(),
	}
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}

func resolveHash(repo *git.Repository, revision string) (plumbing.Hash, error) {
	if len(revision) == 40 {
		return plumbing.NewHash(revision), nil
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(revision))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolve revision %s: %w", revision, err)
	}
	return *resolved, nil
}
