// Package archive keeps a git-backed ledger of executed resolutions.
// Every execution commits a JSON dossier of the resolution and the
// pre-mutation snapshot; an undo commits the orphaned state and tags it
// so the decision trail survives outside the database.
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
)

// Entry is the dossier committed for each executed resolution.
type Entry struct {
	ResolutionID string          `json:"resolutionId"`
	ProposalID   string          `json:"proposalId"`
	Kind         string          `json:"kind"`
	EdgeIDs      []string        `json:"edgeIds"`
	ResolvedBy   []string        `json:"resolvedBy"`
	ResolvedAt   time.Time       `json:"resolvedAt"`
	Snapshot     json.RawMessage `json:"snapshot,omitempty"`
	Orphaned     bool            `json:"orphaned"`
	OrphanedAt   *time.Time      `json:"orphanedAt,omitempty"`
	OrphanedBy   string          `json:"orphanedBy,omitempty"`
}

// CommitInfo describes a ledger commit.
type CommitInfo struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`

	fullHash string
}

// Service owns a single git repository under dir. All operations are
// serialized through one mutex since the ledger is one worktree.
type Service struct {
	dir string
	mu  sync.Mutex
}

func New(dir string) *Service {
	return &Service{dir: dir}
}

// Ensure initializes the ledger repository if it does not exist yet.
func (s *Service) Ensure() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(s.dir); err == nil {
		if _, err := git.PlainOpen(s.dir); err == nil {
			return nil
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat ledger dir: %w", err)
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create ledger dir: %w", err)
	}

	repo, err := git.PlainInit(s.dir, false)
	if err != nil {
		return fmt.Errorf("init ledger repo: %w", err)
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}
	readme := []byte("Resolution ledger. One JSON dossier per executed resolution.\n")
	if err := os.WriteFile(filepath.Join(s.dir, "README"), readme, 0o644); err != nil {
		return fmt.Errorf("write ledger readme: %w", err)
	}
	if _, err := worktree.Add("README"); err != nil {
		return fmt.Errorf("git add readme: %w", err)
	}
	hash, err := worktree.Commit("Initialize resolution ledger", &git.CommitOptions{
		Author: ledgerSignature("system"),
	})
	if err != nil {
		return fmt.Errorf("commit ledger baseline: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName("main"), hash)); err != nil {
		return fmt.Errorf("set main branch ref: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))); err != nil {
		return fmt.Errorf("set HEAD to main: %w", err)
	}
	return nil
}

// RecordResolution commits the dossier for a freshly executed resolution.
func (s *Service) RecordResolution(entry Entry, author string) (CommitInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	message := fmt.Sprintf("Execute resolution %s for proposal %s", entry.ResolutionID, entry.ProposalID)
	return s.commitEntry(entry, author, message)
}

// RecordOrphaned commits the orphaned dossier after an undo and tags the
// commit orphaned/<resolution-id>.
func (s *Service) RecordOrphaned(entry Entry, author string) (CommitInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	message := fmt.Sprintf("Orphan resolution %s for proposal %s", entry.ResolutionID, entry.ProposalID)
	info, err := s.commitEntry(entry, author, message)
	if err != nil {
		return CommitInfo{}, err
	}

	repo, err := git.PlainOpen(s.dir)
	if err != nil {
		return CommitInfo{}, fmt.Errorf("open ledger repo: %w", err)
	}
	tagName := "orphaned/" + entry.ResolutionID
	_, err = repo.CreateTag(tagName, plumbing.NewHash(info.fullHash), &git.CreateTagOptions{
		Tagger:  ledgerSignature(author),
		Message: tagName,
	})
	if err != nil && !errors.Is(err, git.ErrTagExists) {
		return CommitInfo{}, fmt.Errorf("create orphan tag: %w", err)
	}
	return info, nil
}

// ReadEntry loads the current dossier for a resolution from the worktree.
func (s *Service) ReadEntry(resolutionID string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	payload, err := os.ReadFile(s.entryPath(resolutionID))
	if err != nil {
		return Entry{}, fmt.Errorf("read dossier %s: %w", resolutionID, err)
	}
	var entry Entry
	if err := json.Unmarshal(payload, &entry); err != nil {
		return Entry{}, fmt.Errorf("decode dossier %s: %w", resolutionID, err)
	}
	return entry, nil
}

// History lists the most recent ledger commits, newest first.
func (s *Service) History(limit int) ([]CommitInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	repo, err := git.PlainOpen(s.dir)
	if err != nil {
		return nil, fmt.Errorf("open ledger repo: %w", err)
	}

	ref, err := repo.Reference(plumbing.NewBranchReferenceName("main"), true)
	if err != nil {
		return nil, fmt.Errorf("resolve main: %w", err)
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

func (s *Service) commitEntry(entry Entry, author, message string) (CommitInfo, error) {
	repo, err := git.PlainOpen(s.dir)
	if err != nil {
		return CommitInfo{}, fmt.Errorf("open ledger repo: %w", err)
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return CommitInfo{}, fmt.Errorf("open worktree: %w", err)
	}

	payload, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return CommitInfo{}, fmt.Errorf("marshal dossier: %w", err)
	}

	relPath := filepath.Join("resolutions", entry.ResolutionID+".json")
	absPath := filepath.Join(s.dir, relPath)
	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return CommitInfo{}, fmt.Errorf("create resolutions dir: %w", err)
	}
	if err := os.WriteFile(absPath, append(payload, '\n'), 0o644); err != nil {
		return CommitInfo{}, fmt.Errorf("write dossier: %w", err)
	}
	if _, err := worktree.Add(relPath); err != nil {
		return CommitInfo{}, fmt.Errorf("git add dossier: %w", err)
	}

	hash, err := worktree.Commit(message, &git.CommitOptions{
		Author: ledgerSignature(author),
	})
	if err != nil {
		return CommitInfo{}, fmt.Errorf("commit dossier: %w", err)
	}

	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return CommitInfo{}, fmt.Errorf("read commit object: %w", err)
	}
	return toCommitInfo(commitObj), nil
}

func (s *Service) entryPath(resolutionID string) string {
	return filepath.Join(s.dir, "resolutions", resolutionID+".json")
}

func ledgerSignature(author string) *object.Signature {
	if author == "" {
		author = "system"
	}
	return &object.Signature{
		Name:  author,
		Email: fmt.Sprintf("%s@governance.local", sanitizeEmail(author)),
		When:  time.Now(),
	}
}

func toCommitInfo(commitObj *object.Commit) CommitInfo {
	return CommitInfo{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
		fullHash:  commitObj.Hash.String(),
	}
}

func sanitizeEmail(input string) string {
	cleaned := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			cleaned = append(cleaned, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			cleaned = append(cleaned, '.')
		}
	}
	if len(cleaned) == 0 {
		return "user"
	}
	return string(cleaned)
}
