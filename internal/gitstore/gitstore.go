// Package gitstore keeps blobs as files in a git worktree. With a remote URL
// configured it pulls before every read and pushes after every write, which
// makes a shared repository usable as the authoritative sync store.
package gitstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"

	"github.com/conorfennell/knolsync/internal/kv"
)

const remoteName = "origin"

// Options configures a Store.
type Options struct {
	Path        string // local worktree
	URL         string // optional remote
	AuthorName  string
	AuthorEmail string
	Logger      *slog.Logger
}

// Store is a kv.Store on a git worktree. It is safe for concurrent use.
type Store struct {
	mu     sync.Mutex
	path   string
	repo   *git.Repository
	remote bool
	author object.Signature
	logger *slog.Logger
}

var _ kv.Store = (*Store)(nil)

// Open clones opts.URL into opts.Path if the path does not exist yet,
// initialises an empty repository when there is no URL, and opens it otherwise.
func Open(ctx context.Context, opts Options) (*Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.AuthorName == "" {
		opts.AuthorName = "knolsync"
	}
	if opts.AuthorEmail == "" {
		opts.AuthorEmail = "knolsync@localhost"
	}

	repo, err := openOrCreate(ctx, opts, logger)
	if err != nil {
		return nil, err
	}

	return &Store{
		path:   opts.Path,
		repo:   repo,
		remote: opts.URL != "",
		author: object.Signature{Name: opts.AuthorName, Email: opts.AuthorEmail},
		logger: logger,
	}, nil
}

func openOrCreate(ctx context.Context, opts Options, logger *slog.Logger) (*git.Repository, error) {
	_, err := os.Stat(opts.Path)
	switch {
	case err == nil:
		repo, err := git.PlainOpen(opts.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open existing repo at %s: %w", opts.Path, err)
		}
		return repo, nil
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("error checking path %s: %w", opts.Path, err)
	}

	if opts.URL == "" {
		logger.Info("initialising local sync repository", "path", opts.Path)
		repo, err := git.PlainInit(opts.Path, false)
		if err != nil {
			return nil, fmt.Errorf("failed to init repo at %s: %w", opts.Path, err)
		}
		return repo, nil
	}

	logger.Info("cloning sync repository", "url", opts.URL, "path", opts.Path)
	repo, err := git.PlainCloneContext(ctx, opts.Path, false, &git.CloneOptions{URL: opts.URL})
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, transport.ErrEmptyRemoteRepository) {
		return nil, fmt.Errorf("failed to clone repo %s: %w", opts.URL, err)
	}

	// An empty remote cannot be cloned; start locally and push the first commit.
	_ = os.RemoveAll(opts.Path)
	repo, err = git.PlainInit(opts.Path, false)
	if err != nil {
		return nil, fmt.Errorf("failed to init repo at %s: %w", opts.Path, err)
	}
	if _, err := repo.CreateRemote(&config.RemoteConfig{Name: remoteName, URLs: []string{opts.URL}}); err != nil {
		return nil, fmt.Errorf("failed to add remote %s: %w", opts.URL, err)
	}
	return repo, nil
}

// Get returns the file contents for key, or nil if the file does not exist.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	full, err := s.filePath(key)
	if err != nil {
		return nil, err
	}
	if err := s.pull(ctx); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return data, nil
}

// Set writes key, commits, and pushes when a remote is configured.
// A failed push rolls the local commit back so the next pull stays fast-forward.
func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	full, err := s.filePath(key)
	if err != nil {
		return err
	}
	if err := s.pull(ctx); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", key, err)
	}
	if err := os.WriteFile(full, value, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}

	wt, err := s.repo.Worktree()
	if err != nil {
		return fmt.Errorf("failed to get worktree: %w", err)
	}
	if _, err := wt.Add(key); err != nil {
		return fmt.Errorf("failed to stage %s: %w", key, err)
	}
	return s.commitAndPush(ctx, wt, "update "+key)
}

// Remove deletes key and commits the removal.
func (s *Store) Remove(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	full, err := s.filePath(key)
	if err != nil {
		return err
	}
	if err := s.pull(ctx); err != nil {
		return err
	}
	if _, err := os.Stat(full); os.IsNotExist(err) {
		return nil
	}

	wt, err := s.repo.Worktree()
	if err != nil {
		return fmt.Errorf("failed to get worktree: %w", err)
	}
	if _, err := wt.Remove(key); err != nil {
		return fmt.Errorf("failed to remove %s: %w", key, err)
	}
	return s.commitAndPush(ctx, wt, "remove "+key)
}

func (s *Store) commitAndPush(ctx context.Context, wt *git.Worktree, msg string) error {
	status, err := wt.Status()
	if err != nil {
		return fmt.Errorf("failed to get status: %w", err)
	}
	if status.IsClean() {
		return nil
	}

	var previous plumbing.Hash
	if head, err := s.repo.Head(); err == nil {
		previous = head.Hash()
	}

	sig := s.author
	sig.When = time.Now()
	if _, err := wt.Commit(msg, &git.CommitOptions{Author: &sig}); err != nil {
		return fmt.Errorf("failed to commit %q: %w", msg, err)
	}

	if err := s.push(ctx); err != nil {
		if !previous.IsZero() {
			if resetErr := wt.Reset(&git.ResetOptions{Commit: previous, Mode: git.HardReset}); resetErr != nil {
				s.logger.Warn("failed to roll back unpushed commit", "path", s.path, "error", resetErr)
			}
		}
		return err
	}
	return nil
}

func (s *Store) pull(ctx context.Context) error {
	if !s.remote {
		return nil
	}
	wt, err := s.repo.Worktree()
	if err != nil {
		return fmt.Errorf("failed to get worktree: %w", err)
	}
	err = wt.PullContext(ctx, &git.PullOptions{RemoteName: remoteName})
	switch {
	case err == nil, errors.Is(err, git.NoErrAlreadyUpToDate):
		return nil
	case errors.Is(err, transport.ErrEmptyRemoteRepository), errors.Is(err, plumbing.ErrReferenceNotFound):
		return nil
	default:
		return fmt.Errorf("failed to pull %s: %w", s.path, err)
	}
}

func (s *Store) push(ctx context.Context) error {
	if !s.remote {
		return nil
	}
	err := s.repo.PushContext(ctx, &git.PushOptions{RemoteName: remoteName})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("failed to push %s: %w", s.path, err)
	}
	return nil
}

func (s *Store) filePath(key string) (string, error) {
	if err := kv.ValidateKey(key); err != nil {
		return "", err
	}
	if key == ".git" || strings.HasPrefix(key, ".git/") {
		return "", kv.ErrInvalidKey
	}
	return filepath.Join(s.path, filepath.FromSlash(key)), nil
}
