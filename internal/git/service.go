package git

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tchow-twistedxcom/crewdeck/internal/logging"
)

var gitLog = logging.ForComponent(logging.CompGit)

const listTimeout = 10 * time.Second

// Entry is one working directory as presented to viewers.
type Entry struct {
	Path       string `json:"path"`
	Name       string `json:"name"`
	Branch     string `json:"branch,omitempty"`
	IsDefault  bool   `json:"isDefault"`
	IsSelected bool   `json:"isSelected"`
}

// ListFunc enumerates the worktrees of the repository at root.
type ListFunc func(ctx context.Context, root string) ([]Worktree, error)

// Service caches the worktree list of one repository. Concurrent List calls
// share a single `git worktree list` invocation.
type Service struct {
	root          string
	ttl           time.Duration
	lister        ListFunc
	defaultBranch func(ctx context.Context, root string) (string, error)
	now           func() time.Time
	group         singleflight.Group

	mu        sync.Mutex
	cached    []Worktree
	def       string
	valid     bool
	fetchedAt time.Time
	gen       uint64
	selected  string
}

// NewService returns a Service rooted at root. A ttl of zero disables caching.
func NewService(root string, ttl time.Duration) *Service {
	return &Service{
		root:          filepath.Clean(root),
		ttl:           ttl,
		lister:        ListWorktrees,
		defaultBranch: GetDefaultBranch,
		now:           time.Now,
	}
}

// Root returns the directory the service enumerates.
func (s *Service) Root() string { return s.root }

// SetSelected records the working directory a viewer most recently activated.
func (s *Service) SetSelected(path string) {
	s.mu.Lock()
	s.selected = filepath.Clean(path)
	s.mu.Unlock()
}

// Selected returns the most recently activated working directory, if any.
func (s *Service) Selected() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selected
}

// Invalidate drops the cached list. A fetch already in flight will not
// repopulate the cache with its (possibly stale) result.
func (s *Service) Invalidate() {
	s.mu.Lock()
	s.valid = false
	s.cached = nil
	s.def = ""
	s.gen++
	s.mu.Unlock()
}

// List returns the current worktrees. A root that is not a git repository is
// reported as a single default entry.
func (s *Service) List(ctx context.Context) ([]Entry, error) {
	s.mu.Lock()
	if s.valid && s.ttl > 0 && s.now().Sub(s.fetchedAt) < s.ttl {
		wts, def, sel := s.cached, s.def, s.selected
		s.mu.Unlock()
		return toEntries(wts, def, sel), nil
	}
	s.mu.Unlock()

	v, err, _ := s.group.Do("list", func() (any, error) {
		return s.fetch(ctx)
	})
	if err != nil {
		return nil, err
	}
	res := v.(listing)
	return toEntries(res.worktrees, res.defaultBranch, s.Selected()), nil
}

type listing struct {
	worktrees     []Worktree
	defaultBranch string
}

func (s *Service) fetch(ctx context.Context) (listing, error) {
	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()

	// Other callers may be waiting on this fetch; the first caller going away
	// must not fail theirs.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), listTimeout)
	defer cancel()

	start := time.Now()
	wts, err := s.lister(ctx, s.root)
	repo := true
	if errors.Is(err, ErrNotRepository) {
		wts, err, repo = []Worktree{{Path: s.root}}, nil, false
	}
	if err != nil {
		gitLog.Warn("worktree_list_failed", slog.String("root", s.root), slog.String("error", err.Error()))
		return listing{}, err
	}
	var def string
	if repo {
		// Missing main/master is common in fresh repos; the first worktree stands in.
		def, _ = s.defaultBranch(ctx, s.root)
	}

	kept := wts[:0:0]
	for _, wt := range wts {
		if wt.Bare {
			continue
		}
		wt.Path = filepath.Clean(wt.Path)
		kept = append(kept, wt)
	}
	gitLog.Debug("worktree_list",
		slog.String("root", s.root),
		slog.Int("count", len(kept)),
		slog.Duration("took", time.Since(start)))

	s.mu.Lock()
	if gen == s.gen {
		s.cached = kept
		s.def = def
		s.valid = true
		s.fetchedAt = s.now()
	}
	s.mu.Unlock()
	return listing{worktrees: kept, defaultBranch: def}, nil
}

// toEntries marks the worktree on the default branch as the default one,
// falling back to the first (main) worktree.
func toEntries(wts []Worktree, defaultBranch, selected string) []Entry {
	defIdx := 0
	if defaultBranch != "" {
		for i, wt := range wts {
			if wt.Branch == defaultBranch {
				defIdx = i
				break
			}
		}
	}
	entries := make([]Entry, 0, len(wts))
	for i, wt := range wts {
		entries = append(entries, Entry{
			Path:       wt.Path,
			Name:       wt.Name(),
			Branch:     wt.Branch,
			IsDefault:  i == defIdx,
			IsSelected: selected != "" && wt.Path == selected,
		})
	}
	return entries
}
