package deploy

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// Puller updates the working copy.
type Puller interface {
	Pull(ctx context.Context) error
}

// GitPuller fast-forwards a local clone to the remote's main branch.
type GitPuller struct {
	// RepoPath is the local clone.
	RepoPath string
	// RemoteURL overrides origin's URL, e.g. an HTTPS URL inside a container
	// without SSH.
	RemoteURL string
	Branch    string
}

// NewGitPuller creates a puller for main.
func NewGitPuller(repoPath, remoteURL string) *GitPuller {
	return &GitPuller{RepoPath: repoPath, RemoteURL: remoteURL, Branch: "main"}
}

// Pull implements Puller. Being already up to date is not an error.
func (g *GitPuller) Pull(ctx context.Context) error {
	repo, err := git.PlainOpenWithOptions(g.RepoPath, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return fmt.Errorf("open repository %s: %w", g.RepoPath, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("get worktree: %w", err)
	}

	err = wt.PullContext(ctx, &git.PullOptions{
		RemoteName:    git.DefaultRemoteName,
		RemoteURL:     g.RemoteURL,
		ReferenceName: plumbing.NewBranchReferenceName(g.Branch),
		SingleBranch:  true,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("pull %s: %w", g.Branch, err)
	}
	return nil
}

// Head returns the checked-out commit hash.
func (g *GitPuller) Head() (string, error) {
	repo, err := git.PlainOpenWithOptions(g.RepoPath, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return "", fmt.Errorf("open repository %s: %w", g.RepoPath, err)
	}
	ref, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("read HEAD: %w", err)
	}
	return ref.Hash().String(), nil
}
