package oliver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/go-github/v66/github"
)

const mirrorCommitMessage = "update conversation snapshot"

// githubContentsClient is the subset of the GitHub repository contents API
// the mirror uses. It exists so tests can swap in a mock, the same way the
// model client is abstracted.
type githubContentsClient interface {
	GetContents(
		ctx context.Context,
		owner string,
		repo string,
		path string,
		opts *github.RepositoryContentGetOptions,
	) (*github.RepositoryContent, []*github.RepositoryContent, *github.Response, error)

	CreateFile(
		ctx context.Context,
		owner string,
		repo string,
		path string,
		opts *github.RepositoryContentFileOptions,
	) (*github.RepositoryContentResponse, *github.Response, error)

	UpdateFile(
		ctx context.Context,
		owner string,
		repo string,
		path string,
		opts *github.RepositoryContentFileOptions,
	) (*github.RepositoryContentResponse, *github.Response, error)
}

// Mirror pushes the snapshot file to a GitHub repository using the
// contents API: fetch the existing file's SHA (the version token), then
// create-or-update with that SHA so a concurrent writer surfaces as a
// conflict instead of a silent overwrite.
type Mirror struct {
	client githubContentsClient
	owner  string
	repo   string
	branch string
	path   string
	logger *slog.Logger
}

// NewMirror creates a Mirror from the given config. Returns nil when the
// mirror is disabled.
func NewMirror(config *MirrorConfig, logger *slog.Logger) *Mirror {
	if config == nil || !config.Enabled {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	client := github.NewClient(nil).WithAuthToken(config.Token)
	branch := config.Branch
	if branch == "" {
		branch = DefaultMirrorBranch
	}
	return &Mirror{
		client: client.Repositories,
		owner:  config.Owner,
		repo:   config.Repo,
		branch: branch,
		path:   config.Path,
		logger: logger.With(loggerNameKey, "mirror"),
	}
}

// Sync writes content to the remote file. On a version conflict (the SHA
// changed between read and write) it re-fetches the SHA and retries once
// before giving up.
func (m *Mirror) Sync(ctx context.Context, content []byte) error {
	err := m.put(ctx, content)
	if err == nil {
		return nil
	}
	if !isMirrorConflict(err) {
		return err
	}
	m.logger.WarnContext(
		ctx,
		"mirror version conflict, retrying once",
		"path", m.path,
	)
	return m.put(ctx, content)
}

func (m *Mirror) put(ctx context.Context, content []byte) error {
	sha, found, err := m.currentSHA(ctx)
	if err != nil {
		return fmt.Errorf("error fetching mirror file: %w", err)
	}

	opts := &github.RepositoryContentFileOptions{
		Message: github.String(mirrorCommitMessage),
		Content: content,
		Branch:  github.String(m.branch),
	}

	if !found {
		_, _, err = m.client.CreateFile(ctx, m.owner, m.repo, m.path, opts)
		if err != nil {
			return fmt.Errorf("error creating mirror file: %w", err)
		}
		m.logger.InfoContext(ctx, "created mirror file", "path", m.path)
		return nil
	}

	opts.SHA = github.String(sha)
	_, _, err = m.client.UpdateFile(ctx, m.owner, m.repo, m.path, opts)
	if err != nil {
		return fmt.Errorf("error updating mirror file: %w", err)
	}
	m.logger.DebugContext(ctx, "updated mirror file", "path", m.path)
	return nil
}

// currentSHA returns the remote file's SHA, with found=false when the file
// doesn't exist yet.
func (m *Mirror) currentSHA(ctx context.Context) (string, bool, error) {
	fileContent, _, resp, err := m.client.GetContents(
		ctx,
		m.owner,
		m.repo,
		m.path,
		&github.RepositoryContentGetOptions{Ref: m.branch},
	)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return "", false, nil
		}
		return "", false, err
	}
	if fileContent == nil {
		return "", false, errors.New("mirror path is not a file")
	}
	return fileContent.GetSHA(), true, nil
}

// isMirrorConflict reports whether err is the contents API telling us the
// SHA we sent is stale.
func isMirrorConflict(err error) bool {
	var errResp *github.ErrorResponse
	if !errors.As(err, &errResp) {
		return false
	}
	if errResp.Response == nil {
		return false
	}
	switch errResp.Response.StatusCode {
	case http.StatusConflict, http.StatusUnprocessableEntity:
		return true
	}
	return false
}
