package lifecycle

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/p-arndt/werkstatt/internal/errdefs"
	"github.com/p-arndt/werkstatt/internal/runtime"
)

var validRepoDir = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,99}$`)

// repoDirName picks the checkout directory under the workspace mount: the
// repository id when given, otherwise the URL's last path element.
func repoDirName(repositoryID, repoURL string) (string, error) {
	name := repositoryID
	if name == "" {
		repoPath := strings.Trim(repoPathOf(repoURL), "/")
		if repoPath == "" {
			return "", &errdefs.ValidationError{Field: "repoUrl", Value: repoURL}
		}
		name = strings.TrimSuffix(path.Base(repoPath), ".git")
	}
	if !validRepoDir.MatchString(name) || strings.Contains(name, "..") {
		return "", &errdefs.ValidationError{Field: "repositoryId", Value: name}
	}
	return name, nil
}

// repoPathOf returns the repository path of a clone URL: the URL path for
// scheme URLs, the part after the colon for scp-like "host:path" forms and
// the input itself for local paths.
func repoPathOf(repoURL string) string {
	if u, err := url.Parse(repoURL); err == nil && u.Scheme != "" && u.Host != "" {
		return u.Path
	}
	if i := strings.Index(repoURL, ":"); i >= 0 && !strings.Contains(repoURL[:i], "/") {
		return repoURL[i+1:]
	}
	return repoURL
}

// prepareRepository clones repoURL into dir unless a checkout is already
// there. An existing checkout is left alone so checkpoint commits survive.
func (m *Manager) prepareRepository(ctx context.Context, ownerKey, dir, repoURL, branch string) error {
	probe, err := m.sandboxes.Exec(ctx, ownerKey, []string{"test", "-d", dir + "/.git"}, runtime.ExecOptions{})
	if err != nil {
		return err
	}
	if probe.Success() {
		return nil
	}

	argv := []string{"git", "clone", "--quiet"}
	if branch != "" {
		argv = append(argv, "--branch", branch)
	}
	argv = append(argv, "--", repoURL, dir)
	res, err := m.sandboxes.Exec(ctx, ownerKey, argv, runtime.ExecOptions{})
	if err != nil {
		return err
	}
	if !res.Success() {
		return fmt.Errorf("%w: git clone %s: exit %d: %s", errdefs.ErrExecutionFailed, repoURL, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	m.logger.Info("repository cloned", "owner_id", ownerKey, "repo", repoURL, "branch", branch, "dir", dir)
	return nil
}
