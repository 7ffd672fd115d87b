package api

import (
	"fmt"
	"regexp"
)

// idPattern matches owner, thread and sandbox ids. Owner ids become
// workspace directory names, so the set stays path-safe.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9@._~+-]{0,127}$`)

// sessionIDPattern is owner:name.
var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9@._~+-]{0,127}:[A-Za-z0-9_-]{1,64}$`)

func validateID(field, id string) error {
	if id == "" {
		return fmt.Errorf("%s is required", field)
	}
	if !idPattern.MatchString(id) {
		return fmt.Errorf("%s must be 1-128 characters of letters, digits and @._~+- and start with a letter or digit", field)
	}
	return nil
}

func validateSessionID(id string) error {
	if !sessionIDPattern.MatchString(id) {
		return fmt.Errorf("session id must look like <owner>:<name>")
	}
	return nil
}

func validateEnsureThreadRequest(req ensureThreadRequest) error {
	if err := validateID("owner_id", req.OwnerID); err != nil {
		return err
	}
	if req.RepositoryID != "" {
		if err := validateID("repository_id", req.RepositoryID); err != nil {
			return err
		}
	}
	if len(req.RepoURL) > 2048 {
		return fmt.Errorf("repo_url must not exceed 2048 characters")
	}
	if req.Branch != "" && req.RepoURL == "" {
		return fmt.Errorf("branch requires repo_url")
	}
	return nil
}

func validateSendCommandRequest(req sendCommandRequest) error {
	if req.Command == "" {
		return fmt.Errorf("command is required")
	}
	if len(req.Command) > 64*1024 {
		return fmt.Errorf("command must not exceed 65536 bytes")
	}
	return nil
}

// validateLines bounds the capture size for output and logs queries.
func validateLines(field string, n int) error {
	if n < 0 {
		return fmt.Errorf("%s must be non-negative", field)
	}
	if n > 10000 {
		return fmt.Errorf("%s must not exceed 10000", field)
	}
	return nil
}
