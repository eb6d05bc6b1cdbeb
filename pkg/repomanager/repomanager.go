// Package repomanager procures and introspects the working directories the
// Supervisor checks analyzer code out into: cloning an analyzer's declared
// git repository at a given commit, reading its manifest, and resetting a
// dirty tree back to clean ground before the next checkout.
package repomanager

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	git "github.com/libgit2/git2go/v34"
)

// ErrNotAGitRepo means the working directory a Repository was opened
// against is not a git repository at all (no .git, or libgit2 otherwise
// refuses to recognise it) — the original repomanager.py's distinction
// between "not a repo" and "a repo with nothing checked out yet".
var ErrNotAGitRepo = errors.New("repomanager: working directory is not a git repository")

// ErrNoCommit means the working directory is a git repository but HEAD
// resolves to no commit (an unborn branch): Procure succeeded opening it,
// but the checkout never completed or the repo is genuinely empty.
var ErrNoCommit = errors.New("repomanager: repository has no commit checked out")

// RepositoryError wraps a failure talking to git or the filesystem. Err
// may be ErrNotAGitRepo or ErrNoCommit for the two cases commit-time git
// resolution (§4.7's get_repo_info path) needs to tell apart from a
// generic I/O failure.
type RepositoryError struct {
	Op  string
	Err error
}

func (e *RepositoryError) Error() string {
	return fmt.Sprintf("repomanager: %s: %v", e.Op, e.Err)
}

func (e *RepositoryError) Unwrap() error {
	return e.Err
}

// NameNotAllowedError means an analyzer id is unsafe to use as a
// filesystem path component.
type NameNotAllowedError struct {
	AnalyzerID string
}

func (e *NameNotAllowedError) Error() string {
	return fmt.Sprintf("repomanager: analyzer id %q is not allowed as a path component", e.AnalyzerID)
}

var allowedName = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// Manifest is the ptocore.json file every analyzer repository must carry at
// its root, describing the module to the Supervisor.
type Manifest struct {
	CommandLine   []string `json:"command_line"`
	InputFormats  []string `json:"input_formats"`
	InputTypes    []string `json:"input_types"`
	OutputTypes   []string `json:"output_types"`
	OutputFormats []string `json:"output_formats"`
}

// Repository is a checked-out analyzer working directory, positioned at a
// specific commit.
type Repository interface {
	// URLAndCommit returns the repository's origin remote URL and its
	// current HEAD commit hash.
	URLAndCommit() (url, commit string, err error)
	// Path is the working directory on disk.
	Path() string
	// Close releases resources held open on the repository.
	Close()
}

type repository struct {
	path string
	repo *git.Repository
}

func (r *repository) Path() string {
	return r.path
}

func (r *repository) Close() {
	if r.repo != nil {
		r.repo.Free()
	}
}

func (r *repository) URLAndCommit() (string, string, error) {
	head, err := r.repo.Head()
	if err != nil {
		return "", "", &RepositoryError{Op: "resolving HEAD", Err: ErrNoCommit}
	}
	defer head.Free()

	remote, err := r.repo.Remotes.Lookup("origin")
	if err != nil {
		return "", "", &RepositoryError{Op: "looking up origin remote", Err: err}
	}
	defer remote.Free()

	return remote.Url(), head.Target().String(), nil
}

// Open opens an already-checked-out repository at path.
func Open(path string) (Repository, error) {
	repo, err := git.OpenRepository(path)
	if err != nil {
		return nil, &RepositoryError{Op: "opening repository", Err: fmt.Errorf("%w: %v", ErrNotAGitRepo, err)}
	}

	return &repository{path: path, repo: repo}, nil
}

// validateAnalyzerID rejects anything that is not a safe filesystem path
// component, preventing a malicious analyzer_id from escaping basePath via
// "../" or an absolute path.
func validateAnalyzerID(analyzerID string) error {
	if analyzerID == "" || !allowedName.MatchString(analyzerID) {
		return &NameNotAllowedError{AnalyzerID: analyzerID}
	}

	return nil
}

// Procure clones repoURL into basePath/analyzerID (replacing any existing
// checkout), checks out repoCommit, resets and cleans the tree, and reads
// back its ptocore.json manifest.
func Procure(basePath, analyzerID, repoURL, repoCommit string) (*Manifest, Repository, error) {
	if err := validateAnalyzerID(analyzerID); err != nil {
		return nil, nil, err
	}

	repoPath := filepath.Join(basePath, analyzerID)

	if _, err := os.Stat(repoPath); err == nil {
		if err := os.RemoveAll(repoPath); err != nil {
			return nil, nil, &RepositoryError{Op: "removing stale checkout", Err: err}
		}
	}

	repo, err := git.Clone(repoURL, repoPath, &git.CloneOptions{})
	if err != nil {
		return nil, nil, &RepositoryError{Op: "cloning " + repoURL, Err: err}
	}

	oid, err := git.NewOid(repoCommit)
	if err != nil {
		repo.Free()

		return nil, nil, &RepositoryError{Op: "parsing commit " + repoCommit, Err: err}
	}

	commit, err := repo.LookupCommit(oid)
	if err != nil {
		repo.Free()

		return nil, nil, &RepositoryError{Op: "looking up commit " + repoCommit, Err: err}
	}
	defer commit.Free()

	tree, err := commit.Tree()
	if err != nil {
		repo.Free()

		return nil, nil, &RepositoryError{Op: "resolving commit tree", Err: err}
	}
	defer tree.Free()

	if err := repo.CheckoutTree(tree, &git.CheckoutOptions{Strategy: git.CheckoutForce}); err != nil {
		repo.Free()

		return nil, nil, &RepositoryError{Op: "checking out tree", Err: err}
	}

	if err := repo.SetHeadDetached(oid); err != nil {
		repo.Free()

		return nil, nil, &RepositoryError{Op: "detaching HEAD", Err: err}
	}

	manifest, err := readManifest(repoPath)
	if err != nil {
		repo.Free()

		return nil, nil, err
	}

	return manifest, &repository{path: repoPath, repo: repo}, nil
}

func readManifest(repoPath string) (*Manifest, error) {
	b, err := os.ReadFile(filepath.Join(repoPath, "ptocore.json"))
	if err != nil {
		return nil, &RepositoryError{Op: "reading ptocore.json", Err: err}
	}

	var m Manifest
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, &RepositoryError{Op: "parsing ptocore.json", Err: err}
	}

	return &m, nil
}

// Clean resets repo to HEAD and removes untracked and ignored files,
// restoring the tree to the state a fresh checkout would have.
func Clean(repo Repository) error {
	r, ok := repo.(*repository)
	if !ok {
		return &RepositoryError{Op: "reset", Err: fmt.Errorf("not a repomanager repository")}
	}

	head, err := r.repo.Head()
	if err != nil {
		return &RepositoryError{Op: "resolving HEAD", Err: err}
	}
	defer head.Free()

	commit, err := r.repo.LookupCommit(head.Target())
	if err != nil {
		return &RepositoryError{Op: "looking up HEAD commit", Err: err}
	}
	defer commit.Free()

	if err := r.repo.ResetToCommit(commit, git.ResetHard, &git.CheckoutOptions{Strategy: git.CheckoutForce | git.CheckoutRemoveUntracked | git.CheckoutRemoveIgnored}); err != nil {
		return &RepositoryError{Op: "hard reset", Err: err}
	}

	return nil
}
