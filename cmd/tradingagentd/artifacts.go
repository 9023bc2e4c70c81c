package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// fileArtifacts implements agents/architect.ArtifactWriter,
// agents/coder.ArtifactStore, and agents/debugger.ArtifactReader against a
// plain directory tree rooted at dir. It is the filesystem-backed default
// for the "original artifact path" the workflow engine threads through
// retries and branches — a real deployment can swap it for an object-store
// client without the agent packages changing, since all three are defined
// against function types and a two-method interface rather than this
// concrete type.
type fileArtifacts struct {
	dir string
}

func newFileArtifacts(dir string) (*fileArtifacts, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("artifacts: create root %s: %w", dir, err)
	}
	return &fileArtifacts{dir: dir}, nil
}

// Read implements both coder.ArtifactStore and debugger.ArtifactReader.
func (a *fileArtifacts) Read(_ context.Context, path string) (string, error) {
	data, err := os.ReadFile(a.resolve(path))
	if err != nil {
		return "", fmt.Errorf("artifacts: read %s: %w", path, err)
	}
	return string(data), nil
}

// Write implements coder.ArtifactStore. originalPath, when non-empty, means
// this is a fix task whose output must overwrite the same artifact the
// workflow has been iterating on, rather than start a fresh one.
func (a *fileArtifacts) Write(_ context.Context, workflowID, taskID, originalPath, content string) (string, error) {
	path := originalPath
	if path == "" {
		path = filepath.Join(workflowID, taskID+".py")
	}
	full := a.resolve(path)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("artifacts: create dir for %s: %w", path, err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("artifacts: write %s: %w", path, err)
	}
	return path, nil
}

// WriteContract implements architect.ArtifactWriter. The architect's output
// is a contract document, not code, so it is always a fresh path keyed by
// task id — there is no "fix" variant of an architect task.
func (a *fileArtifacts) WriteContract(ctx context.Context, workflowID, taskID, contract string) (string, error) {
	return a.Write(ctx, workflowID, taskID, "", contract)
}

func (a *fileArtifacts) resolve(path string) string {
	return filepath.Join(a.dir, filepath.Clean(string(filepath.Separator)+path))
}
