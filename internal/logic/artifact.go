// Package logic tracks the task-executor artifact that workers keep in sync
// via check_version.
package logic

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"sync"
	"time"
)

// Artifact is a content-addressed executor file.
type Artifact struct {
	Hash    string
	Content []byte
}

// HashContent returns the hex SHA-256 of content.
func HashContent(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// NewArtifact wraps content with its hash.
func NewArtifact(content []byte) Artifact {
	return Artifact{Hash: HashContent(content), Content: content}
}

// Source holds the currently loaded artifact. The zero value has no artifact.
type Source struct {
	mu      sync.RWMutex
	path    string
	current *Artifact

	// stat of the file when it was last read
	modTime time.Time
	size    int64
}

// Load reads the artifact at path. An empty path yields a Source with no artifact.
func Load(path string) (*Source, error) {
	s := &Source{path: path}
	if path == "" {
		return s, nil
	}
	if _, err := s.Refresh(); err != nil {
		return nil, err
	}
	return s, nil
}

// Refresh rereads the file the Source was loaded from if its modification
// time or size changed since the last read. It reports whether the artifact
// was replaced. On error the previous artifact stays current.
func (s *Source) Refresh() (bool, error) {
	if s.path == "" {
		return false, nil
	}
	info, err := os.Stat(s.path)
	if err != nil {
		return false, fmt.Errorf("failed to stat logic file %s: %w", s.path, err)
	}

	s.mu.RLock()
	unchanged := s.current != nil && info.ModTime().Equal(s.modTime) && info.Size() == s.size
	s.mu.RUnlock()
	if unchanged {
		return false, nil
	}

	content, err := os.ReadFile(s.path)
	if err != nil {
		return false, fmt.Errorf("failed to read logic file %s: %w", s.path, err)
	}
	a := NewArtifact(content)
	s.mu.Lock()
	s.current = &a
	s.modTime = info.ModTime()
	s.size = info.Size()
	s.mu.Unlock()
	return true, nil
}

// Set replaces the current artifact.
func (s *Source) Set(content []byte) {
	a := NewArtifact(content)
	s.mu.Lock()
	s.current = &a
	s.mu.Unlock()
}

// Current returns the loaded artifact, or false if none is loaded.
func (s *Source) Current() (Artifact, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return Artifact{}, false
	}
	return *s.current, true
}

// Check compares a worker-reported hash with the current artifact. It returns
// the artifact to push when they differ, or false when the worker is up to date
// or nothing is loaded.
func (s *Source) Check(workerHash string) (Artifact, bool) {
	a, ok := s.Current()
	if !ok || a.Hash == workerHash {
		return Artifact{}, false
	}
	return a, true
}
