// Package asset manages synthesized audio clips on local disk. Clips are
// written once, served to the signaling layer over HTTP, and swept after a
// TTL so failed or abandoned turns cannot leak files indefinitely.
package asset

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Store writes and expires audio clips under a single public directory.
type Store struct {
	dir     string
	baseURL string
	ttl     time.Duration
}

// NewStore prepares the clip directory. baseURL is the externally reachable
// prefix clips are served from, e.g. "https://host/audio".
func NewStore(dir, baseURL string, ttl time.Duration) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("asset: dir must not be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("asset: create dir: %w", err)
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Store{
		dir:     dir,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		ttl:     ttl,
	}, nil
}

// Dir returns the directory clips are stored in, for HTTP file serving.
func (s *Store) Dir() string { return s.dir }

// SaveClip persists one synthesized clip and returns its file name. The name
// is random so clip URLs are not guessable across calls.
func (s *Store) SaveClip(data []byte, ext string) (string, error) {
	ext = strings.TrimPrefix(ext, ".")
	if ext == "" {
		ext = "mp3"
	}
	name := uuid.NewString() + "." + ext
	path := filepath.Join(s.dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("asset: write clip: %w", err)
	}
	return name, nil
}

// URL returns the public URL for a stored clip name.
func (s *Store) URL(name string) string {
	return s.baseURL + "/" + name
}

// Remove deletes a clip. Missing files are not an error; the janitor may have
// swept first.
func (s *Store) Remove(name string) error {
	err := os.Remove(filepath.Join(s.dir, filepath.Base(name)))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("asset: remove clip: %w", err)
	}
	return nil
}

// RunJanitor sweeps expired clips until ctx is cancelled. It blocks and is
// meant to run in its own goroutine or errgroup.
func (s *Store) RunJanitor(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Store) sweep() {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		slog.Warn("asset sweep: read dir failed", "dir", s.dir, "err", err)
		return
	}
	cutoff := time.Now().Add(-s.ttl)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil {
			slog.Warn("asset sweep: remove failed", "file", e.Name(), "err", err)
		}
	}
}
