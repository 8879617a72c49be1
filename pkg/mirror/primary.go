// Package mirror implements both sides of the patch-mirror replication
// protocol: the primary's SSE file-list advertisement and the backup
// client's state machine that consumes it.
package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
)

// ComputeSnapshot walks saveRoot depth-first and returns every regular
// file's path relative to saveRoot, slash-normalised. Directories yield no
// entry of their own.
func ComputeSnapshot(saveRoot string) ([]string, error) {
	var files []string

	err := filepath.WalkDir(saveRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(saveRoot, path)
		if err != nil {
			return fmt.Errorf("error computing relative path for %s: %w", path, err)
		}

		files = append(files, filepath.ToSlash(rel))

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("error walking %s: %w", saveRoot, err)
	}

	return files, nil
}

// Broadcaster holds the most recently computed file-list snapshot and
// fans it out to every subscribed SSE connection. The orchestrator calls
// Refresh after each successful fetch cycle; the HTTP layer's /mirror
// handler calls Subscribe per incoming connection.
type Broadcaster struct {
	mu       sync.RWMutex
	snapshot []string

	subMu       sync.Mutex
	subscribers map[chan []string]struct{}
}

// NewBroadcaster returns an empty Broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subscribers: make(map[chan []string]struct{})}
}

// Refresh recomputes the snapshot by walking saveRoot and pushes it to
// every current subscriber. Subscribers that are not ready to receive are
// skipped for this round rather than blocking the refresh.
func (b *Broadcaster) Refresh(ctx context.Context, saveRoot string) error {
	snapshot, err := ComputeSnapshot(saveRoot)
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.snapshot = snapshot
	b.mu.Unlock()

	zerolog.Ctx(ctx).Debug().Int("files", len(snapshot)).Msg("refreshed mirror snapshot")

	b.subMu.Lock()
	defer b.subMu.Unlock()

	for ch := range b.subscribers {
		select {
		case ch <- snapshot:
		default:
		}
	}

	return nil
}

// Snapshot returns the most recently computed file list.
func (b *Broadcaster) Snapshot() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.snapshot
}

// Subscribe registers a channel that receives every future Refresh
// snapshot, and returns an unsubscribe func the caller must invoke on
// disconnect.
func (b *Broadcaster) Subscribe() (<-chan []string, func()) {
	ch := make(chan []string, 1)

	b.subMu.Lock()
	b.subscribers[ch] = struct{}{}
	b.subMu.Unlock()

	unsubscribe := func() {
		b.subMu.Lock()
		delete(b.subscribers, ch)
		b.subMu.Unlock()
		close(ch)
	}

	return ch, unsubscribe
}

// MarshalSnapshot renders a snapshot as the JSON array the SSE event data
// payload carries.
func MarshalSnapshot(files []string) ([]byte, error) {
	if files == nil {
		files = []string{}
	}

	out, err := json.Marshal(files)
	if err != nil {
		return nil, fmt.Errorf("error marshalling snapshot: %w", err)
	}

	return out, nil
}
