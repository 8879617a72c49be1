package mirror

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aurorium/patchmirror/pkg/fetch"
	"github.com/aurorium/patchmirror/pkg/revision"
)

// State names the backup client's position in its connection state
// machine.
type State int

const (
	Disconnected State = iota
	Awaiting
	Streaming
	Fetching
	Backoff
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Awaiting:
		return "awaiting"
	case Streaming:
		return "streaming"
	case Fetching:
		return "fetching"
	case Backoff:
		return "backoff"
	default:
		return "unknown"
	}
}

// reconnectBackoff is the backup client's only retry policy: on any
// stream error, wait this long and reconnect.
const reconnectBackoff = 10 * time.Second

// BackupClient connects to a primary's /mirror SSE endpoint, downloads
// every file the primary advertises that is not already present locally,
// and reruns the revision store's InitAll after each advertised batch to
// pick up newly arrived revisions.
type BackupClient struct {
	PrimaryHost string
	SaveRoot    string
	Store       *revision.Store
	HTTPClient  *http.Client

	state State
}

// State returns the client's current state-machine position.
func (c *BackupClient) State() State { return c.state }

// Run drives the state machine until ctx is cancelled. It never returns
// an error for transient stream failures — those trigger the backoff and
// reconnect — only for ctx cancellation.
func (c *BackupClient) Run(ctx context.Context) error {
	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	log := zerolog.Ctx(ctx)

	for {
		c.state = Disconnected

		if ctx.Err() != nil {
			return ctx.Err()
		}

		c.state = Awaiting

		if err := c.streamOnce(ctx, client, log); err != nil {
			log.Warn().Err(err).Str("primary", c.PrimaryHost).Msg("mirror stream failed, backing off")

			c.state = Backoff

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(reconnectBackoff):
			}
		}
	}
}

// streamOnce opens one SSE connection to the primary and processes events
// until the stream ends or ctx is cancelled.
func (c *BackupClient) streamOnce(ctx context.Context, client *http.Client, log *zerolog.Logger) error {
	url := fmt.Sprintf("http://%s/mirror", c.PrimaryHost)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("error building request for %s: %w", url, err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("error connecting to %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d connecting to %s", resp.StatusCode, url)
	}

	c.state = Streaming

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		line := scanner.Text()

		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}

		var files []string
		if err := json.Unmarshal([]byte(data), &files); err != nil {
			log.Warn().Err(err).Msg("discarding malformed mirror event")

			continue
		}

		c.state = Fetching

		c.fetchMissing(ctx, client, files, log)

		if err := c.Store.InitAll(ctx, c.SaveRoot); err != nil {
			log.Error().Err(err).Msg("error reinitialising revision store after mirror batch")
		}

		c.state = Streaming
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading mirror stream: %w", err)
	}

	return fmt.Errorf("mirror stream from %s closed", c.PrimaryHost)
}

// fetchMissing downloads every path in files not already present under
// SaveRoot, using the fetch package's atomic download primitive against
// the primary's raw file-serving route.
func (c *BackupClient) fetchMissing(ctx context.Context, client *http.Client, files []string, log *zerolog.Logger) {
	tmpDir := filepath.Join(c.SaveRoot, ".tmp")

	for _, rel := range files {
		dest, ok := containedDest(c.SaveRoot, rel)
		if !ok {
			log.Warn().Str("path", rel).Msg("discarding mirrored path outside save root")

			continue
		}

		if _, err := os.Stat(dest); err == nil {
			continue
		}

		url := fmt.Sprintf("http://%s/mirror/files/%s", c.PrimaryHost, rel)

		if err := fetch.Download(ctx, client, url, dest, tmpDir); err != nil {
			log.Error().Err(err).Str("path", rel).Msg("failed to fetch mirrored file")
		}
	}
}

// containedDest joins rel (a path advertised by the primary over the
// mirror stream) onto root and rejects anything that escapes root via
// ".." segments or an absolute path, so a malicious or buggy primary
// cannot direct the backup client to write outside its save directory.
func containedDest(root, rel string) (string, bool) {
	if filepath.IsAbs(rel) {
		return "", false
	}

	cleanRel := filepath.Clean(filepath.FromSlash(rel))
	if cleanRel == ".." || strings.HasPrefix(cleanRel, ".."+string(filepath.Separator)) {
		return "", false
	}

	root = filepath.Clean(root)
	dest := filepath.Join(root, cleanRel)

	if dest != root && !strings.HasPrefix(dest, root+string(filepath.Separator)) {
		return "", false
	}

	return dest, true
}
