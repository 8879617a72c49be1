// Package fetch implements the bounded-concurrency HTTP client that
// downloads a revision's manifest and asset files to disk.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/aurorium/patchmirror/pkg/asset"
	"github.com/aurorium/patchmirror/pkg/manifest"
)

var tracer = otel.Tracer("github.com/aurorium/patchmirror/pkg/fetch")

// userAgent is sent on every request; the vendor's edge rejects unknown
// clients for some endpoints.
const userAgent = "KingsIsle Patcher"

// ErrNonPositiveConcurrency is returned by NewPipeline when
// concurrentDownloads is not a positive integer.
var ErrNonPositiveConcurrency = errors.New("concurrentDownloads must be positive")

// Config configures a Pipeline.
type Config struct {
	ConcurrentDownloads int64
	SaveRoot            string
	URLPrefix           string
	ListFileURL         string
	Revision            string
	HTTPClient          *http.Client
}

// Pipeline downloads one revision's manifest and asset files, bounding the
// number of concurrent transfers and reporting progress.
type Pipeline struct {
	cfg  Config
	sem  *semaphore.Weighted
	http *http.Client

	// Assets holds the AssetList populated by the most recent FetchIndex
	// call.
	Assets asset.List

	downloaded atomic.Int64
}

// NewPipeline validates cfg and returns a ready Pipeline.
func NewPipeline(cfg Config) (*Pipeline, error) {
	if cfg.ConcurrentDownloads <= 0 {
		return nil, ErrNonPositiveConcurrency
	}

	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	return &Pipeline{
		cfg:  cfg,
		sem:  semaphore.NewWeighted(cfg.ConcurrentDownloads),
		http: client,
	}, nil
}

// revisionDir returns <SaveRoot>/<Revision>.
func (p *Pipeline) revisionDir() string {
	return filepath.Join(p.cfg.SaveRoot, p.cfg.Revision)
}

// ProgressFunc is called once per asset after FetchFiles has finished
// attempting it, success or failure; err is fetchOne's result, nil on
// success.
type ProgressFunc func(filename string, delta int64, err error)

// FetchIndex retrieves LatestFileList.bin and its sibling
// LatestFileList.xml, sanitising and parsing the XML, and stores both
// files under the revision directory unless they already exist on disk.
// The XML on disk is parsed whenever at least one of the two files was
// fetched this cycle; when both were already present, parsing is skipped
// and FetchIndex leaves p.Assets as it was.
func (p *Pipeline) FetchIndex(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "fetch.Pipeline.FetchIndex",
		trace.WithAttributes(attribute.String("revision", p.cfg.Revision)))
	defer span.End()

	log := zerolog.Ctx(ctx)

	dir := p.revisionDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("error creating revision directory %s: %w", dir, err)
	}

	binPath := filepath.Join(dir, "LatestFileList.bin")

	binFetched, err := p.fetchIfMissing(ctx, binPath, p.cfg.ListFileURL)
	if err != nil {
		return err
	}

	xmlURL := strings.Replace(p.cfg.ListFileURL, ".bin", ".xml", 1)
	xmlPath := filepath.Join(dir, "LatestFileList.xml")

	xmlFetched, err := p.fetchIfMissing(ctx, xmlPath, xmlURL)
	if err != nil {
		return err
	}

	if !binFetched && !xmlFetched {
		log.Debug().Str("revision", p.cfg.Revision).Msg("index already present on disk, skipping parse")

		return nil
	}

	raw, err := os.ReadFile(xmlPath)
	if err != nil {
		return fmt.Errorf("error reading fetched manifest %s: %w", xmlPath, err)
	}

	sanitised, err := manifest.Sanitise(raw)
	if err != nil {
		return fmt.Errorf("error sanitising manifest: %w", err)
	}

	wads, utils, err := manifest.ParseManifest(sanitised)
	if err != nil {
		return fmt.Errorf("error parsing manifest: %w", err)
	}

	p.Assets = asset.List{Wads: wads, Utils: utils}

	if xmlFetched {
		if err := writeAtomic(p.tmpDir(), xmlPath, strings.NewReader(sanitised)); err != nil {
			return fmt.Errorf("error writing sanitised manifest: %w", err)
		}
	}

	return nil
}

// fetchIfMissing downloads url into dest unless dest already exists,
// returning whether a download actually occurred.
func (p *Pipeline) fetchIfMissing(ctx context.Context, dest, url string) (bool, error) {
	if _, err := os.Stat(dest); err == nil {
		return false, nil
	} else if !os.IsNotExist(err) {
		return false, fmt.Errorf("error checking for existing file %s: %w", dest, err)
	}

	if err := p.downloadTo(ctx, dest, url); err != nil {
		return false, err
	}

	return true, nil
}

// FetchFiles concurrently downloads assets, bounded by
// Config.ConcurrentDownloads. Already-present destinations are skipped.
// Per-file errors are logged and do not abort the batch. progress, if
// non-nil, is invoked after each asset finishes (success or failure).
func (p *Pipeline) FetchFiles(ctx context.Context, assets []asset.Asset, progress ProgressFunc) error {
	ctx, span := tracer.Start(ctx, "fetch.Pipeline.FetchFiles",
		trace.WithAttributes(
			attribute.String("revision", p.cfg.Revision),
			attribute.Int("count", len(assets)),
		))
	defer span.End()

	log := zerolog.Ctx(ctx)

	group, gctx := errgroup.WithContext(ctx)

	for _, a := range assets {
		a := a

		if err := p.sem.Acquire(gctx, 1); err != nil {
			return fmt.Errorf("error acquiring download slot: %w", err)
		}

		group.Go(func() error {
			defer p.sem.Release(1)

			err := p.fetchOne(gctx, a)
			if err != nil {
				log.Error().Err(err).Str("filename", a.Filename).Msg("failed to fetch asset")
			}

			p.downloaded.Add(1)

			if progress != nil {
				progress(a.Filename, 1, err)
			}

			return nil
		})
	}

	return group.Wait()
}

// Downloaded returns the number of files FetchFiles has finished
// attempting (success or failure) since the Pipeline was created.
func (p *Pipeline) Downloaded() int64 {
	return p.downloaded.Load()
}

func (p *Pipeline) fetchOne(ctx context.Context, a asset.Asset) error {
	dest := filepath.Join(p.revisionDir(), a.Filename)

	if _, err := os.Stat(dest); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("error checking for existing file %s: %w", dest, err)
	}

	url := p.cfg.URLPrefix + "/" + a.Filename

	return p.downloadTo(ctx, dest, url)
}

// downloadTo GETs url and streams the response body to dest via a
// temp-file-then-rename sequence, deleting the temp file on any failure so
// a partially written file is never visible at dest.
func (p *Pipeline) downloadTo(ctx context.Context, dest, url string) error {
	return Download(ctx, p.http, url, dest, p.tmpDir())
}

func (p *Pipeline) tmpDir() string {
	return filepath.Join(p.cfg.SaveRoot, ".tmp")
}

// Download GETs url with the vendor user agent and streams the response
// body to dest via a temp-file-then-rename sequence under tmpDir, deleting
// the temp file on any failure. It is the standalone primitive behind
// Pipeline's per-asset downloads, exported for callers — such as the
// mirror backup client — that fetch files outside of a revision-scoped
// Pipeline.
func Download(ctx context.Context, client *http.Client, url, dest, tmpDir string) error {
	if client == nil {
		client = http.DefaultClient
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("error creating parent directory for %s: %w", dest, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("error building request for %s: %w", url, err)
	}

	req.Header.Set("User-Agent", userAgent)

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("error fetching %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d fetching %s", resp.StatusCode, url)
	}

	return writeAtomic(tmpDir, dest, resp.Body)
}

// writeAtomic copies src into a temporary file under tmpDir, then renames
// it onto dest. The temporary file is removed on any failure so dest never
// observes a partial write.
func writeAtomic(tmpDir, dest string, src io.Reader) error {
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return fmt.Errorf("error creating temp directory %s: %w", tmpDir, err)
	}

	f, err := os.CreateTemp(tmpDir, filepath.Base(dest)+"-*")
	if err != nil {
		return fmt.Errorf("error creating temp file for %s: %w", dest, err)
	}

	if _, err := io.Copy(f, src); err != nil {
		f.Close()
		os.Remove(f.Name())

		return fmt.Errorf("error writing %s: %w", dest, err)
	}

	if err := f.Close(); err != nil {
		os.Remove(f.Name())

		return fmt.Errorf("error closing temp file for %s: %w", dest, err)
	}

	if err := os.Rename(f.Name(), dest); err != nil {
		os.Remove(f.Name())

		return fmt.Errorf("error renaming into place %s: %w", dest, err)
	}

	return nil
}
