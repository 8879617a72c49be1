// Package orchestrator drives the patch-mirror's top-level control loop:
// either the periodic upstream-polling fetch cycle or, when configured as a
// backup client, the mirror-consumer state machine.
package orchestrator

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/inconshreveable/log15/v3"
	"github.com/robfig/cron/v3"

	"github.com/aurorium/patchmirror/pkg/asset"
	"github.com/aurorium/patchmirror/pkg/config"
	"github.com/aurorium/patchmirror/pkg/fetch"
	"github.com/aurorium/patchmirror/pkg/manifest"
	"github.com/aurorium/patchmirror/pkg/metrics"
	"github.com/aurorium/patchmirror/pkg/mirror"
	"github.com/aurorium/patchmirror/pkg/revision"
	"github.com/aurorium/patchmirror/pkg/wizproto"
)

// Orchestrator owns the revision store and backup file set and drives
// either the periodic fetch cycle (spec.md §4.9) or the backup-client state
// machine (§4.8), depending on cfg.IsBackupClient.
type Orchestrator struct {
	cfg         config.Config
	store       *revision.Store
	broadcaster *mirror.Broadcaster
	logger      log15.Logger
	httpClient  *http.Client
}

// New returns an Orchestrator. httpClient may be nil to use
// http.DefaultClient.
func New(cfg config.Config, store *revision.Store, broadcaster *mirror.Broadcaster, logger log15.Logger, httpClient *http.Client) *Orchestrator {
	return &Orchestrator{
		cfg:         cfg,
		store:       store,
		broadcaster: broadcaster,
		logger:      logger,
		httpClient:  httpClient,
	}
}

// Run blocks until ctx is cancelled, driving either the backup-client state
// machine or the periodic fetch cycle depending on configuration.
func (o *Orchestrator) Run(ctx context.Context) error {
	if o.cfg.IsBackupClient() {
		client := &mirror.BackupClient{
			PrimaryHost: o.cfg.MirrorHost,
			SaveRoot:    o.cfg.SaveDirectory,
			Store:       o.store,
			HTTPClient:  o.httpClient,
		}

		o.logger.Info("running as backup client", "primary", o.cfg.MirrorHost)

		return client.Run(ctx)
	}

	return o.runPeriodic(ctx)
}

// runPeriodic performs the optional forced initial-revision fetch, then one
// immediate cycle, then schedules further cycles every FetchInterval until
// ctx is cancelled.
func (o *Orchestrator) runPeriodic(ctx context.Context) error {
	if o.cfg.InitialRevision != "" {
		if err := o.RunOnce(ctx, o.cfg.InitialRevision); err != nil {
			o.logger.Error("initial revision fetch failed", "revision", o.cfg.InitialRevision, "error", err)
		}
	}

	sched := cron.New(cron.WithLocation(time.UTC))

	_, err := sched.AddFunc(fmt.Sprintf("@every %s", o.cfg.FetchInterval), func() {
		if err := o.RunOnce(ctx, ""); err != nil {
			o.logger.Error("fetch cycle failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("error scheduling fetch cycle: %w", err)
	}

	_, err = sched.AddFunc(fmt.Sprintf("@every %s", o.cfg.BroadcastInterval), func() {
		if err := o.broadcaster.Refresh(ctx, o.cfg.SaveDirectory); err != nil {
			o.logger.Error("mirror snapshot re-broadcast failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("error scheduling mirror re-broadcast: %w", err)
	}

	if err := o.RunOnce(ctx, ""); err != nil {
		o.logger.Error("fetch cycle failed", "error", err)
	}

	sched.Start()
	defer sched.Stop()

	<-ctx.Done()

	return ctx.Err()
}

// RunOnce performs one full fetch cycle (spec.md §4.9 steps 1-8), exported
// for the initial-revision force-fetch and for direct testing. When
// overrideName is non-empty, the handshake is still performed to obtain a
// current listFileUrl/urlPrefix, but the fetched revision is stored under
// overrideName instead of the handshake's discovered name.
func (o *Orchestrator) RunOnce(ctx context.Context, overrideName string) error {
	started := time.Now()

	info, err := wizproto.FetchLatest(ctx, o.cfg.UpstreamHost)
	if err != nil {
		return fmt.Errorf("error fetching patch info: %w", err)
	}

	name := info.Revision
	if overrideName != "" {
		name = overrideName
	}

	revNum, ok := revision.ParseRevisionNumber(name)
	if !ok {
		return fmt.Errorf("error parsing revision number from %q", name)
	}

	pipeline, err := fetch.NewPipeline(fetch.Config{
		ConcurrentDownloads: o.cfg.ConcurrentDownloads,
		SaveRoot:            o.cfg.SaveDirectory,
		URLPrefix:           info.URLPrefix,
		ListFileURL:         info.ListFileURL,
		Revision:            name,
		HTTPClient:          o.httpClient,
	})
	if err != nil {
		return fmt.Errorf("error constructing fetch pipeline: %w", err)
	}

	if err := pipeline.FetchIndex(ctx); err != nil {
		return fmt.Errorf("error fetching index for %s: %w", name, err)
	}

	revisionPath := filepath.Join(o.cfg.SaveDirectory, name)

	assets := pipeline.Assets
	if assets.Len() == 0 {
		// The index was already on disk from an earlier cycle (e.g. an
		// interrupted fetch of the same revision); FetchIndex only
		// re-parses a manifest it freshly downloaded, so read the
		// already-sanitised copy directly.
		var err error

		assets, err = loadExistingAssets(revisionPath)
		if err != nil {
			return fmt.Errorf("error loading existing manifest for %s: %w", name, err)
		}
	}

	prospective := revision.LocalRevision{
		Name:           name,
		RevisionNumber: revNum,
		Path:           revisionPath,
		Assets:         assets,
	}

	var reference *revision.LocalRevision
	if newest, ok := o.store.Newest(); ok {
		reference = &newest
	}

	diff, err := revision.Compare(prospective, reference, o.store)
	if err != nil {
		return fmt.Errorf("error comparing revision %s: %w", name, err)
	}

	o.store.Insert(prospective)

	if len(diff.New) > 0 {
		if err := pipeline.FetchFiles(ctx, diff.New, o.progress()); err != nil {
			return fmt.Errorf("error fetching new assets for %s: %w", name, err)
		}
	}

	if len(diff.Changed) > 0 {
		if err := pipeline.FetchFiles(ctx, diff.Changed, o.progress()); err != nil {
			return fmt.Errorf("error fetching changed assets for %s: %w", name, err)
		}
	}

	if err := o.broadcaster.Refresh(ctx, o.cfg.SaveDirectory); err != nil {
		return fmt.Errorf("error refreshing mirror snapshot: %w", err)
	}

	metrics.RecordFetchDuration(ctx, time.Since(started).Seconds())
	var knownAssets int
	for _, rev := range o.store.All() {
		knownAssets += rev.Assets.Len()
	}

	metrics.RecordKnownAssets(ctx, int64(knownAssets))

	o.logger.Info("fetch cycle complete",
		"revision", name,
		"new", len(diff.New),
		"changed", len(diff.Changed),
		"unchanged", len(diff.Unchanged),
		"removed", len(diff.Removed),
		"elapsed", time.Since(started),
	)

	return nil
}

func (o *Orchestrator) progress() fetch.ProgressFunc {
	return func(filename string, delta int64, err error) {
		result := metrics.DownloadResultSuccess
		if err != nil {
			result = metrics.DownloadResultFailure
		}

		metrics.RecordDownload(context.Background(), result)
	}
}

// loadExistingAssets reads and parses the manifest already present under
// revisionPath. The file was sanitised when originally written, but
// sanitising again is harmless (idempotent) and guards against a manifest
// written by an older build.
func loadExistingAssets(revisionPath string) (asset.List, error) {
	raw, err := os.ReadFile(filepath.Join(revisionPath, "LatestFileList.xml"))
	if err != nil {
		if os.IsNotExist(err) {
			return asset.List{}, nil
		}

		return asset.List{}, fmt.Errorf("error reading manifest: %w", err)
	}

	sanitised, err := manifest.Sanitise(raw)
	if err != nil {
		return asset.List{}, fmt.Errorf("error sanitising manifest: %w", err)
	}

	wads, utils, err := manifest.ParseManifest(sanitised)
	if err != nil {
		return asset.List{}, fmt.Errorf("error parsing manifest: %w", err)
	}

	return asset.List{Wads: wads, Utils: utils}, nil
}
