// Package metrics records the OpenTelemetry instruments bridged through
// pkg/prometheus's meter provider: download outcomes, fetch-cycle
// duration, and the number of assets known to the revision store.
package metrics

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const otelPackageNameMetrics = "github.com/aurorium/patchmirror/pkg/metrics"

// Download result constants.
const (
	DownloadResultSuccess = "success"
	DownloadResultFailure = "failure"
	DownloadResultSkipped = "skipped"
)

var (
	//nolint:gochecknoglobals
	meter metric.Meter

	// downloadsTotal tracks every asset download attempt by outcome.
	//nolint:gochecknoglobals
	downloadsTotal metric.Int64Counter

	// fetchDuration tracks the wall-clock time of a full fetch cycle.
	//nolint:gochecknoglobals
	fetchDuration metric.Float64Histogram

	// knownAssets tracks the total number of assets across all revisions
	// currently held by the revision store.
	//nolint:gochecknoglobals
	knownAssets metric.Int64Gauge
)

//nolint:gochecknoinits
func init() {
	meter = otel.Meter(otelPackageNameMetrics)

	var err error

	downloadsTotal, err = meter.Int64Counter(
		"patchmirror_downloads_total",
		metric.WithDescription("Total number of asset download attempts by result"),
		metric.WithUnit("{download}"),
	)
	if err != nil {
		panic(err)
	}

	fetchDuration, err = meter.Float64Histogram(
		"patchmirror_fetch_duration_seconds",
		metric.WithDescription("Duration of a full orchestrator fetch cycle"),
		metric.WithUnit("s"),
	)
	if err != nil {
		panic(err)
	}

	knownAssets, err = meter.Int64Gauge(
		"patchmirror_known_assets",
		metric.WithDescription("Number of assets known across all revisions in the store"),
		metric.WithUnit("{asset}"),
	)
	if err != nil {
		panic(err)
	}
}

// RecordDownload records one asset download attempt. result should be one
// of the DownloadResult* constants.
func RecordDownload(ctx context.Context, result string) {
	if downloadsTotal == nil {
		return
	}

	downloadsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordFetchDuration records the duration, in seconds, of one fetch
// cycle.
func RecordFetchDuration(ctx context.Context, seconds float64) {
	if fetchDuration == nil {
		return
	}

	fetchDuration.Record(ctx, seconds)
}

// RecordKnownAssets records the current total number of assets across all
// revisions in the store.
func RecordKnownAssets(ctx context.Context, count int64) {
	if knownAssets == nil {
		return
	}

	knownAssets.Record(ctx, count)
}
