// Package main hosts the scan engine service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, metrics, circuit
//     management, scan lifecycle, bot activation, and watchlist endpoints.
//   - Circuits: internal/circuit provisions relay containers through the
//     Docker API, binds a random local SOCKS port, and waits until the
//     circuit resolves a distinct exit address before exposing it.
//   - Activation: internal/activate drives the login/challenge loop per
//     bot: fetch the challenge image, read it through a vision model,
//     submit the six-character code, and persist the earned session.
//   - Scans: internal/scan executes the three-stage pipeline. Pagination
//     scans compute batch partitions, listing scans harvest post rows
//     across the bot pool, detail scans fetch, archive, translate, and
//     classify individual posts. Each batch commits in its own
//     transaction; a failed batch stops the scan, otherwise it completes.
//   - Watchlist: internal/watch polls tracked profiles on
//     priority-derived cron schedules and stores snapshots.
//   - Persistence & fanout: scans, bots, items, and snapshots live in
//     Postgres (or the in-memory store when no DSN is configured); raw
//     pages land in the configured archive (local/GCS); terminal scan
//     events are published via Pub/Sub when configured.
//   - Configuration & plumbing: Viper populates config from env/files
//     with the SCANENGINE prefix; zap provides structured logging;
//     Prometheus metrics are exported on /metrics.
//
// Run locally: go run ./cmd/scanengine -config config.yaml (or rely on
// env overrides). The process reacts to SIGTERM with a graceful drain:
// HTTP first, then running scans, then the progress hub.
package main
