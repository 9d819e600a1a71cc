// Package archive exposes the HTTP API for browsing and retrieving archived
// recordings: date listings, per-date file listings, inline streaming and
// download of individual recordings, plus service statistics and Prometheus
// metrics. Browsing endpoints sit behind HTTP basic auth with credentials
// taken from the environment; health and metrics stay open for monitoring.
package archive
