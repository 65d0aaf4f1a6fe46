// Package sqlstore persists goal-run snapshots and payment requests in MySQL or
// SQLite. Schema changes ship as embedded SQL migrations under
// deploy/migrations/<dialect> and are applied on open.
package sqlstore
