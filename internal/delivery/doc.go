// Package delivery ships finished artifacts to configured targets through a
// bounded worker pool. Enqueue is idempotent per item so a re-run of the
// deliver step cannot double-ship; each job fans out to every configured
// (target, profile) pair and succeeds when at least one lands.
package delivery
