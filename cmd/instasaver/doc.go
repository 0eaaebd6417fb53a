// Package main hosts the insta-saver service entrypoint.
//
// Architecture overview:
//   - Intake: the Telegram long-polling bot (internal/bot) hands Instagram links to internal/intake, which writes a
//     PENDING record to Postgres, upserts the user row, and nudges the reconciler.
//   - Dispatch: internal/reconciler keeps the Redis queue in agreement with PENDING records. On startup the queue is
//     drained and rebuilt from the store; afterwards a pass runs every reconciler.interval_ms or on nudge.
//   - Workers: a fixed pool (worker.concurrency) claims each job with a conditional PENDING -> PROCESSING write,
//     scrapes with colly (falling back to chromedp), delivers via the rate-limited notifier, then deletes the record
//     and bumps the metrics row. Failures requeue with retry_count + 1 until retry.cap, then evict.
//   - Hygiene: internal/janitor purges finished queue metadata; internal/reaper returns records stuck in PROCESSING
//     past reaper.stale_after_ms to PENDING.
//   - Optional: delivered results are archived to memory/local/GCS and lifecycle events go to Pub/Sub when
//     pubsub.project_id is set.
//
// Quick checklist:
//   - Configure env vars: DATABASE_URL, REDIS_ADDR, TELEGRAM_TOKEN, PORT, or any SAVER_-prefixed key
//     (SAVER_WORKER_CONCURRENCY, SAVER_RETRY_CAP, ...). A .env file is read when present.
//   - Create the schema: instasaver migrate.
//   - Run: instasaver serve [--config config.yaml].
package main
