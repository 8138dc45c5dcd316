package storage

// Package storage persists the engine's durable state:
//   - Append-only credit ledger
//   - Job records (retained for audit, never deleted here)
//   - Price table, ban set, user registry
//   - Broadcast checkpoints (per-target delivery outcomes)
