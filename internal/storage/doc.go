package storage

// Package storage persists the scheduler's durable state:
//   - Exclusion records (recently pinned collections, with expiry)
//   - Exemption records (collections the user forbade from selection)
//   - Tick audit appends (one row per reconciliation outcome)
