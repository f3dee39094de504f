// Package state persists pipeline progress in SQLite.
//
// A run is keyed by the hash of its discovered input set and carries a
// generation counter bumped on every invocation. Each stage records its
// status, input hash, attempt count and output; each work unit records its
// status, attempts and last failure. Work units move through
// claim-then-execute-then-commit: Claim is a single conditional UPDATE so a
// unit can never be claimed twice, and Commit/Fail only succeed while the
// caller still holds the claim token.
//
// WAL journaling and transactional updates keep the record readable after a
// process kill. Open verifies integrity and reports an untrustworthy record
// as services.ErrStateCorruption.
package state
