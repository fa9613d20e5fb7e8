package consts

// ContextKey is a custom type for context keys to avoid collisions between
// packages.
type ContextKey string

// UseMasterDBKey signals the database layer to run a read on the primary
// (write) pool, bypassing the replica. Required for read-your-writes
// consistency between sync phases.
const UseMasterDBKey = ContextKey("use_master")
