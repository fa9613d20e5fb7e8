package consts

// ReconcileLockNamespace is the classifier passed as the first argument of
// pg_advisory_xact_lock(int, int) for per-account reconciliation locks.
// The second argument is the account id, limiting reconciliation to one
// in-flight pass per account.
const ReconcileLockNamespace = 52181

// SchemaLockID serializes schema creation when several instances start
// against the same database at once.
const SchemaLockID = 52180
