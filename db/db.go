package db

import (
	"context"
	_ "embed"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/ternmail/tern/config"
	"github.com/ternmail/tern/consts"
	"github.com/ternmail/tern/logger"
	"github.com/ternmail/tern/pkg/metrics"
)

//go:embed schema.sql
var schema string

// Database wraps a write pool and an optional read pool. When no read
// replica is configured both fields point at the same pool.
type Database struct {
	WritePool *pgxpool.Pool
	ReadPool  *pgxpool.Pool
}

// NewDatabaseFromConfig creates the connection pools and applies the schema.
func NewDatabaseFromConfig(ctx context.Context, dbConfig *config.DatabaseConfig) (*Database, error) {
	if dbConfig.Write == nil {
		return nil, fmt.Errorf("write database configuration is required")
	}

	writePool, err := createPoolFromEndpoint(ctx, dbConfig.Write, "write")
	if err != nil {
		return nil, fmt.Errorf("failed to create write pool: %w", err)
	}

	var readPool *pgxpool.Pool
	if dbConfig.Read != nil {
		readPool, err = createPoolFromEndpoint(ctx, dbConfig.Read, "read")
		if err != nil {
			writePool.Close()
			return nil, fmt.Errorf("failed to create read pool: %w", err)
		}
	} else {
		logger.Info("Database: no read configuration specified, using write pool for reads")
		readPool = writePool
	}

	db := &Database{
		WritePool: writePool,
		ReadPool:  readPool,
	}

	if err := db.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

func createPoolFromEndpoint(ctx context.Context, endpoint *config.DatabaseEndpointConfig, poolType string) (*pgxpool.Pool, error) {
	if len(endpoint.Hosts) == 0 {
		return nil, fmt.Errorf("at least one host must be specified")
	}

	selectedHost := endpoint.Hosts[rand.Intn(len(endpoint.Hosts))]

	port := endpoint.Port
	if port == 0 {
		port = 5432
	}

	sslMode := "disable"
	if endpoint.TLSMode {
		sslMode = "require"
	}

	connString := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		endpoint.User, endpoint.Password, selectedHost, port, endpoint.Name, sslMode)

	logger.Info("Database: connecting", "role", poolType, "host", selectedHost, "name", endpoint.Name, "sslmode", sslMode)

	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}

	if endpoint.MaxConns > 0 {
		poolConfig.MaxConns = int32(endpoint.MaxConns)
	}
	if endpoint.MinConns > 0 {
		poolConfig.MinConns = int32(endpoint.MinConns)
	}
	if lifetime, err := endpoint.GetMaxConnLifetime(); err == nil {
		poolConfig.MaxConnLifetime = lifetime
	} else {
		return nil, fmt.Errorf("invalid max_conn_lifetime: %w", err)
	}
	if idleTime, err := endpoint.GetMaxConnIdleTime(); err == nil {
		poolConfig.MaxConnIdleTime = idleTime
	} else {
		return nil, fmt.Errorf("invalid max_conn_idle_time: %w", err)
	}

	dbPool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := dbPool.Ping(ctx); err != nil {
		dbPool.Close()
		return nil, fmt.Errorf("failed to connect to the database: %w", err)
	}

	return dbPool, nil
}

func (db *Database) Close() {
	if db.WritePool != nil {
		db.WritePool.Close()
	}
	if db.ReadPool != nil && db.ReadPool != db.WritePool {
		db.ReadPool.Close()
	}
}

// migrate applies the embedded schema under an advisory lock so several
// instances starting at once do not race on DDL.
func (db *Database) migrate(ctx context.Context) error {
	tx, err := db.WritePool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", consts.ErrDBBeginTransactionFailed, err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", consts.SchemaLockID); err != nil {
		return fmt.Errorf("failed to acquire schema lock: %w", err)
	}
	if _, err := tx.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return tx.Commit(ctx)
}

func (db *Database) GetWritePool() *pgxpool.Pool {
	return db.WritePool
}

func (db *Database) GetReadPool() *pgxpool.Pool {
	return db.ReadPool
}

// GetReadPoolWithContext returns the pool for read operations, honoring
// session pinning for read-after-write consistency.
func (db *Database) GetReadPoolWithContext(ctx context.Context) *pgxpool.Pool {
	if useMaster, ok := ctx.Value(consts.UseMasterDBKey).(bool); ok && useMaster {
		return db.WritePool
	}
	return db.ReadPool
}

// StartPoolMetrics starts a goroutine that periodically exports connection
// pool gauges until the context is cancelled.
func (db *Database) StartPoolMetrics(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				db.collectPoolStats()
			}
		}
	}()
}

func (db *Database) collectPoolStats() {
	if db.WritePool != nil {
		stats := db.WritePool.Stat()
		metrics.DBPoolTotalConns.WithLabelValues("write").Set(float64(stats.TotalConns()))
		metrics.DBPoolIdleConns.WithLabelValues("write").Set(float64(stats.IdleConns()))
		metrics.DBPoolInUseConns.WithLabelValues("write").Set(float64(stats.AcquiredConns()))
	}
	if db.ReadPool != nil && db.ReadPool != db.WritePool {
		stats := db.ReadPool.Stat()
		metrics.DBPoolTotalConns.WithLabelValues("read").Set(float64(stats.TotalConns()))
		metrics.DBPoolIdleConns.WithLabelValues("read").Set(float64(stats.IdleConns()))
		metrics.DBPoolInUseConns.WithLabelValues("read").Set(float64(stats.AcquiredConns()))
	}
}

// measuredTx wraps a pgx.Tx to record metrics on commit or rollback.
type measuredTx struct {
	pgx.Tx
	start time.Time
}

// BeginTx starts a new write transaction wrapped for metric collection.
func (db *Database) BeginTx(ctx context.Context) (pgx.Tx, error) {
	tx, err := db.GetWritePool().Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", consts.ErrDBBeginTransactionFailed, err)
	}

	return &measuredTx{
		Tx:    tx,
		start: time.Now(),
	}, nil
}

func (mtx *measuredTx) Commit(ctx context.Context) error {
	err := mtx.Tx.Commit(ctx)
	if err == nil {
		metrics.DBTransactionsTotal.WithLabelValues("commit").Inc()
	}
	metrics.DBTransactionDuration.Observe(time.Since(mtx.start).Seconds())
	return err
}

func (mtx *measuredTx) Rollback(ctx context.Context) error {
	err := mtx.Tx.Rollback(ctx)
	// A rollback attempt is counted even when the rollback itself fails.
	metrics.DBTransactionsTotal.WithLabelValues("rollback").Inc()
	metrics.DBTransactionDuration.Observe(time.Since(mtx.start).Seconds())
	return err
}
