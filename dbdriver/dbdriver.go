/*
Package dbdriver owns the connection to the database of record. It
initializes the pgx pool used by the dbclient package and exposes the
advisory lock primitives used to keep the background loops single-instance
per deployment.
*/
package dbdriver // import "github.com/whisthq/whist/backend/placement-service/dbdriver"

import (
	"context"

	"github.com/jackc/pgx/v4/pgxpool"

	"github.com/whisthq/whist/backend/placement-service/utils"
	logger "github.com/whisthq/whist/backend/placement-service/whistlogger"
)

// dbpool is the pgx connection pool shared by the whole service.
var dbpool *pgxpool.Pool

// Initialize creates the database connection pool. It must be called before
// any dbclient operation.
func Initialize(ctx context.Context) error {
	connStr, err := getConnString()
	if err != nil {
		return utils.MakeError("couldn't initialize database driver: %s", err)
	}

	pgxConfig, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return utils.MakeError("couldn't parse database connection string: %s", err)
	}

	pool, err := pgxpool.ConnectConfig(ctx, pgxConfig)
	if err != nil {
		return utils.MakeError("couldn't connect to the database: %s", err)
	}

	dbpool = pool
	logger.Infof("Successfully connected to the database.")

	return nil
}

// Pool returns the shared connection pool. It panics if Initialize has not
// been called, since proceeding without a database would corrupt nothing but
// help nobody.
func Pool() *pgxpool.Pool {
	if dbpool == nil {
		logger.Panicf("dbdriver.Pool() called before dbdriver.Initialize()")
	}
	return dbpool
}

// Close tears down the connection pool. It should be deferred from main.
func Close() {
	if dbpool != nil {
		logger.Infof("Closing the database connection pool...")
		dbpool.Close()
	}
}
