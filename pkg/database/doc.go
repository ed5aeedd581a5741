// Package database opens the PostgreSQL and redis connections and owns the
// schema migrations.
//
//	db, err := database.Open(ctx, cfg.Database)
//	err = database.RunMigrations(ctx, db, logger)
//	rdb, err := database.NewRedisClient(ctx, cfg.Redis) // nil when unconfigured
package database
