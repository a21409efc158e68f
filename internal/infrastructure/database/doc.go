// Package database manages the SQLite connection used by the durable
// shadow provider and the history store.
//
// It handles connection setup (WAL mode, busy timeout, single-writer
// pool sizing), embedded schema migrations, and health checks. Open a
// connection once at startup and pass it to the repositories that need it:
//
//	db, err := database.Open(database.Config{Path: cfg.Storage.Path, WALMode: true, BusyTimeout: 5})
//	if err != nil { ... }
//	defer db.Close()
//	if err := db.Migrate(ctx); err != nil { ... }
package database
