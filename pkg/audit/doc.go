// Package audit records who did what to identities, grants and schemas.
//
// Events are produced by UnaryServerInterceptor for the methods it is
// configured with and written to a Logger:
//
//   - SQLLogger: an audit_logs table in Postgres or SQLite
//   - LogSink: structured log lines
//   - AsyncLogger: wraps either one behind a worker pool
//
// Example:
//
//	sink, err := audit.OpenSQLite(ctx, "/var/lib/keel/audit.db")
//	if err != nil {
//		return err
//	}
//	logger := audit.NewAsyncLogger(ctx, sink, 2, log)
//	defer logger.Close()
//
//	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(
//		authInterceptor,
//		audit.UnaryServerInterceptor(logger, auditedMethods),
//	))
package audit
