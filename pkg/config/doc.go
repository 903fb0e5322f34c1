// Package config loads keel server configuration.
//
// Values come from an optional YAML file named by KEEL_CONFIG_FILE, then
// from KEEL_* environment variables, which win. Every setting has a
// default that runs a single in-memory node.
//
// Server:
//
//	KEEL_HOST="0.0.0.0"
//	KEEL_GRPC_PORT="50051"
//	KEEL_HEALTH_PORT="9090"
//	KEEL_ALLOWED_ORIGINS="https://app.example.com"
//	KEEL_RATE_LIMIT_REQUESTS="1000"   # per window and caller, 0 disables
//	KEEL_RATE_LIMIT_BACKEND="redis"   # memory, redis
//
// Storage and coordination:
//
//	KEEL_STORAGE_BACKEND="postgres"   # memory, postgres
//	KEEL_POSTGRES_URL="postgres://localhost/keel?sslmode=disable"
//	KEEL_REDIS_URL="redis://localhost:6379"
//	KEEL_LOCK_BACKEND="redis"         # memory, postgres, redis
//	KEEL_EVENTS_RELAY="postgres"      # none, postgres, redis
//	KEEL_SESSION_BACKEND="redis"      # memory, postgres, redis
//
// Identity:
//
//	KEEL_TOKEN_SECRET="..."           # at least 32 bytes
//	KEEL_ROOT_SA="root"
//	KEEL_OIDC_ISSUER="https://accounts.example.com"
//
// Event archive and audit:
//
//	KEEL_ARCHIVE_ENABLED="true"
//	KEEL_S3_BUCKET="keel-events"
//	KEEL_AUDIT_SINK="sqlite"          # log, postgres, sqlite
//	KEEL_AUDIT_SQLITE_PATH="/var/lib/keel/audit.db"
//
// Observability:
//
//	KEEL_LOG_LEVEL="info"
//	KEEL_OTEL_ENABLED="true"
//	KEEL_OTEL_ENDPOINT="otel-collector:4317"
//
// Usage:
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := cfg.Validate(); err != nil {
//		log.Fatal(err)
//	}
package config
