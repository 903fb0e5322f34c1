// Package cli implements keelctl, the command-line client for a keel
// server.
//
// # Connection
//
// Every command that talks to the server accepts the same flags:
//
//	-server    address of the gRPC endpoint (KEEL_SERVER, default localhost:50051)
//	-insecure  dial without TLS
//	-sa        service account to log in as (KEEL_SA)
//	-secret    service account secret (KEEL_SA_SECRET)
//
// # Commands
//
// login: Print a fresh access token, for use with other tools
//
//	keelctl login -sa root -secret $SECRET
//
// schema apply: Create or replace schemas from a directory of <kind>.json files
//
//	keelctl schema apply -dir ./schemas
//
// schema list: Print stored schemas
//
//	keelctl schema list -filter todo
//
// resource: Create, read and list resources
//
//	keelctl resource create -kind todo -data '{"title":"ship it"}' -label team=core
//	keelctl resource get <id>
//	keelctl resource list -kind todo -label team=core -filter '{"done":false}' -query ship
//
// lock: Run a command while holding a distributed lock. The fencing token
// is exported to the command as KEEL_FENCING_TOKEN.
//
//	keelctl lock -id nightly-migration -- ./migrate.sh
//
// Output is JSON, one object per line, so it can be piped into jq.
package cli
