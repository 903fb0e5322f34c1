// Package locks provides named distributed locks with fencing tokens.
//
// A lock is held for as long as the holder's context lives. Every
// acquisition of a lock id gets a fencing token greater than all earlier
// ones, so downstream systems can reject writes from a holder that lost
// the lock without noticing. Backends exist for a single process
// (memory), Redis and PostgreSQL; the shared backends expire a lock when
// its holder stops renewing it within the liveness timeout.
package locks
