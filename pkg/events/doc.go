// Package events records resource changes and streams them to subscribers.
//
// # Flow
//
// Every create, update and delete of a resource is appended to a Store
// and handed to the Bus, which fans it out to live subscribers. Each
// subscriber only receives events for resources it can read; deleted
// resources carry a snapshot of their readers since their grants are gone
// by then.
//
// With more than one keel instance a Relay forwards events between them:
//
//	relay, err := events.NewPostgresRelay(db, url, logger) // LISTEN/NOTIFY
//	relay := events.NewRedisRelay(client, logger)          // pub/sub
//	bus := events.NewBus(engine, logger, events.WithStore(store), events.WithRelay(relay))
//	go bus.Run(ctx)
//
// A subscriber that falls a full buffer behind is disconnected instead of
// slowing down publishers.
//
// # Archive
//
// Archiver exports events older than the retention window to S3 as JSON
// lines and then prunes them from the store.
//
// # WebSocket
//
// WebSocketHandler serves the same feed to browsers at /v1/events/ws. The
// access token comes from the Authorization header or the access_token
// query parameter, and the filter from the resourceId, resourceKind and
// eventType parameters.
package events
