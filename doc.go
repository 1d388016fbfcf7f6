// Package eventflow provides reliable event propagation between services:
// a transactional outbox with a background relay, a distributed idempotency
// guard for consumers, dead-letter handling, and threshold-based error
// escalation.
//
// The package solves two halves of the same problem:
//
//   - Producers must never lose an event: domain state and the event record
//     are written in one database transaction (the outbox pattern), and the
//     relay publishes committed records to the message transport with retry
//     bookkeeping.
//
//   - Consumers must never apply an event twice: redelivered messages are
//     filtered through a shared key-value store using atomic set-if-absent
//     locking, so a given event id produces at most one successful effect
//     within the idempotency window.
//
// Together these give at-least-once delivery with effectively-once
// processing. Strict exactly-once delivery is explicitly out of scope.
//
// # Producing events
//
//	publisher := outbox.NewPostgresPublisher(db)
//	relay := outbox.NewRelay(publisher.Store(), transport)
//	go relay.Start(ctx)
//
//	err := withTx(ctx, db, func(tx *sql.Tx) error {
//	    if err := insertDevice(ctx, tx, dev); err != nil {
//	        return err
//	    }
//	    _, err := publisher.WriteEvent(ctx, tx, "device", dev.ID, "device.created", dev)
//	    return err
//	})
//
// # Consuming events
//
//	guard := idempotency.NewGuard(idempotency.NewRedisKV(rdb), "worker-1")
//	consumer := eventflow.NewConsumer("notification-service", guard,
//	    eventflow.WithHandlerTimeout(30*time.Second))
//
//	registry := eventflow.NewRegistry()
//	registry.Register("device.created", handleDeviceCreated)
//	registry.Register("device.deleted", handleDeviceDeleted)
//	registry.Bind(ctx, transport, "notification-service", consumer)
//
// Failed messages end up on dead-letter topics ({domain}.*.failed), where the
// dlq package inspects redelivery counts and escalates persistent failures to
// the alert package, which aggregates them into single administrator
// notifications per error code and time window.
package eventflow
