// Package events carries the notifications the core pushes to the
// presentation layer: schema.changed, cursor.closed and
// transaction.state_changed.
//
// Components publish through a Publisher; the Bus delivers each event
// synchronously to every subscriber in subscription order, so a subscriber
// sees events in the order they happened on one connection. Subscribers
// include the WebSocket hub and the optional MQTT mirror.
//
//	bus := events.NewBus()
//	unsubscribe := bus.Subscribe(func(e events.Event) {
//	    log.Info("event", "type", e.Type, "connection", e.ConnectionID)
//	})
//	defer unsubscribe()
package events
