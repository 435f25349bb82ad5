// Package mqtt mirrors engine events onto an MQTT broker.
//
// The mirror is optional and one-way: every event published on the core
// bus is serialised to JSON and sent to
//
//	<topic_prefix>/events/<event type>/<connection id>
//
// Presentation shells running out of process subscribe there instead of
// holding a WebSocket open. Nothing is read back from the broker.
//
// The client announces itself on <topic_prefix>/system/status (retained)
// and registers a Last Will so subscribers see an offline status when the
// process dies without closing the connection.
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	mirror := mqtt.NewMirror(client, cfg.MQTT, logger)
//	go mirror.Run(ctx)
//	unsubscribe := svc.Subscribe(mirror.Handle)
//	defer unsubscribe()
package mqtt
