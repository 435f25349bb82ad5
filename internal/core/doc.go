// Package core wires the database components into one service.
//
// Service owns the connection manager, schema inspector, paginator,
// transaction coordinator and query executor, connects their close hooks
// in the order cursors, transaction, snapshot, and exposes one method per
// boundary command. Wherever a command takes a connection id, the empty
// id means the active connection.
//
//	svc := core.New(cfg.Engine, logger)
//	svc.Start(ctx)
//	defer svc.Close(context.Background())
//
//	conn, snap, err := svc.OpenDatabase(ctx, core.OpenRequest{Path: "shop.db"})
package core
