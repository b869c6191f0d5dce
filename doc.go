// Package gobox provides a Go client for the GoBox file-sync service.
//
// A single persistent socket carries three kinds of traffic at once: sync
// events pushed by the storage, queries made by the client, and queries the
// storage makes to the client. The Dispatcher multiplexes all of them over one
// Connection and correlates responses by query id. File content moves over
// separate HTTP(S) transfers selected by a TransferProfile.
//
// Basic usage:
//
//	creds := gobox.NewCredentials("alice", "")
//	if err := creds.Login(ctx, password); err != nil { ... }
//
//	client := gobox.NewClient(creds, gobox.WithURLBuilder(gobox.NewURLBuilder("gobox.example.com")))
//	ready, err := client.Init(ctx)
//	if err != nil || !ready { ... }
//	defer client.Shutdown()
//
//	unsubscribe := client.AddSyncEventListener(func(ev gobox.SyncEvent) {
//		fmt.Println(ev.Kind, ev.File.PathString())
//	})
//	defer unsubscribe()
//
//	root, err := client.Info(ctx, gobox.RootFile())
//
// Using the Dispatcher directly over any Connection:
//
//	conn := gobox.NewWebSocketConn(u, header)
//	d := gobox.NewDispatcher(conn, gobox.WithQueryTimeout(10*time.Second))
//	d.OnNotification("syncEvent", func(ctx context.Context, data json.RawMessage) { ... })
//	d.OnQuery("ping", gobox.Answer(func(ctx context.Context, p PingParams) (Pong, error) { ... }))
//	if err := d.Connect(ctx); err != nil { ... }
//
//	var info InfoResponse
//	err := d.Call(ctx, "info", InfoRequest{...}, &info)
package gobox
