// Package client provides a Go SDK for the submission surface and the
// worker-facing register/heartbeat/acquire/report/deregister contract,
// plus a WebSocket client for real-time event streaming.
//
// # Basic Usage
//
//	c, err := client.New("http://localhost:8080")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	// Submit a task
//	t, err := c.SubmitTask(ctx, client.CreateTaskRequest{
//	    TaskName: "send_email",
//	    Args:     json.RawMessage(`{"to":"user@example.com"}`),
//	})
//
// # Worker Usage
//
//	session, err := c.RegisterWorker(ctx, "worker-1", "host.local", 4)
//	t, err := session.Acquire(ctx)
//	err = session.Report(ctx, client.ReportOutcome{TaskID: t.ID, Status: "completed"})
//
// # WebSocket Events
//
//	err := client.ConnectWebSocket(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.CloseWebSocket()
//
//	for event := range client.Events() {
//	    fmt.Printf("Event: %s\n", event.Type)
//	}
//
// # Configuration
//
// The client supports functional options for configuration:
//
//	client, err := client.New("http://localhost:8080",
//	    client.WithAPIKey("your-api-key"),
//	    client.WithTimeout(30 * time.Second),
//	)
package client
