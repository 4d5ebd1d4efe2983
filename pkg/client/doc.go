// Package client provides a Go SDK for the senpuki HTTP facade.
//
// Every method is a thin wrapper over one REST call against the executor's
// /api/v1 and /admin surfaces, plus a WebSocket client for the dashboard
// event stream.
//
// # Basic Usage
//
//	c, err := client.New("http://localhost:8080")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	executionID, err := c.Dispatch(ctx, client.DispatchRequest{
//	    FunctionName: "billing.charge_customer",
//	    Arguments:    json.RawMessage(`{"customer_id":"cus_1","amount_cents":1999}`),
//	})
//
//	result, err := c.Wait(ctx, executionID, 30*time.Second)
//
// # WebSocket Events
//
//	if err := c.ConnectWebSocket(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer c.CloseWebSocket()
//
//	for msg := range c.Events() {
//	    fmt.Printf("%s -> %s\n", msg.ID, msg.State)
//	}
//
// # Configuration
//
//	c, err := client.New("http://localhost:8080",
//	    client.WithAPIKey("your-api-key"),
//	    client.WithTimeout(30*time.Second),
//	)
package client
