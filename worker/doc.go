/*
Package worker implements the worker side of the bridge protocol: a loopback
TCP server speaking newline-delimited JSON-RPC 2.0.

A worker binary registers its methods and serves:

	srv, err := worker.NewServer()
	if err != nil {
		...
	}
	srv.RegisterMethod("echo", func(ctx context.Context, params json.RawMessage) (any, error) {
		return params, nil
	})
	err = srv.ListenAndServe(context.Background())

When started with port 0 the server binds an OS-assigned port and prints
BRIDGE_PORT:<port> on stdout, which is the announcement a supervising bridge
waits for. All logging goes to stderr.

The built-in ping method replies with the registered method names, and the
built-in shutdown method acknowledges and then stops the server.
*/
package worker
