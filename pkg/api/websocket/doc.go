// Package websocket provides real-time run event streaming via WebSocket.
//
// Clients connect to /api/v1/runs/:id/ws. The first message is a
// run.snapshot event with the current run state; task and run events
// follow until the run finishes, then the server closes the connection.
package websocket
