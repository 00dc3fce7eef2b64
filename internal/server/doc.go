// Package server exposes the orchestration core over three external
// surfaces backed by the same in-process components:
//
//   - JSON-RPC (rpc.go): a single POST /rpc endpoint dispatching on a
//     {method, params} envelope to the session/agent/message/plan method
//     table, wrapped by the run tracker's idempotency cache for mutating
//     methods like agent.prompt.
//   - WebSocket streaming (ws.go): GET /ws upgrades to a bidirectional
//     channel emitting {type, sessionId?, timestamp, data} envelopes off
//     the fan-out bus, with cursor-based resume per session.
//   - Server-Sent Events (sse.go): GET /event and GET /global/event keep
//     a degrade-friendly subscriber transport backed by the same bus for
//     clients that can't hold a WebSocket open.
//
// A REST subset (http.go) covers session creation, listing, status,
// prompting, and abort for callers that want plain HTTP instead of
// JSON-RPC.
//
// Every surface renders errors as {success:false, error:{code, message}}
// using the closed apierr.Code vocabulary; every success as
// {success:true, result}. None of the three surfaces hold application
// state themselves — they're thin adapters over *sessionmgr.Manager,
// *runtracker.Tracker, *runtracker.Idempotency, and *bus.Bus.
package server
