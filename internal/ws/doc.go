// Package ws serves the sketch protocol over WebSocket connections.
//
// The package implements:
//   - Client: one connection, its send queue and its per-sketch state
//     (cached role, active line, undo/redo history)
//   - Hub: every live connection, indexed by the sketch it joined
//   - Handler: upgrade, read and write pumps, and message dispatch
//   - Service: wiring plus role change and revocation notifications
//
// A connection starts unjoined. join_sketch resolves its role, obtains the
// live session from the registry and streams the sketch to it. Drawing
// messages require a joined sketch and an editor or owner role; anything
// else is dropped with a debug log. Guests may only join public sketches.
package ws
