// Package server runs a coven-relay process.
//
// A Server listens for HTTP and gRPC, on TCP or on a tailnet through tsnet,
// and runs the Matrix bridge alongside them in one errgroup. When any part
// fails or the context is cancelled, everything shuts down: listeners stop,
// in-flight turns drain and the store is closed.
//
// # HTTP API
//
//	GET  /health                          liveness
//	GET  /health/ready                    readiness
//	GET  /api/sessions                    sessions, most recent first (?limit=)
//	GET  /api/sessions/{threadID}         one session with its usage history
//	GET  /api/locks                       threads with a running or queued turn
//	GET  /api/usage                       aggregate token and cost totals
//	GET  /api/actions?routing_id=         audit log for a channel
//	GET  /api/context                     active invocation overlays
//	GET  /api/context/{sessionID}         one overlay
//	POST /api/context/{sessionID}/messages  post to the invocation's thread
//	POST /api/context/{sessionID}/files     queue an attachment for the final message
//	POST /api/batch                       run an unattended invocation
//
// The /api routes require a bearer token when auth.jwt_secret is set.
//
// # gRPC
//
// The standard grpc.health.v1 service reports SERVING while the relay runs.
package server
