// Package api exposes the operator HTTP interface: company status, tasks,
// goal runs, cost and payment decisions, plus a websocket stream of engine
// events. Every route is scoped to one company selected with ?company=.
package api
