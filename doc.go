// # Realtime voice sessions for the studio
//
// Package realtime runs a two-way voice conversation with a hosted AI assistant over WebRTC. A Session fetches a short-lived credential from the session proxy, captures the microphone, exchanges SDP with the provider and then drives a small state machine from the JSON events the assistant sends on the data channel. Completed generate_document calls are handed to the host as GenerateRequest values.
package realtime
