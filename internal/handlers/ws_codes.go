// internal/handlers/ws_codes.go
package handlers

import "github.com/coder/websocket"

// Custom WebSocket close codes used by the match viewer socket.
// These provide more specific reasons for closure than standard codes.
const (
	BadSubprotocolError   websocket.StatusCode = 3000 // Client connected with an unsupported subprotocol.
	InvalidAuthTokenError websocket.StatusCode = 3001 // Auth token missing, invalid or expired.
	InvalidUserIDError    websocket.StatusCode = 3002 // Token subject is not a valid user id.
	NotParticipantError   websocket.StatusCode = 3004 // Authenticated user does not play in this match.
)
