// Package registration performs the worker side of the session
// handshake: build and send the auth frame, then read back auth_ok or
// auth_fail. Registration itself is just the first round trip of the
// persistent session — there is no separate HTTP registration call.
package registration

import (
	"encoding/json"
	"fmt"

	"github.com/gorilla/websocket"

	"github.com/Jay-Jay-Tee/the-grid-x/pkg/gridxapi"
	"github.com/Jay-Jay-Tee/the-grid-x/worker/internal/config"
)

// Capabilities builds the capability advertisement sent in the auth
// frame from worker configuration.
func Capabilities(cfg config.Config) gridxapi.Capabilities {
	return gridxapi.Capabilities{
		CPUCores:      cfg.CPUCores,
		MemoryMB:      cfg.MemoryMB,
		AcceleratorN:  cfg.AcceleratorN,
		MaxConcurrent: cfg.MaxConcurrent,
		Languages:     cfg.Languages,
	}
}

// Handshake sends the auth frame over conn and blocks for the
// coordinator's reply, returning the assigned worker/session id.
func Handshake(conn *websocket.Conn, cfg config.Config) (string, error) {
	frame, err := gridxapi.NewFrame(gridxapi.FrameAuth, gridxapi.AuthPayload{
		AccountID:    cfg.AccountID,
		Secret:       cfg.Secret,
		WorkerID:     cfg.WorkerID,
		Capabilities: Capabilities(cfg),
	})
	if err != nil {
		return "", fmt.Errorf("registration: build auth frame: %w", err)
	}
	if err := conn.WriteJSON(frame); err != nil {
		return "", fmt.Errorf("registration: send auth frame: %w", err)
	}

	var reply gridxapi.Frame
	if err := conn.ReadJSON(&reply); err != nil {
		return "", fmt.Errorf("registration: read auth reply: %w", err)
	}

	switch reply.Type {
	case gridxapi.FrameAuthOK:
		var ok gridxapi.AuthOKPayload
		if err := json.Unmarshal(reply.Payload, &ok); err != nil {
			return "", fmt.Errorf("registration: malformed auth_ok payload: %w", err)
		}
		return ok.WorkerID, nil
	case gridxapi.FrameAuthFail:
		var fail gridxapi.AuthFailPayload
		_ = json.Unmarshal(reply.Payload, &fail)
		return "", fmt.Errorf("registration: auth rejected: %s", fail.Reason)
	default:
		return "", fmt.Errorf("registration: unexpected frame %q during handshake", reply.Type)
	}
}
