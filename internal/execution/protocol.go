package execution

import (
	"encoding/json"

	"github.com/flemzord/snaphost/internal/snapperm"
)

// Channel names on the job transport.
const (
	ChannelCommand = "command"
	ChannelRPC     = "jsonRpc"
)

// Command methods sent by the host.
const (
	MethodPing        = "ping"
	MethodTerminate   = "terminate"
	MethodExecuteSnap = "executeSnap"
	MethodSnapRPC     = "snapRpc"
)

// Notifications sent by the snap on the command channel.
const (
	NotifyOutboundRequest  = "OutboundRequest"
	NotifyOutboundResponse = "OutboundResponse"
	NotifyUnhandledError   = "UnhandledError"
)

// ExecuteSnapParams starts a snap inside its job.
type ExecuteSnapParams struct {
	SnapID     string   `json:"snapId"`
	SourceCode string   `json:"sourceCode"`
	Endowments []string `json:"endowments"`
}

// SnapRPCRequest is a request routed to one of a snap's handlers.
type SnapRPCRequest struct {
	Origin  string           `json:"origin"`
	Handler snapperm.Handler `json:"handler"`
	Request json.RawMessage  `json:"request"`
}

type snapRPCParams struct {
	SnapID  string           `json:"snapId"`
	Origin  string           `json:"origin"`
	Handler snapperm.Handler `json:"handler"`
	Request json.RawMessage  `json:"request"`
}

// UnhandledErrorParams is the payload of an UnhandledError notification.
type UnhandledErrorParams struct {
	Error struct {
		Message string `json:"message"`
		Stack   string `json:"stack,omitempty"`
	} `json:"error"`
}
