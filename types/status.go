package types

// StatusEvent is broadcast to status observers.
type StatusEvent string

const (
	StatusModemResetting StatusEvent = "modem_resetting"
	StatusModemOnline    StatusEvent = "modem_online"
	StatusModemOffline   StatusEvent = "modem_offline"
)

// LinkStatus is the retained status payload (link/status).
type LinkStatus struct {
	Event  StatusEvent `json:"event"`
	Phase  string      `json:"phase"`
	LinkID string      `json:"link_id"`
	TS     int64       `json:"ts_ms"`
}

// ResetRequest asks the link to reset the peer (link/reset).
type ResetRequest struct {
	Reason string `json:"reason,omitempty"`
}

// ResetReply answers a ResetRequest.
type ResetReply struct {
	Accepted bool   `json:"accepted"`
	Error    string `json:"error,omitempty"`
}
