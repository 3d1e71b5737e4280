package models

// NodeRegistration is the descriptor submitted to the control plane's
// admin API when announcing a compute node (POST /admin/v1/nodes).
type NodeRegistration struct {
	ID               string                `json:"id"`
	Host             string                `json:"host"`
	InferencePort    int                   `json:"inference_port"`
	InferenceSegment string                `json:"inference_segment"`
	PoCPort          int                   `json:"poc_port"`
	PoCSegment       string                `json:"poc_segment"`
	MaxConcurrent    int                   `json:"max_concurrent"`
	Models           map[string]ModelEntry `json:"models"`
	Hardware         []HardwareEntry       `json:"hardware"`
}

// ModelEntry declares a servable model and its launch arguments.
type ModelEntry struct {
	Args []string `json:"args"`
}

// HardwareEntry describes one class of accelerator on the node.
type HardwareEntry struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

// RegisteredNode is one entry of the control plane's node listing
// (GET /admin/v1/nodes).
type RegisteredNode struct {
	Node  NodeInfo  `json:"node"`
	State NodeState `json:"state"`
}

// NodeInfo is the registered descriptor echoed back by the control plane.
type NodeInfo struct {
	ID            string `json:"id"`
	Host          string `json:"host"`
	InferencePort int    `json:"inference_port"`
	PoCPort       int    `json:"poc_port"`
}

// NodeState is the control plane's runtime view of a node.
type NodeState struct {
	PoCCurrentStatus string `json:"poc_current_status"`
}

// PoC phase status values reported by the control plane for a node. The
// phase is over once the node settles back to idle or stopped.
const (
	PoCStatusIdle    = "IDLE"
	PoCStatusStopped = "STOPPED"
)

// PoCDone reports whether the control plane considers the node's PoC work
// finished.
func (n *RegisteredNode) PoCDone() bool {
	return n.State.PoCCurrentStatus == PoCStatusIdle ||
		n.State.PoCCurrentStatus == PoCStatusStopped
}
