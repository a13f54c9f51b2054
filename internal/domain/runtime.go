package domain

// ServiceStatus is one service inside a compose stack. Single container apps
// report exactly one entry. It is derived from the engine on every query and
// never persisted.
type ServiceStatus struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	State  string `json:"state"`
	Uptime string `json:"uptime,omitempty"`
}

// Stack aggregate states.
const (
	StackRunning = "running"
	StackStopped = "stopped"
	StackPartial = "partial"
	StackUnknown = "unknown"
)

// StackStatus is the aggregate runtime view of an app workload. Single
// container apps report one service; compose apps report all of them.
type StackStatus struct {
	State    string          `json:"state"`
	Status   string          `json:"status"`
	Services []ServiceStatus `json:"services,omitempty"`
	Error    string          `json:"error,omitempty"`
}
