package valueobject

// AgentKind is the specialist downstream an inbound request is routed to.
// The Orchestrator never implements the specialist's domain logic itself —
// it only classifies, routes, and streams back whatever that specialist produces.
type AgentKind string

const (
	AgentDocumentation   AgentKind = "documentation"
	AgentTroubleshooting AgentKind = "troubleshooting"
	AgentMaintenance     AgentKind = "maintenance"
)

// Valid reports whether k is one of the three known specialist agents.
func (k AgentKind) Valid() bool {
	switch k {
	case AgentDocumentation, AgentTroubleshooting, AgentMaintenance:
		return true
	}
	return false
}

func (k AgentKind) String() string {
	return string(k)
}

// ParseAgentKind maps a classifier's raw string output onto a known AgentKind.
func ParseAgentKind(s string) (AgentKind, bool) {
	k := AgentKind(s)
	return k, k.Valid()
}
