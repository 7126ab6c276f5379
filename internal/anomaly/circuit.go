package anomaly

import "github.com/AngelP17/YieldOps/internal/store"

// ZoneFor derives the safety zone from incident severity. The zone is
// always derived here so external incident submissions and detector
// output agree.
func ZoneFor(severity store.Severity) store.Zone {
	switch severity {
	case store.SeverityCritical:
		return store.ZoneRed
	case store.SeverityHigh:
		return store.ZoneYellow
	default:
		return store.ZoneGreen
	}
}

// ActionStatusFor maps a safety zone to how the recommended action is
// handled: green executes automatically, yellow waits for an operator,
// red alerts only (humans intervene out of band).
func ActionStatusFor(zone store.Zone) store.ActionStatus {
	switch zone {
	case store.ZoneGreen:
		return store.ActionAutoExecuted
	case store.ZoneYellow:
		return store.ActionPendingApproval
	default:
		return store.ActionAlertOnly
	}
}
