package warning

import "go.dispatchrouter.dev/internal/health"

// HealthAdapter exposes an InMemoryService through the health/api monitoring
// surface, whose Warning type is a separate (but field-identical) definition
// from this package's own Warning.
type HealthAdapter struct {
	Service *InMemoryService
}

func toHealthWarning(w Warning) *health.Warning {
	return &health.Warning{
		ID:           w.ID,
		Category:     w.Category,
		Severity:     w.Severity,
		Message:      w.Message,
		Source:       w.Source,
		Timestamp:    w.Timestamp,
		Acknowledged: w.Acknowledged,
	}
}

func toHealthWarnings(ws []Warning) []*health.Warning {
	out := make([]*health.Warning, 0, len(ws))
	for _, w := range ws {
		out = append(out, toHealthWarning(w))
	}
	return out
}

// GetAllWarnings satisfies health.WarningGetter.
func (a HealthAdapter) GetAllWarnings() []*health.Warning {
	return toHealthWarnings(a.Service.GetAllWarnings())
}

// GetUnacknowledgedWarnings satisfies health.WarningGetter.
func (a HealthAdapter) GetUnacknowledgedWarnings() []*health.Warning {
	return toHealthWarnings(a.Service.GetUnacknowledgedWarnings())
}

// GetWarningsBySeverity satisfies api.WarningSeverityGetter.
func (a HealthAdapter) GetWarningsBySeverity(severity string) []*health.Warning {
	return toHealthWarnings(a.Service.GetWarningsBySeverity(severity))
}

// AcknowledgeWarning satisfies api.WarningMutator.
func (a HealthAdapter) AcknowledgeWarning(id string) bool {
	return a.Service.AcknowledgeWarning(id)
}

// ClearAllWarnings satisfies api.WarningMutator.
func (a HealthAdapter) ClearAllWarnings() {
	a.Service.ClearAllWarnings()
}

// ClearOldWarnings satisfies api.WarningMutator.
func (a HealthAdapter) ClearOldWarnings(hours int) {
	a.Service.ClearOldWarnings(hours)
}
