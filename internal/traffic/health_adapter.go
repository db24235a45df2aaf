package traffic

import "go.dispatchrouter.dev/internal/health"

// HealthAdapter exposes a Service through the health/api monitoring surface,
// whose TrafficStatus type is a separate (but field-compatible) definition
// from this package's own TrafficStatus.
type HealthAdapter struct {
	Service *Service
}

// IsEnabled satisfies api.TrafficStatusGetter.
func (a HealthAdapter) IsEnabled() bool {
	return a.Service.IsEnabled()
}

// GetStatus satisfies api.TrafficStatusGetter.
func (a HealthAdapter) GetStatus() *health.TrafficStatus {
	s := a.Service.GetStatus()
	return &health.TrafficStatus{
		Enabled:       a.Service.IsEnabled(),
		StrategyType:  s.StrategyType,
		Registered:    s.Registered,
		TargetInfo:    s.TargetInfo,
		LastOperation: s.LastOperation,
		LastError:     s.LastError,
	}
}
