package notification

import "go.dispatchrouter.dev/internal/warning"

// WarningNotifierAdapter adapts a notification.Service to warning.Notifier so
// the warning store can forward CRITICAL entries without that package
// depending on this one.
type WarningNotifierAdapter struct {
	Service Service
}

// NotifyWarning forwards a stored warning to the wrapped notification service.
func (a WarningNotifierAdapter) NotifyWarning(w *warning.NotifierWarning) {
	a.Service.NotifyWarning(&Warning{
		ID:        w.ID,
		Category:  w.Category,
		Severity:  w.Severity,
		Message:   w.Message,
		Timestamp: w.Timestamp,
		Source:    w.Source,
	})
}

// NotifyCriticalError forwards a critical warning to the wrapped service.
func (a WarningNotifierAdapter) NotifyCriticalError(message, source string) {
	a.Service.NotifyCriticalError(message, source)
}
