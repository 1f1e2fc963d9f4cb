package taskname

const (
	// NotificationReplay re-runs a stored notification through the reconciler.
	NotificationReplay = "ipn:notification:replay"

	// NotificationFollowUp flags a notification that was acknowledged but not
	// applied (unconfigured processor, unknown agreement).
	NotificationFollowUp = "ipn:notification:follow_up"

	// NotificationSweep replays every notification stuck in handle_failed.
	NotificationSweep = "ipn:notification:sweep"
)
