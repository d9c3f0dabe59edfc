package bus

// Notification topics, published by the egress layer once a scheduled
// job's notification has been delivered (or suppressed by a reserved
// sentinel target). Kept separate from the job-lifecycle topics so a
// consumer can watch delivery outcomes without watching every state
// transition.
const (
	TopicNotificationSent       = "notification.sent"
	TopicNotificationSuppressed = "notification.suppressed"
)

// NotificationEvent is published after the egress layer has attempted to
// deliver, or deliberately skipped, a scheduled job's result notification.
type NotificationEvent struct {
	JobID  string // Job that triggered the notification
	Target string // Resolved notifyTarget, empty or "dashboard" if suppressed
}
