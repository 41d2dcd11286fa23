package notify

import "errors"

// Fixed producer types; each maps to a default title used when the producer
// supplies none.
const (
	TypeCommentAdded        = "comment.added"
	TypeApprovalRequested   = "approval.requested"
	TypeApprovalDecided     = "approval.decided"
	TypeApprovalResubmitted = "approval.resubmitted"
	TypeJobCompleted        = "job.completed"
)

var defaultTitles = map[string]string{
	TypeCommentAdded:        "New comment on your project",
	TypeApprovalRequested:   "New approval request",
	TypeApprovalDecided:     "Your approval request was reviewed",
	TypeApprovalResubmitted: "An approval request was resubmitted",
	TypeJobCompleted:        "Background job completed",
}

// DefaultTitle returns the fixed title template for a notification type.
func DefaultTitle(notificationType string) (string, bool) {
	title, ok := defaultTitles[notificationType]
	return title, ok
}

var (
	// ErrInvalidNotification indicates missing or malformed notification fields.
	ErrInvalidNotification = errors.New("notify: invalid notification")
	// ErrNotificationNotFound indicates an unknown notification id for the user.
	ErrNotificationNotFound = errors.New("notify: notification not found")
)

// Notification is the durable record of one delivered-or-pending
// notification. Only the read flag is ever mutated.
type Notification struct {
	NotificationID   string `gorm:"column:notification_id;primaryKey;size:190;not null"`
	UserID           string `gorm:"column:user_id;size:190;not null;index:idx_notifications_user_read,priority:1"`
	Type             string `gorm:"column:type;size:64;not null"`
	Title            string `gorm:"column:title;size:320;not null"`
	Message          string `gorm:"column:message;type:text;not null;default:''"`
	Link             string `gorm:"column:link;size:512;not null;default:''"`
	IsRead           bool   `gorm:"column:is_read;not null;default:false;index:idx_notifications_user_read,priority:2"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Notification) TableName() string {
	return "notifications"
}
