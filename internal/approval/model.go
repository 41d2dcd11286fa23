package approval

import (
	"errors"
	"fmt"
	"strings"
)

// Status enumerates the review states of an approval request.
type Status string

const (
	StatusPending           Status = "pending"
	StatusApproved          Status = "approved"
	StatusRejected          Status = "rejected"
	StatusRevisionRequested Status = "revision_requested"
)

var (
	// ErrInvalidStatus indicates an unrecognized status value.
	ErrInvalidStatus = errors.New("approval: invalid status")
	// ErrInvalidApproval indicates missing or malformed approval fields.
	ErrInvalidApproval = errors.New("approval: invalid approval")
	// ErrApprovalNotFound indicates an unknown approval identifier.
	ErrApprovalNotFound = errors.New("approval: not found")
	// ErrInvalidTransition indicates a status change outside the legal
	// transition table; the message surfaces the current status.
	ErrInvalidTransition = errors.New("approval: invalid transition")
)

// legalTransitions is the complete transition table. Approved is terminal;
// rejected and revision_requested reopen through resubmission to pending.
var legalTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusApproved:          true,
		StatusRejected:          true,
		StatusRevisionRequested: true,
	},
	StatusRevisionRequested: {StatusPending: true},
	StatusRejected:          {StatusPending: true},
	StatusApproved:          {},
}

// ParseStatus validates raw input and returns a Status.
func ParseStatus(rawInput string) (Status, error) {
	switch Status(strings.ToLower(strings.TrimSpace(rawInput))) {
	case StatusPending:
		return StatusPending, nil
	case StatusApproved:
		return StatusApproved, nil
	case StatusRejected:
		return StatusRejected, nil
	case StatusRevisionRequested:
		return StatusRevisionRequested, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, rawInput)
	}
}

// String returns the underlying status value.
func (s Status) String() string {
	return string(s)
}

// CanTransitionTo reports whether the status change is in the legal table.
func (s Status) CanTransitionTo(next Status) bool {
	return legalTransitions[s][next]
}

// Approval is the durable record of one review request. Status and the
// reviewer fields are the only state mutated after creation, and only
// through the transition table.
type Approval struct {
	ApprovalID        string  `gorm:"column:approval_id;primaryKey;size:190;not null"`
	ProjectID         string  `gorm:"column:project_id;size:190;not null;index:idx_approvals_project,priority:1"`
	TargetType        string  `gorm:"column:target_type;size:64;not null"`
	TargetID          string  `gorm:"column:target_id;size:190;not null"`
	RequestedBy       string  `gorm:"column:requested_by;size:190;not null"`
	ReviewerID        string  `gorm:"column:reviewer_id;size:190;not null;default:''"`
	Status            string  `gorm:"column:status;size:32;not null;index:idx_approvals_project,priority:2"`
	ReviewedBy        *string `gorm:"column:reviewed_by;size:190"`
	ReviewedAtSeconds *int64  `gorm:"column:reviewed_at_s"`
	Notes             string  `gorm:"column:notes;type:text;not null;default:''"`
	CreatedAtSeconds  int64   `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Approval) TableName() string {
	return "approvals"
}
