package approval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/atelierhq/atelier-collab/internal/notify"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opCreate     = "approval.create"
	opTransition = "approval.transition"
	opList       = "approval.list"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
)

// ServiceError carries an operation.reason code for approval failures.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// IDProvider issues approval identifiers.
type IDProvider interface {
	NewID() (string, error)
}

// Notifier is the slice of the notification pipeline the state machine uses
// for its side effects.
type Notifier interface {
	Notify(ctx context.Context, request notify.NotifyRequest) (string, error)
}

// ServiceConfig describes the dependencies of the approval service.
type ServiceConfig struct {
	Database   *gorm.DB
	Notifier   Notifier
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Service validates and applies approval status transitions, notifying the
// relevant counterpart on every successful state change.
type Service struct {
	db         *gorm.DB
	notifier   Notifier
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewService validates the configuration and returns a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opCreate, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opCreate, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:         cfg.Database,
		notifier:   cfg.Notifier,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// CreateRequest describes a new review request.
type CreateRequest struct {
	ProjectID   string
	TargetType  string
	TargetID    string
	RequestedBy string
	ReviewerID  string
}

// Create inserts a pending approval and notifies the requested reviewer.
func (s *Service) Create(ctx context.Context, request CreateRequest) (Approval, error) {
	projectID := strings.TrimSpace(request.ProjectID)
	targetType := strings.TrimSpace(request.TargetType)
	targetID := strings.TrimSpace(request.TargetID)
	requestedBy := strings.TrimSpace(request.RequestedBy)
	if projectID == "" || targetType == "" || targetID == "" || requestedBy == "" {
		return Approval{}, newServiceError(opCreate, "missing_fields", ErrInvalidApproval)
	}

	approvalID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreate, "id_generation_failed", err, zap.String("project_id", projectID))
		return Approval{}, newServiceError(opCreate, "id_generation_failed", err)
	}

	row := Approval{
		ApprovalID:       approvalID,
		ProjectID:        projectID,
		TargetType:       targetType,
		TargetID:         targetID,
		RequestedBy:      requestedBy,
		ReviewerID:       strings.TrimSpace(request.ReviewerID),
		Status:           StatusPending.String(),
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		s.logError(opCreate, "insert_failed", err, zap.String("project_id", projectID))
		return Approval{}, newServiceError(opCreate, "insert_failed", err)
	}

	if row.ReviewerID != "" {
		s.sendNotification(ctx, notify.NotifyRequest{
			UserID:  row.ReviewerID,
			Type:    notify.TypeApprovalRequested,
			Message: fmt.Sprintf("%s requested review of %s %s", requestedBy, targetType, targetID),
			Link:    approvalLink(projectID, approvalID),
		})
	}
	return row, nil
}

// Transition applies one status change through the legal transition table,
// atomically updating status, reviewer, timestamp, and notes.
func (s *Service) Transition(ctx context.Context, approvalID string, newStatus Status, reviewerID, notes string) (Approval, error) {
	reviewerID = strings.TrimSpace(reviewerID)
	if reviewerID == "" {
		return Approval{}, newServiceError(opTransition, "missing_reviewer", ErrInvalidApproval)
	}

	var updated Approval
	var previousReviewer string
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row Approval
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("approval_id = ?", approvalID).
			Take(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s", ErrApprovalNotFound, approvalID)
		}
		if err != nil {
			s.logError(opTransition, "select_failed", err, zap.String("approval_id", approvalID))
			return newServiceError(opTransition, "select_failed", err)
		}

		current := Status(row.Status)
		if !current.CanTransitionTo(newStatus) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, newStatus)
		}

		if row.ReviewedBy != nil {
			previousReviewer = *row.ReviewedBy
		}

		row.Status = newStatus.String()
		row.Notes = strings.TrimSpace(notes)
		if newStatus == StatusPending {
			// Resubmission clears the previous review.
			row.ReviewedBy = nil
			row.ReviewedAtSeconds = nil
		} else {
			reviewedAt := s.clock().UTC().Unix()
			row.ReviewedBy = &reviewerID
			row.ReviewedAtSeconds = &reviewedAt
		}

		if err := tx.Save(&row).Error; err != nil {
			s.logError(opTransition, "update_failed", err, zap.String("approval_id", approvalID))
			return newServiceError(opTransition, "update_failed", err)
		}
		updated = row
		return nil
	})
	if txErr != nil {
		return Approval{}, txErr
	}

	s.notifyTransition(ctx, updated, newStatus, previousReviewer)
	return updated, nil
}

// List returns a project's approvals, newest first.
func (s *Service) List(ctx context.Context, projectID string) ([]Approval, error) {
	if strings.TrimSpace(projectID) == "" {
		return nil, newServiceError(opList, "missing_project_id", ErrInvalidApproval)
	}
	var rows []Approval
	if err := s.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("created_at_s DESC").
		Find(&rows).Error; err != nil {
		s.logError(opList, "query_failed", err, zap.String("project_id", projectID))
		return nil, newServiceError(opList, "query_failed", err)
	}
	return rows, nil
}

// notifyTransition routes the side-effect notification to the counterpart:
// the requester for review decisions, the reviewer for resubmissions.
func (s *Service) notifyTransition(ctx context.Context, row Approval, newStatus Status, previousReviewer string) {
	link := approvalLink(row.ProjectID, row.ApprovalID)

	if newStatus == StatusPending {
		counterpart := previousReviewer
		if counterpart == "" {
			counterpart = row.ReviewerID
		}
		if counterpart == "" {
			return
		}
		s.sendNotification(ctx, notify.NotifyRequest{
			UserID:  counterpart,
			Type:    notify.TypeApprovalResubmitted,
			Message: fmt.Sprintf("%s resubmitted %s %s for review", row.RequestedBy, row.TargetType, row.TargetID),
			Link:    link,
		})
		return
	}

	s.sendNotification(ctx, notify.NotifyRequest{
		UserID:  row.RequestedBy,
		Type:    notify.TypeApprovalDecided,
		Title:   fmt.Sprintf("Your approval request was %s", humanStatus(newStatus)),
		Message: row.Notes,
		Link:    link,
	})
}

func (s *Service) sendNotification(ctx context.Context, request notify.NotifyRequest) {
	if s.notifier == nil {
		return
	}
	if _, err := s.notifier.Notify(ctx, request); err != nil {
		s.logError(opTransition, "notify_failed", err, zap.String("user_id", request.UserID))
	}
}

func humanStatus(status Status) string {
	if status == StatusRevisionRequested {
		return "sent back for revision"
	}
	return status.String()
}

func approvalLink(projectID, approvalID string) string {
	return fmt.Sprintf("/projects/%s/approvals/%s", projectID, approvalID)
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("approval service error", attrs...)
}
