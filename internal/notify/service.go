package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opNotify      = "notify.notify"
	opList        = "notify.list"
	opUnreadCount = "notify.unread_count"
	opMarkRead    = "notify.mark_read"
	opMarkAllRead = "notify.mark_all_read"

	defaultListLimit = 50
	maxListLimit     = 200
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
)

// ServiceError carries an operation.reason code for notification failures.
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

// IDProvider issues notification identifiers.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig describes the dependencies of the notification service.
type ServiceConfig struct {
	Database   *gorm.DB
	Dispatcher *Dispatcher
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Service writes durable notification rows and publishes them for live
// delivery. The row is always written before the publish so that a
// notification can never be delivered without being recorded.
type Service struct {
	db         *gorm.DB
	dispatcher *Dispatcher
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewService validates the configuration and returns a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opNotify, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opNotify, "missing_id_provider", errMissingIDProvider)
	}
	dispatcher := cfg.Dispatcher
	if dispatcher == nil {
		dispatcher = NewDispatcher()
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
		dispatcher: dispatcher,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// Dispatcher exposes the live-delivery channel registry for relay
// subscriptions.
func (s *Service) Dispatcher() *Dispatcher {
	return s.dispatcher
}

// NotifyRequest describes one notification to record and deliver.
type NotifyRequest struct {
	UserID  string
	Type    string
	Title   string
	Message string
	Link    string
}

// Notify writes the durable notification row, then publishes it on the
// recipient's channel. Returns the stored notification identifier.
func (s *Service) Notify(ctx context.Context, request NotifyRequest) (string, error) {
	userID := strings.TrimSpace(request.UserID)
	notificationType := strings.TrimSpace(request.Type)
	if userID == "" {
		return "", newServiceError(opNotify, "missing_user_id", ErrInvalidNotification)
	}
	if notificationType == "" {
		return "", newServiceError(opNotify, "missing_type", ErrInvalidNotification)
	}
	title := strings.TrimSpace(request.Title)
	if title == "" {
		fixed, ok := DefaultTitle(notificationType)
		if !ok {
			return "", newServiceError(opNotify, "missing_title", ErrInvalidNotification)
		}
		title = fixed
	}

	notificationID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opNotify, "id_generation_failed", err, zap.String("user_id", userID))
		return "", newServiceError(opNotify, "id_generation_failed", err)
	}

	createdAt := s.clock().UTC()
	row := Notification{
		NotificationID:   notificationID,
		UserID:           userID,
		Type:             notificationType,
		Title:            title,
		Message:          request.Message,
		Link:             request.Link,
		CreatedAtSeconds: createdAt.Unix(),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		s.logError(opNotify, "insert_failed", err, zap.String("user_id", userID))
		return "", newServiceError(opNotify, "insert_failed", err)
	}

	s.dispatcher.Publish(Message{
		NotificationID: notificationID,
		UserID:         userID,
		Type:           notificationType,
		Title:          title,
		Body:           request.Message,
		Link:           request.Link,
		CreatedAt:      createdAt,
	})
	return notificationID, nil
}

// List returns a user's notifications, newest first.
func (s *Service) List(ctx context.Context, userID string, unreadOnly bool, limit int) ([]Notification, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, newServiceError(opList, "missing_user_id", ErrInvalidNotification)
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	query := s.db.WithContext(ctx).Where("user_id = ?", userID)
	if unreadOnly {
		query = query.Where("is_read = ?", false)
	}

	var rows []Notification
	if err := query.Order("created_at_s DESC").Limit(limit).Find(&rows).Error; err != nil {
		s.logError(opList, "query_failed", err, zap.String("user_id", userID))
		return nil, newServiceError(opList, "query_failed", err)
	}
	return rows, nil
}

// UnreadCount returns the number of unread notifications for a user.
func (s *Service) UnreadCount(ctx context.Context, userID string) (int64, error) {
	if strings.TrimSpace(userID) == "" {
		return 0, newServiceError(opUnreadCount, "missing_user_id", ErrInvalidNotification)
	}
	var count int64
	if err := s.db.WithContext(ctx).
		Model(&Notification{}).
		Where("user_id = ? AND is_read = ?", userID, false).
		Count(&count).Error; err != nil {
		s.logError(opUnreadCount, "query_failed", err, zap.String("user_id", userID))
		return 0, newServiceError(opUnreadCount, "query_failed", err)
	}
	return count, nil
}

// MarkRead flips one notification's read flag for its owning user.
func (s *Service) MarkRead(ctx context.Context, userID, notificationID string) error {
	result := s.db.WithContext(ctx).
		Model(&Notification{}).
		Where("user_id = ? AND notification_id = ?", userID, notificationID).
		Update("is_read", true)
	if result.Error != nil {
		s.logError(opMarkRead, "update_failed", result.Error,
			zap.String("user_id", userID),
			zap.String("notification_id", notificationID))
		return newServiceError(opMarkRead, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrNotificationNotFound, notificationID)
	}
	return nil
}

// MarkAllRead flips every unread notification for a user; returns the count.
func (s *Service) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	if strings.TrimSpace(userID) == "" {
		return 0, newServiceError(opMarkAllRead, "missing_user_id", ErrInvalidNotification)
	}
	result := s.db.WithContext(ctx).
		Model(&Notification{}).
		Where("user_id = ? AND is_read = ?", userID, false).
		Update("is_read", true)
	if result.Error != nil {
		s.logError(opMarkAllRead, "update_failed", result.Error, zap.String("user_id", userID))
		return 0, newServiceError(opMarkAllRead, "update_failed", result.Error)
	}
	return result.RowsAffected, nil
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
	s.logger.Error("notification service error", attrs...)
}
