package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/t77yq/jobflow/internal/model"
	"github.com/t77yq/jobflow/internal/notification"
)

// NotificationService submits and inspects notifications
type NotificationService struct {
	logger *zap.Logger
	engine *notification.Engine
}

// NewNotificationService creates a notification service
func NewNotificationService(engine *notification.Engine, logger *zap.Logger) *NotificationService {
	return &NotificationService{
		logger: logger.Named("notification-service"),
		engine: engine,
	}
}

// SendNotification queues a notification and returns its ID
func (s *NotificationService) SendNotification(ctx context.Context, req notification.SendRequest) (string, error) {
	id, err := s.engine.Send(ctx, req)
	if err != nil {
		if errors.Is(err, notification.ErrInvalidRequest) {
			return "", fmt.Errorf("%w: %w", ErrValidation, err)
		}
		s.logger.Error("Failed to queue notification",
			zap.String("channel", string(req.Channel)),
			zap.Error(err))
		return "", err
	}
	return id, nil
}

// ProcessPending runs one delivery sweep
func (s *NotificationService) ProcessPending(ctx context.Context) (int, error) {
	return s.engine.ProcessPending(ctx)
}

// GetByStatus lists notifications in a status
func (s *NotificationService) GetByStatus(ctx context.Context, status string, limit int) ([]*model.NotificationRequest, error) {
	st, ok := model.ParseNotificationStatus(status)
	if !ok {
		return nil, invalid("unknown notification status %q", status)
	}
	return s.engine.GetByStatus(ctx, st, limit)
}

// DeadLetters lists dead-lettered notifications with their history
func (s *NotificationService) DeadLetters(ctx context.Context, limit int) ([]*model.DeadLetter, error) {
	return s.engine.DeadLetters(ctx, limit)
}
