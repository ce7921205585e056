package main

import (
	"context"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/t77yq/jobflow/internal/model"
	"github.com/t77yq/jobflow/internal/notification"
	"github.com/t77yq/jobflow/internal/service"
	"github.com/t77yq/jobflow/internal/status"
)

var (
	notifyChannel    string
	notifyRecipient  string
	notifySubject    string
	notifyBody       string
	notifyMaxRetries int
	notifyAt         string
	notifyStatus     string
	notifyLimit      int
)

var notifyCmd = &cobra.Command{
	Use:   "notify",
	Short: "Send and inspect notifications",
}

var notifySendCmd = &cobra.Command{
	Use:   "send",
	Short: "Queue a notification for delivery",
	RunE: func(cmd *cobra.Command, args []string) error {
		req := notification.SendRequest{
			Channel:   model.Channel(strings.ToUpper(notifyChannel)),
			Recipient: notifyRecipient,
			Subject:   notifySubject,
			Body:      notifyBody,
		}
		if cmd.Flags().Changed("max-retries") {
			req.MaxRetries = &notifyMaxRetries
		}
		at, err := parseTimeFlag("at", notifyAt)
		if err != nil {
			return respond("", "", err)
		}
		if at != nil {
			req.ScheduledAt = *at
		}

		var id string
		err = withNotifications(cmd.Context(), func(svc *service.NotificationService) error {
			var err error
			id, err = svc.SendNotification(cmd.Context(), req)
			return err
		})
		return respond(id, "notification queued", err)
	},
}

var notifyProcessCmd = &cobra.Command{
	Use:   "process",
	Short: "Deliver due notifications once and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		var n int
		err := withNotifications(cmd.Context(), func(svc *service.NotificationService) error {
			var err error
			n, err = svc.ProcessPending(cmd.Context())
			return err
		})
		return respond(n, "notifications processed", err)
	},
}

var notifyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List notifications by status",
	RunE: func(cmd *cobra.Command, args []string) error {
		var reqs []*model.NotificationRequest
		err := withNotifications(cmd.Context(), func(svc *service.NotificationService) error {
			var err error
			reqs, err = svc.GetByStatus(cmd.Context(), notifyStatus, notifyLimit)
			return err
		})
		return respond(reqs, "", err)
	},
}

var notifyDeadCmd = &cobra.Command{
	Use:   "dead",
	Short: "List dead-lettered notifications",
	RunE: func(cmd *cobra.Command, args []string) error {
		var dead []*model.DeadLetter
		err := withNotifications(cmd.Context(), func(svc *service.NotificationService) error {
			var err error
			dead, err = svc.DeadLetters(cmd.Context(), notifyLimit)
			return err
		})
		return respond(dead, "", err)
	},
}

func init() {
	notifySendCmd.Flags().StringVar(&notifyChannel, "channel", "", "Channel (email|sms|push)")
	notifySendCmd.Flags().StringVar(&notifyRecipient, "to", "", "Recipient address or number")
	notifySendCmd.Flags().StringVar(&notifySubject, "subject", "", "Subject line")
	notifySendCmd.Flags().StringVar(&notifyBody, "body", "", "Message body")
	notifySendCmd.Flags().IntVar(&notifyMaxRetries, "max-retries", 3, "Delivery attempts before dead-lettering")
	notifySendCmd.Flags().StringVar(&notifyAt, "at", "", "Deliver no earlier than this RFC 3339 time")
	_ = notifySendCmd.MarkFlagRequired("channel")
	_ = notifySendCmd.MarkFlagRequired("to")

	notifyListCmd.Flags().StringVar(&notifyStatus, "status", "PENDING", "Status (PENDING|SENT|FAILED)")
	for _, c := range []*cobra.Command{notifyListCmd, notifyDeadCmd} {
		c.Flags().IntVar(&notifyLimit, "limit", 50, "Max rows")
	}

	notifyCmd.AddCommand(notifySendCmd, notifyProcessCmd, notifyListCmd, notifyDeadCmd)
	rootCmd.AddCommand(notifyCmd)
}

// withNotifications builds a short-lived engine for one command. Dispositions
// parked by the queue fallback are retried once before returning.
func withNotifications(ctx context.Context, fn func(*service.NotificationService) error) error {
	b, closeBus, err := openBus(cfg, logger)
	if err != nil {
		return err
	}
	defer closeBus()

	updater, queue, err := status.New(store, cfg.Breaker, logger)
	if err != nil {
		return err
	}

	engine := notification.NewEngine(store, b, updater, notification.OptionsFromConfig(cfg.Notification), logger)
	for channel, sender := range notification.NewSenders(cfg.Notification, logger) {
		engine.RegisterSender(channel, sender)
	}

	err = fn(service.NewNotificationService(engine, logger))

	if queue != nil && queue.Len() > 0 {
		drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		queue.Drain(drainCtx, updater)
		if left := queue.Len(); left > 0 {
			logger.Warn("Status updates left undelivered", zap.Int("count", left))
		}
	}
	return err
}
