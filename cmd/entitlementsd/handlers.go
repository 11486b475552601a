package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/plateful/entitlements/pkg/jobs"
	"github.com/plateful/entitlements/pkg/observability"
	"github.com/plateful/entitlements/pkg/subscription"
)

// Job types accepted on POST /v1/jobs.
const (
	jobTypePaymentFailureNotice = "payment_failure_notice"
	jobTypeUsageResync          = "usage_resync"
)

type paymentFailureNotice struct {
	AccountID string `json:"account_id"`
	Attempt   int    `json:"attempt"`
}

type usageResyncRequest struct {
	AccountID string `json:"account_id"`
}

func registerJobHandlers(queue *jobs.Queue, machine *subscription.Machine, logger *observability.Logger) {
	// Dunning escalation stops at a structured log line. A real notifier
	// (email, in-app) would hang off this handler.
	queue.Register(jobTypePaymentFailureNotice, func(ctx context.Context, job jobs.Job) error {
		var notice paymentFailureNotice
		if err := json.Unmarshal(job.Payload, &notice); err != nil {
			return fmt.Errorf("decoding payment failure notice: %w", err)
		}
		if notice.AccountID == "" {
			return fmt.Errorf("payment failure notice missing account_id")
		}
		logger.WithFields(map[string]interface{}{
			"account_id": notice.AccountID,
			"attempt":    notice.Attempt,
		}).Warn("Payment failure escalation")
		return nil
	})

	queue.Register(jobTypeUsageResync, func(ctx context.Context, job jobs.Job) error {
		var req usageResyncRequest
		if err := json.Unmarshal(job.Payload, &req); err != nil {
			return fmt.Errorf("decoding usage resync request: %w", err)
		}
		if req.AccountID == "" {
			return fmt.Errorf("usage resync request missing account_id")
		}
		return machine.ResyncUsage(ctx, req.AccountID)
	})
}
