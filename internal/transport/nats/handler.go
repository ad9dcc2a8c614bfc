package nats

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/nats-io/nats.go"

	"tallyo/internal/model"
	"tallyo/internal/service"
)

// Command topics. Product services publish usage fire-and-forget when they do
// not need the receipt synchronously; finalize commands close the loop.
const (
	TopicUsage   = "commands.usage"
	TopicCommit  = "commands.usage.commit"
	TopicReverse = "commands.usage.reverse"
)

const queueGroup = "credit_engine"

type finalizeCommand struct {
	CorrelationID string `json:"correlation_id"`
}

// Handler subscribes to command topics and delegates to the credit service.
type Handler struct {
	svc  service.CreditService
	nc   *nats.Conn
	subs []*nats.Subscription
}

func NewHandler(svc service.CreditService, nc *nats.Conn) *Handler {
	return &Handler{svc: svc, nc: nc}
}

// Start subscribes to command topics and blocks until ctx is cancelled.
func (h *Handler) Start(ctx context.Context) error {
	s1, err := h.nc.QueueSubscribe(TopicUsage, queueGroup, func(m *nats.Msg) {
		var req model.UsageRequest
		if err := json.Unmarshal(m.Data, &req); err != nil {
			slog.Error("nats: failed to unmarshal usage command", "error", err)
			return
		}
		if _, err := h.svc.RecordUsage(ctx, req); err != nil {
			slog.Error("nats: usage record failed", "error", err, "account_id", req.AccountID)
		}
	})
	if err != nil {
		return err
	}
	h.subs = append(h.subs, s1)

	s2, err := h.nc.QueueSubscribe(TopicCommit, queueGroup, func(m *nats.Msg) {
		var cmd finalizeCommand
		if err := json.Unmarshal(m.Data, &cmd); err != nil {
			slog.Error("nats: failed to unmarshal commit command", "error", err)
			return
		}
		if err := h.svc.CommitUsage(ctx, cmd.CorrelationID); err != nil {
			slog.Error("nats: commit failed", "error", err, "correlation_id", cmd.CorrelationID)
		}
	})
	if err != nil {
		return err
	}
	h.subs = append(h.subs, s2)

	s3, err := h.nc.QueueSubscribe(TopicReverse, queueGroup, func(m *nats.Msg) {
		var cmd finalizeCommand
		if err := json.Unmarshal(m.Data, &cmd); err != nil {
			slog.Error("nats: failed to unmarshal reverse command", "error", err)
			return
		}
		if err := h.svc.ReverseUsage(ctx, cmd.CorrelationID); err != nil {
			slog.Error("nats: reverse failed", "error", err, "correlation_id", cmd.CorrelationID)
		}
	})
	if err != nil {
		return err
	}
	h.subs = append(h.subs, s3)

	slog.Info("NATS command handler is running")

	<-ctx.Done()
	slog.Info("NATS command handler shutting down, draining subscriptions...")

	for _, s := range h.subs {
		_ = s.Drain()
	}
	return nil
}

func (h *Handler) Stop(ctx context.Context) error {
	for _, s := range h.subs {
		_ = s.Unsubscribe()
	}
	return nil
}
