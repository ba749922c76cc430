package registry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/xaenox/bot-factory/internal/models"
	"go.uber.org/zap"
)

// BroadcastReport summarizes one broadcast.
type BroadcastReport struct {
	TotalTargets int      `json:"total_targets"`
	Successful   int      `json:"successful"`
	Failed       int      `json:"failed"`
	Errors       []string `json:"errors,omitempty"`
}

// Broadcast sends text to every end user the bot has a conversation with, or
// only to targets when given. Each delivered message is stored as outbound.
func (r *Registry) Broadcast(ctx context.Context, botID, text string, targets []string) (*BroadcastReport, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyMessage
	}

	p := r.lookup(botID)
	if p == nil {
		return nil, fmt.Errorf("broadcast %s: %w", botID, ErrNotRunning)
	}

	convs, err := r.store.ListConversations(ctx, botID, targets)
	if err != nil {
		return nil, fmt.Errorf("broadcast %s: list conversations: %w", botID, err)
	}

	// delivered messages are stored even if the caller goes away mid-broadcast
	persistCtx := context.WithoutCancel(ctx)
	report := &BroadcastReport{TotalTargets: len(convs)}
	for _, conv := range convs {
		if err := ctx.Err(); err != nil {
			report.Failed += report.TotalTargets - report.Successful - report.Failed
			report.Errors = append(report.Errors, err.Error())
			break
		}

		if err := p.session.Send(ctx, conv.EndUserID, text); err != nil {
			report.Failed++
			report.Errors = append(report.Errors, fmt.Sprintf("user %s: %v", conv.EndUserID, err))
			continue
		}
		report.Successful++

		now := time.Now().UTC()
		msg := &models.Message{
			ConversationID: conv.ID,
			Content:        text,
			Direction:      models.DirectionOutbound,
			CreatedAt:      now,
		}
		if err := r.store.AppendMessage(persistCtx, msg); err != nil {
			p.logger.Error("Failed to save broadcast message",
				zap.Error(err),
				zap.String("conversation_id", conv.ID),
				zap.String("end_user_id", conv.EndUserID))
			continue
		}
		if err := r.store.TouchConversation(persistCtx, conv.ID, now, 1); err != nil {
			p.logger.Error("Failed to update conversation after broadcast",
				zap.Error(err),
				zap.String("conversation_id", conv.ID))
		}
	}

	p.logger.Info("Broadcast finished",
		zap.Int("total", report.TotalTargets),
		zap.Int("successful", report.Successful),
		zap.Int("failed", report.Failed))
	return report, nil
}
