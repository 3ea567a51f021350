package app

import (
	"context"
	"strings"
	"unicode/utf8"

	"printflow/api/internal/metrics"
	"printflow/api/internal/rbac"
	"printflow/api/internal/store"
)

const maxChatMessageLength = 2000

// ChatHistory returns the most recent messages oldest first, flagging the
// caller's own.
func (s *Service) ChatHistory(ctx context.Context, session Session) (map[string]any, error) {
	if err := s.require(session, rbac.ActionRead); err != nil {
		return nil, err
	}
	messages, err := s.store.ListChatMessages(ctx, s.cfg.ChatHistoryLimit)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(messages))
	for _, message := range messages {
		items = append(items, chatPayload(message, session.Username))
	}
	return map[string]any{"messages": items}, nil
}

func (s *Service) SendChat(ctx context.Context, session Session, body string) (map[string]any, error) {
	if err := s.require(session, rbac.ActionChat); err != nil {
		return nil, err
	}
	text := strings.TrimSpace(body)
	if text == "" {
		return nil, validationError("message is required")
	}
	if utf8.RuneCountInString(text) > maxChatMessageLength {
		return nil, validationError("message is too long")
	}
	message, err := s.store.InsertChatMessage(ctx, session.Username, text)
	if err != nil {
		return nil, err
	}
	s.signal.AdvanceChat(message.ID)
	s.committed(metrics.KindChat)
	return map[string]any{"message": chatPayload(message, session.Username)}, nil
}

// ClearChat deletes the history. The chat counter is left where it is;
// message ids keep increasing after a clear.
func (s *Service) ClearChat(ctx context.Context, session Session) error {
	if err := s.require(session, rbac.ActionClearChat); err != nil {
		return err
	}
	if err := s.store.ClearChat(ctx); err != nil {
		return err
	}
	s.committed(metrics.KindChat)
	return nil
}

func chatPayload(message store.ChatMessage, viewer string) map[string]any {
	return map[string]any{
		"id":        message.ID,
		"author":    message.Author,
		"body":      message.Body,
		"createdAt": message.CreatedAt,
		"mine":      message.Author == viewer,
	}
}
