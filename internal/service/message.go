package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/promptline/agentd/internal/core"
	"github.com/promptline/agentd/internal/data"
	"github.com/promptline/agentd/internal/domain/model"
	apperrors "github.com/promptline/agentd/internal/errors"
)

// MessageServiceOptions groups dependencies for MessageService.
type MessageServiceOptions struct {
	Repo     core.MessageRepository // Required
	Sessions core.SessionRepository // Required
	Logger   *slog.Logger           // Optional
}

// MessageService provides business logic for the session message log.
type MessageService struct {
	repo     core.MessageRepository
	sessions core.SessionRepository
	logger   *slog.Logger
}

// NewMessageService constructs a new MessageService.
func NewMessageService(opts MessageServiceOptions) (*MessageService, error) {
	if opts.Repo == nil {
		return nil, errors.New("MessageRepository is required")
	}
	if opts.Sessions == nil {
		return nil, errors.New("SessionRepository is required")
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "message_service")
	}

	return &MessageService{
		repo:     opts.Repo,
		sessions: opts.Sessions,
		logger:   logger,
	}, nil
}

// MustNewMessageService constructs a new MessageService and panics on error.
func MustNewMessageService(opts MessageServiceOptions) *MessageService {
	svc, err := NewMessageService(opts)
	if err != nil {
		//nolint:forbidigo // Must constructor fails fast when dependencies are invalid during startup
		panic(fmt.Sprintf("failed to create MessageService: %v", err))
	}
	return svc
}

// AppendParams groups parameters for Append.
type AppendParams struct {
	// ID is the message id. Empty generates a fresh uuid; callers supply
	// an id when they need idempotent appends.
	ID        string
	SessionID string
	Kind      model.MessageKind
	Payload   json.RawMessage
	ParentID  *string
	JobID     *string
}

// Append appends a message to a session's log. Appends are idempotent
// by message id.
func (s *MessageService) Append(ctx context.Context, params AppendParams) (*model.Message, error) {
	id := params.ID
	if id == "" {
		id = uuid.NewString()
	}

	msg := &model.Message{
		ID:        id,
		SessionID: params.SessionID,
		Kind:      params.Kind,
		Payload:   params.Payload,
		ParentID:  params.ParentID,
		JobID:     params.JobID,
	}
	if err := msg.Validate(); err != nil {
		return nil, apperrors.Validation(err.Error())
	}

	stored, err := s.repo.Append(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}
	return stored, nil
}

// ListPage returns one page of a session's message log together with
// the session state snapshot and next cursor.
func (s *MessageService) ListPage(ctx context.Context, sessionID, cursor string, limit int) (*model.MessagePage, error) {
	session, err := s.sessions.Get(ctx, sessionID)
	if errors.Is(err, data.ErrSessionNotFound) {
		return nil, apperrors.NotFoundf("session %s not found", sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}

	messages, nextCursor, err := s.repo.ListAfter(ctx, sessionID, cursor, limit)
	if err != nil {
		if errors.Is(err, data.ErrInvalidCursor) {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeValidation, "invalid cursor")
		}
		return nil, fmt.Errorf("list messages: %w", err)
	}

	if messages == nil {
		messages = []model.Message{}
	}

	return &model.MessagePage{
		Messages:   messages,
		Session:    session.State(),
		NextCursor: nextCursor,
	}, nil
}
