package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/promptline/agentd/internal/domain/model"
)

// MessageRepo provides database operations for the append-only session
// message log.
type MessageRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
	logger       *slog.Logger
}

// MessageRepoOptions configure a MessageRepo.
type MessageRepoOptions struct {
	Logger       *slog.Logger
	TimeProvider TimeProvider
}

// NewMessageRepo creates a new MessageRepo instance.
func NewMessageRepo(db *sql.DB, opts MessageRepoOptions) *MessageRepo {
	tp := opts.TimeProvider
	if tp == nil {
		tp = &RealTimeProvider{}
	}
	return &MessageRepo{
		DB:           db,
		timeProvider: tp,
		logger:       opts.Logger,
	}
}

const messageColumns = `
  id,
  session_id,
  kind,
  payload,
  parent_id,
  job_id,
  created_at
`

type messageRowScanner interface {
	Scan(dest ...any) error
}

func scanMessageFromRow(scanner messageRowScanner) (*model.Message, error) {
	msg := &model.Message{}
	var parentID, jobID sql.NullString
	var payload []byte
	if err := scanner.Scan(
		&msg.ID,
		&msg.SessionID,
		&msg.Kind,
		&payload,
		&parentID,
		&jobID,
		&msg.CreatedAt,
	); err != nil {
		return nil, err
	}
	msg.Payload = append(msg.Payload[:0], payload...)
	msg.ParentID = cloneNullableString(parentID)
	msg.JobID = cloneNullableString(jobID)
	return msg, nil
}

// Append inserts a message into the session log. Appends are idempotent
// by message id: re-appending an existing id is a no-op and returns the
// stored row unchanged.
func (r *MessageRepo) Append(ctx context.Context, msg *model.Message) (*model.Message, error) {
	if msg == nil {
		return nil, errors.New("message is required")
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}

	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = r.timeProvider.Now()
	}

	res, err := r.DB.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, kind, payload, parent_id, job_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`, msg.ID, msg.SessionID, string(msg.Kind), []byte(msg.Payload), msg.ParentID, msg.JobID, createdAt.UTC())
	if err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}

	if rowsAffected, raErr := res.RowsAffected(); raErr == nil && rowsAffected == 0 && r.logger != nil {
		r.logger.DebugContext(ctx, "duplicate message append ignored",
			"message_id", msg.ID,
			"session_id", msg.SessionID,
		)
	}

	return r.GetByID(ctx, msg.ID)
}

// GetByID retrieves a message by id.
func (r *MessageRepo) GetByID(ctx context.Context, id string) (*model.Message, error) {
	row := r.DB.QueryRowContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE id = $1
	`, id)

	msg, err := scanMessageFromRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message %s: not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return msg, nil
}

// ListAfter returns messages for a session strictly after the cursor
// position, oldest first, plus the cursor for the next page. An empty
// cursor starts from the beginning of the log.
func (r *MessageRepo) ListAfter(ctx context.Context, sessionID, cursor string, limit int) ([]model.Message, string, error) {
	if limit <= 0 {
		limit = 100
	}

	var rows *sql.Rows
	var err error
	if cursor == "" {
		rows, err = r.DB.QueryContext(ctx, `
			SELECT `+messageColumns+`
			FROM messages
			WHERE session_id = $1
			ORDER BY created_at ASC, id ASC
			LIMIT $2
		`, sessionID, limit)
	} else {
		var cur messageCursorPayload
		cur, err = decodeMessageCursorPayload(cursor)
		if err != nil {
			return nil, "", fmt.Errorf("%w: %w", ErrInvalidCursor, err)
		}
		rows, err = r.DB.QueryContext(ctx, `
			SELECT `+messageColumns+`
			FROM messages
			WHERE session_id = $1
			  AND (created_at, id) > ($2, $3)
			ORDER BY created_at ASC, id ASC
			LIMIT $4
		`, sessionID, cur.CreatedAt.UTC(), cur.ID, limit)
	}
	if err != nil {
		return nil, "", fmt.Errorf("list messages: %w", err)
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			_ = cerr
		}
	}()

	var messages []model.Message
	for rows.Next() {
		msg, scanErr := scanMessageFromRow(rows)
		if scanErr != nil {
			return nil, "", fmt.Errorf("scan message: %w", scanErr)
		}
		messages = append(messages, *msg)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, "", fmt.Errorf("iterate messages: %w", rowsErr)
	}

	nextCursor := cursor
	if len(messages) > 0 {
		last := messages[len(messages)-1]
		encoded, encodeErr := EncodeMessageCursor(&last)
		if encodeErr != nil {
			return nil, "", encodeErr
		}
		nextCursor = encoded
	}

	return messages, nextCursor, nil
}
