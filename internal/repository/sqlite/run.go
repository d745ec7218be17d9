package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/surveybot/surveybot/internal/domain"
)

var (
	// ErrParticipantNotFound is returned when a participant doesn't exist.
	ErrParticipantNotFound = errors.New("participant not found")
)

// RunRepository handles participant and conversation persistence.
type RunRepository struct {
	db *sqlx.DB
}

// NewRunRepository creates a run repository over the store.
func NewRunRepository(db *DB) *RunRepository {
	return &RunRepository{db: db.DB}
}

// InsertParticipants records the seats of a freshly initialized session.
func (r *RunRepository) InsertParticipants(ctx context.Context, participants []domain.Participant) error {
	query := `
		INSERT INTO participants (session_name, session_id, participant_id, is_human, url, time_in, time_out)
		VALUES (:session_name, :session_id, :participant_id, :is_human, :url, :time_in, :time_out)`
	for _, p := range participants {
		if _, err := r.db.NamedExecContext(ctx, query, p); err != nil {
			return fmt.Errorf("inserting participant %s: %w", p.ParticipantID, err)
		}
	}
	return nil
}

// GetParticipant returns one participant row.
func (r *RunRepository) GetParticipant(ctx context.Context, participantID string) (*domain.Participant, error) {
	var p domain.Participant
	query := `SELECT * FROM participants WHERE participant_id = ?`
	if err := r.db.GetContext(ctx, &p, query, participantID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrParticipantNotFound
		}
		return nil, fmt.Errorf("getting participant: %w", err)
	}
	return &p, nil
}

// ListParticipants returns every participant of a session, or of all
// sessions when sessionID is empty.
func (r *RunRepository) ListParticipants(ctx context.Context, sessionID string) ([]domain.Participant, error) {
	var rows []domain.Participant
	var err error
	if sessionID == "" {
		err = r.db.SelectContext(ctx, &rows,
			`SELECT * FROM participants ORDER BY session_id, participant_id`)
	} else {
		err = r.db.SelectContext(ctx, &rows,
			`SELECT * FROM participants WHERE session_id = ? ORDER BY participant_id`, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("listing participants: %w", err)
	}
	return rows, nil
}

// BotURLs returns the participant URLs of a session's bot seats that have
// not finished yet. With alreadyStarted set, only seats with a recorded
// start and no recorded finish are returned, which is the resume case after
// a crashed run.
func (r *RunRepository) BotURLs(ctx context.Context, sessionID string, alreadyStarted bool) ([]string, error) {
	query := `
		SELECT url FROM participants
		WHERE session_id = ? AND is_human = 0 AND time_out IS NULL AND time_in IS NULL
		ORDER BY participant_id`
	if alreadyStarted {
		query = `
			SELECT url FROM participants
			WHERE session_id = ? AND is_human = 0 AND time_out IS NULL AND time_in IS NOT NULL
			ORDER BY participant_id`
	}
	var urls []string
	if err := r.db.SelectContext(ctx, &urls, query, sessionID); err != nil {
		return nil, fmt.Errorf("listing bot urls: %w", err)
	}
	return urls, nil
}

// MarkStarted records the moment a bot took its seat.
func (r *RunRepository) MarkStarted(ctx context.Context, participantID string, at time.Time) error {
	return r.mark(ctx, "time_in", participantID, at)
}

// MarkFinished records the moment a bot run terminated, successfully or not.
func (r *RunRepository) MarkFinished(ctx context.Context, participantID string, at time.Time) error {
	return r.mark(ctx, "time_out", participantID, at)
}

func (r *RunRepository) mark(ctx context.Context, column, participantID string, at time.Time) error {
	query := fmt.Sprintf(`UPDATE participants SET %s = ? WHERE participant_id = ?`, column)
	result, err := r.db.ExecContext(ctx, query, at, participantID)
	if err != nil {
		return fmt.Errorf("updating participant %s: %w", column, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrParticipantNotFound
	}
	return nil
}

// conversationRow is the persisted shape of one transcript.
type conversationRow struct {
	ID           string `db:"id"`
	BotParms     string `db:"bot_parms"`
	Conversation string `db:"conversation"`
}

// SaveConversation persists a completed transcript. An existing transcript
// for the same participant is replaced, which happens when a seat is re-run.
func (r *RunRepository) SaveConversation(ctx context.Context, rec *domain.ConversationRecord) error {
	parms, err := json.Marshal(rec.RunParameters)
	if err != nil {
		return fmt.Errorf("encoding run parameters: %w", err)
	}
	msgs, err := json.Marshal(rec.Messages)
	if err != nil {
		return fmt.Errorf("encoding messages: %w", err)
	}
	query := `
		INSERT INTO conversations (id, bot_parms, conversation)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET bot_parms = excluded.bot_parms, conversation = excluded.conversation`
	if _, err := r.db.ExecContext(ctx, query, rec.ParticipantID, string(parms), string(msgs)); err != nil {
		return fmt.Errorf("saving conversation: %w", err)
	}
	return nil
}

// GetConversation returns the transcript of one participant.
func (r *RunRepository) GetConversation(ctx context.Context, participantID string) (*domain.ConversationRecord, error) {
	var row conversationRow
	query := `SELECT * FROM conversations WHERE id = ?`
	if err := r.db.GetContext(ctx, &row, query, participantID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrParticipantNotFound
		}
		return nil, fmt.Errorf("getting conversation: %w", err)
	}
	return decodeConversation(row)
}

// ListConversations returns every persisted transcript.
func (r *RunRepository) ListConversations(ctx context.Context) ([]*domain.ConversationRecord, error) {
	var rows []conversationRow
	if err := r.db.SelectContext(ctx, &rows, `SELECT * FROM conversations ORDER BY id`); err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}
	out := make([]*domain.ConversationRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := decodeConversation(row)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func decodeConversation(row conversationRow) (*domain.ConversationRecord, error) {
	rec := &domain.ConversationRecord{ParticipantID: row.ID}
	if err := json.Unmarshal([]byte(row.BotParms), &rec.RunParameters); err != nil {
		return nil, fmt.Errorf("decoding run parameters for %s: %w", row.ID, err)
	}
	if err := json.Unmarshal([]byte(row.Conversation), &rec.Messages); err != nil {
		return nil, fmt.Errorf("decoding messages for %s: %w", row.ID, err)
	}
	return rec, nil
}
