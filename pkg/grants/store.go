package grants

import (
	"context"
	"database/sql"
	"fmt"
)

// ConversationStore checks conversation participation against PostgreSQL,
// the authoritative store for conversation membership.
type ConversationStore struct {
	db *sql.DB
}

func NewConversationStore(db *sql.DB) *ConversationStore {
	return &ConversationStore{db: db}
}

// IsParticipant reports whether userID is a member of the conversation.
func (s *ConversationStore) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	var ok bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(
			SELECT 1 FROM conversation_members
			WHERE conversation_id = $1 AND user_id = $2
		)`, conversationID, userID).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("query conversation membership: %w", err)
	}
	return ok, nil
}
