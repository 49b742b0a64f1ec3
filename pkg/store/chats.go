package store

import (
	"context"
	"fmt"

	"github.com/echolab/echoman/pkg/models"
)

// InsertChat records one RAG question and returns its id.
func (s *Store) InsertChat(ctx context.Context, mode models.ChatMode, topicID *int64, question string) (int64, error) {
	ctx, cancel := writeCtx(ctx)
	defer cancel()

	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO chats (mode, topic_id, question)
		VALUES ($1, $2, $3)
		RETURNING id`, mode, topicID, question,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert chat: %w", err)
	}
	return id, nil
}
