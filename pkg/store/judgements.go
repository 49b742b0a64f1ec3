package store

import (
	"context"
	"fmt"

	"github.com/echolab/echoman/pkg/models"
)

// RecordJudgement persists one adjudication audit row. Implements the llm
// package's JudgementRecorder.
func (s *Store) RecordJudgement(ctx context.Context, j models.LLMJudgement) error {
	ctx, cancel := writeCtx(ctx)
	defer cancel()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO llm_judgements
			(kind, request_summary, response_json, tokens_prompt,
			 tokens_completion, provider, model, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		j.Kind, j.RequestSummary, j.ResponseJSON, j.TokensPrompt,
		j.TokensCompletion, j.Provider, j.Model, j.Status)
	if err != nil {
		return fmt.Errorf("failed to record %s judgement: %w", j.Kind, err)
	}
	return nil
}
