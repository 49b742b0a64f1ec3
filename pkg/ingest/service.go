// Package ingest implements the collected-item intake: validation, noise
// filtering, per-run deduplication and period assignment.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/echolab/echoman/pkg/models"
	"github.com/echolab/echoman/pkg/period"
	"github.com/echolab/echoman/pkg/store"
)

// Store is the persistence surface ingestion needs.
type Store interface {
	InsertItem(ctx context.Context, draft models.ItemDraft, periodKey, dedupKey string, fetchedAt time.Time) (int64, bool, error)
	StartRun(ctx context.Context, kind models.RunKind, periodKey string) (int64, error)
	FinishRun(ctx context.Context, id int64, status models.RunStatus, counters map[string]int, errMsg string) error
}

// Result reports the fate of one ingested batch.
type Result struct {
	Accepted   int `json:"accepted"`
	Duplicates int `json:"duplicates"`
	Noise      int `json:"noise"`
	Invalid    int `json:"invalid"`
}

// Service validates and persists item drafts.
type Service struct {
	store    Store
	patterns []*regexp.Regexp
	logger   *slog.Logger
}

// NewService compiles the noise patterns and builds the service.
func NewService(st Store, noisePatterns []string, logger *slog.Logger) (*Service, error) {
	if st == nil {
		panic("ingest.NewService: store is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	patterns := make([]*regexp.Regexp, 0, len(noisePatterns))
	for _, p := range noisePatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid noise pattern %q: %w", p, err)
		}
		patterns = append(patterns, re)
	}

	return &Service{store: st, patterns: patterns, logger: logger}, nil
}

// IngestBatch validates and persists the drafts, recording one ingest
// RunRecord. Per-draft rejections (noise, duplicates, validation) are
// counted, not fatal; only infrastructure failures abort the batch.
func (s *Service) IngestBatch(ctx context.Context, drafts []models.ItemDraft) (Result, error) {
	now := time.Now()
	periodKey := period.Key(now)

	runID, err := s.store.StartRun(ctx, models.RunIngest, periodKey)
	if err != nil {
		return Result{}, fmt.Errorf("failed to open ingest run: %w", err)
	}

	var res Result
	for _, draft := range drafts {
		if err := validateDraft(draft); err != nil {
			s.logger.Debug("Rejected invalid draft", "platform", draft.Platform, "error", err)
			res.Invalid++
			continue
		}
		if s.isNoise(draft) {
			res.Noise++
			continue
		}

		fetchedAt := now
		if draft.FetchedAt != nil {
			fetchedAt = *draft.FetchedAt
		}

		_, inserted, err := s.store.InsertItem(ctx, draft, period.Key(fetchedAt), dedupKey(draft), fetchedAt)
		if err != nil {
			_ = s.store.FinishRun(ctx, runID, models.RunFailed, counters(res), err.Error())
			return res, fmt.Errorf("failed to persist draft %q: %w", draft.Title, err)
		}
		if inserted {
			res.Accepted++
		} else {
			res.Duplicates++
		}
	}

	if err := s.store.FinishRun(ctx, runID, models.RunSucceeded, counters(res), ""); err != nil {
		s.logger.Warn("Failed to close ingest run", "run_id", runID, "error", err)
	}

	s.logger.Info("Ingest batch processed",
		"period", periodKey,
		"accepted", res.Accepted,
		"duplicates", res.Duplicates,
		"noise", res.Noise,
		"invalid", res.Invalid)
	return res, nil
}

// isNoise reports whether the draft's title or url matches a noise
// pattern.
func (s *Service) isNoise(draft models.ItemDraft) bool {
	for _, re := range s.patterns {
		if re.MatchString(draft.Title) || re.MatchString(draft.URL) {
			return true
		}
	}
	return false
}

func validateDraft(draft models.ItemDraft) error {
	if !draft.Platform.Valid() {
		return store.NewValidationError("platform", fmt.Sprintf("unknown platform %q", draft.Platform))
	}
	if draft.Title == "" {
		return store.NewValidationError("title", "must not be empty")
	}
	if draft.URL == "" {
		return store.NewValidationError("url", "must not be empty")
	}
	if draft.RunID == "" {
		return store.NewValidationError("run_id", "must not be empty")
	}
	return nil
}

// dedupKey hashes (platform, url) and scopes it to the collector run, so
// the same URL re-collected in a later run is a fresh atom.
func dedupKey(draft models.ItemDraft) string {
	h := sha256.Sum256([]byte(string(draft.Platform) + "|" + draft.URL))
	return hex.EncodeToString(h[:8]) + ":" + draft.RunID
}

func counters(r Result) map[string]int {
	return map[string]int{
		"accepted":   r.Accepted,
		"duplicates": r.Duplicates,
		"noise":      r.Noise,
		"invalid":    r.Invalid,
	}
}
