// Package config loads service configuration from the environment.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/echolab/echoman/pkg/models"
)

// LLMConfig holds the chat-model provider settings.
type LLMConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
}

// EmbeddingConfig holds the embedding provider settings.
type EmbeddingConfig struct {
	BaseURL string
	APIKey  string
	Model   string
}

// VectorConfig holds the vector index location.
type VectorConfig struct {
	URL        string
	Collection string
}

// MergeConfig holds the stage-one and stage-two tuning knobs.
type MergeConfig struct {
	// Stage one
	MinOccurrence       int
	SimilarityThreshold float64
	JaccardThreshold    float64
	LLMConfidence       float64

	// Stage two
	TopKCandidates      int
	MinSimilarity       float64
	ConfidenceThreshold float64
	MaxBatchSize        int
	Concurrent          int
	NewTopicKeepRatio   float64
	RecallActiveOnly    bool
}

// SummaryConfig holds the summary engine knobs.
type SummaryConfig struct {
	Concurrency int
	// Incremental refresh is skipped below either gate.
	MinNewNodes int
	MinInterval time.Duration
}

// ScheduleConfig holds the cron expressions, all evaluated in
// Asia/Shanghai.
type ScheduleConfig struct {
	Ingest    string
	StageOne  string
	StageTwo  string
	Reconcile string
}

// TimeoutConfig bounds every external call kind.
type TimeoutConfig struct {
	Embedding   time.Duration
	LLM         time.Duration
	RAG         time.Duration
	Vector      time.Duration
	RunSoftStop time.Duration
}

// Config is the full service configuration, loaded once at startup.
type Config struct {
	HTTPPort string
	LogLevel slog.Level

	PlatformWeights map[models.Platform]float64
	NoisePatterns   []string

	Merge     MergeConfig
	Summary   SummaryConfig
	Schedule  ScheduleConfig
	Timeouts  TimeoutConfig
	LLM       LLMConfig
	Embedding EmbeddingConfig
	Vector    VectorConfig
}

// defaultPlatformWeights reflect relative editorial trust in each
// platform's heat signal.
var defaultPlatformWeights = map[models.Platform]float64{
	models.PlatformWeibo:   1.2,
	models.PlatformZhihu:   1.1,
	models.PlatformBaidu:   1.1,
	models.PlatformToutiao: 1.0,
	models.PlatformNetease: 0.9,
	models.PlatformSina:    0.8,
	models.PlatformHupu:    0.8,
}

// defaultNoisePatterns drop list-page promos and pagination links at the
// ingestion boundary.
var defaultNoisePatterns = []string{
	`点击查看更多`,
	`实时热点$`,
	`^热搜榜`,
	`/hot/?$`,
	`/top/?$`,
}

// LoadFromEnv builds the full configuration from environment variables,
// applying defaults for everything optional.
func LoadFromEnv() (Config, error) {
	weights, err := loadPlatformWeights()
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		HTTPPort: getEnvOrDefault("HTTP_PORT", "8080"),
		LogLevel: parseLogLevel(getEnvOrDefault("LOG_LEVEL", "info")),

		PlatformWeights: weights,
		NoisePatterns:   loadNoisePatterns(),

		Merge: MergeConfig{
			MinOccurrence:       getEnvInt("HALFDAY_MERGE_MIN_OCCURRENCE", 2),
			SimilarityThreshold: getEnvFloat("HALFDAY_MERGE_SIMILARITY_THRESHOLD", 0.80),
			JaccardThreshold:    getEnvFloat("HALFDAY_MERGE_JACCARD_THRESHOLD", 0.40),
			LLMConfidence:       getEnvFloat("HALFDAY_MERGE_LLM_CONFIDENCE", 0.80),
			TopKCandidates:      getEnvInt("GLOBAL_MERGE_TOPK_CANDIDATES", 3),
			MinSimilarity:       getEnvFloat("GLOBAL_MERGE_MIN_SIMILARITY", 0.50),
			ConfidenceThreshold: getEnvFloat("GLOBAL_MERGE_CONFIDENCE_THRESHOLD", 0.75),
			MaxBatchSize:        getEnvInt("GLOBAL_MERGE_MAX_BATCH_SIZE", 200),
			Concurrent:          getEnvInt("GLOBAL_MERGE_CONCURRENT", 1),
			NewTopicKeepRatio:   getEnvFloat("GLOBAL_MERGE_NEW_TOPIC_KEEP_RATIO", 1.0),
			RecallActiveOnly:    getEnvBool("GLOBAL_MERGE_RECALL_ACTIVE_ONLY", false),
		},

		Summary: SummaryConfig{
			Concurrency: getEnvInt("SUMMARY_CONCURRENT_SIZE", 5),
			MinNewNodes: getEnvInt("SUMMARY_MIN_NEW_NODES", 3),
			MinInterval: getEnvDuration("SUMMARY_MIN_INTERVAL", 6*time.Hour),
		},

		Schedule: ScheduleConfig{
			Ingest:    getEnvOrDefault("SCHEDULE_INGEST", "0 8,10,12,14,16,18,20,22 * * *"),
			StageOne:  getEnvOrDefault("SCHEDULE_STAGE_ONE", "5 8,12,18,22 * * *"),
			StageTwo:  getEnvOrDefault("SCHEDULE_STAGE_TWO", "20 8,12,18,22 * * *"),
			Reconcile: getEnvOrDefault("SCHEDULE_RECONCILE", "40 3 * * *"),
		},

		Timeouts: TimeoutConfig{
			Embedding:   getEnvDuration("TIMEOUT_EMBEDDING", 10*time.Second),
			LLM:         getEnvDuration("TIMEOUT_LLM", 30*time.Second),
			RAG:         getEnvDuration("TIMEOUT_RAG", 60*time.Second),
			Vector:      getEnvDuration("TIMEOUT_VECTOR", 5*time.Second),
			RunSoftStop: getEnvDuration("RUN_SOFT_TIMEOUT", 900*time.Second),
		},

		LLM: LLMConfig{
			BaseURL:     getEnvOrDefault("LLM_BASE_URL", "https://dashscope.aliyuncs.com/compatible-mode/v1"),
			APIKey:      os.Getenv("LLM_API_KEY"),
			Model:       getEnvOrDefault("LLM_MODEL", "qwen-plus"),
			Temperature: getEnvFloat("LLM_TEMPERATURE", 0.2),
		},

		Embedding: EmbeddingConfig{
			BaseURL: getEnvOrDefault("EMBEDDING_BASE_URL", "https://dashscope.aliyuncs.com/compatible-mode/v1"),
			APIKey:  os.Getenv("EMBEDDING_API_KEY"),
			Model:   getEnvOrDefault("EMBEDDING_MODEL", "text-embedding-v3"),
		},

		Vector: VectorConfig{
			URL:        getEnvOrDefault("VECTOR_DB_URL", "http://localhost:8000"),
			Collection: getEnvOrDefault("VECTOR_DB_COLLECTION", "echoman"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Merge.TopKCandidates < 1 {
		return fmt.Errorf("invalid GLOBAL_MERGE_TOPK_CANDIDATES %d: must be ≥ 1", c.Merge.TopKCandidates)
	}
	if c.Merge.MaxBatchSize < 1 {
		return fmt.Errorf("invalid GLOBAL_MERGE_MAX_BATCH_SIZE %d: must be ≥ 1", c.Merge.MaxBatchSize)
	}
	if c.Merge.Concurrent < 1 {
		return fmt.Errorf("invalid GLOBAL_MERGE_CONCURRENT %d: must be ≥ 1", c.Merge.Concurrent)
	}
	if c.Merge.NewTopicKeepRatio <= 0 || c.Merge.NewTopicKeepRatio > 1.0 {
		return fmt.Errorf("invalid GLOBAL_MERGE_NEW_TOPIC_KEEP_RATIO %g: must be in (0, 1]", c.Merge.NewTopicKeepRatio)
	}
	if c.Summary.Concurrency < 1 {
		return fmt.Errorf("invalid SUMMARY_CONCURRENT_SIZE %d: must be ≥ 1", c.Summary.Concurrency)
	}
	for p, w := range c.PlatformWeights {
		if !p.Valid() {
			return fmt.Errorf("unknown platform %q in PLATFORM_WEIGHTS", p)
		}
		if w <= 0 {
			return fmt.Errorf("non-positive weight %g for platform %q", w, p)
		}
	}
	return nil
}

func loadPlatformWeights() (map[models.Platform]float64, error) {
	raw := os.Getenv("PLATFORM_WEIGHTS")
	if raw == "" {
		weights := make(map[models.Platform]float64, len(defaultPlatformWeights))
		for p, w := range defaultPlatformWeights {
			weights[p] = w
		}
		return weights, nil
	}
	var parsed map[models.Platform]float64
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, fmt.Errorf("invalid PLATFORM_WEIGHTS JSON: %w", err)
	}
	return parsed, nil
}

func loadNoisePatterns() []string {
	raw := os.Getenv("NOISE_TITLE_PATTERNS")
	if raw == "" {
		return append([]string(nil), defaultNoisePatterns...)
	}
	parts := strings.Split(raw, ",")
	patterns := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			patterns = append(patterns, p)
		}
	}
	return patterns
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
		// Bare numbers are seconds.
		if n, err := strconv.Atoi(val); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return defaultVal
}
