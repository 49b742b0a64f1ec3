package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/echolab/echoman/pkg/config"
	"github.com/echolab/echoman/pkg/period"
)

type recordingRunner struct {
	mu   sync.Mutex
	keys []string
}

func (r *recordingRunner) Run(_ context.Context, periodKey string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = append(r.keys, periodKey)
	return nil
}

func testSchedulerConfig() config.Config {
	return config.Config{
		Schedule: config.ScheduleConfig{
			Ingest:    "0 8,10,12,14,16,18,20,22 * * *",
			StageOne:  "5 8,12,18,22 * * *",
			StageTwo:  "20 8,12,18,22 * * *",
			Reconcile: "30 3 * * *",
		},
		Timeouts: config.TimeoutConfig{RunSoftStop: 15 * time.Minute},
	}
}

func TestSchedulerStartRegistersJobs(t *testing.T) {
	s := New(&recordingRunner{}, &recordingRunner{}, nil, nil, testSchedulerConfig(), nil)
	require.NoError(t, s.Start())
	defer func() { _ = s.Stop(context.Background()) }()

	assert.Len(t, s.cron.Entries(), 2)
}

func TestSchedulerRegistersOptionalJobs(t *testing.T) {
	rec := reconcilerFunc(func(context.Context) (int, error) { return 0, nil })
	ingest := IngestFunc(func(context.Context) error { return nil })

	s := New(&recordingRunner{}, &recordingRunner{}, rec, ingest, testSchedulerConfig(), nil)
	require.NoError(t, s.Start())
	defer func() { _ = s.Stop(context.Background()) }()

	assert.Len(t, s.cron.Entries(), 4)
}

type reconcilerFunc func(context.Context) (int, error)

func (f reconcilerFunc) ReconcileVectors(ctx context.Context) (int, error) { return f(ctx) }

func TestSchedulerRejectsBadSchedule(t *testing.T) {
	cfg := testSchedulerConfig()
	cfg.Schedule.StageOne = "not a cron spec"
	s := New(&recordingRunner{}, &recordingRunner{}, nil, nil, cfg, nil)
	require.Error(t, s.Start())
}

func TestScheduledKeyMapsRunHoursToPeriods(t *testing.T) {
	loc := period.Location()
	tests := []struct {
		hour int
		want period.Period
	}{
		{8, period.Morn},
		{12, period.AM},
		{18, period.PM},
		{22, period.Eve},
	}
	for _, tt := range tests {
		at := time.Date(2026, 8, 24, tt.hour, 5, 0, 0, loc)
		assert.Equal(t, "2026-08-24_"+string(tt.want), scheduledKey(at))
	}
}

func TestScheduledKeyResolvesInShanghai(t *testing.T) {
	// 23:05 UTC on the 23rd is 07:05 on the 24th in Shanghai: a MORN run
	// of the next calendar day.
	at := time.Date(2026, 8, 23, 23, 5, 0, 0, time.UTC)
	assert.Equal(t, "2026-08-24_MORN", scheduledKey(at))
}

func TestSchedulerStopWaitsForJobs(t *testing.T) {
	s := New(&recordingRunner{}, &recordingRunner{}, nil, nil, testSchedulerConfig(), nil)
	require.NoError(t, s.Start())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}
