package app

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/rehearsal/internal/catalog"
	"github.com/ent0n29/rehearsal/internal/config"
	"github.com/ent0n29/rehearsal/internal/runs"
	"github.com/ent0n29/rehearsal/internal/simulation"
)

func testConfig() config.Config {
	return config.Config{
		MetricsNamespace:         "rehearsal_test",
		GenerationMode:           "mock",
		GenerationTimeout:        5 * time.Second,
		DefaultLang:              "es",
		MaxFacts:                 5,
		MaxTurns:                 3,
		Parallelism:              2,
		HistoryTurns:             6,
		JobTimeout:               time.Minute,
		FinishTimeout:            time.Second,
		SafetyBanPhrases:         []string{"hacerme daño"},
		SafetyRetentionThreshold: 0.3,
	}
}

func TestBuildWiresMockStack(t *testing.T) {
	res, err := Build(context.Background(), testConfig(), WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)
	defer func() { require.NoError(t, res.Cleanup(context.Background())) }()

	assert.Equal(t, "mock", res.GenerationMode)
	assert.Equal(t, "in-memory", runs.Mode(res.Store))

	out := res.Orchestrator.RunScenario(context.Background(), simulation.RunRequest{
		Scenario: catalog.Scenario{ID: "s", Goals: []string{"hablar"}},
	})
	require.Len(t, out.Conversations, 1)
	conv := out.Conversations[0]
	assert.Equal(t, runs.StatusCompleted, conv.Status)
	assert.Len(t, conv.Turns, 6)

	logged, err := res.Store.ListEvents(context.Background(), conv.Sync.RunID, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, logged)
}

func TestBuildRejectsUnknownDatabaseURL(t *testing.T) {
	cfg := testConfig()
	cfg.DatabaseURL = "mysql://nope"
	_, err := Build(context.Background(), cfg, WithRegisterer(prometheus.NewRegistry()))
	assert.Error(t, err)
}

func TestDefaultsCarryGlobalSafety(t *testing.T) {
	d := Defaults(testConfig())
	assert.Equal(t, 3, d.Options.MaxTurns)
	assert.Equal(t, []string{"hacerme daño"}, d.Safety.BanPhrases)
	assert.Nil(t, d.Safety.Escalation)

	cfg := testConfig()
	cfg.SafetyBanPhrases = nil
	assert.Nil(t, Defaults(cfg).Safety.BanPhrases)
}
