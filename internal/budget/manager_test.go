package budget_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contextwarden/gateway/internal/budget"
	"github.com/contextwarden/gateway/internal/chunk"
	"github.com/contextwarden/gateway/internal/condense"
	"github.com/contextwarden/gateway/internal/config"
	"github.com/contextwarden/gateway/internal/conversation"
	"github.com/contextwarden/gateway/internal/monitoring"
)

// =============================================================================
// FIXTURE
// =============================================================================

// mockBackend counts calls and replies with a fixed function.
type mockBackend struct {
	mu    sync.Mutex
	calls int
	reply func(req condense.Request) (condense.Response, error)
}

func (m *mockBackend) Summarize(_ context.Context, req condense.Request) (condense.Response, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	return m.reply(req)
}

func (m *mockBackend) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type fixture struct {
	manager *budget.Manager
	backend *mockBackend
	metrics *monitoring.MetricsCollector
	indexer *chunk.Indexer
}

// newFixture builds a manager over a character-priced counter, two-message
// chunks, and a mock backend.
func newFixture(t *testing.T, backend *mockBackend) *fixture {
	t.Helper()

	counter := charCounter(t)
	risk := budget.NewRiskAnalyzer(defaultRiskConfig())
	truncator := budget.NewEmergencyTruncator(counter)

	chunking := config.ChunkingConfig{MaxMessages: 2, MaxTokens: 100000, Overlap: 1}
	partitioner := chunk.NewPartitioner(chunking, counter.CountOne)

	cacheCfg := config.CacheConfig{MaxEntries: 64, TTL: time.Hour}
	indexer := chunk.NewIndexer(partitioner, cacheCfg, nil)

	condCfg := config.CondensationConfig{
		LightStrategy:      "conversation_summary",
		AggressiveStrategy: "key_point_extraction",
		Deadline:           2 * time.Second,
		PreservationFloor:  0.05,
		LightTargetRatio:   0.5,
		AggressiveTarget:   0.25,
		SummaryMaxTokens:   512,
		TruncateSentences:  3,
	}
	engine := condense.NewEngine(backend, counter.CountText, condCfg)
	metrics := monitoring.NewMetricsCollector()
	limits := config.LimitsConfig{Text: 200000, Vision: 65536}

	return &fixture{
		manager: budget.NewManager(counter, risk, indexer, engine, truncator, metrics, condCfg, limits),
		backend: backend,
		metrics: metrics,
		indexer: indexer,
	}
}

func summaryBackend(text string) *mockBackend {
	return &mockBackend{reply: func(condense.Request) (condense.Response, error) {
		return condense.Response{Text: text}, nil
	}}
}

func failingBackend() *mockBackend {
	return &mockBackend{reply: func(condense.Request) (condense.Response, error) {
		return condense.Response{}, errors.New("backend unavailable")
	}}
}

// fourTurns is 400 tokens under the character counter.
func fourTurns() conversation.Conversation {
	return conversation.Conversation{
		{Role: conversation.RoleUser, Text: strings.Repeat("a", 100)},
		{Role: conversation.RoleAssistant, Text: strings.Repeat("b", 100)},
		{Role: conversation.RoleUser, Text: strings.Repeat("c", 100)},
		{Role: conversation.RoleAssistant, Text: strings.Repeat("d", 100)},
	}
}

func profile(limit int) conversation.EndpointProfile {
	return conversation.EndpointProfile{HardTokenLimit: limit, ContentClass: conversation.ClassText}
}

// =============================================================================
// MONITOR-ONLY PATH
// =============================================================================

func TestManage_SafeUtilizationPassesThrough(t *testing.T) {
	f := newFixture(t, summaryBackend("irrelevant"))
	conv := fourTurns() // 400 tokens

	out, meta, err := f.manager.Manage(context.Background(), conv, profile(1000), nil)
	require.NoError(t, err)

	assert.Equal(t, conv, out, "safe conversations pass through unchanged")
	assert.Equal(t, "safe", meta.RiskLevel)
	assert.Equal(t, "monitor_only", meta.StrategyUsed)
	assert.InDelta(t, 40.0, meta.UtilizationPercent, 0.001)
	assert.Equal(t, 400, meta.OriginalTokens)
	assert.Equal(t, 400, meta.FinalTokens)
	assert.Equal(t, 0, f.backend.callCount(), "no backend work below the warning threshold")
}

func TestManage_CautionStillPassesThrough(t *testing.T) {
	f := newFixture(t, summaryBackend("irrelevant"))
	conv := fourTurns()

	out, meta, err := f.manager.Manage(context.Background(), conv, profile(530), nil) // ~75%
	require.NoError(t, err)

	assert.Equal(t, conv, out)
	assert.Equal(t, "caution", meta.RiskLevel)
	assert.Equal(t, "monitor_only", meta.StrategyUsed)
	assert.Equal(t, 0, f.backend.callCount())
}

// =============================================================================
// CONDENSATION PATH
// =============================================================================

func TestManage_WarningCondensesChunks(t *testing.T) {
	f := newFixture(t, summaryBackend(strings.Repeat("s", 50)))
	conv := fourTurns() // 400 tokens, limit 480 puts this at ~83%

	out, meta, err := f.manager.Manage(context.Background(), conv, profile(480), nil)
	require.NoError(t, err)

	assert.Equal(t, "warning", meta.RiskLevel)
	assert.Equal(t, "condense_light", meta.StrategyUsed)
	assert.Equal(t, 2, meta.ChunksTotal)
	assert.Equal(t, 2, meta.ChunksCondensed)
	assert.Equal(t, 2, f.backend.callCount(), "one call per chunk")
	assert.False(t, meta.Truncated)

	// Two chunks replaced by two 50-token summaries.
	require.Len(t, out, 2)
	assert.Equal(t, conversation.RoleAssistant, out[0].Role)
	assert.Equal(t, 100, meta.FinalTokens)
	assert.Equal(t, 300, meta.TokensSaved)
	assert.Less(t, meta.FinalTokens, meta.OriginalTokens)
}

func TestManage_SystemMessageNeverCondensed(t *testing.T) {
	f := newFixture(t, summaryBackend(strings.Repeat("s", 50)))

	sys := conversation.Message{Role: conversation.RoleSystem, Text: strings.Repeat("p", 80)}
	conv := append(conversation.Conversation{sys}, fourTurns()...) // 480 tokens

	out, meta, err := f.manager.Manage(context.Background(), conv, profile(560), nil) // ~86%
	require.NoError(t, err)

	require.NotEmpty(t, out)
	assert.Equal(t, sys, out[0], "system message survives verbatim")
	assert.Equal(t, 2, meta.ChunksTotal, "system message is not chunked")
}

func TestManage_IdenticalConversationReusesCondensedChunks(t *testing.T) {
	f := newFixture(t, summaryBackend(strings.Repeat("s", 50)))
	conv := fourTurns()

	first, _, err := f.manager.Manage(context.Background(), conv, profile(480), nil)
	require.NoError(t, err)
	require.Equal(t, 2, f.backend.callCount())

	second, meta, err := f.manager.Manage(context.Background(), fourTurns(), profile(480), nil)
	require.NoError(t, err)

	assert.Equal(t, 2, f.backend.callCount(), "identical content must not be re-condensed")
	assert.Equal(t, first, second)
	assert.Equal(t, 2, meta.ChunksCondensed)

	stats := f.metrics.FullStats()
	assert.Equal(t, int64(2), stats.Condensation.CacheHits)
}

func TestManage_AppendedTurnsOnlyCondenseNewChunk(t *testing.T) {
	f := newFixture(t, summaryBackend(strings.Repeat("s", 50)))

	_, _, err := f.manager.Manage(context.Background(), fourTurns(), profile(480), nil)
	require.NoError(t, err)
	require.Equal(t, 2, f.backend.callCount())

	grown := append(fourTurns(),
		conversation.Message{Role: conversation.RoleUser, Text: strings.Repeat("e", 100)},
		conversation.Message{Role: conversation.RoleAssistant, Text: strings.Repeat("f", 100)},
	) // 600 tokens, limit 720 keeps this at ~83%

	_, meta, err := f.manager.Manage(context.Background(), grown, profile(720), nil)
	require.NoError(t, err)

	assert.Equal(t, 3, meta.ChunksTotal)
	assert.Equal(t, 3, f.backend.callCount(), "only the new chunk triggers backend work")
}

func TestManage_NeverAdoptsLargerResult(t *testing.T) {
	// Backend echoes something longer than any chunk; the gate rejects it,
	// nothing is condensed, and the original conversation survives.
	f := newFixture(t, summaryBackend(strings.Repeat("s", 300)))
	conv := fourTurns()

	out, meta, err := f.manager.Manage(context.Background(), conv, profile(480), nil)
	require.NoError(t, err)

	assert.Equal(t, conv, out)
	assert.Equal(t, 0, meta.ChunksCondensed)
	assert.Equal(t, 400, meta.FinalTokens)
	assert.Equal(t, "monitor_only", meta.StrategyUsed,
		"nothing was adopted, so nothing beyond monitoring was applied")

	stats := f.metrics.FullStats()
	assert.Equal(t, int64(2), stats.Condensation.Rejected)
}

func TestManage_PreservationFloorRejectsDegenerateSummaries(t *testing.T) {
	// 4 tokens against a 200-token chunk is below the 5% floor.
	f := newFixture(t, summaryBackend("tiny"))
	conv := fourTurns()

	out, meta, err := f.manager.Manage(context.Background(), conv, profile(480), nil)
	require.NoError(t, err)

	assert.Equal(t, conv, out, "degenerate summaries are never adopted")
	assert.Equal(t, 0, meta.ChunksCondensed)

	stats := f.metrics.FullStats()
	assert.Equal(t, int64(2), stats.Condensation.Rejected)
}

func TestManage_BackendFailureDegradesGracefully(t *testing.T) {
	f := newFixture(t, failingBackend())
	conv := fourTurns()

	out, meta, err := f.manager.Manage(context.Background(), conv, profile(480), nil)
	require.NoError(t, err, "backend failure must not surface when content still fits")

	assert.Equal(t, conv, out)
	assert.Equal(t, 0, meta.ChunksCondensed)
	assert.Equal(t, "monitor_only", meta.StrategyUsed)
	assert.Equal(t, "condense_light", meta.StrategyRecommended)
	assert.False(t, meta.Truncated)

	stats := f.metrics.FullStats()
	assert.Equal(t, int64(2), stats.Condensation.BackendErrors)
}

// =============================================================================
// OVERFLOW AND EMERGENCY PATH
// =============================================================================

func TestManage_OverflowResolvedByCondensationAlone(t *testing.T) {
	f := newFixture(t, summaryBackend(strings.Repeat("s", 50)))
	conv := fourTurns() // 400 tokens over a 300 limit

	out, meta, err := f.manager.Manage(context.Background(), conv, profile(300), nil)
	require.NoError(t, err)

	assert.Equal(t, "overflow", meta.RiskLevel)
	assert.Equal(t, "emergency_truncate", meta.StrategyRecommended)
	assert.Equal(t, "condense_aggressive", meta.StrategyUsed,
		"truncation must not fire when condensation achieves the fit")
	assert.False(t, meta.Truncated)
	assert.Equal(t, 0, meta.MessagesRemoved)
	assert.Equal(t, 100, meta.FinalTokens)
	require.Len(t, out, 2)
}

func TestManage_OverflowFallsBackToTruncation(t *testing.T) {
	f := newFixture(t, failingBackend())
	conv := fourTurns() // 400 tokens over a 300 limit, condensation fails

	out, meta, err := f.manager.Manage(context.Background(), conv, profile(300), nil)
	require.NoError(t, err)

	assert.Equal(t, 2, f.backend.callCount(), "condensation is attempted before truncating")
	assert.Equal(t, "emergency_truncate", meta.StrategyUsed)
	assert.True(t, meta.Truncated)
	assert.Equal(t, 2, meta.MessagesRemoved)
	assert.LessOrEqual(t, meta.FinalTokens, 300)
	require.Len(t, out, 2)
	assert.Equal(t, strings.Repeat("c", 100), out[0].Text, "oldest exchange dropped")

	stats := f.metrics.FullStats()
	assert.Equal(t, int64(1), stats.Fallback.Truncations)
}

func TestManage_UnresolvableOverflowSurfacesError(t *testing.T) {
	f := newFixture(t, failingBackend())
	conv := conversation.Conversation{
		{Role: conversation.RoleUser, Text: strings.Repeat("z", 500)},
	}

	out, _, err := f.manager.Manage(context.Background(), conv, profile(300), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, budget.ErrOverflowUnresolvable)
	assert.Nil(t, out)

	stats := f.metrics.FullStats()
	assert.Equal(t, int64(1), stats.Fallback.OverflowErrors)
}

// =============================================================================
// PROFILES AND DESCRIPTIONS
// =============================================================================

func TestManage_FallsBackToConfiguredLimits(t *testing.T) {
	f := newFixture(t, summaryBackend("irrelevant"))
	conv := fourTurns()

	// No per-request limit: the vision class ceiling (65536) applies.
	_, meta, err := f.manager.Manage(context.Background(), conv,
		conversation.EndpointProfile{ContentClass: conversation.ClassVision}, nil)
	require.NoError(t, err)

	assert.Equal(t, "safe", meta.RiskLevel)
	assert.InDelta(t, float64(400)/65536*100, meta.UtilizationPercent, 0.001)
}

func TestManage_AppliesImageDescriptions(t *testing.T) {
	f := newFixture(t, summaryBackend("irrelevant"))

	conv := conversation.Conversation{
		{Role: conversation.RoleUser, Blocks: []conversation.ContentBlock{
			{Type: conversation.BlockImage, ImageRef: "img-1"},
		}},
	}

	// Undescribed: flat image price. Described: priced by description text,
	// far below the flat rate under the character counter.
	_, bare, err := f.manager.Manage(context.Background(), conv, profile(100000), nil)
	require.NoError(t, err)
	_, described, err := f.manager.Manage(context.Background(), conv, profile(100000),
		map[int]string{0: "a small red chart"})
	require.NoError(t, err)

	assert.Less(t, described.OriginalTokens, bare.OriginalTokens)
}
