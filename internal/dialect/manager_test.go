package dialect

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dialectd/internal/basespec"
	"github.com/fyrsmithlabs/dialectd/internal/cache"
	"github.com/fyrsmithlabs/dialectd/internal/discovery"
	"github.com/fyrsmithlabs/dialectd/internal/events"
	"github.com/fyrsmithlabs/dialectd/internal/signal"
)

const testInstance = "inst-1"

type fixture struct {
	manager   *Manager
	discovery *discovery.Engine
	cache     *cache.Cache
	bus       *events.Bus
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()

	bus := events.NewBus(64)
	dcfg := discovery.DefaultConfig()
	dcfg.MinOccurrences = 3
	dcfg.ConfidenceThreshold = 0.3
	dcfg.SyncAnalysis = true
	engine := discovery.NewEngine(dcfg, bus, zap.NewNop())
	patternCache := cache.New(cache.DefaultConfig())

	m := NewManager(cfg, testInstance, engine, patternCache,
		basespec.NewHandler(testInstance), bus, zap.NewNop())

	return &fixture{manager: m, discovery: engine, cache: patternCache, bus: bus}
}

func msgBetween(senderInst, receiverInst string, signals ...signal.Signal) *signal.Message {
	if len(signals) == 0 {
		signals = []signal.Signal{
			{Amplitude: 0.9, Frequency: 3},
			{Amplitude: 0.8, Frequency: 5},
		}
	}
	return &signal.Message{
		Signals:   signals,
		Sender:    signal.AgentID{Namespace: "ns", ModelType: "claude-sonnet", InstanceID: senderInst},
		Receiver:  signal.AgentID{Namespace: "ns", ModelType: "claude-opus", InstanceID: receiverInst},
		Type:      "request",
		Timestamp: time.Now(),
	}
}

func TestProcessMessage_CreatesDialectLazily(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ch, unsub := f.bus.Subscribe()
	defer unsub()

	res, err := f.manager.ProcessMessage(context.Background(), msgBetween("a", "b"), Outbound)
	require.NoError(t, err)
	assert.NotEmpty(t, res.DialectID)
	assert.Contains(t, res.DialectID, "ns:a|ns:b")

	select {
	case n := <-ch:
		assert.Equal(t, events.TypeDialectCreated, n.Type)
		assert.Equal(t, "ns:a|ns:b", n.PairKey)
	case <-time.After(time.Second):
		t.Fatal("no creation notification")
	}

	// Second message reuses the dialect.
	res2, err := f.manager.ProcessMessage(context.Background(), msgBetween("a", "b"), Inbound)
	require.NoError(t, err)
	assert.Equal(t, res.DialectID, res2.DialectID)

	snap := f.manager.Snapshot()
	require.Contains(t, snap, "ns:a|ns:b")
	assert.Equal(t, 2, snap["ns:a|ns:b"].Stats.MessagesExchanged)
}

func TestProcessMessage_Validation(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	_, err := f.manager.ProcessMessage(context.Background(), nil, Outbound)
	assert.ErrorIs(t, err, ErrNilMessage)

	bad := msgBetween("a", "b")
	bad.Signals = nil
	_, err = f.manager.ProcessMessage(context.Background(), bad, Outbound)
	assert.ErrorIs(t, err, signal.ErrEmptySignals)
}

func TestProcessMessage_IndependentPairCounters(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.manager.ProcessMessage(ctx, msgBetween("a", "b"), Outbound)
		require.NoError(t, err)
	}
	_, err := f.manager.ProcessMessage(ctx, msgBetween("c", "d"), Outbound)
	require.NoError(t, err)

	f.manager.FallbackToBase(msgBetween("c", "d"), "test reason")

	snap := f.manager.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, 3, snap["ns:a|ns:b"].Stats.MessagesExchanged)
	assert.Equal(t, 0, snap["ns:a|ns:b"].Stats.FallbackCount)
	assert.Equal(t, 1, snap["ns:c|ns:d"].Stats.MessagesExchanged)
	assert.Equal(t, 1, snap["ns:c|ns:d"].Stats.FallbackCount)
}

func TestProcessMessage_CacheHitUpdatesStats(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	msg := msgBetween("a", "b")

	// Seed the cache with the exact sequence.
	p := &signal.Pattern{ID: "seeded", Signals: msg.Signals, Effectiveness: 0.9}
	f.cache.SetPattern(p, "d-any")

	res, err := f.manager.ProcessMessage(ctx, msg, Outbound)
	require.NoError(t, err)
	assert.True(t, res.UsedDialect)
	assert.Equal(t, "seeded", res.PatternID)

	snap := f.manager.Snapshot()["ns:a|ns:b"]
	assert.Equal(t, 1, snap.Stats.PatternsUsed)
	assert.Greater(t, snap.Stats.CompressionRatio, 0.0)
	assert.Less(t, snap.Stats.CompressionRatio, 1.0)
}

func TestProcessMessage_ToleranceScanRegistersPattern(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()

	// Create the dialect, then hand it a known pattern directly.
	_, err := f.manager.ProcessMessage(ctx, msgBetween("a", "b"), Outbound)
	require.NoError(t, err)

	known := &signal.Pattern{
		ID: "known",
		Signals: []signal.Signal{
			{Amplitude: 0.85, Frequency: 3},
			{Amplitude: 0.75, Frequency: 5},
		},
		Effectiveness: 0.7,
	}
	f.manager.mu.Lock()
	f.manager.dialects["ns:a|ns:b"].Patterns[known.ID] = known
	f.manager.mu.Unlock()

	// Amplitudes differ by 0.05: inside tolerance, frequencies equal.
	near := msgBetween("a", "b",
		signal.Signal{Amplitude: 0.9, Frequency: 3},
		signal.Signal{Amplitude: 0.8, Frequency: 5},
	)
	res, err := f.manager.ProcessMessage(ctx, near, Outbound)
	require.NoError(t, err)
	assert.True(t, res.UsedDialect)
	assert.Equal(t, "known", res.PatternID)

	// The scan registered the pattern with the cache.
	cached, ok := f.cache.GetPattern("known")
	require.True(t, ok)
	assert.Equal(t, known.Signals, cached.Signals)
}

func TestProcessMessage_ToleranceScanRespectsBounds(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()

	_, err := f.manager.ProcessMessage(ctx, msgBetween("a", "b"), Outbound)
	require.NoError(t, err)

	known := &signal.Pattern{
		ID:      "known",
		Signals: []signal.Signal{{Amplitude: 0.5, Frequency: 3}, {Amplitude: 0.5, Frequency: 5}},
	}
	f.manager.mu.Lock()
	f.manager.dialects["ns:a|ns:b"].Patterns[known.ID] = known
	f.manager.mu.Unlock()

	// Amplitude off by more than 0.1.
	far := msgBetween("a", "b",
		signal.Signal{Amplitude: 0.65, Frequency: 3},
		signal.Signal{Amplitude: 0.5, Frequency: 5},
	)
	res, err := f.manager.ProcessMessage(ctx, far, Outbound)
	require.NoError(t, err)
	assert.False(t, res.UsedDialect)

	// Frequency mismatch also fails.
	wrongFreq := msgBetween("a", "b",
		signal.Signal{Amplitude: 0.5, Frequency: 2},
		signal.Signal{Amplitude: 0.5, Frequency: 5},
	)
	res, err = f.manager.ProcessMessage(ctx, wrongFreq, Outbound)
	require.NoError(t, err)
	assert.False(t, res.UsedDialect)
}

func TestProcessMessage_FallbackRequiredForCrossNamespace(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	msg := msgBetween("a", "b")
	msg.Receiver.Namespace = "other"
	res, err := f.manager.ProcessMessage(context.Background(), msg, Outbound)
	require.NoError(t, err)
	assert.True(t, res.FallbackRequired)
	assert.False(t, res.UsedDialect)
}

func TestFallbackToBase_EmitsEventAndReturnsUnmodified(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ch, unsub := f.bus.Subscribe()
	defer unsub()

	msg := msgBetween("a", "b")
	out := f.manager.FallbackToBase(msg, "incompatible model types")
	assert.Same(t, msg, out)

	select {
	case n := <-ch:
		assert.Equal(t, events.TypeFallbackUsed, n.Type)
		assert.Equal(t, "incompatible model types", n.Reason)
		assert.Equal(t, "ns:a|ns:b", n.PairKey)
	case <-time.After(time.Second):
		t.Fatal("no fallback notification")
	}
}

func TestCanUseDialect(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()

	msg := msgBetween("a", "b")
	res, err := f.manager.ProcessMessage(ctx, msg, Outbound)
	require.NoError(t, err)

	assert.True(t, f.manager.CanUseDialect(msg.Sender, msg.Receiver, res.DialectID))
	assert.False(t, f.manager.CanUseDialect(msg.Sender, msg.Receiver, "no-such-dialect"))

	stranger := msg.Sender
	stranger.ModelType = "gpt-4o"
	assert.False(t, f.manager.CanUseDialect(stranger, msg.Receiver, res.DialectID))
}

func TestSweepExpired(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TTL = time.Minute
	f := newFixture(t, cfg)
	ctx := context.Background()

	clock := time.Now()
	f.manager.now = func() time.Time { return clock }

	_, err := f.manager.ProcessMessage(ctx, msgBetween("a", "b"), Outbound)
	require.NoError(t, err)
	_, err = f.manager.ProcessMessage(ctx, msgBetween("c", "d"), Outbound)
	require.NoError(t, err)

	ch, unsub := f.bus.Subscribe()
	defer unsub()

	// Nothing expires before the TTL.
	assert.Equal(t, 0, f.manager.SweepExpired())

	clock = clock.Add(2 * time.Minute)
	assert.Equal(t, 2, f.manager.SweepExpired())
	assert.Empty(t, f.manager.Snapshot())

	for i := 0; i < 2; i++ {
		select {
		case n := <-ch:
			assert.Equal(t, events.TypeDialectExpired, n.Type)
		case <-time.After(time.Second):
			t.Fatal("missing expiration notification")
		}
	}
}

func TestDiscoveredPatternAdoptedIntoRelevantDialect(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()

	f.manager.Start(ctx)
	defer f.manager.Stop()

	// Repeated messages for one pair drive discovery to promote the
	// sequence; the notify loop should adopt it into that dialect.
	for i := 0; i < 4; i++ {
		_, err := f.manager.ProcessMessage(ctx, msgBetween("a", "b"), Outbound)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		snap, ok := f.manager.Snapshot()["ns:a|ns:b"]
		return ok && snap.PatternCount > 0
	}, 2*time.Second, 10*time.Millisecond)

	// A pair with disjoint model types must not adopt it.
	other := msgBetween("x", "y")
	other.Sender.ModelType = "gpt-4o"
	other.Receiver.ModelType = "gpt-4o-mini"
	_, err := f.manager.ProcessMessage(ctx, other, Outbound)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, f.manager.Snapshot()["ns:x|ns:y"].PatternCount)
}

func TestTrendNotificationUpdatesEffectiveness(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()

	f.manager.Start(ctx)
	defer f.manager.Stop()

	for i := 0; i < 4; i++ {
		_, err := f.manager.ProcessMessage(ctx, msgBetween("a", "b"), Outbound)
		require.NoError(t, err)
	}

	var patternID string
	require.Eventually(t, func() bool {
		patterns := f.discovery.Patterns()
		if len(patterns) == 0 {
			return false
		}
		patternID = patterns[0].ID
		return true
	}, 2*time.Second, 10*time.Millisecond)

	f.bus.Publish(events.Notification{
		Type:          events.TypeEffectivenessImproving,
		PatternID:     patternID,
		Effectiveness: 0.99,
	})

	require.Eventually(t, func() bool {
		p, ok := f.discovery.Pattern(patternID)
		return ok && p.Effectiveness == 0.99
	}, 2*time.Second, 10*time.Millisecond)
}

func TestManager_StartStopIdempotent(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()

	f.manager.Start(ctx)
	f.manager.Start(ctx)
	f.manager.Stop()
	f.manager.Stop()
}
