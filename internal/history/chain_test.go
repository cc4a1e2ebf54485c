package history

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func chainEvent(pkg string, accessTime int64, attributionFlags int32) AggregatedEvent {
	return AggregatedEvent{
		SubjectID:        7,
		PackageName:      pkg,
		OpCode:           OpRecordAudio,
		DeviceID:         DefaultDeviceID,
		OpFlags:          OpFlagTrustedProxied,
		AttributionFlags: attributionFlags | AttributionFlagTrusted,
		ChainID:          42,
		AccessTime:       accessTime,
		Duration:         DurationNone,
		AccessCount:      1,
	}
}

func TestChainOrderingAndCompleteness(t *testing.T) {
	a := chainEvent("com.example.assistant", 0, AttributionFlagReceiver)
	b := chainEvent("com.example.broker", 1, 0)
	c := chainEvent("com.example.mic", 2, AttributionFlagAccessor)

	// Arrival order must not matter.
	orders := [][]AggregatedEvent{
		{a, b, c},
		{c, b, a},
		{b, a, c},
		{c, a, b},
	}
	for _, order := range orders {
		chain := NewAttributionChain(nil)
		for _, ev := range order {
			chain.AddEvent(ev)
		}

		events := chain.Events()
		require.Len(t, events, 3)
		require.Equal(t, "com.example.assistant", events[0].PackageName)
		require.Equal(t, "com.example.broker", events[1].PackageName)
		require.Equal(t, "com.example.mic", events[2].PackageName)
		require.True(t, chain.IsComplete())
		require.NotNil(t, chain.Start())
	}
}

func TestChainLastVisible(t *testing.T) {
	a := chainEvent("com.example.assistant", 0, AttributionFlagReceiver)
	b := chainEvent("com.example.broker", 1, 0)
	c := chainEvent("com.example.mic", 2, AttributionFlagAccessor)

	t.Run("no exemptions", func(t *testing.T) {
		chain := NewAttributionChain(nil)
		chain.AddEvent(a)
		chain.AddEvent(b)
		chain.AddEvent(c)

		lv := chain.LastVisible()
		require.NotNil(t, lv)
		require.Equal(t, "com.example.mic", lv.PackageName)
	})

	t.Run("terminator exempt", func(t *testing.T) {
		exempt := map[string]struct{}{"com.example.mic": {}}
		chain := NewAttributionChain(exempt)
		chain.AddEvent(a)
		chain.AddEvent(b)
		chain.AddEvent(c)

		lv := chain.LastVisible()
		require.NotNil(t, lv)
		require.Equal(t, "com.example.broker", lv.PackageName)
	})

	t.Run("start node never visible", func(t *testing.T) {
		exempt := map[string]struct{}{
			"com.example.mic":    {},
			"com.example.broker": {},
		}
		chain := NewAttributionChain(exempt)
		chain.AddEvent(a)
		chain.AddEvent(b)
		chain.AddEvent(c)
		require.Nil(t, chain.LastVisible())
	})

	t.Run("incomplete chain has none", func(t *testing.T) {
		chain := NewAttributionChain(nil)
		chain.AddEvent(a)
		chain.AddEvent(b)
		require.False(t, chain.IsComplete())
		require.Nil(t, chain.LastVisible())
	})
}

func TestChainDurationDedup(t *testing.T) {
	short := chainEvent("com.example.mic", 2, AttributionFlagAccessor)
	short.Duration = 50
	long := short
	long.Duration = 200

	t.Run("short then long", func(t *testing.T) {
		chain := NewAttributionChain(nil)
		chain.AddEvent(short)
		chain.AddEvent(long)
		events := chain.Events()
		require.Len(t, events, 1)
		require.Equal(t, int64(200), events[0].Duration)
	})

	t.Run("long then short", func(t *testing.T) {
		chain := NewAttributionChain(nil)
		chain.AddEvent(long)
		chain.AddEvent(short)
		events := chain.Events()
		require.Len(t, events, 1)
		require.Equal(t, int64(200), events[0].Duration)
	})
}

func TestBuildAttributionChains(t *testing.T) {
	a := chainEvent("com.example.assistant", 0, AttributionFlagReceiver)
	c := chainEvent("com.example.mic", 2, AttributionFlagAccessor)

	other := chainEvent("com.example.other", 5, AttributionFlagAccessor)
	other.ChainID = 43

	noChain := chainEvent("com.example.plain", 9, 0)
	noChain.ChainID = ChainNone

	untrusted := chainEvent("com.example.untrusted", 7, AttributionFlagAccessor)
	untrusted.AttributionFlags = AttributionFlagAccessor // trusted bit absent
	untrusted.ChainID = 44

	chains := BuildAttributionChains(
		[]AggregatedEvent{a, c, other, noChain, untrusted}, nil)

	require.Len(t, chains, 2)
	require.Contains(t, chains, int64(42))
	require.Contains(t, chains, int64(43))
	require.True(t, chains[42].IsComplete())
	require.False(t, chains[43].IsComplete())
}

func TestChainIsStartIsFlagOnly(t *testing.T) {
	chain := NewAttributionChain(nil)
	receiver := chainEvent("com.example.assistant", 0, AttributionFlagReceiver)
	plain := chainEvent("com.example.broker", 1, 0)
	chain.AddEvent(plain)
	chain.AddEvent(receiver)

	require.True(t, chain.IsStart(receiver))
	require.False(t, chain.IsStart(plain))
}
