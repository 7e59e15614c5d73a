package snapback

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/creator-network/creator-node/internal/chain"
	"github.com/creator-network/creator-node/internal/coordination"
	"github.com/creator-network/creator-node/internal/errs"
	"github.com/creator-network/creator-node/internal/syncer"
)

type fakeWallets struct{ wallets []string }

func (f *fakeWallets) Wallets(_ context.Context) ([]string, error) { return f.wallets, nil }

type fakeSelfClock struct{ clocks map[string]int64 }

func (f *fakeSelfClock) LocalClock(_ context.Context, wallet string) (int64, error) {
	return f.clocks[wallet], nil
}

type fakeProbe struct {
	clocks      map[string]int64 // endpoint -> clock
	unreachable map[string]bool
}

func (f *fakeProbe) ClockStatus(_ context.Context, endpoint, _ string) (int64, error) {
	if f.unreachable[endpoint] {
		return 0, errs.New(errs.ExportInvalid, "unreachable")
	}
	return f.clocks[endpoint], nil
}

type fakeEnqueuer struct {
	enqueued []syncer.Job
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, _ string, params interface{}) (string, error) {
	f.enqueued = append(f.enqueued, params.(syncer.Job))
	return "req-1", nil
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.UnhealthyThreshold = 2
	return cfg
}

func TestTickEnqueuesSyncForBehindSecondary(t *testing.T) {
	wallet := "0xAA"
	fc := chain.NewFake()
	fc.SeedServiceProvider("http://self", 1)
	fc.SeedServiceProvider("http://secondary1", 2)
	fc.SeedServiceProvider("http://secondary2", 3)
	fc.SeedReplicaSet(wallet, chain.ReplicaSet{PrimarySPID: 1, Secondary1SPID: 2, Secondary2SPID: 3})

	probe := &fakeProbe{clocks: map[string]int64{"http://secondary1": 3, "http://secondary2": 10}}
	enqueuer := &fakeEnqueuer{}
	coord := coordination.NewMemoryStore()

	ctrl := NewController(
		&fakeWallets{wallets: []string{wallet}},
		&fakeSelfClock{clocks: map[string]int64{wallet: 10}},
		probe, enqueuer, coord, fc,
		func() (int64, bool) { return 1, true },
		testConfig(), nil,
	)

	require.NoError(t, ctrl.Tick(context.Background()))
	require.Len(t, enqueuer.enqueued, 1)
	require.Equal(t, "http://secondary1", enqueuer.enqueued[0].SourcePeerEndpoint)
}

func TestTickSkipsInSyncSecondary(t *testing.T) {
	wallet := "0xAA"
	fc := chain.NewFake()
	fc.SeedServiceProvider("http://self", 1)
	fc.SeedServiceProvider("http://secondary1", 2)
	fc.SeedReplicaSet(wallet, chain.ReplicaSet{PrimarySPID: 1, Secondary1SPID: 2})

	probe := &fakeProbe{clocks: map[string]int64{"http://secondary1": 10}}
	enqueuer := &fakeEnqueuer{}
	coord := coordination.NewMemoryStore()

	ctrl := NewController(
		&fakeWallets{wallets: []string{wallet}},
		&fakeSelfClock{clocks: map[string]int64{wallet: 10}},
		probe, enqueuer, coord, fc,
		func() (int64, bool) { return 1, true },
		testConfig(), nil,
	)

	require.NoError(t, ctrl.Tick(context.Background()))
	require.Empty(t, enqueuer.enqueued)
}

func TestUnreachableSecondaryTriggersReconfigAtThreshold(t *testing.T) {
	wallet := "0xAA"
	fc := chain.NewFake()
	fc.SeedServiceProvider("http://self", 1)
	fc.SeedServiceProvider("http://secondary1", 2)
	fc.SeedServiceProvider("http://secondary2", 3)
	fc.SeedServiceProvider("http://healthy-candidate", 4)
	fc.SeedReplicaSet(wallet, chain.ReplicaSet{PrimarySPID: 1, Secondary1SPID: 2, Secondary2SPID: 3})

	probe := &fakeProbe{
		clocks:      map[string]int64{"http://secondary2": 10},
		unreachable: map[string]bool{"http://secondary1": true},
	}
	enqueuer := &fakeEnqueuer{}
	coord := coordination.NewMemoryStore()
	cfg := testConfig()

	ctrl := NewController(
		&fakeWallets{wallets: []string{wallet}},
		&fakeSelfClock{clocks: map[string]int64{wallet: 10}},
		probe, enqueuer, coord, fc,
		func() (int64, bool) { return 1, true },
		cfg, nil,
	)

	for i := 0; i < cfg.UnhealthyThreshold-1; i++ {
		require.NoError(t, ctrl.Tick(context.Background()))
		rs, _ := fc.ReplicaSetOf(context.Background(), wallet)
		require.Equal(t, int64(2), rs.Secondary1SPID, "must not reconfigure before threshold")
	}

	require.NoError(t, ctrl.Tick(context.Background()))
	rs, _ := fc.ReplicaSetOf(context.Background(), wallet)
	require.Equal(t, int64(4), rs.Secondary1SPID, "unhealthy secondary replaced by the only healthy candidate")

	_, present, err := coord.Get(context.Background(), coordination.UnhealthyCounterKey(wallet, "http://secondary1"))
	require.NoError(t, err)
	require.False(t, present, "unhealthy counter cleared after reconfiguration")
}

func TestTickSkipsWhenIdentityNotBootstrapped(t *testing.T) {
	fc := chain.NewFake()
	enqueuer := &fakeEnqueuer{}
	coord := coordination.NewMemoryStore()

	ctrl := NewController(
		&fakeWallets{wallets: []string{"0xAA"}},
		&fakeSelfClock{clocks: map[string]int64{}},
		&fakeProbe{}, enqueuer, coord, fc,
		func() (int64, bool) { return 0, false },
		testConfig(), nil,
	)

	require.NoError(t, ctrl.Tick(context.Background()))
	require.Empty(t, enqueuer.enqueued)
}

func TestRunStopsOnContextCancellation(t *testing.T) {
	fc := chain.NewFake()
	cfg := testConfig()
	cfg.Interval = time.Millisecond
	ctrl := NewController(
		&fakeWallets{wallets: nil},
		&fakeSelfClock{clocks: map[string]int64{}},
		&fakeProbe{}, &fakeEnqueuer{}, coordination.NewMemoryStore(), fc,
		func() (int64, bool) { return 1, true },
		cfg, nil,
	)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		ctrl.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
