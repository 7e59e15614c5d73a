package syncer

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/creator-network/creator-node/internal/chain"
	"github.com/creator-network/creator-node/internal/clocklog"
	"github.com/creator-network/creator-node/internal/coordination"
	"github.com/creator-network/creator-node/internal/errs"
	"github.com/creator-network/creator-node/internal/export"
)

// fakeStore is an in-memory clockLogStore used to exercise the executor's
// algorithm without a live Postgres instance.
type fakeStore struct {
	users          map[string]*clocklog.User
	failureCounts  map[string]int
	commits        []commitCall
	truncateCalled []string
}

type commitCall struct {
	wallet   string
	clock    int64
	records  []clocklog.ClockRecord
	entities clocklog.Entities
}

func newFakeStore() *fakeStore {
	return &fakeStore{users: map[string]*clocklog.User{}, failureCounts: map[string]int{}}
}

func (s *fakeStore) GetUser(_ context.Context, wallet string) (*clocklog.User, error) {
	return s.users[wallet], nil
}

func (s *fakeStore) Truncate(_ context.Context, wallet string) error {
	s.truncateCalled = append(s.truncateCalled, wallet)
	delete(s.users, wallet)
	return nil
}

func (s *fakeStore) IncrementFailureCount(_ context.Context, wallet string) (int, error) {
	s.failureCounts[wallet]++
	return s.failureCounts[wallet], nil
}

func (s *fakeStore) ResetFailureCount(_ context.Context, wallet string) error {
	s.failureCounts[wallet] = 0
	return nil
}

func (s *fakeStore) CommitImport(_ context.Context, wallet string, existingUUID *uuid.UUID, clock, latestBlockNumber int64,
	records []clocklog.ClockRecord, entities clocklog.Entities) error {
	id := uuid.New()
	if existingUUID != nil {
		id = *existingUUID
	}
	s.users[wallet] = &clocklog.User{UserUUID: id, WalletPublicKey: wallet, Clock: clock, LatestBlockNumber: latestBlockNumber}
	s.commits = append(s.commits, commitCall{wallet: wallet, clock: clock, records: records, entities: entities})
	return nil
}

// fakePeer serves a fixed export payload and always succeeds content fetches.
type fakePeer struct {
	payload      export.Payload
	failMultihash map[string]bool
}

func (p *fakePeer) Export(_ context.Context, _ string, wallets []string, _ int64) (export.Payload, error) {
	return p.payload, nil
}

func (p *fakePeer) FetchContent(_ context.Context, _ string, multihash string, _, _ *string) ([]byte, error) {
	if p.failMultihash[multihash] {
		return nil, errs.New(errs.ContentFetchFailed, "simulated failure")
	}
	return []byte("content-" + multihash), nil
}

// fakeContentStore is an in-memory contentStore.
type fakeContentStore struct {
	written map[string][]byte
}

func newFakeContentStore() *fakeContentStore {
	return &fakeContentStore{written: map[string][]byte{}}
}

func (s *fakeContentStore) Exists(multihash string) bool { _, ok := s.written[multihash]; return ok }
func (s *fakeContentStore) PathFor(multihash string) string { return "/fake/" + multihash }
func (s *fakeContentStore) Write(multihash string, data []byte) (string, error) {
	s.written[multihash] = data
	return s.PathFor(multihash), nil
}

func newTestExecutor(store clockLogStore, peer peerAPI, content contentStore) *Executor {
	return NewExecutor(store, coordination.NewUserLock(coordination.NewMemoryStore()), peer, chain.NewFake(), content,
		func() (int64, bool) { return 1, true }, Config{FileSaveMaxConcurrency: 10, MaxFailureCountBeforeSkip: 3, LockTTL: time.Minute}, nil)
}

func TestFreshSync(t *testing.T) {
	wallet := "0xAA"
	store := newFakeStore()
	content := newFakeContentStore()
	peer := &fakePeer{payload: export.Payload{CNodeUsers: map[string]export.CNodeUser{
		wallet: {
			Clock: 5,
			ClockRecords: []export.ClockRecordWire{
				{Clock: 0, SourceTable: "files"}, {Clock: 1, SourceTable: "files"}, {Clock: 2, SourceTable: "files"},
				{Clock: 3, SourceTable: "tracks"}, {Clock: 4, SourceTable: "audius_users"}, {Clock: 5, SourceTable: "files"},
			},
			Files: []clocklog.File{
				{FileUUID: uuid.New(), Multihash: "Qm1", Type: clocklog.FileTypeTrack},
				{FileUUID: uuid.New(), Multihash: "Qm2", Type: clocklog.FileTypeImage},
				{FileUUID: uuid.New(), Multihash: "Qm3", Type: clocklog.FileTypeMetadata},
			},
		},
	}}}

	exec := newTestExecutor(store, peer, content)
	err := exec.Run(context.Background(), Job{JobID: "j1", UserWallet: wallet, SourcePeerEndpoint: "http://primary"})
	require.NoError(t, err)

	require.Len(t, store.commits, 1)
	require.Equal(t, int64(5), store.commits[0].clock)
	require.Equal(t, 0, store.failureCounts[wallet])
	require.Len(t, content.written, 3)
}

func TestIncrementalSync(t *testing.T) {
	wallet := "0xAA"
	existing := uuid.New()
	store := newFakeStore()
	store.users[wallet] = &clocklog.User{UserUUID: existing, WalletPublicKey: wallet, Clock: 3}
	content := newFakeContentStore()
	peer := &fakePeer{payload: export.Payload{CNodeUsers: map[string]export.CNodeUser{
		wallet: {
			Clock: 7,
			ClockRecords: []export.ClockRecordWire{
				{Clock: 4}, {Clock: 5}, {Clock: 6}, {Clock: 7},
			},
		},
	}}}

	exec := newTestExecutor(store, peer, content)
	err := exec.Run(context.Background(), Job{JobID: "j2", UserWallet: wallet, SourcePeerEndpoint: "http://primary"})
	require.NoError(t, err)
	require.Len(t, store.commits, 1)
	require.Len(t, store.commits[0].records, 4)
	require.Equal(t, int64(7), store.commits[0].clock)
}

func TestNonContiguousRejection(t *testing.T) {
	wallet := "0xAA"
	store := newFakeStore()
	store.users[wallet] = &clocklog.User{UserUUID: uuid.New(), WalletPublicKey: wallet, Clock: 3}
	content := newFakeContentStore()
	peer := &fakePeer{payload: export.Payload{CNodeUsers: map[string]export.CNodeUser{
		wallet: {
			Clock:        7,
			ClockRecords: []export.ClockRecordWire{{Clock: 5}, {Clock: 6}, {Clock: 7}},
		},
	}}}

	exec := newTestExecutor(store, peer, content)
	err := exec.Run(context.Background(), Job{JobID: "j3", UserWallet: wallet, SourcePeerEndpoint: "http://primary"})
	require.Error(t, err)
	require.True(t, errs.Of(err, errs.ExportNonContiguous))
	require.Empty(t, store.commits)
	require.Equal(t, int64(3), store.users[wallet].Clock)
}

func TestPartialContentFailureBelowThreshold(t *testing.T) {
	wallet := "0xAA"
	store := newFakeStore()
	content := newFakeContentStore()
	files := []clocklog.File{
		{Multihash: "Qm1", Type: clocklog.FileTypeTrack},
		{Multihash: "Qm2", Type: clocklog.FileTypeImage},
	}
	payload := export.Payload{CNodeUsers: map[string]export.CNodeUser{
		wallet: {Clock: 1, ClockRecords: []export.ClockRecordWire{{Clock: 0}, {Clock: 1}}, Files: files},
	}}
	peer := &fakePeer{payload: payload, failMultihash: map[string]bool{"Qm1": true, "Qm2": true}}
	exec := newTestExecutor(store, peer, content)

	for i := 0; i < 2; i++ {
		err := exec.Run(context.Background(), Job{JobID: "j4", UserWallet: wallet, SourcePeerEndpoint: "http://primary"})
		require.Error(t, err)
		require.True(t, errs.Of(err, errs.ContentFetchFailed))
	}
	require.Equal(t, 2, store.failureCounts[wallet])

	err := exec.Run(context.Background(), Job{JobID: "j4", UserWallet: wallet, SourcePeerEndpoint: "http://primary"})
	require.NoError(t, err)
	require.Equal(t, 0, store.failureCounts[wallet])
	require.Len(t, store.commits, 1)
	for _, f := range store.commits[0].entities.Files {
		require.True(t, f.Skipped)
	}
}

func TestForceResync(t *testing.T) {
	wallet := "0xAA"
	store := newFakeStore()
	store.users[wallet] = &clocklog.User{UserUUID: uuid.New(), WalletPublicKey: wallet, Clock: 10}
	content := newFakeContentStore()
	peer := &fakePeer{payload: export.Payload{CNodeUsers: map[string]export.CNodeUser{
		wallet: {Clock: 2, ClockRecords: []export.ClockRecordWire{{Clock: 0}, {Clock: 1}, {Clock: 2}}},
	}}}
	exec := newTestExecutor(store, peer, content)

	err := exec.Run(context.Background(), Job{JobID: "j5", UserWallet: wallet, SourcePeerEndpoint: "http://primary", ForceResync: true})
	require.NoError(t, err)
	require.Equal(t, []string{wallet}, store.truncateCalled)
	require.Equal(t, int64(2), store.users[wallet].Clock)
}
