package ledger

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustseal/evidence/internal/canonical"
	"github.com/trustseal/evidence/internal/shared/auth"
	"github.com/trustseal/evidence/internal/shared/errors"
	"github.com/trustseal/evidence/internal/shared/types"
	"github.com/trustseal/evidence/internal/tsa"
)

var testTenant = types.NewDeterministicID("tenant", "ledger-test")

func newMockTSA(t *testing.T) *tsa.Client {
	t.Helper()
	c, err := tsa.NewClient(tsa.Config{Mock: true}, nil, nil)
	require.NoError(t, err)
	return c
}

func newTestLedger(t *testing.T, store Store, cfg Config, opts ...Option) *Ledger {
	t.Helper()
	l, err := New(store, cfg, opts...)
	require.NoError(t, err)
	return l
}

func appendN(t *testing.T, l *Ledger, ref EntityRef, n int) []*Entry {
	t.Helper()
	out := make([]*Entry, 0, n)
	for i := 0; i < n; i++ {
		e, err := l.Append(context.Background(), AppendRequest{
			Entity:    ref,
			TenantID:  testTenant,
			EventType: "document.viewed",
			Payload:   map[string]any{"index": i},
		})
		require.NoError(t, err)
		out = append(out, e)
	}
	return out
}

type timestamperFunc func(ctx context.Context, tenantID types.ID, hashHex string) (*tsa.Token, error)

func (f timestamperFunc) Timestamp(ctx context.Context, tenantID types.ID, hashHex string) (*tsa.Token, error) {
	return f(ctx, tenantID, hashHex)
}

func failingTimestamper() Timestamper {
	return timestamperFunc(func(context.Context, types.ID, string) (*tsa.Token, error) {
		return nil, errors.Unavailable("all timestamp providers failed", nil)
	})
}

func TestChainProperties(t *testing.T) {
	l := newTestLedger(t, NewMemoryStore(), Config{})
	ref := Document(types.NewID())

	entries := appendN(t, l, ref, 5)

	assert.Equal(t, canonical.GenesisHash, entries[0].PreviousHash)
	for i, e := range entries {
		assert.Equal(t, int64(i+1), e.Sequence)
		assert.True(t, canonical.IsHash(e.Hash))
		if i > 0 {
			assert.Equal(t, entries[i-1].Hash, e.PreviousHash)
		}
	}

	result, err := l.VerifyChain(context.Background(), ref)
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, 5, result.EntriesVerified)
	assert.Empty(t, result.Errors)
	assert.NoError(t, result.Err())
}

func TestVerifyEmptyChain(t *testing.T) {
	l := newTestLedger(t, NewMemoryStore(), Config{})

	result, err := l.VerifyChain(context.Background(), Document(types.NewID()))
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Zero(t, result.EntriesVerified)
}

func TestTamperingIsDetected(t *testing.T) {
	tests := []struct {
		name   string
		tamper func(e *Entry)
		kind   ChainErrorKind
	}{
		{"payload", func(e *Entry) { e.Payload["index"] = json.Number("99") }, ErrHashMismatch},
		{"event type", func(e *Entry) { e.EventType = "document.deleted" }, ErrHashMismatch},
		{"actor", func(e *Entry) { e.ActorID = "intruder" }, ErrHashMismatch},
		{"raw user agent bytes", func(e *Entry) { e.UserAgent = "agent\xfe" }, ErrHashMismatch},
		{"created at", func(e *Entry) { e.CreatedAt = e.CreatedAt.Add(-time.Hour) }, ErrHashMismatch},
		{"tenant", func(e *Entry) { e.TenantID = types.NewID() }, ErrHashMismatch},
		{"stored hash", func(e *Entry) { e.Hash = canonical.HashString("forged") }, ErrHashMismatch},
		{"previous hash", func(e *Entry) { e.PreviousHash = canonical.HashString("forged") }, ErrPreviousHash},
		{"sequence", func(e *Entry) { e.Sequence = 9 }, ErrSequenceGap},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewMemoryStore()
			l := newTestLedger(t, store, Config{})
			ref := Document(types.NewID())
			entries := appendN(t, l, ref, 4)

			target := store.chains[ref.String()][1]
			tt.tamper(target)

			result, err := l.VerifyChain(context.Background(), ref)
			require.NoError(t, err)
			assert.False(t, result.Valid)
			assert.Equal(t, 4, result.EntriesVerified)

			var found bool
			for _, ce := range result.Errors {
				if ce.EntryID == entries[1].ID && ce.Kind == tt.kind {
					found = true
				}
			}
			assert.True(t, found, "no %s error for the tampered entry: %+v", tt.kind, result.Errors)

			verr := result.Err()
			require.Error(t, verr)
			assert.True(t, errors.IsIntegrity(verr))
		})
	}
}

func TestVerifyReportsEveryDeviation(t *testing.T) {
	store := NewMemoryStore()
	l := newTestLedger(t, store, Config{})
	ref := Document(types.NewID())
	appendN(t, l, ref, 5)

	chain := store.chains[ref.String()]
	chain[1].Payload["index"] = json.Number("42")
	chain[3].Hash = canonical.HashString("forged")

	result, err := l.VerifyChain(context.Background(), ref)
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.False(t, result.HashesValid)
	assert.False(t, result.LinkageValid)
	assert.True(t, result.SequenceValid)

	sequences := map[int64]bool{}
	for _, ce := range result.Errors {
		sequences[ce.Sequence] = true
	}
	// 2: content, 4: stored hash, 5: link to the forged hash
	assert.Equal(t, map[int64]bool{2: true, 4: true, 5: true}, sequences)
}

func TestDeletedEntryBreaksSequence(t *testing.T) {
	store := NewMemoryStore()
	l := newTestLedger(t, store, Config{})
	ref := Document(types.NewID())
	appendN(t, l, ref, 3)

	key := ref.String()
	store.chains[key] = append(store.chains[key][:1], store.chains[key][2])

	result, err := l.VerifyChain(context.Background(), ref)
	require.NoError(t, err)
	assert.False(t, result.SequenceValid)
	assert.False(t, result.LinkageValid)
}

func TestConcurrentAppends(t *testing.T) {
	l := newTestLedger(t, NewMemoryStore(), Config{AppendTimeout: 5 * time.Second})
	ref := SignatureRequest(types.NewID())

	const workers = 2
	const perWorker = 20
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				_, err := l.Append(context.Background(), AppendRequest{
					Entity:    ref,
					TenantID:  testTenant,
					EventType: "signature_request.viewed",
				})
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	entries, err := l.Entries(context.Background(), ref)
	require.NoError(t, err)
	require.Len(t, entries, workers*perWorker)

	seen := map[int64]bool{}
	for _, e := range entries {
		assert.False(t, seen[e.Sequence], "sequence %d claimed twice", e.Sequence)
		seen[e.Sequence] = true
	}

	result, err := l.VerifyChain(context.Background(), ref)
	require.NoError(t, err)
	assert.True(t, result.Valid, "%+v", result.Errors)
}

func TestAppendValidation(t *testing.T) {
	l := newTestLedger(t, NewMemoryStore(), Config{})
	ref := Document(types.NewID())

	tests := []struct {
		name string
		req  AppendRequest
	}{
		{"unknown kind", AppendRequest{Entity: EntityRef{Kind: "invoice", ID: ref.ID}, TenantID: testTenant, EventType: "x.y"}},
		{"bad entity id", AppendRequest{Entity: Document("nope"), TenantID: testTenant, EventType: "x.y"}},
		{"missing tenant", AppendRequest{Entity: ref, EventType: "x.y"}},
		{"missing event type", AppendRequest{Entity: ref, TenantID: testTenant}},
		{"invalid utf-8 event type", AppendRequest{Entity: ref, TenantID: testTenant, EventType: "document.\xff"}},
		{"bad actor", AppendRequest{Entity: ref, TenantID: testTenant, EventType: "x.y", Actor: &Actor{Kind: "robot"}}},
		{"unserializable payload", AppendRequest{Entity: ref, TenantID: testTenant, EventType: "x.y", Payload: map[string]any{"ch": make(chan int)}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.Append(context.Background(), tt.req)
			require.Error(t, err)
			assert.True(t, errors.IsValidation(err), "got %v", err)
		})
	}

	entries, err := l.Entries(context.Background(), ref)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestAppendRejectsForeignTenant(t *testing.T) {
	l := newTestLedger(t, NewMemoryStore(), Config{})
	ref := Document(types.NewID())
	appendN(t, l, ref, 1)

	_, err := l.Append(context.Background(), AppendRequest{
		Entity:    ref,
		TenantID:  types.NewID(),
		EventType: "document.viewed",
	})
	assert.True(t, errors.Is(err, errors.ErrForbidden), "got %v", err)
}

func TestResolverGuardsUnknownEntities(t *testing.T) {
	known := types.NewID()
	resolver := EntityResolverFunc(func(_ context.Context, ref EntityRef) (bool, error) {
		return ref.ID == known, nil
	})
	l := newTestLedger(t, NewMemoryStore(), Config{}, WithResolver(resolver))

	_, err := l.Append(context.Background(), AppendRequest{Entity: Document(types.NewID()), TenantID: testTenant, EventType: "document.viewed"})
	assert.True(t, errors.IsNotFound(err), "got %v", err)

	_, err = l.Append(context.Background(), AppendRequest{Entity: Document(known), TenantID: testTenant, EventType: "document.viewed"})
	assert.NoError(t, err)
}

func TestProvenanceIsStoredAsHashed(t *testing.T) {
	store := NewMemoryStore()
	l := newTestLedger(t, store, Config{})
	ctx := context.Background()

	for _, agent := range []string{"agent\xff", "agent\xfe"} {
		ref := Document(types.NewID())
		e, err := l.Append(ctx, AppendRequest{
			Entity:     ref,
			TenantID:   testTenant,
			EventType:  "document.viewed",
			Actor:      &Actor{Kind: ActorAPIClient, ID: "key\xc0"},
			Provenance: Provenance{IPAddress: "10.0.0.\x80", UserAgent: agent},
		})
		require.NoError(t, err)

		stored := store.chains[ref.String()][0]
		assert.Equal(t, "agent\uFFFD", stored.UserAgent)
		assert.Equal(t, "key\uFFFD", stored.ActorID)
		assert.Equal(t, "10.0.0.\uFFFD", stored.IPAddress)

		rehashed, err := stored.ComputeHash()
		require.NoError(t, err)
		assert.Equal(t, e.Hash, rehashed)

		result, err := l.VerifyChain(ctx, ref)
		require.NoError(t, err)
		assert.True(t, result.Valid, "%+v", result.Errors)
	}
}

func TestActorResolution(t *testing.T) {
	l := newTestLedger(t, NewMemoryStore(), Config{})
	userID := types.NewID()

	tests := []struct {
		name     string
		ctx      context.Context
		explicit *Actor
		want     Actor
	}{
		{"system fallback", context.Background(), nil, SystemActor},
		{"session user", auth.WithUser(context.Background(), &auth.User{ID: userID, UserType: "user"}), nil, Actor{Kind: ActorUser, ID: userID.String()}},
		{"session signer", auth.WithUser(context.Background(), &auth.User{ID: userID, UserType: "signer"}), nil, Actor{Kind: ActorSigner, ID: userID.String()}},
		{"session admin", auth.WithUser(context.Background(), &auth.User{ID: userID, UserType: "admin"}), nil, Actor{Kind: ActorUser, ID: userID.String()}},
		{"explicit wins", auth.WithUser(context.Background(), &auth.User{ID: userID}), &Actor{Kind: ActorAPIClient, ID: "key-1"}, Actor{Kind: ActorAPIClient, ID: "key-1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := l.Append(tt.ctx, AppendRequest{
				Entity:    Document(types.NewID()),
				TenantID:  testTenant,
				EventType: "document.viewed",
				Actor:     tt.explicit,
			})
			require.NoError(t, err)
			assert.Equal(t, tt.want.Kind, e.ActorType)
			assert.Equal(t, tt.want.ID, e.ActorID)
		})
	}
}

func TestCreatedAtUsesClock(t *testing.T) {
	fixed := time.Date(2026, 5, 4, 3, 2, 1, 987654321, time.FixedZone("X", 7200))
	l := newTestLedger(t, NewMemoryStore(), Config{}, WithClock(func() time.Time { return fixed }))

	e, err := l.Append(context.Background(), AppendRequest{Entity: Document(types.NewID()), TenantID: testTenant, EventType: "document.viewed"})
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 5, 4, 1, 2, 1, 987654000, time.UTC), e.CreatedAt)
}

func TestNumbersSurviveStorage(t *testing.T) {
	l := newTestLedger(t, NewMemoryStore(), Config{})
	ref := Document(types.NewID())

	_, err := l.Append(context.Background(), AppendRequest{
		Entity:    ref,
		TenantID:  testTenant,
		EventType: "document.uploaded",
		Payload:   map[string]any{"size": 1 << 53, "ratio": 0.1, "pages": []any{1, 2}},
	})
	require.NoError(t, err)

	result, err := l.VerifyChain(context.Background(), ref)
	require.NoError(t, err)
	assert.True(t, result.Valid, "%+v", result.Errors)
}

func TestCriticalEventsRequireTimestamper(t *testing.T) {
	_, err := New(NewMemoryStore(), Config{CriticalEvents: []string{"document.signed"}})
	assert.True(t, errors.IsConfiguration(err), "got %v", err)
}

func TestCriticalEventIsTimestamped(t *testing.T) {
	client := newMockTSA(t)
	store := NewMemoryStore()
	l := newTestLedger(t, store, Config{CriticalEvents: []string{"document.signed"}, BlockOnTimestampFailure: true},
		WithTimestamper(client), WithTokenVerifier(client))
	ref := Document(types.NewID())
	ctx := context.Background()

	viewed, err := l.Append(ctx, AppendRequest{Entity: ref, TenantID: testTenant, EventType: "document.viewed"})
	require.NoError(t, err)
	assert.False(t, viewed.Anchored())

	signed, err := l.Append(ctx, AppendRequest{Entity: ref, TenantID: testTenant, EventType: "document.signed"})
	require.NoError(t, err)
	require.True(t, signed.Anchored())

	token, err := client.Token(ctx, signed.TimestampTokenID)
	require.NoError(t, err)
	assert.Equal(t, signed.Hash, token.HashedData)
	assert.Equal(t, tsa.ProviderMock, token.Provider)

	last, err := l.LastEntry(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, signed.TimestampTokenID, last.TimestampTokenID)

	result, err := l.VerifyChain(ctx, ref)
	require.NoError(t, err)
	assert.True(t, result.Valid, "%+v", result.Errors)
	assert.True(t, result.TimestampsValid)
}

func TestTimestampFailureBlocks(t *testing.T) {
	store := NewMemoryStore()
	l := newTestLedger(t, store, Config{CriticalEvents: []string{"document.signed"}, BlockOnTimestampFailure: true},
		WithTimestamper(failingTimestamper()))
	ref := Document(types.NewID())
	ctx := context.Background()

	entry, err := l.Append(ctx, AppendRequest{Entity: ref, TenantID: testTenant, EventType: "document.signed"})
	require.Error(t, err)
	assert.True(t, errors.IsUnavailable(err), "got %v", err)
	require.NotNil(t, entry)
	assert.False(t, entry.Anchored())

	// the entry itself is evidence and stays in the chain
	entries, err := l.Entries(ctx, ref)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	recovered := newTestLedger(t, store, Config{CriticalEvents: []string{"document.signed"}},
		WithTimestamper(newMockTSA(t)))
	anchored, err := recovered.AnchorEntry(ctx, ref, 1)
	require.NoError(t, err)
	assert.True(t, anchored.Anchored())

	_, err = recovered.AnchorEntry(ctx, ref, 1)
	assert.True(t, errors.IsConflict(err), "got %v", err)

	_, err = recovered.AnchorEntry(ctx, ref, 2)
	assert.True(t, errors.IsNotFound(err), "got %v", err)
}

func TestTimestampFailureCanBeNonBlocking(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	l := newTestLedger(t, NewMemoryStore(), Config{CriticalEvents: []string{"document.signed"}},
		WithTimestamper(failingTimestamper()), WithLogger(logger))

	entry, err := l.Append(context.Background(), AppendRequest{Entity: Document(types.NewID()), TenantID: testTenant, EventType: "document.signed"})
	require.NoError(t, err)
	assert.False(t, entry.Anchored())

	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
}

type fakeVerifier struct {
	tokens map[types.ID]*tsa.Token
	valid  bool
}

func (f *fakeVerifier) Token(_ context.Context, id types.ID) (*tsa.Token, error) {
	tok, ok := f.tokens[id]
	if !ok {
		return nil, errors.NotFound("timestamp token", id.String())
	}
	return tok, nil
}

func (f *fakeVerifier) Verify(context.Context, *tsa.Token) (bool, error) {
	return f.valid, nil
}

func TestVerifyChainChecksTimestamps(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	ref := Document(types.NewID())
	appendN(t, newTestLedger(t, store, Config{}), ref, 2)

	chain := store.chains[ref.String()]
	matching := &tsa.Token{ID: types.NewID(), HashedData: chain[0].Hash}
	other := &tsa.Token{ID: types.NewID(), HashedData: canonical.HashString("elsewhere")}
	require.NoError(t, store.AttachTimestamp(ctx, ref, 1, matching.ID))
	require.NoError(t, store.AttachTimestamp(ctx, ref, 2, other.ID))

	verifier := &fakeVerifier{tokens: map[types.ID]*tsa.Token{matching.ID: matching, other.ID: other}, valid: true}
	l := newTestLedger(t, store, Config{}, WithTokenVerifier(verifier))

	result, err := l.VerifyChain(ctx, ref)
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.False(t, result.TimestampsValid)
	assert.True(t, result.HashesValid)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, int64(2), result.Errors[0].Sequence)

	verifier.valid = false
	delete(verifier.tokens, other.ID)
	result, err = l.VerifyChain(ctx, ref)
	require.NoError(t, err)
	assert.Len(t, result.Errors, 2)
}

func TestLastEntry(t *testing.T) {
	l := newTestLedger(t, NewMemoryStore(), Config{})
	ref := Document(types.NewID())

	_, err := l.LastEntry(context.Background(), ref)
	assert.True(t, errors.IsNotFound(err))

	entries := appendN(t, l, ref, 2)
	last, err := l.LastEntry(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, entries[1].ID, last.ID)
}

func TestBadgerBackedLedger(t *testing.T) {
	store, err := OpenBadgerStore("", 3, nil)
	require.NoError(t, err)
	defer store.Close()

	client := newMockTSA(t)
	l := newTestLedger(t, store, Config{CriticalEvents: []string{"signature.completed"}, BlockOnTimestampFailure: true},
		WithTimestamper(client), WithTokenVerifier(client))
	ref := SignerRef(types.NewID())
	ctx := context.Background()

	for _, eventType := range []string{"signer.invited", "signer.otp_verified", "signature.completed"} {
		_, err := l.Append(ctx, AppendRequest{Entity: ref, TenantID: testTenant, EventType: eventType, Payload: map[string]any{"v": 1.5}})
		require.NoError(t, err)
	}

	result, err := l.VerifyChain(ctx, ref)
	require.NoError(t, err)
	assert.True(t, result.Valid, "%+v", result.Errors)
	assert.Equal(t, 3, result.EntriesVerified)

	last, err := l.LastEntry(ctx, ref)
	require.NoError(t, err)
	assert.True(t, last.Anchored())
	assert.Equal(t, "signature", last.Category())
}
