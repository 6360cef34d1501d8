package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"push-auth-control-plane/backend/internal/pushauth/domain"
)

type repoFactory func(t *testing.T) Repository

// runContract exercises the behaviour every Repository implementation must share.
// deletes is false for stores that age records out on their own.
func runContract(t *testing.T, newRepo repoFactory, deletes bool) {
	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, newRepo(t)) })
	t.Run("Duplicate", func(t *testing.T) { testDuplicate(t, newRepo(t)) })
	t.Run("TryResolveOutcomes", func(t *testing.T) { testTryResolveOutcomes(t, newRepo(t)) })
	t.Run("TryResolveConcurrentSingleWinner", func(t *testing.T) { testConcurrentSingleWinner(t, newRepo(t)) })
	t.Run("MarkConsumedIdempotent", func(t *testing.T) { testMarkConsumed(t, newRepo(t)) })
	t.Run("Expire", func(t *testing.T) { testExpire(t, newRepo(t)) })
	t.Run("ListPendingByUser", func(t *testing.T) { testListPending(t, newRepo(t)) })
	t.Run("MarkExpired", func(t *testing.T) { testMarkExpired(t, newRepo(t)) })
	if deletes {
		t.Run("DeleteFinishedBefore", func(t *testing.T) { testDeleteFinished(t, newRepo(t)) })
	}
}

func baseNow() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

func newChallenge(userID string, now time.Time, subs ...string) *domain.Challenge {
	if len(subs) == 0 {
		subs = []string{"sub-1", "sub-2"}
	}
	return &domain.Challenge{
		ID:                      uuid.New().String(),
		UserID:                  userID,
		TokenHash:               uuid.New().String(),
		Purpose:                 domain.PurposeSignIn,
		State:                   domain.StatePending,
		NotifiedSubscriptionIDs: subs,
		IPAddress:               "203.0.113.7",
		UserAgent:               "test-agent",
		Location:                "Berlin",
		CreatedAt:               now,
		ExpiresAt:               now.Add(DefaultChallengeTTL),
	}
}

func mustCreate(t *testing.T, r Repository, c *domain.Challenge) {
	t.Helper()
	if err := r.Create(context.Background(), c); err != nil {
		t.Fatalf("Create: %v", err)
	}
}

func testCreateAndGet(t *testing.T, r Repository) {
	ctx := context.Background()
	now := baseNow()
	c := newChallenge(uuid.New().String(), now)
	mustCreate(t, r, c)

	got, err := r.GetByID(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got == nil {
		t.Fatal("GetByID returned nil")
	}
	if got.UserID != c.UserID || got.TokenHash != c.TokenHash || got.State != domain.StatePending {
		t.Errorf("GetByID = %+v", got)
	}
	if len(got.NotifiedSubscriptionIDs) != 2 || got.NotifiedSubscriptionIDs[0] != "sub-1" {
		t.Errorf("NotifiedSubscriptionIDs = %v", got.NotifiedSubscriptionIDs)
	}
	if !got.ExpiresAt.Equal(c.ExpiresAt) || !got.CreatedAt.Equal(c.CreatedAt) {
		t.Errorf("times = %v/%v, want %v/%v", got.CreatedAt, got.ExpiresAt, c.CreatedAt, c.ExpiresAt)
	}
	if got.Location != "Berlin" || got.IPAddress != "203.0.113.7" || got.Purpose != domain.PurposeSignIn {
		t.Errorf("metadata = %q %q %q", got.Location, got.IPAddress, got.Purpose)
	}
	if got.Resolution != nil {
		t.Error("pending challenge should have no resolution")
	}

	byToken, err := r.GetByTokenHash(ctx, c.TokenHash)
	if err != nil {
		t.Fatalf("GetByTokenHash: %v", err)
	}
	if byToken == nil || byToken.ID != c.ID {
		t.Errorf("GetByTokenHash = %+v, want id %s", byToken, c.ID)
	}

	missing, err := r.GetByID(ctx, "does-not-exist")
	if err != nil || missing != nil {
		t.Errorf("GetByID missing = %v, %v; want nil, nil", missing, err)
	}
	missing, err = r.GetByTokenHash(ctx, "does-not-exist")
	if err != nil || missing != nil {
		t.Errorf("GetByTokenHash missing = %v, %v; want nil, nil", missing, err)
	}
}

func testDuplicate(t *testing.T, r Repository) {
	ctx := context.Background()
	now := baseNow()
	c := newChallenge(uuid.New().String(), now)
	mustCreate(t, r, c)

	sameID := newChallenge(c.UserID, now)
	sameID.ID = c.ID
	if err := r.Create(ctx, sameID); !errors.Is(err, ErrDuplicateChallenge) {
		t.Errorf("Create same id: want ErrDuplicateChallenge, got %v", err)
	}
	sameToken := newChallenge(c.UserID, now)
	sameToken.TokenHash = c.TokenHash
	if err := r.Create(ctx, sameToken); !errors.Is(err, ErrDuplicateChallenge) {
		t.Errorf("Create same token: want ErrDuplicateChallenge, got %v", err)
	}
}

func testTryResolveOutcomes(t *testing.T, r Repository) {
	ctx := context.Background()
	now := baseNow()

	res, err := r.TryResolve(ctx, uuid.New().String(), "sub-1", true, now)
	if err != nil || res != domain.ResolveNotFound {
		t.Errorf("TryResolve unknown = %s, %v; want NOT_FOUND", res, err)
	}

	c := newChallenge(uuid.New().String(), now)
	mustCreate(t, r, c)

	if res, _ := r.TryResolve(ctx, c.ID, "sub-9", true, now); res != domain.UnauthorizedDevice {
		t.Errorf("TryResolve unknown subscription = %s, want UNAUTHORIZED_DEVICE", res)
	}
	if res, _ := r.TryResolve(ctx, c.ID, "sub-1", true, c.ExpiresAt); res != domain.ResolveExpired {
		t.Errorf("TryResolve at deadline = %s, want EXPIRED", res)
	}
	res, err = r.TryResolve(ctx, c.ID, "sub-1", true, now)
	if err != nil || res != domain.Resolved {
		t.Fatalf("TryResolve = %s, %v; want RESOLVED", res, err)
	}
	if res, _ := r.TryResolve(ctx, c.ID, "sub-2", false, now); res != domain.AlreadyResolved {
		t.Errorf("second TryResolve = %s, want ALREADY_RESOLVED", res)
	}

	got, err := r.GetByID(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.State != domain.StateApproved {
		t.Errorf("state = %s, want APPROVED", got.State)
	}
	if got.Resolution == nil || !got.Resolution.Approved || got.Resolution.SubscriptionID != "sub-1" {
		t.Errorf("resolution = %+v, want approved by sub-1", got.Resolution)
	}

	d := newChallenge(c.UserID, now)
	mustCreate(t, r, d)
	if res, _ := r.TryResolve(ctx, d.ID, "sub-2", false, now); res != domain.Resolved {
		t.Fatalf("deny TryResolve = %s, want RESOLVED", res)
	}
	got, _ = r.GetByID(ctx, d.ID)
	if got.State != domain.StateDenied || got.Resolution == nil || got.Resolution.Approved {
		t.Errorf("denied challenge = %+v", got)
	}
}

func testConcurrentSingleWinner(t *testing.T, r Repository) {
	ctx := context.Background()
	now := baseNow()
	const n = 16
	subs := make([]string, n)
	for i := range subs {
		subs[i] = fmt.Sprintf("sub-%d", i)
	}
	c := newChallenge(uuid.New().String(), now, subs...)
	mustCreate(t, r, c)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results = map[domain.ResolveResult]int{}
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(sub string, approved bool) {
			defer wg.Done()
			res, err := r.TryResolve(ctx, c.ID, sub, approved, now)
			if err != nil {
				t.Errorf("TryResolve: %v", err)
				return
			}
			mu.Lock()
			results[res]++
			mu.Unlock()
		}(subs[i], i%2 == 0)
	}
	wg.Wait()

	if results[domain.Resolved] != 1 {
		t.Errorf("Resolved count = %d, want 1 (%v)", results[domain.Resolved], results)
	}
	if results[domain.AlreadyResolved] != n-1 {
		t.Errorf("AlreadyResolved count = %d, want %d (%v)", results[domain.AlreadyResolved], n-1, results)
	}
}

func testMarkConsumed(t *testing.T, r Repository) {
	ctx := context.Background()
	now := baseNow()
	c := newChallenge(uuid.New().String(), now)
	mustCreate(t, r, c)

	if ok, err := r.MarkConsumed(ctx, c.ID, now); err != nil || ok {
		t.Errorf("MarkConsumed pending = %v, %v; want false", ok, err)
	}
	if res, _ := r.TryResolve(ctx, c.ID, "sub-1", true, now); res != domain.Resolved {
		t.Fatalf("TryResolve = %s", res)
	}
	ok, err := r.MarkConsumed(ctx, c.ID, now)
	if err != nil || !ok {
		t.Fatalf("MarkConsumed = %v, %v; want true", ok, err)
	}
	ok, err = r.MarkConsumed(ctx, c.ID, now)
	if err != nil || ok {
		t.Errorf("second MarkConsumed = %v, %v; want false, nil", ok, err)
	}
	got, _ := r.GetByID(ctx, c.ID)
	if got.State != domain.StateConsumed || got.ConsumedAt == nil {
		t.Errorf("state = %s consumedAt=%v, want CONSUMED", got.State, got.ConsumedAt)
	}
	if got.Resolution == nil || !got.Resolution.Approved {
		t.Error("consumed challenge must keep its resolution")
	}
	if ok, _ := r.MarkConsumed(ctx, "does-not-exist", now); ok {
		t.Error("MarkConsumed unknown id should be false")
	}
}

func testExpire(t *testing.T, r Repository) {
	ctx := context.Background()
	now := baseNow()
	c := newChallenge(uuid.New().String(), now)
	mustCreate(t, r, c)

	if ok, err := r.Expire(ctx, c.ID); err != nil || !ok {
		t.Fatalf("Expire = %v, %v; want true", ok, err)
	}
	if ok, _ := r.Expire(ctx, c.ID); ok {
		t.Error("second Expire should be false")
	}
	if res, _ := r.TryResolve(ctx, c.ID, "sub-1", true, now); res != domain.ResolveExpired {
		t.Errorf("TryResolve after Expire = %s, want EXPIRED", res)
	}
	got, _ := r.GetByID(ctx, c.ID)
	if got.State != domain.StateExpired {
		t.Errorf("state = %s, want EXPIRED", got.State)
	}

	a := newChallenge(c.UserID, now)
	mustCreate(t, r, a)
	r.TryResolve(ctx, a.ID, "sub-1", true, now)
	if ok, _ := r.Expire(ctx, a.ID); ok {
		t.Error("Expire on approved challenge should be false")
	}
}

func testListPending(t *testing.T, r Repository) {
	ctx := context.Background()
	now := baseNow()
	user := uuid.New().String()

	first := newChallenge(user, now.Add(-3*time.Second))
	second := newChallenge(user, now.Add(-2*time.Second))
	resolved := newChallenge(user, now.Add(-1*time.Second))
	lapsed := newChallenge(user, now.Add(-time.Hour))
	other := newChallenge(uuid.New().String(), now)
	for _, c := range []*domain.Challenge{second, first, resolved, lapsed, other} {
		mustCreate(t, r, c)
	}
	r.TryResolve(ctx, resolved.ID, "sub-1", false, now)

	got, err := r.ListPendingByUser(ctx, user, now)
	if err != nil {
		t.Fatalf("ListPendingByUser: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].ID != first.ID || got[1].ID != second.ID {
		t.Errorf("order = [%s %s], want [%s %s]", got[0].ID, got[1].ID, first.ID, second.ID)
	}
}

func testMarkExpired(t *testing.T, r Repository) {
	ctx := context.Background()
	now := baseNow()
	user := uuid.New().String()
	lapsed := newChallenge(user, now.Add(-time.Hour))
	live := newChallenge(user, now)
	mustCreate(t, r, lapsed)
	mustCreate(t, r, live)

	n, err := r.MarkExpired(ctx, now)
	if err != nil {
		t.Fatalf("MarkExpired: %v", err)
	}
	if n < 1 {
		t.Errorf("MarkExpired = %d, want >= 1", n)
	}
	got, _ := r.GetByID(ctx, lapsed.ID)
	if got.State != domain.StateExpired {
		t.Errorf("lapsed state = %s, want EXPIRED", got.State)
	}
	got, _ = r.GetByID(ctx, live.ID)
	if got.State != domain.StatePending {
		t.Errorf("live state = %s, want PENDING", got.State)
	}
}

func testDeleteFinished(t *testing.T, r Repository) {
	ctx := context.Background()
	now := baseNow()
	user := uuid.New().String()
	old := newChallenge(user, now.Add(-48*time.Hour))
	recent := newChallenge(user, now)
	mustCreate(t, r, old)
	mustCreate(t, r, recent)
	r.TryResolve(ctx, recent.ID, "sub-1", true, now)

	n, err := r.DeleteFinishedBefore(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("DeleteFinishedBefore: %v", err)
	}
	if n < 1 {
		t.Errorf("DeleteFinishedBefore = %d, want >= 1", n)
	}
	if got, _ := r.GetByID(ctx, old.ID); got != nil {
		t.Error("old challenge should be deleted")
	}
	if got, _ := r.GetByTokenHash(ctx, old.TokenHash); got != nil {
		t.Error("old challenge token index should be deleted")
	}
	if got, _ := r.GetByID(ctx, recent.ID); got == nil {
		t.Error("recent challenge should be kept")
	}
}
