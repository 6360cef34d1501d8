package repository

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func newMiniRedisRepo(t *testing.T) (*RedisRepository, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisRepository(rdb, DefaultKeyPrefix, time.Hour), mr
}

func TestRedisRepository(t *testing.T) {
	runContract(t, func(t *testing.T) Repository {
		r, _ := newMiniRedisRepo(t)
		return r
	}, false)
}

func TestRedisRepository_KeysCarryTTL(t *testing.T) {
	r, mr := newMiniRedisRepo(t)
	c := newChallenge(uuid.New().String(), baseNow())
	mustCreate(t, r, c)

	for _, key := range []string{"pushauth:challenge:" + c.ID, "pushauth:token:" + c.TokenHash} {
		if !mr.Exists(key) {
			t.Errorf("key %s missing", key)
		}
		if ttl := mr.TTL(key); ttl <= time.Hour {
			t.Errorf("TTL(%s) = %v, want > retention", key, ttl)
		}
	}

	// Resolving keeps the record's TTL.
	if _, err := r.TryResolve(context.Background(), c.ID, "sub-1", true, baseNow()); err != nil {
		t.Fatalf("TryResolve: %v", err)
	}
	if ttl := mr.TTL("pushauth:challenge:" + c.ID); ttl <= 0 {
		t.Errorf("TTL after resolve = %v, want kept", ttl)
	}
}

func TestRedisRepository_ListPrunesVanishedRecords(t *testing.T) {
	r, mr := newMiniRedisRepo(t)
	ctx := context.Background()
	user := uuid.New().String()
	c := newChallenge(user, baseNow())
	mustCreate(t, r, c)
	mr.Del("pushauth:challenge:" + c.ID)

	got, err := r.ListPendingByUser(ctx, user, baseNow())
	if err != nil {
		t.Fatalf("ListPendingByUser: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("len = %d, want 0", len(got))
	}
	members, _ := mr.ZMembers("pushauth:user:" + user)
	if len(members) != 0 {
		t.Errorf("user index = %v, want pruned", members)
	}
}

func TestRedisRepository_RejectsEmptyNotifiedSet(t *testing.T) {
	r, _ := newMiniRedisRepo(t)
	c := newChallenge(uuid.New().String(), baseNow())
	c.NotifiedSubscriptionIDs = nil
	err := r.Create(context.Background(), c)
	if err == nil || !strings.Contains(err.Error(), "no notified subscriptions") {
		t.Errorf("Create = %v, want no notified subscriptions error", err)
	}
}
