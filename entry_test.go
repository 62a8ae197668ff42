package modelcache

import (
	"fmt"
	"testing"
	"time"
)

func newTestStore(cfg *Config[TestUser]) *store[TestUser] {
	return newStore(cfg, &Statistics{}, nil)
}

func TestStore_SetAndAccess(t *testing.T) {
	s := newTestStore(newTestConfig())

	id, evs := s.set(TestUser{ID: "1", Email: "user1@example.com"})
	if id != "1" {
		t.Errorf("Expected id 1, got %s", id)
	}
	if len(evs) != 0 {
		t.Errorf("Expected no evictions, got %d", len(evs))
	}

	user, expired, ok := s.access("1")
	if !ok {
		t.Fatal("Expected to find entry")
	}
	if expired {
		t.Error("Expected entry to be fresh without TTL")
	}
	if user.Email != "user1@example.com" {
		t.Errorf("Expected email user1@example.com, got %s", user.Email)
	}

	// Unknown id
	if _, _, ok := s.access("nope"); ok {
		t.Error("Expected miss for unknown id")
	}
}

func TestStore_EmptyPrimaryKeySkipped(t *testing.T) {
	s := newTestStore(newTestConfig())

	id, _ := s.set(TestUser{ID: "", Email: "noid@example.com"})
	if id != "" {
		t.Errorf("Expected empty id for skipped record, got %s", id)
	}
	if s.size() != 0 {
		t.Errorf("Expected empty store, got %d", s.size())
	}
}

func TestStore_ValidationSkips(t *testing.T) {
	cfg := newTestConfig().WithValidateFunc(func(u TestUser) error {
		if u.Email == "" {
			return fmt.Errorf("email is required")
		}
		return nil
	})
	s := newTestStore(cfg)

	s.set(TestUser{ID: "1", Email: "valid@example.com"})
	s.set(TestUser{ID: "2"})

	if s.size() != 1 {
		t.Errorf("Expected 1 valid entry, got %d", s.size())
	}
}

func TestStore_NormalizationApplied(t *testing.T) {
	cfg := newTestConfig().WithNormalizeFunc(func(u TestUser) TestUser {
		u.Name = "normalized"
		return u
	})
	s := newTestStore(cfg)

	s.set(TestUser{ID: "1", Name: "original"})
	user, _, _ := s.access("1")
	if user.Name != "normalized" {
		t.Errorf("Expected normalized record, got %s", user.Name)
	}
}

func TestStore_IndexKeyNormalization(t *testing.T) {
	if indexKey("  MIXED@Case.Com ") != "mixed@case.com" {
		t.Error("Expected string keys to be lowercased and trimmed")
	}
	if indexKey(123) != "123" {
		t.Error("Expected numeric keys to be stringified")
	}
	if indexKey("123") != indexKey(123) {
		t.Error("Expected numeric and string forms of a key to collide")
	}
	if indexKey(true) != "true" {
		t.Error("Expected bool keys to be stringified")
	}
}

func TestStore_SecondaryBucketsShareEntry(t *testing.T) {
	s := newTestStore(newTestConfig())

	s.set(TestUser{ID: "1", Email: "a@example.com", Phone: "111"})

	// Both buckets resolve to the same entry
	byEmail, _, _, ok := s.accessByKey("email", "a@example.com")
	if !ok {
		t.Fatal("Expected email lookup to hit")
	}
	byPhone, _, _, ok := s.accessByKey("phone", "111")
	if !ok {
		t.Fatal("Expected phone lookup to hit")
	}
	if byEmail.ID != byPhone.ID {
		t.Error("Expected both buckets to reference the same record")
	}

	// An update is visible through every path
	s.set(TestUser{ID: "1", Email: "a@example.com", Phone: "111", Name: "renamed"})
	byEmail, _, _, _ = s.accessByKey("email", "a@example.com")
	if byEmail.Name != "renamed" {
		t.Errorf("Expected update to be shared, got %s", byEmail.Name)
	}
}

func TestStore_RebucketOnKeyChange(t *testing.T) {
	s := newTestStore(newTestConfig())

	s.set(TestUser{ID: "1", Email: "old@example.com"})
	s.set(TestUser{ID: "1", Email: "new@example.com"})

	if _, _, _, ok := s.accessByKey("email", "old@example.com"); ok {
		t.Error("Expected old key to be unbucketed after update")
	}
	if _, _, _, ok := s.accessByKey("email", "new@example.com"); !ok {
		t.Error("Expected new key to resolve after update")
	}
	if s.size() != 1 {
		t.Errorf("Expected a single canonical entry, got %d", s.size())
	}
}

func TestStore_RebucketKeepsForeignReference(t *testing.T) {
	s := newTestStore(newTestConfig())

	// Two records where an update of one claims the other's old key
	s.set(TestUser{ID: "1", Email: "shared@example.com"})
	s.set(TestUser{ID: "2", Email: "shared@example.com"}) // claims the bucket
	s.set(TestUser{ID: "1", Email: "moved@example.com"})  // 1 moves away

	// The bucket still belongs to 2; 1's rebucket must not delete it
	user, _, _, ok := s.accessByKey("email", "shared@example.com")
	if !ok {
		t.Fatal("Expected shared key to still resolve")
	}
	if user.ID != "2" {
		t.Errorf("Expected key to belong to 2, got %s", user.ID)
	}
}

func TestStore_EmptyIndexKeyNotBucketed(t *testing.T) {
	s := newTestStore(newTestConfig())

	s.set(TestUser{ID: "1", Email: ""})

	if _, _, _, ok := s.accessByKey("email", ""); ok {
		t.Error("Expected empty key to not be bucketed")
	}
	if _, _, ok := s.access("1"); !ok {
		t.Error("Expected canonical entry to exist regardless")
	}
}

func TestStore_DuplicatePrimaryKeysKeepLast(t *testing.T) {
	s := newTestStore(newTestConfig())

	s.set(TestUser{ID: "1", Email: "first@example.com"})
	s.set(TestUser{ID: "1", Email: "second@example.com"})

	if s.size() != 1 {
		t.Errorf("Expected 1 entry after duplicate set, got %d", s.size())
	}
	user, _, _ := s.access("1")
	if user.Email != "second@example.com" {
		t.Errorf("Expected last write to win, got %s", user.Email)
	}
}

func TestStore_EvictionPurgesBuckets(t *testing.T) {
	s := newTestStore(newTestConfig().WithMaxSize(2))

	s.set(TestUser{ID: "a", Email: "a@example.com"})
	s.set(TestUser{ID: "b", Email: "b@example.com"})
	_, evs := s.set(TestUser{ID: "c", Email: "c@example.com"})

	if len(evs) != 1 || evs[0].id != "a" || evs[0].cause != "lru" {
		t.Fatalf("Expected lru eviction of a, got %+v", evs)
	}
	if _, _, ok := s.access("a"); ok {
		t.Error("Expected a to be gone from the canonical store")
	}
	if _, _, _, ok := s.accessByKey("email", "a@example.com"); ok {
		t.Error("Expected a's bucket reference to be purged")
	}
	if s.lru.Len() != len(s.entries) {
		t.Errorf("Expected LRU order and entry set to match, got %d vs %d", s.lru.Len(), len(s.entries))
	}
}

func TestStore_AccessRefreshesRecency(t *testing.T) {
	s := newTestStore(newTestConfig().WithMaxSize(2))

	s.set(TestUser{ID: "a"})
	s.set(TestUser{ID: "b"})
	s.access("a") // a becomes most recent
	s.set(TestUser{ID: "c"})

	if _, _, ok := s.access("b"); ok {
		t.Error("Expected b to be the eviction victim")
	}
	if _, _, ok := s.access("a"); !ok {
		t.Error("Expected touched a to survive")
	}
}

func TestStore_CleanupSweepsExpired(t *testing.T) {
	s := newTestStore(newTestConfig().WithTTL(time.Second))

	s.set(TestUser{ID: "1", Email: "a@example.com"})
	s.set(TestUser{ID: "2", Email: "b@example.com"})

	// Nothing stale yet
	if n := s.cleanup(time.Now()); n != 0 {
		t.Errorf("Expected no sweeps, got %d", n)
	}

	n := s.cleanup(time.Now().Add(2 * time.Second))
	if n != 2 {
		t.Errorf("Expected 2 sweeps, got %d", n)
	}
	if s.size() != 0 {
		t.Errorf("Expected empty store, got %d", s.size())
	}
	if _, _, _, ok := s.accessByKey("email", "a@example.com"); ok {
		t.Error("Expected bucket references to be swept too")
	}
	if s.lru.Len() != 0 {
		t.Errorf("Expected empty LRU order, got %d", s.lru.Len())
	}
}

func TestStore_RemoveRecordPurgesEverything(t *testing.T) {
	s := newTestStore(newTestConfig())

	s.set(TestUser{ID: "1", Email: "a@example.com", Phone: "111"})

	removed, ok := s.removeRecord("1")
	if !ok {
		t.Fatal("Expected removal to find the entry")
	}
	if removed.Email != "a@example.com" {
		t.Errorf("Expected removed record, got %+v", removed)
	}
	if _, _, ok := s.access("1"); ok {
		t.Error("Expected canonical entry to be gone")
	}
	if _, _, _, ok := s.accessByKey("email", "a@example.com"); ok {
		t.Error("Expected email reference to be purged")
	}
	if _, _, _, ok := s.accessByKey("phone", "111"); ok {
		t.Error("Expected phone reference to be purged")
	}
	if s.lru.Len() != 0 {
		t.Errorf("Expected empty LRU order, got %d", s.lru.Len())
	}

	if _, ok := s.removeRecord("1"); ok {
		t.Error("Expected second removal to report absent")
	}
}

func TestStore_RemoveFromBucketLeavesCanonical(t *testing.T) {
	s := newTestStore(newTestConfig())

	s.set(TestUser{ID: "1", Email: "a@example.com"})

	if !s.removeFromBucket("email", "a@example.com") {
		t.Fatal("Expected bucket removal to succeed")
	}
	if s.removeFromBucket("email", "a@example.com") {
		t.Error("Expected second removal to report absent")
	}
	if s.removeFromBucket("unknown", "x") {
		t.Error("Expected unknown field to report absent")
	}

	if _, _, ok := s.access("1"); !ok {
		t.Error("Expected canonical entry to survive bucket removal")
	}
	if s.lru.Len() != 1 {
		t.Errorf("Expected LRU order to be untouched, got %d", s.lru.Len())
	}
}

func TestStore_GetAllInRecencyOrder(t *testing.T) {
	s := newTestStore(newTestConfig())

	s.set(TestUser{ID: "1"})
	s.set(TestUser{ID: "2"})
	s.set(TestUser{ID: "3"})
	s.access("1")

	all := s.getAll()
	expected := []string{"1", "3", "2"}
	if len(all) != 3 {
		t.Fatalf("Expected 3 records, got %d", len(all))
	}
	for i, u := range all {
		if u.ID != expected[i] {
			t.Errorf("Expected %s at position %d, got %s", expected[i], i, u.ID)
		}
	}
}

func TestStore_DumpAndRestore(t *testing.T) {
	cfg := newTestConfig().WithTTL(time.Hour)
	s := newTestStore(cfg)
	s.set(TestUser{ID: "1", Email: "a@example.com"})

	pairs := s.dump()
	if len(pairs) != 1 {
		t.Fatalf("Expected 1 pair, got %d", len(pairs))
	}
	if pairs[0].ExpiresAt == 0 {
		t.Error("Expected TTL entry to carry an expiry")
	}

	// Restore into a second store with the dumped absolute expiry
	s2 := newTestStore(newTestConfig())
	id, _ := s2.restore(pairs[0].Data, time.UnixMilli(pairs[0].ExpiresAt))
	if id != "1" {
		t.Errorf("Expected restored id 1, got %s", id)
	}
	if _, expired, _ := s2.access("1"); expired {
		t.Error("Expected restored entry to be fresh")
	}
}

func TestStore_DumpWithoutTTLHasNoExpiry(t *testing.T) {
	s := newTestStore(newTestConfig())
	s.set(TestUser{ID: "1"})

	pairs := s.dump()
	if len(pairs) != 1 || pairs[0].ExpiresAt != 0 {
		t.Errorf("Expected zero expiry without TTL, got %+v", pairs)
	}
}

func TestStore_ResetKeepsFieldsRegistered(t *testing.T) {
	s := newTestStore(newTestConfig())
	s.set(TestUser{ID: "1", Email: "a@example.com"})

	s.reset(true)

	if s.size() != 0 {
		t.Errorf("Expected empty store, got %d", s.size())
	}
	// Fields stay registered and usable
	s.set(TestUser{ID: "2", Email: "b@example.com"})
	if _, _, _, ok := s.accessByKey("email", "b@example.com"); !ok {
		t.Error("Expected field buckets to work after reset")
	}
}

func TestStore_ClearFieldKeepsOtherBuckets(t *testing.T) {
	s := newTestStore(newTestConfig())
	s.set(TestUser{ID: "1", Email: "a@example.com", Phone: "111"})

	if !s.clearField("email") {
		t.Fatal("Expected clearField to succeed")
	}
	if s.clearField("unknown") {
		t.Error("Expected clearField on unknown field to report false")
	}

	if _, _, _, ok := s.accessByKey("email", "a@example.com"); ok {
		t.Error("Expected email bucket to be empty")
	}
	if _, _, _, ok := s.accessByKey("phone", "111"); !ok {
		t.Error("Expected phone bucket to survive")
	}
	if _, _, ok := s.access("1"); !ok {
		t.Error("Expected canonical entry to survive")
	}
}

func TestStore_LRUInvariantUnderMixedOperations(t *testing.T) {
	s := newTestStore(newTestConfig().WithMaxSize(4))

	for i := 0; i < 20; i++ {
		s.set(TestUser{ID: fmt.Sprintf("%d", i%6), Email: fmt.Sprintf("u%d@example.com", i%6)})
		s.access(fmt.Sprintf("%d", (i+3)%6))
		if i%5 == 0 {
			s.removeRecord(fmt.Sprintf("%d", i%6))
		}
		if s.lru.Len() != len(s.entries) {
			t.Fatalf("LRU order diverged from entry set at step %d: %d vs %d",
				i, s.lru.Len(), len(s.entries))
		}
	}
}
