package archiver

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/bturcanu/OpenConduit/pkg/audit"
)

type fakeStore struct {
	checkpoint time.Time
	hash       string
	seq        int64
	events     map[string][]audit.ChainEvent
	upserts    int
}

func (f *fakeStore) ArchiveCheckpoint(context.Context, string) (time.Time, string, int64, error) {
	return f.checkpoint, f.hash, f.seq, nil
}

func (f *fakeStore) ChainEvents(_ context.Context, user string, afterSeq int64) ([]audit.ChainEvent, error) {
	var out []audit.ChainEvent
	for _, ev := range f.events[user] {
		if ev.Seq > afterSeq {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *fakeStore) UpsertArchiveCheckpoint(_ context.Context, _ string, ts time.Time, h string, seq int64) error {
	f.checkpoint, f.hash, f.seq = ts, h, seq
	f.upserts++
	return nil
}

func (f *fakeStore) ListUsers(context.Context) ([]string, error) {
	users := make([]string, 0, len(f.events))
	for u := range f.events {
		users = append(users, u)
	}
	return users, nil
}

type fakeUploader struct {
	key  string
	body []byte
	err  error
}

func (f *fakeUploader) Upload(_ context.Context, key string, body []byte) error {
	if f.err != nil {
		return f.err
	}
	f.key = key
	f.body = body
	return nil
}

func chain(t *testing.T, n int) []audit.ChainEvent {
	t.Helper()
	var (
		out  []audit.ChainEvent
		prev string
	)
	base := time.Now().UTC().Add(-time.Hour)
	for i := 1; i <= n; i++ {
		canon, err := audit.CanonicalJSON(audit.Record{ID: "r" + string(rune('0'+i)), RequestingUser: "u1", Attempts: i})
		if err != nil {
			t.Fatal(err)
		}
		ev := audit.ChainEvent{
			Seq:        int64(i),
			RecordID:   "r" + string(rune('0'+i)),
			PrevHash:   prev,
			Canon:      canon,
			RecordedAt: base.Add(time.Duration(i) * time.Minute),
		}
		ev.Hash = audit.ChainHash(prev, canon)
		prev = ev.Hash
		out = append(out, ev)
	}
	return out
}

func TestArchiveUserBuildsBundleAndAdvancesCheckpoint(t *testing.T) {
	events := chain(t, 2)
	store := &fakeStore{events: map[string][]audit.ChainEvent{"u1": events}}
	up := &fakeUploader{}
	s := New(store, up)

	key, err := s.ArchiveUser(context.Background(), "u1")
	if err != nil {
		t.Fatalf("archive user: %v", err)
	}
	if key == "" || up.key != key || !strings.HasPrefix(key, "audit/u1/") {
		t.Fatalf("unexpected key %q (uploaded %q)", key, up.key)
	}
	if store.hash != events[1].Hash || store.seq != 2 {
		t.Fatalf("checkpoint = %s/%d, want %s/2", store.hash, store.seq, events[1].Hash)
	}

	var b Bundle
	if err := json.Unmarshal(up.body, &b); err != nil {
		t.Fatal(err)
	}
	if b.RecordCount != 2 || b.Checkpoint != events[1].Hash || b.AnchorHash != "" {
		t.Errorf("bundle = %+v", b)
	}
	if err := audit.VerifyChain(b.Links); err != nil {
		t.Errorf("bundle links do not verify: %v", err)
	}
}

func TestArchiveUserContinuesFromCheckpoint(t *testing.T) {
	events := chain(t, 3)
	store := &fakeStore{
		events: map[string][]audit.ChainEvent{"u1": events},
		hash:   events[0].Hash,
		seq:    1,
	}
	up := &fakeUploader{}

	if _, err := New(store, up).ArchiveUser(context.Background(), "u1"); err != nil {
		t.Fatalf("archive user: %v", err)
	}
	var b Bundle
	if err := json.Unmarshal(up.body, &b); err != nil {
		t.Fatal(err)
	}
	if b.RecordCount != 2 || b.AnchorHash != events[0].Hash {
		t.Errorf("bundle = %+v", b)
	}
}

func TestArchiveUserNothingNew(t *testing.T) {
	store := &fakeStore{events: map[string][]audit.ChainEvent{}}
	key, err := New(store, &fakeUploader{}).ArchiveUser(context.Background(), "u1")
	if err != nil || key != "" {
		t.Fatalf("key=%q err=%v", key, err)
	}
	if store.upserts != 0 {
		t.Error("checkpoint must not move")
	}
}

func TestArchiveUserRejectsTamperedChain(t *testing.T) {
	events := chain(t, 2)
	events[1].Canon = []byte(`{"tampered":true}`)
	store := &fakeStore{events: map[string][]audit.ChainEvent{"u1": events}}
	up := &fakeUploader{}

	if _, err := New(store, up).ArchiveUser(context.Background(), "u1"); err == nil {
		t.Fatal("expected verification error")
	}
	if up.key != "" || store.upserts != 0 {
		t.Error("tampered chain must not be uploaded or checkpointed")
	}
}

func TestArchiveUserUploadFailureKeepsCheckpoint(t *testing.T) {
	store := &fakeStore{events: map[string][]audit.ChainEvent{"u1": chain(t, 1)}}
	_, err := New(store, &fakeUploader{err: errors.New("s3 down")}).ArchiveUser(context.Background(), "u1")
	if err == nil {
		t.Fatal("expected upload error")
	}
	if store.upserts != 0 {
		t.Error("checkpoint advanced despite failed upload")
	}
}

func TestArchiveAll(t *testing.T) {
	store := &fakeStore{events: map[string][]audit.ChainEvent{"u1": chain(t, 1)}}
	keys, failed, err := New(store, &fakeUploader{}).ArchiveAll(context.Background())
	if err != nil || len(failed) != 0 || len(keys) != 1 {
		t.Fatalf("keys=%v failed=%v err=%v", keys, failed, err)
	}
}
