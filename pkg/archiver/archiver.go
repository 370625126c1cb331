// Package archiver verifies each user's audit hash chain since the last
// checkpoint and uploads the verified links as a JSON bundle.
package archiver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/bturcanu/OpenConduit/pkg/audit"
)

// ChainStore is satisfied by *audit.PGSink.
type ChainStore interface {
	ArchiveCheckpoint(ctx context.Context, user string) (time.Time, string, int64, error)
	ChainEvents(ctx context.Context, user string, afterSeq int64) ([]audit.ChainEvent, error)
	UpsertArchiveCheckpoint(ctx context.Context, user string, until time.Time, hash string, seq int64) error
	ListUsers(ctx context.Context) ([]string, error)
}

type Uploader interface {
	Upload(ctx context.Context, key string, body []byte) error
}

type Service struct {
	store    ChainStore
	uploader Uploader
	now      func() time.Time
}

func New(store ChainStore, uploader Uploader) *Service {
	return &Service{store: store, uploader: uploader, now: time.Now}
}

type Bundle struct {
	RequestingUser string             `json:"requesting_user"`
	CreatedAt      time.Time          `json:"created_at"`
	RecordCount    int                `json:"record_count"`
	AnchorHash     string             `json:"anchor_hash"`
	Checkpoint     string             `json:"checkpoint_hash"`
	Since          time.Time          `json:"since"`
	Until          time.Time          `json:"until"`
	Links          []audit.ChainEvent `json:"links"`
}

// ArchiveUser uploads the links recorded for user since the last checkpoint
// and advances the checkpoint. It returns the object key, or "" when there
// was nothing new. A chain that fails verification is not uploaded.
func (s *Service) ArchiveUser(ctx context.Context, user string) (string, error) {
	since, anchor, lastSeq, err := s.store.ArchiveCheckpoint(ctx, user)
	if err != nil {
		return "", err
	}
	events, err := s.store.ChainEvents(ctx, user, lastSeq)
	if err != nil {
		return "", err
	}
	if len(events) == 0 {
		return "", nil
	}
	if err := audit.VerifyChainFrom(anchor, events); err != nil {
		return "", fmt.Errorf("verify chain for %s: %w", user, err)
	}

	last := events[len(events)-1]
	now := s.now().UTC()
	bundle := Bundle{
		RequestingUser: user,
		CreatedAt:      now,
		RecordCount:    len(events),
		AnchorHash:     anchor,
		Checkpoint:     last.Hash,
		Since:          since,
		Until:          last.RecordedAt,
		Links:          events,
	}
	body, err := json.Marshal(bundle)
	if err != nil {
		return "", fmt.Errorf("marshal bundle: %w", err)
	}

	key := fmt.Sprintf("audit/%s/%04d/%02d/%02d/%s.json",
		url.PathEscape(user), now.Year(), now.Month(), now.Day(), last.Hash)
	if err := s.uploader.Upload(ctx, key, body); err != nil {
		return "", err
	}
	if err := s.store.UpsertArchiveCheckpoint(ctx, user, last.RecordedAt, last.Hash, last.Seq); err != nil {
		return "", err
	}
	return key, nil
}

// ArchiveAll runs ArchiveUser for every user, continuing past failures. It
// returns the uploaded keys and the per-user errors.
func (s *Service) ArchiveAll(ctx context.Context) ([]string, map[string]error, error) {
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("list users: %w", err)
	}
	var keys []string
	failed := map[string]error{}
	for _, u := range users {
		if ctx.Err() != nil {
			return keys, failed, ctx.Err()
		}
		key, err := s.ArchiveUser(ctx, u)
		if err != nil {
			failed[u] = err
			continue
		}
		if key != "" {
			keys = append(keys, key)
		}
	}
	return keys, failed, nil
}
