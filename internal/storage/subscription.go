package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sync"

	"github.com/user/sentinel/internal/errs"
	"github.com/user/sentinel/internal/frequency"
	"github.com/user/sentinel/pkg/logger"
)

// RepoValidator checks that a repository exists upstream.
type RepoValidator interface {
	ValidateRepository(ctx context.Context, owner, repo string) (bool, error)
}

// MatchMode selects how Update finds its target record.
type MatchMode string

const (
	// MatchRepo matches on the repo name alone, ignoring owner.
	MatchRepo MatchMode = "repo"
	// MatchOwnerRepo matches on the full owner/repo key.
	MatchOwnerRepo MatchMode = "owner_repo"
)

// SubscriptionStore is the durable owner of subscription records. Every
// mutation rewrites the whole document through its Blob.
type SubscriptionStore struct {
	mu        sync.Mutex
	blob      Blob
	validator RepoValidator
	match     MatchMode

	subs []Subscription
	// overrides holds the original frequency of subscriptions that are
	// temporarily switched to a custom range, keyed by task id.
	overrides map[string]frequency.Frequency
}

// StoreOption configures a SubscriptionStore.
type StoreOption func(*SubscriptionStore)

// WithValidator checks repositories on Add.
func WithValidator(v RepoValidator) StoreOption {
	return func(s *SubscriptionStore) { s.validator = v }
}

// WithMatchMode sets the Update matching rule.
func WithMatchMode(m MatchMode) StoreOption {
	return func(s *SubscriptionStore) {
		if m == MatchOwnerRepo {
			s.match = MatchOwnerRepo
		} else {
			s.match = MatchRepo
		}
	}
}

// NewSubscriptionStore creates a new subscription store.
func NewSubscriptionStore(blob Blob, opts ...StoreOption) *SubscriptionStore {
	s := &SubscriptionStore{
		blob:      blob,
		match:     MatchRepo,
		overrides: make(map[string]frequency.Frequency),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Init loads persisted state, creating an empty document if none exists.
// Calling it again re-reads storage and picks up external edits.
func (s *SubscriptionStore) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	missing, err := s.loadLocked(ctx)
	if err != nil {
		return err
	}
	if missing {
		logger.Info().Msg("No subscription state found, creating empty store")
		return s.persistLocked(ctx)
	}
	return nil
}

// Reload re-reads storage so records written by another process become
// visible. Active overrides are kept.
func (s *SubscriptionStore) Reload(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.loadLocked(ctx)
	return err
}

// loadLocked replaces the in-memory records with the stored document. Every
// mutation calls it first so a write never drops records added elsewhere.
func (s *SubscriptionStore) loadLocked(ctx context.Context) (missing bool, err error) {
	data, err := s.blob.Read(ctx)
	if errors.Is(err, fs.ErrNotExist) {
		s.subs = nil
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load subscriptions: %w", err)
	}

	var subs []Subscription
	if len(data) > 0 {
		if err := json.Unmarshal(data, &subs); err != nil {
			return false, fmt.Errorf("failed to decode subscriptions: %w", err)
		}
	}
	s.subs = subs
	logger.Debug().Int("count", len(subs)).Msg("Subscriptions loaded")
	return false, nil
}

// Add validates the repository and upserts the record by owner/repo.
func (s *SubscriptionStore) Add(ctx context.Context, sub Subscription) error {
	if err := sub.Validate(); err != nil {
		return err
	}
	if s.validator != nil {
		exists, err := s.validator.ValidateRepository(ctx, sub.Owner, sub.Repo)
		if err != nil {
			return fmt.Errorf("failed to validate repository: %w", err)
		}
		if !exists {
			return errs.NotFound("repository %s does not exist or is not accessible", sub.TaskID())
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.loadLocked(ctx); err != nil {
		return err
	}

	sub = sub.Clone()
	taskID := sub.TaskID()
	if _, ok := s.overrides[taskID]; ok {
		// An ad-hoc check is running; the new frequency applies after restore.
		s.overrides[taskID] = sub.Frequency
		if i := s.indexLocked(sub.Owner, sub.Repo); i >= 0 {
			sub.Frequency = s.subs[i].Frequency
		}
	}

	if i := s.indexLocked(sub.Owner, sub.Repo); i >= 0 {
		s.subs[i] = sub
	} else {
		s.subs = append(s.subs, sub)
	}
	return s.persistLocked(ctx)
}

// Remove deletes the record if present. Missing records are not an error.
func (s *SubscriptionStore) Remove(ctx context.Context, owner, repo string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.loadLocked(ctx); err != nil {
		return err
	}

	i := s.indexLocked(owner, repo)
	if i < 0 {
		return nil
	}
	s.subs = append(s.subs[:i], s.subs[i+1:]...)
	return s.persistLocked(ctx)
}

// List returns a snapshot of all records as currently stored, including any
// temporary custom override.
func (s *SubscriptionStore) List() []Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Subscription, len(s.subs))
	for i, sub := range s.subs {
		out[i] = sub.Clone()
	}
	return out
}

// ListPermanent returns a snapshot with temporary overrides reverted to the
// original frequency. The scheduler reads this view.
func (s *SubscriptionStore) ListPermanent() []Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Subscription, len(s.subs))
	for i, sub := range s.subs {
		c := sub.Clone()
		if orig, ok := s.overrides[c.TaskID()]; ok {
			c.Frequency = orig
		}
		out[i] = c
	}
	return out
}

// Get returns a snapshot of one record.
func (s *SubscriptionStore) Get(owner, repo string) (Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexLocked(owner, repo)
	if i < 0 {
		return Subscription{}, errs.NotFound("subscription %s", TaskID(owner, repo))
	}
	return s.subs[i].Clone(), nil
}

// Update merges patch into the record matched per the store's MatchMode.
// Under MatchRepo the owner argument is ignored; if several owners share the
// repo name the first record wins.
func (s *SubscriptionStore) Update(ctx context.Context, owner, repo string, patch Patch) (Subscription, error) {
	if patch.Frequency != nil {
		if err := patch.Frequency.Validate(); err != nil {
			return Subscription{}, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.loadLocked(ctx); err != nil {
		return Subscription{}, err
	}

	i := -1
	if s.match == MatchOwnerRepo {
		i = s.indexLocked(owner, repo)
	} else {
		matches := 0
		for j, sub := range s.subs {
			if sub.Repo == repo {
				if i < 0 {
					i = j
				}
				matches++
			}
		}
		if matches > 1 {
			logger.Warn().Str("repo", repo).Int("matches", matches).
				Msg("Update matched several subscriptions by repo name, updating the first")
		}
	}
	if i < 0 {
		if s.match == MatchOwnerRepo {
			return Subscription{}, errs.NotFound("subscription %s", TaskID(owner, repo))
		}
		return Subscription{}, errs.NotFound("subscription for repo %s", repo)
	}

	sub := s.subs[i]
	if patch.Frequency != nil {
		f := *patch.Frequency
		if f.Interval != nil {
			iv := *f.Interval
			f.Interval = &iv
		}
		if _, ok := s.overrides[sub.TaskID()]; ok {
			s.overrides[sub.TaskID()] = f
		} else {
			sub.Frequency = f
		}
	}
	if patch.EventTypes != nil {
		sub.EventTypes = append([]EventType(nil), patch.EventTypes...)
	}
	s.subs[i] = sub

	if err := s.persistLocked(ctx); err != nil {
		return Subscription{}, err
	}
	return sub.Clone(), nil
}

// WithOverride temporarily switches a subscription to a custom range, runs fn
// with that snapshot and restores the original frequency afterwards, even if
// fn fails. Restore errors are joined to fn's error.
func (s *SubscriptionStore) WithOverride(ctx context.Context, owner, repo string, iv frequency.Interval, fn func(ctx context.Context, sub Subscription) error) (err error) {
	if err := iv.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	if _, err := s.loadLocked(ctx); err != nil {
		s.mu.Unlock()
		return err
	}
	i := s.indexLocked(owner, repo)
	if i < 0 {
		s.mu.Unlock()
		return errs.NotFound("subscription %s", TaskID(owner, repo))
	}
	taskID := TaskID(owner, repo)
	if _, busy := s.overrides[taskID]; busy {
		s.mu.Unlock()
		return errs.Conflict("range override already active for %s", taskID)
	}
	s.overrides[taskID] = s.subs[i].Frequency
	s.subs[i].Frequency = frequency.Custom(iv)
	snapshot := s.subs[i].Clone()
	persistErr := s.persistLocked(ctx)
	s.mu.Unlock()

	defer func() {
		if rerr := s.restore(context.WithoutCancel(ctx), owner, repo); rerr != nil {
			err = errors.Join(err, rerr)
		}
	}()

	if persistErr != nil {
		return persistErr
	}

	logger.Debug().Str("task_id", taskID).Str("range", iv.String()).Msg("Frequency temporarily overridden")
	return fn(ctx, snapshot)
}

func (s *SubscriptionStore) restore(ctx context.Context, owner, repo string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	taskID := TaskID(owner, repo)
	orig, ok := s.overrides[taskID]
	if !ok {
		return nil
	}
	delete(s.overrides, taskID)
	if _, err := s.loadLocked(ctx); err != nil {
		return fmt.Errorf("failed to restore frequency for %s: %w", taskID, err)
	}

	i := s.indexLocked(owner, repo)
	if i < 0 {
		// Removed while the check ran.
		return nil
	}
	s.subs[i].Frequency = orig
	if err := s.persistLocked(ctx); err != nil {
		return fmt.Errorf("failed to restore frequency for %s: %w", taskID, err)
	}
	logger.Debug().Str("task_id", taskID).Str("frequency", orig.String()).Msg("Frequency restored")
	return nil
}

func (s *SubscriptionStore) indexLocked(owner, repo string) int {
	for i, sub := range s.subs {
		if sub.Owner == owner && sub.Repo == repo {
			return i
		}
	}
	return -1
}

func (s *SubscriptionStore) persistLocked(ctx context.Context) error {
	subs := s.subs
	if subs == nil {
		subs = []Subscription{}
	}
	data, err := json.MarshalIndent(subs, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode subscriptions: %w", err)
	}
	if err := s.blob.Write(ctx, data); err != nil {
		return fmt.Errorf("failed to persist subscriptions: %w", err)
	}
	return nil
}
