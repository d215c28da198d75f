package profile

import (
	"context"
	"fmt"

	"github.com/mindflora/mindflora/internal/core"
	"github.com/mindflora/mindflora/internal/lanes"
	"github.com/mindflora/mindflora/internal/logging"
)

// Store reads and atomically rewrites user profiles; storage.ProfileStore
// implements it.
type Store interface {
	Get(ctx context.Context, userID core.UserID) (*core.UserProfile, error)
	Update(ctx context.Context, userID core.UserID, fn func(p *core.UserProfile) (bool, error)) (*core.UserProfile, bool, error)
}

// Updater persists contact details found in messages. Writes for one user
// are serialised; different users proceed in parallel.
type Updater struct {
	store Store
	lanes *lanes.Lanes[core.UserID]
}

// NewUpdater creates an updater over store
func NewUpdater(store Store) *Updater {
	return &Updater{store: store, lanes: lanes.New[core.UserID]()}
}

// Update extracts contact details from text and stores the ones that are
// new. stored is the profile read at request start; it only lets a message
// with nothing new skip the write path. It reports whether the stored
// profile actually changed.
func (u *Updater) Update(ctx context.Context, userID core.UserID, text string, stored *core.UserProfile) (bool, error) {
	return u.Apply(ctx, userID, Extract(text), stored)
}

// Apply stores an already extracted contact
func (u *Updater) Apply(ctx context.Context, userID core.UserID, found Contact, stored *core.UserProfile) (bool, error) {
	if found.Empty() {
		return false, nil
	}
	if stored != nil && !Merge(clone(stored), found) {
		return false, nil
	}

	release, err := u.lanes.Acquire(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("wait for profile lane: %w", err)
	}
	defer release()

	_, changed, err := u.store.Update(ctx, userID, func(p *core.UserProfile) (bool, error) {
		return Merge(p, found), nil
	})
	if err != nil {
		return false, fmt.Errorf("update profile: %w", err)
	}
	if changed {
		logging.WithField("user_id", userID).Info("Profile updated from message")
	}
	return changed, nil
}

// Merge applies found to p and reports whether anything changed. A valid
// stored phone or email is only replaced by an exact match, and a first
// name is only filled in when none is stored.
func Merge(p *core.UserProfile, found Contact) bool {
	changed := false

	if mergeField(&p.Phone, found.Phone, ValidPhone) {
		changed = true
	}
	if mergeField(&p.Email, found.Email, ValidEmail) {
		changed = true
	}
	if found.FirstName.Found() && p.FirstName == "" {
		p.FirstName = found.FirstName.Value
		changed = true
	}
	if found.Carrier.Found() && p.Carrier != found.Carrier.Value {
		p.Carrier = found.Carrier.Value
		changed = true
	}
	return changed
}

func mergeField(field *string, m Match, valid func(string) bool) bool {
	if !m.Found() || *field == m.Value {
		return false
	}
	if m.Confidence < ConfidenceExact && valid(*field) {
		return false
	}
	*field = m.Value
	return true
}

func clone(p *core.UserProfile) *core.UserProfile {
	c := *p
	return &c
}
