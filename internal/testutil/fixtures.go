package testutil

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"testing"
	"time"

	"github.com/mindflora/mindflora/internal/core"
	"github.com/mindflora/mindflora/internal/storage"
)

// RandomID returns a random hex identifier.
func RandomID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// ProfileFixture returns a profile with every contact field set.
func ProfileFixture(userID core.UserID) core.UserProfile {
	return core.UserProfile{
		UserID:    userID,
		FirstName: "Sam",
		Phone:     "5551234567",
		Email:     "sam@example.com",
		Carrier:   "verizon",
	}
}

// RequestFixture returns a chat request from userID.
func RequestFixture(userID core.UserID, message string) core.AgentRequest {
	return core.AgentRequest{
		UserID:  userID,
		Message: message,
		Context: core.SessionContext{
			SessionType: "chat",
			Timestamp:   time.Now().UTC(),
		},
	}
}

// AppointmentFixture returns a 50 minute appointment starting tomorrow.
func AppointmentFixture() core.Appointment {
	start := time.Now().Add(24 * time.Hour).Truncate(time.Hour)
	return core.Appointment{
		Title:    "Therapy session",
		Start:    start,
		Duration: 50 * time.Minute,
	}
}

// SeedProfile stores p and returns the stored copy.
func SeedProfile(t *testing.T, store *storage.ProfileStore, p core.UserProfile) *core.UserProfile {
	t.Helper()
	stored, _, err := store.Update(context.Background(), p.UserID, func(cur *core.UserProfile) (bool, error) {
		cur.FirstName = p.FirstName
		cur.Phone = p.Phone
		cur.Email = p.Email
		cur.Carrier = p.Carrier
		cur.Preferences = p.Preferences
		return true, nil
	})
	if err != nil {
		t.Fatalf("seed profile: %v", err)
	}
	return stored
}
