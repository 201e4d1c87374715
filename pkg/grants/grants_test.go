package grants

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	natsjwt "github.com/nats-io/jwt/v2"
	"github.com/nats-io/nkeys"

	"github.com/example/companion-chat/pkg/channel"
)

type fakeSessions struct {
	sessions map[string]*Session
}

func (f *fakeSessions) Validate(token string) (*Session, error) {
	if s, ok := f.sessions[token]; ok {
		return s, nil
	}
	return nil, fmt.Errorf("unknown token")
}

type fakeParticipants struct {
	members map[string]bool // "conversationID/userID"
	calls   int
	err     error
}

func (f *fakeParticipants) IsParticipant(_ context.Context, conversationID, userID string) (bool, error) {
	f.calls++
	if f.err != nil {
		return false, f.err
	}
	return f.members[conversationID+"/"+userID], nil
}

func newTestAuthorizer(t *testing.T, participants *fakeParticipants) *Authorizer {
	t.Helper()
	kp, err := nkeys.CreateAccount()
	if err != nil {
		t.Fatalf("create account key: %v", err)
	}
	seed, err := kp.Seed()
	if err != nil {
		t.Fatalf("account seed: %v", err)
	}
	sessions := &fakeSessions{sessions: map[string]*Session{
		"alice-token": {UserID: "alice", Handle: "Alice", ExpiresAt: time.Now().Add(30 * time.Minute)},
		"bob-token":   {UserID: "bob", Handle: "Bob"},
	}}
	a, err := NewAuthorizer(sessions, participants, string(seed), time.Hour)
	if err != nil {
		t.Fatalf("NewAuthorizer failed: %v", err)
	}
	return a
}

func TestAuthorize(t *testing.T) {
	participants := &fakeParticipants{members: map[string]bool{"42/alice": true}}
	a := newTestAuthorizer(t, participants)

	tests := []struct {
		name    string
		token   string
		channel string
		wantErr error
	}{
		{"participant gets presence grant", "alice-token", "presence-conv-42", nil},
		{"non-participant rejected", "bob-token", "presence-conv-42", ErrUnauthorized},
		{"own private channel granted", "alice-token", "private-user-alice", nil},
		{"foreign private channel rejected", "bob-token", "private-user-alice", ErrUnauthorized},
		{"missing session rejected", "", "presence-conv-42", ErrUnauthenticated},
		{"invalid session rejected", "forged", "presence-conv-42", ErrUnauthenticated},
		{"missing session on private channel", "", "private-user-alice", ErrUnauthenticated},
		{"malformed channel", "alice-token", "lobby", channel.ErrMalformed},
		{"malformed channel checked before session", "", "lobby", channel.ErrMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			grant, err := a.Authorize(context.Background(), tt.token, tt.channel)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Authorize error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Authorize failed: %v", err)
			}
			if grant.Channel != tt.channel {
				t.Errorf("grant channel = %q, want %q", grant.Channel, tt.channel)
			}
			if grant.Token == "" {
				t.Error("grant token is empty")
			}
			if !grant.ExpiresAt.After(time.Now()) {
				t.Errorf("grant already expired at %v", grant.ExpiresAt)
			}
		})
	}
}

func TestGrantPermissionsScopedToChannel(t *testing.T) {
	participants := &fakeParticipants{members: map[string]bool{"42/alice": true}}
	a := newTestAuthorizer(t, participants)

	grant, err := a.Authorize(context.Background(), "alice-token", "presence-conv-42")
	if err != nil {
		t.Fatalf("Authorize failed: %v", err)
	}

	claims, err := natsjwt.DecodeUserClaims(grant.Token)
	if err != nil {
		t.Fatalf("decode grant token: %v", err)
	}
	if !claims.BearerToken {
		t.Error("grant is not a bearer token")
	}
	if claims.Name != "alice" {
		t.Errorf("claims name = %q, want alice", claims.Name)
	}

	if !contains(claims.Permissions.Sub.Allow, "presence.event.presence-conv-42") {
		t.Errorf("sub allow %v missing presence event subject", claims.Permissions.Sub.Allow)
	}
	if !contains(claims.Permissions.Pub.Allow, "presence.members.presence-conv-42") {
		t.Errorf("pub allow %v missing presence query subject", claims.Permissions.Pub.Allow)
	}
	if contains(claims.Permissions.Sub.Allow, "presence.event.>") {
		t.Error("grant must not cover other channels")
	}
}

func TestPrivateGrantLimitedToOwnDelivery(t *testing.T) {
	a := newTestAuthorizer(t, &fakeParticipants{})

	grant, err := a.Authorize(context.Background(), "bob-token", "private-user-bob")
	if err != nil {
		t.Fatalf("Authorize failed: %v", err)
	}

	claims, err := natsjwt.DecodeUserClaims(grant.Token)
	if err != nil {
		t.Fatalf("decode grant token: %v", err)
	}
	if !contains(claims.Permissions.Sub.Allow, "deliver.bob.>") {
		t.Errorf("sub allow %v missing own delivery subject", claims.Permissions.Sub.Allow)
	}
	if contains(claims.Permissions.Sub.Allow, "deliver.alice.>") {
		t.Error("grant leaks another user's delivery subject")
	}
}

func TestAuthorizeIsDeterministicAndSideEffectFree(t *testing.T) {
	participants := &fakeParticipants{members: map[string]bool{"42/alice": true}}
	a := newTestAuthorizer(t, participants)

	before := map[string]bool{"42/alice": true}

	first, err1 := a.Authorize(context.Background(), "alice-token", "presence-conv-42")
	second, err2 := a.Authorize(context.Background(), "alice-token", "presence-conv-42")
	if err1 != nil || err2 != nil {
		t.Fatalf("Authorize failed: %v / %v", err1, err2)
	}

	c1, _ := natsjwt.DecodeUserClaims(first.Token)
	c2, _ := natsjwt.DecodeUserClaims(second.Token)
	if !reflect.DeepEqual(c1.Permissions, c2.Permissions) {
		t.Errorf("grants differ in permissions:\n%+v\n%+v", c1.Permissions, c2.Permissions)
	}
	if c1.Name != c2.Name {
		t.Errorf("grants differ in subject identity: %q vs %q", c1.Name, c2.Name)
	}

	if !reflect.DeepEqual(participants.members, before) {
		t.Errorf("authorization mutated participant state: %v", participants.members)
	}

	// Rejections are deterministic too.
	if _, err := a.Authorize(context.Background(), "bob-token", "presence-conv-42"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("first rejection = %v, want ErrUnauthorized", err)
	}
	if _, err := a.Authorize(context.Background(), "bob-token", "presence-conv-42"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("second rejection = %v, want ErrUnauthorized", err)
	}
}

func TestAuthorizeStoreErrorIsNotAuthorizationError(t *testing.T) {
	storeErr := fmt.Errorf("connection refused")
	a := newTestAuthorizer(t, &fakeParticipants{err: storeErr})

	_, err := a.Authorize(context.Background(), "alice-token", "presence-conv-42")
	if err == nil {
		t.Fatal("Authorize succeeded despite store failure")
	}
	if errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrUnauthenticated) {
		t.Errorf("store failure surfaced as authorization error: %v", err)
	}
}

func contains(list natsjwt.StringList, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
