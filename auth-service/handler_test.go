package main

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/nats-io/jwt/v2"
)

type fakeServiceAccounts struct {
	accounts map[string]string
}

func (f fakeServiceAccounts) Authenticate(username, password string) bool {
	stored, ok := f.accounts[username]
	return ok && stored == password
}

func newTestHandler(accounts serviceAuthenticator) *AuthHandler {
	return &AuthHandler{
		authorizer:      newTestAuthorizer(&fakeRelationships{}),
		serviceAccounts: accounts,
	}
}

func TestResolvePermissions_ServiceAccount(t *testing.T) {
	h := newTestHandler(fakeServiceAccounts{accounts: map[string]string{
		"notify": "notify-secret",
	}})

	name, perms, result := h.resolvePermissions(context.Background(), jwt.ConnectOptions{
		Username: "notify",
		Password: "notify-secret",
	})

	if result != "granted" || name != "notify" {
		t.Fatalf("result = %s name = %s, want granted notify", result, name)
	}
	// Backend services consume internal command subjects outside the topic
	// root, so the grant must be unrestricted.
	if !slices.Contains(perms.Pub.Allow, ">") || !slices.Contains(perms.Sub.Allow, ">") {
		t.Errorf("perms = %+v, want full allow", perms)
	}
}

func TestResolvePermissions_BadServiceCredentials(t *testing.T) {
	h := newTestHandler(fakeServiceAccounts{accounts: map[string]string{
		"notify": "notify-secret",
	}})

	_, perms, result := h.resolvePermissions(context.Background(), jwt.ConnectOptions{
		Username: "notify",
		Password: "wrong",
	})

	if result != "denied" {
		t.Fatalf("result = %s, want denied", result)
	}
	if len(perms.Pub.Allow) != 0 || len(perms.Sub.Allow) != 0 {
		t.Errorf("perms = %+v, want nothing allowed", perms)
	}
	if len(perms.Pub.Deny) == 0 || len(perms.Sub.Deny) == 0 {
		t.Errorf("perms = %+v, want explicit deny-all", perms)
	}
}

func TestResolvePermissions_TokenPath(t *testing.T) {
	h := newTestHandler(fakeServiceAccounts{})

	name, perms, result := h.resolvePermissions(context.Background(), jwt.ConnectOptions{
		Token: "sweeper::GLOBAL",
	})

	if result != "granted" || name != "sweeper" {
		t.Fatalf("result = %s name = %s, want granted sweeper", result, name)
	}
	if !slices.Contains(perms.Pub.Allow, "duet.>") {
		t.Errorf("perms = %+v, want topic-root wildcard only", perms)
	}
	if slices.Contains(perms.Pub.Allow, ">") {
		t.Error("token grants must stay inside the topic root")
	}
}

func TestResolvePermissions_NoCredentials(t *testing.T) {
	h := newTestHandler(fakeServiceAccounts{})

	name, perms, result := h.resolvePermissions(context.Background(), jwt.ConnectOptions{})

	if result != "denied" || name != "" {
		t.Fatalf("result = %s name = %s, want denied with no identity", result, name)
	}
	if len(perms.Pub.Deny) == 0 || len(perms.Sub.Deny) == 0 {
		t.Errorf("perms = %+v, want explicit deny-all", perms)
	}
}

func TestServiceAccountCacheAuthenticate(t *testing.T) {
	cache, err := NewServiceAccountCache(context.Background(), func(context.Context) (map[string]string, error) {
		return map[string]string{"presence": "presence-secret"}, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	defer cache.Close()

	if !cache.Authenticate("presence", "presence-secret") {
		t.Error("valid credentials rejected")
	}
	if cache.Authenticate("presence", "wrong") {
		t.Error("wrong password accepted")
	}
	if cache.Authenticate("unknown", "presence-secret") {
		t.Error("unknown account accepted")
	}
}

func TestServiceAccountCacheLoadFailure(t *testing.T) {
	_, err := NewServiceAccountCache(context.Background(), func(context.Context) (map[string]string, error) {
		return nil, errors.New("db down")
	})
	if err == nil {
		t.Fatal("expected error when the initial load fails")
	}
}
