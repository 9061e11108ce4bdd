package main

import (
	"context"
	"strings"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"

	"taskhub/domain"
	"taskhub/storage"
)

const seedJSON = `{
  "users": [
    {"username": "alice", "firstName": "Alice", "role": "admin", "isActive": true},
    {"username": "bob", "firstName": "Bob", "isActive": true}
  ],
  "categories": ["Maintenance", "Billing"]
}`

func TestSeedIsRepeatable(t *testing.T) {
	logger, _ := test.NewNullLogger()
	st, err := storage.Open(":memory:", logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()
	ctx := context.Background()

	res, err := seed(ctx, st, strings.NewReader(seedJSON))
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if res.Users != 2 || res.Categories != 2 {
		t.Fatalf("unexpected first run %+v", res)
	}
	alice, err := st.GetUserByName(ctx, "alice")
	if err != nil || alice.Role != domain.RoleAdmin || !alice.IsActive {
		t.Fatalf("alice not seeded: %+v %v", alice, err)
	}

	res, err = seed(ctx, st, strings.NewReader(seedJSON))
	if err != nil {
		t.Fatalf("second seed: %v", err)
	}
	if res.Users != 0 || res.Categories != 0 {
		t.Fatalf("second run created %+v", res)
	}
}

func TestSeedRejectsUnknownFields(t *testing.T) {
	logger, _ := test.NewNullLogger()
	st, err := storage.Open(":memory:", logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()

	if _, err := seed(context.Background(), st, strings.NewReader(`{"groups": []}`)); err == nil {
		t.Fatalf("expected unknown field to be rejected")
	}
}
