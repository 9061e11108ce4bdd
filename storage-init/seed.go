package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/bytedance/sonic"

	"taskhub/domain"
)

type seedFile struct {
	Users      []domain.User `json:"users"`
	Categories []string      `json:"categories"`
}

type seedResult struct {
	Users      int
	Categories int
}

type seedStore interface {
	GetUserByName(ctx context.Context, username string) (domain.User, error)
	CreateUser(ctx context.Context, u domain.User) (domain.User, error)
	ListCategories(ctx context.Context) ([]domain.Category, error)
	CreateCategory(ctx context.Context, name string) (domain.Category, error)
}

// seed creates the users and categories in r that do not exist yet, so it can
// run on every deploy.
func seed(ctx context.Context, store seedStore, r io.Reader) (seedResult, error) {
	var in seedFile
	dec := sonic.ConfigStd.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&in); err != nil {
		return seedResult{}, fmt.Errorf("decode seed file: %w", err)
	}

	var res seedResult
	for _, u := range in.Users {
		_, err := store.GetUserByName(ctx, u.Username)
		if err == nil {
			continue
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return res, err
		}
		if _, err := store.CreateUser(ctx, u); err != nil {
			return res, fmt.Errorf("user %q: %w", u.Username, err)
		}
		res.Users++
	}

	existing, err := store.ListCategories(ctx)
	if err != nil {
		return res, err
	}
	have := make(map[string]struct{}, len(existing))
	for _, c := range existing {
		have[c.Name] = struct{}{}
	}
	for _, name := range in.Categories {
		if _, ok := have[name]; ok {
			continue
		}
		if _, err := store.CreateCategory(ctx, name); err != nil {
			return res, fmt.Errorf("category %q: %w", name, err)
		}
		have[name] = struct{}{}
		res.Categories++
	}
	return res, nil
}
