package store

import (
	"context"
	"sort"

	"github.com/itskum47/accountforge/control_plane/model"
)

// Store mirrors account, proxy and action snapshots for export and for
// inspection after a restart. It is never consulted for scheduling
// decisions; the in-memory components remain the source of truth.
type Store interface {
	// Account Operations
	UpsertAccount(ctx context.Context, a *model.Account) error
	DeleteAccount(ctx context.Context, id string) error
	ListAccounts(ctx context.Context) ([]*model.Account, error)

	// Proxy Operations. Credentials are never persisted.
	UpsertProxy(ctx context.Context, p *model.Proxy) error
	DeleteProxy(ctx context.Context, id string) error
	ListProxies(ctx context.Context) ([]*model.Proxy, error)

	// Action Operations
	UpsertAction(ctx context.Context, a *model.Action) error
	// ListActions returns actions oldest first. An empty accountID lists
	// every account; limit > 0 keeps only the most recent limit entries.
	ListActions(ctx context.Context, accountID string, limit int) ([]*model.Action, error)

	Close() error
}

// withoutCredentials returns a copy of p that is safe to persist.
func withoutCredentials(p *model.Proxy) *model.Proxy {
	c := p.Clone()
	c.Credentials = nil
	return c
}

func sortAccounts(list []*model.Account) {
	sort.Slice(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		}
		return list[i].ID < list[j].ID
	})
}

func sortProxies(list []*model.Proxy) {
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
}

func sortActions(list []*model.Action) {
	sort.Slice(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		}
		return list[i].ID < list[j].ID
	})
}

// tail keeps the last limit entries when limit > 0.
func tail(list []*model.Action, limit int) []*model.Action {
	if limit > 0 && len(list) > limit {
		return list[len(list)-limit:]
	}
	return list
}
