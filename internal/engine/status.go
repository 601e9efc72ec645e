package engine

import (
	"context"
	"errors"

	"delaycatcher/internal/repo"
)

type Status struct {
	Snapshots int    `json:"snapshots"`
	Claims    int    `json:"claims"`
	SyncToken string `json:"sync_token,omitempty"`
	Project   string `json:"project"`
}

func (e *Engine) Status(ctx context.Context) (Status, error) {
	snaps, err := e.Repo.CountSnapshots(ctx)
	if err != nil {
		return Status{}, err
	}
	claims, err := e.Repo.CountClaims(ctx)
	if err != nil {
		return Status{}, err
	}
	sync, err := e.Repo.GetKV(ctx, "events.sync")
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return Status{}, err
	}
	return Status{
		Snapshots: snaps,
		Claims:    claims,
		SyncToken: sync,
		Project:   e.Config.Upstream.Project,
	}, nil
}
