package project

import (
	"context"
	"errors"
	"fmt"

	"sprintline/internal/domain"
	"sprintline/internal/events"
	"sprintline/internal/repo"
)

// Store persists crash-recovery snapshots and the event log.
type Store interface {
	Save(ctx context.Context, snap repo.Snapshot, evs []domain.Event) error
	Delete(ctx context.Context, project string) error
	List(ctx context.Context) ([]repo.Snapshot, error)
	Tail(ctx context.Context, project, generation string, limit int) ([]domain.Event, error)
}

// SQLStore writes snapshots and events in a single transaction.
type SQLStore struct {
	Repo   repo.Repo
	Events events.Writer
}

func (s SQLStore) Save(ctx context.Context, snap repo.Snapshot, evs []domain.Event) error {
	tx, err := s.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := s.Events.Append(ctx, tx, snap.Generation, evs); err != nil {
		return err
	}
	if err := s.Repo.UpsertSnapshotTx(ctx, tx, snap); err != nil {
		return fmt.Errorf("upsert snapshot: %w", err)
	}
	return tx.Commit()
}

func (s SQLStore) Delete(ctx context.Context, project string) error {
	if err := s.Repo.DeleteSnapshot(ctx, project); err != nil && !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	return nil
}

func (s SQLStore) List(ctx context.Context) ([]repo.Snapshot, error) {
	return s.Repo.ListSnapshots(ctx)
}

func (s SQLStore) Tail(ctx context.Context, project, generation string, limit int) ([]domain.Event, error) {
	return s.Repo.TailEvents(ctx, project, generation, limit)
}
