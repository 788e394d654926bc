package app

import (
	"context"
	"time"

	"reportline/internal/config"
	"reportline/internal/domain"
	"reportline/internal/repo"
)

// SeedCatalog loads the reference catalog from config into the store. The
// catalog is owned externally and read-mostly here, so this is an idempotent
// upsert: re-running with the same config changes nothing.
func SeedCatalog(ctx context.Context, r repo.Repo, cfg *config.Config) error {
	if cfg == nil {
		return nil
	}
	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, m := range cfg.Catalog.Ministries {
		err := r.UpsertMinistry(ctx, tx, domain.Ministry{
			ID:        m.ID,
			Name:      m.Name,
			ShortName: m.ShortName,
			CreatedAt: now,
		})
		if err != nil {
			return err
		}
	}
	for _, l := range cfg.Catalog.Lines {
		err := r.UpsertCommitmentLine(ctx, tx, domain.CommitmentLine{
			ID:         l.ID,
			MinistryID: l.MinistryID,
			Title:      l.Title,
			CreatedAt:  now,
		})
		if err != nil {
			return err
		}
	}
	for _, ind := range cfg.Catalog.Indicators {
		periodicity := ind.Periodicity
		if periodicity == "" {
			periodicity = "annual"
		}
		err := r.UpsertIndicator(ctx, tx, domain.Indicator{
			ID:               ind.ID,
			CommitmentLineID: ind.CommitmentLineID,
			Name:             ind.Name,
			Unit:             ind.Unit,
			Periodicity:      periodicity,
			CreatedAt:        now,
		})
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}
