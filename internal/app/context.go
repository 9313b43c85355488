package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"wirline/internal/config"
	"wirline/internal/domain"
	"wirline/internal/repo"
)

// ResolveProjectAndConfig picks the active project and ensures a project,
// config and seeded role matrix exist in the DB. It prefers the override,
// then the single project in the DB, then the workspace config file.
// Missing projects are created on the fly.
func ResolveProjectAndConfig(ctx context.Context, workspace, projectOverride, actorID string, r repo.Repo) (string, *config.Config, error) {
	projectID := projectOverride
	var fileCfg *config.Config
	if projectID == "" {
		if p, err := r.SingleProject(ctx); err == nil {
			projectID = p.ID
		} else {
			cfg, cfgErr := config.LoadOptional(workspace)
			if cfgErr != nil {
				return "", nil, cfgErr
			}
			if cfg == nil || cfg.Project.ID == "" {
				return "", nil, fmt.Errorf("project not specified; use --project or add wirline.yml")
			}
			fileCfg = cfg
			projectID = cfg.Project.ID
		}
	}
	seedCfg := fileCfg
	if seedCfg == nil {
		seedCfg = config.Default(projectID)
	}

	if _, err := r.GetProject(ctx, projectID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		if err := CreateProject(ctx, r, projectID, seedCfg, actorID); err != nil {
			return "", nil, err
		}
	}
	cfg, err := r.GetProjectConfig(ctx, projectID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			if err := ImportConfig(ctx, r, projectID, seedCfg); err != nil {
				return "", nil, fmt.Errorf("seed project config: %w", err)
			}
			cfg = seedCfg
		} else {
			return "", nil, err
		}
	}
	cfg.Project.ID = projectID
	return projectID, cfg, nil
}

// CreateProject inserts the project footprint: row, config, role matrix.
func CreateProject(ctx context.Context, r repo.Repo, projectID string, seedCfg *config.Config, actorID string) error {
	if seedCfg == nil {
		seedCfg = config.Default(projectID)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	p := domain.Project{
		ID:        projectID,
		Kind:      "construction-project",
		Status:    "active",
		CreatedAt: now,
	}
	if err := r.InsertProject(ctx, tx, p); err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	if err := r.UpsertProjectConfigTx(ctx, tx, projectID, seedCfg); err != nil {
		return fmt.Errorf("insert project config: %w", err)
	}
	if err := seedRoleMatrixTx(ctx, r, tx, projectID, seedCfg); err != nil {
		return err
	}
	if actorID == "" {
		actorID = "local-user"
	}
	if err := r.EnsureUser(ctx, tx, actorID, now); err != nil {
		return fmt.Errorf("ensure user: %w", err)
	}
	return tx.Commit()
}

// ImportConfig replaces the stored config and re-seeds the role matrix so
// stored permissions never drift from the imported file.
func ImportConfig(ctx context.Context, r repo.Repo, projectID string, cfg *config.Config) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.UpsertProjectConfigTx(ctx, tx, projectID, cfg); err != nil {
		return err
	}
	if err := seedRoleMatrixTx(ctx, r, tx, projectID, cfg); err != nil {
		return err
	}
	return tx.Commit()
}

func seedRoleMatrixTx(ctx context.Context, r repo.Repo, tx *sql.Tx, projectID string, cfg *config.Config) error {
	for role := range cfg.Permissions.Roles {
		if err := r.ReplaceRoleMatrixTx(ctx, tx, projectID, role, cfg.BaseMatrix(role)); err != nil {
			return fmt.Errorf("seed role matrix %s: %w", role, err)
		}
	}
	return nil
}
