package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Project groups assets and the jobs produced them
type Project struct {
	ID          string    `db:"id" json:"id"`
	Name        string    `db:"name" json:"name"`
	Description string    `db:"description" json:"description,omitempty"`
	CreatedAt   Timestamp `db:"created_at" json:"created_at"`
	UpdatedAt   Timestamp `db:"updated_at" json:"updated_at"`
}

// Asset is a generated file registered under a project
type Asset struct {
	ID        string        `db:"id" json:"id"`
	ProjectID string        `db:"project_id" json:"project_id"`
	Name      string        `db:"name" json:"name"`
	Type      string        `db:"type" json:"type"`
	FilePath  string        `db:"file_path" json:"file_path"`
	FbxPath   string        `db:"fbx_path" json:"fbx_path,omitempty"`
	FileSize  int64         `db:"file_size" json:"file_size"`
	Metadata  AssetMetadata `db:"metadata" json:"metadata"`
	CreatedAt Timestamp     `db:"created_at" json:"created_at"`
	UpdatedAt Timestamp     `db:"updated_at" json:"updated_at"`
}

// CreateProject inserts a project, id and timestamps are set if empty
func (s *Store) CreateProject(ctx context.Context, p Project) (Project, error) {
	if p.Name == "" {
		return Project{}, errors.New("empty project name")
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.CreatedAt, p.UpdatedAt = Now(), Now()
	_, err := s.db.NamedExecContext(ctx, `INSERT INTO projects (id, name, description, created_at, updated_at)
		VALUES (:id, :name, :description, :created_at, :updated_at)`, p)
	if err != nil {
		return Project{}, fmt.Errorf("failed to create project %s: %w", p.Name, err)
	}
	return p, nil
}

// GetProject returns a project by id
func (s *Store) GetProject(ctx context.Context, id string) (Project, error) {
	var p Project
	err := s.db.GetContext(ctx, &p, "SELECT id, name, description, created_at, updated_at FROM projects WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return Project{}, fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Project{}, fmt.Errorf("failed to get project %s: %w", id, err)
	}
	return p, nil
}

// ListProjects returns all projects, most recently updated first
func (s *Store) ListProjects(ctx context.Context) ([]Project, error) {
	res := []Project{}
	err := s.db.SelectContext(ctx, &res,
		"SELECT id, name, description, created_at, updated_at FROM projects ORDER BY updated_at DESC, rowid DESC")
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	return res, nil
}

// UpdateProject changes name and description of existing project
func (s *Store) UpdateProject(ctx context.Context, p Project) error {
	p.UpdatedAt = Now()
	res, err := s.db.NamedExecContext(ctx,
		"UPDATE projects SET name = :name, description = :description, updated_at = :updated_at WHERE id = :id", p)
	if err != nil {
		return fmt.Errorf("failed to update project %s: %w", p.ID, err)
	}
	return mustAffect(res, "project", p.ID)
}

// DeleteProject removes a project with all its assets, jobs keep their rows with project and asset links cleared
func (s *Store) DeleteProject(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM projects WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete project %s: %w", id, err)
	}
	return mustAffect(res, "project", id)
}

const assetColumns = "id, project_id, name, type, file_path, fbx_path, file_size, metadata, created_at, updated_at"

// CreateAsset inserts an asset for existing project
func (s *Store) CreateAsset(ctx context.Context, a Asset) (Asset, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.CreatedAt, a.UpdatedAt = Now(), Now()
	_, err := s.db.NamedExecContext(ctx, "INSERT INTO assets ("+assetColumns+`) VALUES
		(:id, :project_id, :name, :type, :file_path, :fbx_path, :file_size, :metadata, :created_at, :updated_at)`, a)
	if err != nil {
		return Asset{}, fmt.Errorf("failed to create asset %s: %w", a.Name, err)
	}
	return a, nil
}

// GetAsset returns an asset by id
func (s *Store) GetAsset(ctx context.Context, id string) (Asset, error) {
	var a Asset
	err := s.db.GetContext(ctx, &a, "SELECT "+assetColumns+" FROM assets WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return Asset{}, fmt.Errorf("asset %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Asset{}, fmt.Errorf("failed to get asset %s: %w", id, err)
	}
	return a, nil
}

// ListAssets returns assets of a project, oldest first
func (s *Store) ListAssets(ctx context.Context, projectID string) ([]Asset, error) {
	res := []Asset{}
	err := s.db.SelectContext(ctx, &res, "SELECT "+assetColumns+" FROM assets WHERE project_id = ? ORDER BY created_at, rowid",
		projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list assets of %s: %w", projectID, err)
	}
	return res, nil
}

// DeleteAsset removes an asset, jobs referencing it keep their rows with asset link cleared
func (s *Store) DeleteAsset(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM assets WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete asset %s: %w", id, err)
	}
	return mustAffect(res, "asset", id)
}

// SetAssetFbx records the converted FBX file of an asset
func (s *Store) SetAssetFbx(ctx context.Context, id, fbxPath string) error {
	res, err := s.db.ExecContext(ctx, "UPDATE assets SET fbx_path = ?, updated_at = ? WHERE id = ?", fbxPath, Now(), id)
	if err != nil {
		return fmt.Errorf("failed to set fbx of asset %s: %w", id, err)
	}
	return mustAffect(res, "asset", id)
}

func mustAffect(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows for %s %s: %w", kind, id, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return nil
}
