// Package projects is opaque key/value storage for the external project
// scanner. The daemon never interprets the config or services blobs; it just
// keeps them durable so scanner runs survive restarts.
package projects

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/erichowens/port-daddy-sub004/internal/db"
	"github.com/erichowens/port-daddy-sub004/internal/identity"
)

// ErrNotFound reports a missing project record.
var ErrNotFound = errors.New("projects: not found")

// Store owns the projects table.
type Store struct {
	db  *gorm.DB
	log *zap.Logger

	// Now is the clock; replaced in tests.
	Now func() db.Millis
}

// New returns a Store.
func New(database *gorm.DB, log *zap.Logger) *Store {
	return &Store{db: database, log: log.Named("projects"), Now: db.Now}
}

// PutRequest upserts one project record. Empty JSON fields keep their stored
// value on update and default on insert.
type PutRequest struct {
	ID          string
	Root        string
	Type        string
	Config      string
	Services    string
	LastScanned *db.Millis
	Metadata    string
}

// Put creates or updates a project record by id.
func (s *Store) Put(ctx context.Context, req PutRequest) (*db.Project, error) {
	if err := identity.ValidateName(req.ID); err != nil {
		return nil, err
	}

	var project db.Project
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.First(&project, "id = ?", req.ID).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			project = db.Project{
				ID:          req.ID,
				Root:        req.Root,
				Type:        req.Type,
				Config:      orDefault(req.Config, "{}"),
				Services:    orDefault(req.Services, "[]"),
				LastScanned: req.LastScanned,
				CreatedAt:   s.Now(),
				Metadata:    orDefault(req.Metadata, "{}"),
			}
			return tx.Create(&project).Error
		case err != nil:
			return fmt.Errorf("projects: put lookup: %w", err)
		}

		if req.Root != "" {
			project.Root = req.Root
		}
		if req.Type != "" {
			project.Type = req.Type
		}
		if req.Config != "" {
			project.Config = req.Config
		}
		if req.Services != "" {
			project.Services = req.Services
		}
		if req.Metadata != "" {
			project.Metadata = req.Metadata
		}
		if req.LastScanned != nil {
			project.LastScanned = req.LastScanned
		}
		return tx.Save(&project).Error
	})
	if err != nil {
		return nil, fmt.Errorf("projects: put: %w", err)
	}
	return &project, nil
}

// Get returns one project record.
func (s *Store) Get(ctx context.Context, id string) (*db.Project, error) {
	var project db.Project
	err := s.db.WithContext(ctx).First(&project, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("projects: get: %w", err)
	}
	return &project, nil
}

// List returns all project records sorted by id.
func (s *Store) List(ctx context.Context) ([]db.Project, error) {
	var projects []db.Project
	if err := s.db.WithContext(ctx).Order("id ASC").Find(&projects).Error; err != nil {
		return nil, fmt.Errorf("projects: list: %w", err)
	}
	return projects, nil
}

// Delete removes one project record.
func (s *Store) Delete(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Delete(&db.Project{}, "id = ?", id)
	if res.Error != nil {
		return fmt.Errorf("projects: delete: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
