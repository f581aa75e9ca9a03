// Package registry persists stream definitions, projects, templates, and the
// ingest platform catalogue.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Cfomodz/RTMP-BASE/internal/models"
	"github.com/Cfomodz/RTMP-BASE/internal/storage"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("registry: not found")
	// ErrInvalid is returned for records missing required fields.
	ErrInvalid = errors.New("registry: invalid record")
)

// Store is implemented by every registry driver. Reads return copies; writes
// are durable before they return.
type Store interface {
	ListStreams(ctx context.Context) ([]models.StreamDefinition, error)
	GetStream(ctx context.Context, id string) (models.StreamDefinition, error)
	// SaveStream creates the stream when its id is empty or unknown and
	// replaces it otherwise. The stored revision is returned.
	SaveStream(ctx context.Context, def models.StreamDefinition) (models.StreamDefinition, error)
	DeleteStream(ctx context.Context, id string) error
	// SetIntent records whether the stream should be running after a restart.
	SetIntent(ctx context.Context, id string, intent models.RunIntent) error

	ListProjects(ctx context.Context) ([]models.Project, error)
	GetProject(ctx context.Context, id string) (models.Project, error)
	SaveProject(ctx context.Context, project models.Project) (models.Project, error)
	DeleteProject(ctx context.Context, id string) error

	ListTemplates(ctx context.Context) ([]models.Template, error)
	GetTemplate(ctx context.Context, id string) (models.Template, error)
	SaveTemplate(ctx context.Context, template models.Template) (models.Template, error)
	DeleteTemplate(ctx context.Context, id string) error

	ListPlatforms(ctx context.Context) ([]models.Platform, error)
	SavePlatform(ctx context.Context, platform models.Platform) error

	Close() error
}

// Driver names accepted by Open.
const (
	DriverJSON     = "json"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config selects and configures a driver.
type Config struct {
	Driver string
	// Path is the JSON document or SQLite database file.
	Path     string
	Postgres storage.PostgresConfig
}

// Open returns the store selected by cfg.Driver.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", DriverJSON:
		store, err := OpenJSON(cfg.Path)
		if err != nil {
			return nil, err
		}
		return store, nil
	case DriverSQLite:
		return OpenSQLite(cfg.Path)
	case DriverPostgres:
		return OpenPostgres(ctx, cfg.Postgres)
	default:
		return nil, fmt.Errorf("registry: unknown driver %q", cfg.Driver)
	}
}

// prepareStream fills identity and timestamps before a write. existing is the
// stored revision, if any.
func prepareStream(def models.StreamDefinition, existing *models.StreamDefinition, now time.Time) (models.StreamDefinition, error) {
	def = def.Clone()
	def.ID = strings.TrimSpace(def.ID)
	def.Name = strings.TrimSpace(def.Name)
	if def.Name == "" {
		return def, fmt.Errorf("%w: stream name is required", ErrInvalid)
	}
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	if existing != nil {
		def.CreatedAt = existing.CreatedAt
		if def.Intent == "" {
			def.Intent = existing.Intent
		}
	}
	if def.CreatedAt.IsZero() {
		def.CreatedAt = now
	}
	if def.Intent == "" {
		def.Intent = models.IntentStopped
	}
	def.UpdatedAt = now
	return def, nil
}

func prepareProject(project models.Project, existing *models.Project, now time.Time) (models.Project, error) {
	project.Name = strings.TrimSpace(project.Name)
	if project.Name == "" {
		return project, fmt.Errorf("%w: project name is required", ErrInvalid)
	}
	if strings.TrimSpace(project.ID) == "" {
		project.ID = uuid.NewString()
	}
	if existing != nil {
		project.CreatedAt = existing.CreatedAt
	}
	if project.CreatedAt.IsZero() {
		project.CreatedAt = now
	}
	return project, nil
}

func prepareTemplate(template models.Template, existing *models.Template, now time.Time) (models.Template, error) {
	template.Name = strings.TrimSpace(template.Name)
	if template.Name == "" {
		return template, fmt.Errorf("%w: template name is required", ErrInvalid)
	}
	if strings.TrimSpace(template.ID) == "" {
		template.ID = uuid.NewString()
	}
	if strings.TrimSpace(template.Category) == "" {
		template.Category = "general"
	}
	if existing != nil {
		template.CreatedAt = existing.CreatedAt
	}
	if template.CreatedAt.IsZero() {
		template.CreatedAt = now
	}
	template.Defaults = template.Defaults.Clone()
	return template, nil
}

func validPlatform(platform models.Platform) error {
	if strings.TrimSpace(platform.Name) == "" || strings.TrimSpace(platform.IngestURL) == "" {
		return fmt.Errorf("%w: platform name and ingest url are required", ErrInvalid)
	}
	return nil
}

// ApplyTemplate fills the fields def leaves empty from template's defaults.
// Identity, intent, and timestamps always come from def.
func ApplyTemplate(template models.Template, def models.StreamDefinition) models.StreamDefinition {
	base := template.Defaults.Clone()
	def = def.Clone()
	def.TemplateID = template.ID
	if def.ProjectID == "" {
		def.ProjectID = base.ProjectID
	}
	if def.Platform == "" {
		def.Platform = base.Platform
	}
	if strings.TrimSpace(def.Source.Location) == "" {
		def.Source = base.Source
	}
	if len(def.Targets) == 0 {
		def.Targets = base.Targets
	}
	if def.Quality == "" {
		def.Quality = base.Quality
		if def.Custom == nil {
			def.Custom = base.Custom
		}
	}
	if def.Orientation == "" {
		def.Orientation = base.Orientation
	}
	if def.Audio == nil {
		def.Audio = base.Audio
	}
	return def
}

func sortStreams(defs []models.StreamDefinition) {
	sort.Slice(defs, func(i, j int) bool {
		if !defs[i].CreatedAt.Equal(defs[j].CreatedAt) {
			return defs[i].CreatedAt.Before(defs[j].CreatedAt)
		}
		return defs[i].ID < defs[j].ID
	})
}

func sortProjects(projects []models.Project) {
	sort.Slice(projects, func(i, j int) bool { return projects[i].Name < projects[j].Name })
}

func sortTemplates(templates []models.Template) {
	sort.Slice(templates, func(i, j int) bool {
		if templates[i].Category != templates[j].Category {
			return templates[i].Category < templates[j].Category
		}
		return templates[i].Name < templates[j].Name
	})
}

func sortPlatforms(platforms []models.Platform) {
	sort.Slice(platforms, func(i, j int) bool { return platforms[i].Name < platforms[j].Name })
}
