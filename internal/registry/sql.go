package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Cfomodz/RTMP-BASE/internal/models"
)

// dialect captures what differs between the SQL drivers.
type dialect struct {
	name string
	// numbered placeholders ($1, $2) instead of ?.
	numbered bool
}

// sqlStore implements Store on database/sql for both SQLite and Postgres.
type sqlStore struct {
	db      *sql.DB
	dialect dialect
	now     func() time.Time
	closers []func() error
}

func newSQLStore(db *sql.DB, d dialect) *sqlStore {
	return &sqlStore{db: db, dialect: d, now: func() time.Time { return time.Now().UTC() }}
}

// bind rewrites ? placeholders for drivers that number them.
func (s *sqlStore) bind(query string) string {
	if !s.dialect.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type rowScanner interface {
	Scan(dest ...any) error
}

const streamColumns = `id, name, type, platform, source, status, quality,
	COALESCE(project_id, ''), template_id, orientation, custom_settings, audio_config,
	multi_stream_targets, auto_start, created_at, updated_at`

func scanStream(row rowScanner) (models.StreamDefinition, error) {
	var (
		def                    models.StreamDefinition
		kind, intent, quality  string
		orientation            string
		custom, audio, targets string
		createdAt, updatedAt   time.Time
	)
	err := row.Scan(&def.ID, &def.Name, &kind, &def.Platform, &def.Source.Location, &intent, &quality,
		&def.ProjectID, &def.TemplateID, &orientation, &custom, &audio, &targets, &def.AutoStart, &createdAt, &updatedAt)
	if err != nil {
		return def, err
	}
	def.Source.Kind = models.SourceKind(kind)
	def.Intent = models.RunIntent(intent)
	def.Quality = models.QualityHint(quality)
	def.Orientation = models.Orientation(orientation)
	def.CreatedAt = createdAt.UTC()
	def.UpdatedAt = updatedAt.UTC()
	if strings.TrimSpace(custom) != "" {
		var settings models.QualitySettings
		if err := json.Unmarshal([]byte(custom), &settings); err != nil {
			return def, fmt.Errorf("decode custom settings of %s: %w", def.ID, err)
		}
		def.Custom = &settings
	}
	if trimmed := strings.TrimSpace(audio); trimmed != "" && trimmed != "{}" {
		var cfg models.AudioConfig
		if err := json.Unmarshal([]byte(audio), &cfg); err != nil {
			return def, fmt.Errorf("decode audio config of %s: %w", def.ID, err)
		}
		def.Audio = &cfg
	}
	if strings.TrimSpace(targets) != "" {
		if err := json.Unmarshal([]byte(targets), &def.Targets); err != nil {
			return def, fmt.Errorf("decode targets of %s: %w", def.ID, err)
		}
	}
	return def, nil
}

func encodeStream(def models.StreamDefinition) (custom, audio, targets string, err error) {
	if def.Custom != nil {
		raw, err := json.Marshal(def.Custom)
		if err != nil {
			return "", "", "", err
		}
		custom = string(raw)
	}
	audio = "{}"
	if def.Audio != nil {
		raw, err := json.Marshal(def.Audio)
		if err != nil {
			return "", "", "", err
		}
		audio = string(raw)
	}
	list := def.Targets
	if list == nil {
		list = []models.Target{}
	}
	raw, err := json.Marshal(list)
	if err != nil {
		return "", "", "", err
	}
	return custom, audio, string(raw), nil
}

func nullable(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func (s *sqlStore) ListStreams(ctx context.Context) ([]models.StreamDefinition, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+streamColumns+` FROM streams`)
	if err != nil {
		return nil, fmt.Errorf("list streams: %w", err)
	}
	defer rows.Close()
	var out []models.StreamDefinition
	for rows.Next() {
		def, err := scanStream(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stream: %w", err)
		}
		out = append(out, def)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list streams: %w", err)
	}
	sortStreams(out)
	return out, nil
}

func (s *sqlStore) GetStream(ctx context.Context, id string) (models.StreamDefinition, error) {
	return s.getStream(ctx, s.db, id)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *sqlStore) getStream(ctx context.Context, q querier, id string) (models.StreamDefinition, error) {
	def, err := scanStream(q.QueryRowContext(ctx, s.bind(`SELECT `+streamColumns+` FROM streams WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.StreamDefinition{}, ErrNotFound
	}
	if err != nil {
		return models.StreamDefinition{}, fmt.Errorf("get stream %s: %w", id, err)
	}
	return def, nil
}

func (s *sqlStore) SaveStream(ctx context.Context, def models.StreamDefinition) (models.StreamDefinition, error) {
	var saved models.StreamDefinition
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var existing *models.StreamDefinition
		if id := strings.TrimSpace(def.ID); id != "" {
			current, err := s.getStream(ctx, tx, id)
			switch {
			case err == nil:
				existing = &current
			case !errors.Is(err, ErrNotFound):
				return err
			}
		}
		prepared, err := prepareStream(def, existing, s.now())
		if err != nil {
			return err
		}
		custom, audio, targets, err := encodeStream(prepared)
		if err != nil {
			return fmt.Errorf("encode stream: %w", err)
		}
		_, err = tx.ExecContext(ctx, s.bind(`INSERT INTO streams (id, name, type, platform, stream_key, source, status, quality,
			project_id, template_id, orientation, custom_settings, audio_config, multi_stream_targets, auto_start, created_at, updated_at)
			VALUES (?, ?, ?, ?, '', ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET name = excluded.name, type = excluded.type, platform = excluded.platform,
			source = excluded.source, status = excluded.status, quality = excluded.quality, project_id = excluded.project_id,
			template_id = excluded.template_id, orientation = excluded.orientation, custom_settings = excluded.custom_settings,
			audio_config = excluded.audio_config, multi_stream_targets = excluded.multi_stream_targets,
			auto_start = excluded.auto_start, updated_at = excluded.updated_at`),
			prepared.ID, prepared.Name, string(prepared.Source.Kind), prepared.Platform, prepared.Source.Location,
			string(prepared.Intent), string(prepared.Quality), nullable(prepared.ProjectID), prepared.TemplateID,
			string(prepared.Orientation), custom, audio, targets, prepared.AutoStart, prepared.CreatedAt, prepared.UpdatedAt)
		if err != nil {
			return fmt.Errorf("save stream %s: %w", prepared.ID, err)
		}
		saved = prepared
		return nil
	})
	return saved, err
}

func (s *sqlStore) DeleteStream(ctx context.Context, id string) error {
	return s.execOne(ctx, `DELETE FROM streams WHERE id = ?`, id)
}

func (s *sqlStore) SetIntent(ctx context.Context, id string, intent models.RunIntent) error {
	return s.execOne(ctx, `UPDATE streams SET status = ? WHERE id = ?`, string(intent), id)
}

func (s *sqlStore) execOne(ctx context.Context, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, s.bind(query), args...)
	if err != nil {
		return fmt.Errorf("registry write: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("registry write: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin registry transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit registry transaction: %w", err)
	}
	return nil
}

const projectColumns = `id, name, description, settings, audio_config, created_at`

func scanProject(row rowScanner) (models.Project, error) {
	var (
		project         models.Project
		settings, audio string
		createdAt       time.Time
	)
	if err := row.Scan(&project.ID, &project.Name, &project.Description, &settings, &audio, &createdAt); err != nil {
		return project, err
	}
	project.CreatedAt = createdAt.UTC()
	if trimmed := strings.TrimSpace(settings); trimmed != "" && trimmed != "{}" {
		if err := json.Unmarshal([]byte(settings), &project.Settings); err != nil {
			return project, fmt.Errorf("decode project settings of %s: %w", project.ID, err)
		}
	}
	if trimmed := strings.TrimSpace(audio); trimmed != "" && trimmed != "{}" {
		var cfg models.AudioConfig
		if err := json.Unmarshal([]byte(audio), &cfg); err != nil {
			return project, fmt.Errorf("decode project audio of %s: %w", project.ID, err)
		}
		project.Audio = &cfg
	}
	return project, nil
}

func (s *sqlStore) ListProjects(ctx context.Context) ([]models.Project, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()
	var out []models.Project
	for rows.Next() {
		project, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		out = append(out, project)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	sortProjects(out)
	return out, nil
}

func (s *sqlStore) GetProject(ctx context.Context, id string) (models.Project, error) {
	return s.getProject(ctx, s.db, id)
}

func (s *sqlStore) getProject(ctx context.Context, q querier, id string) (models.Project, error) {
	project, err := scanProject(q.QueryRowContext(ctx, s.bind(`SELECT `+projectColumns+` FROM projects WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Project{}, ErrNotFound
	}
	if err != nil {
		return models.Project{}, fmt.Errorf("get project %s: %w", id, err)
	}
	return project, nil
}

func (s *sqlStore) SaveProject(ctx context.Context, project models.Project) (models.Project, error) {
	var saved models.Project
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var existing *models.Project
		if strings.TrimSpace(project.ID) != "" {
			current, err := s.getProject(ctx, tx, project.ID)
			switch {
			case err == nil:
				existing = &current
			case !errors.Is(err, ErrNotFound):
				return err
			}
		}
		prepared, err := prepareProject(project, existing, s.now())
		if err != nil {
			return err
		}
		settings, err := json.Marshal(prepared.Settings)
		if err != nil {
			return fmt.Errorf("encode project settings: %w", err)
		}
		if prepared.Settings == nil {
			settings = []byte("{}")
		}
		audio := []byte("{}")
		if prepared.Audio != nil {
			if audio, err = json.Marshal(prepared.Audio); err != nil {
				return fmt.Errorf("encode project audio: %w", err)
			}
		}
		_, err = tx.ExecContext(ctx, s.bind(`INSERT INTO projects (id, name, description, settings, audio_config, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET name = excluded.name, description = excluded.description,
			settings = excluded.settings, audio_config = excluded.audio_config, updated_at = excluded.updated_at`),
			prepared.ID, prepared.Name, prepared.Description, string(settings), string(audio), prepared.CreatedAt, s.now())
		if err != nil {
			return fmt.Errorf("save project %s: %w", prepared.ID, err)
		}
		saved = prepared
		return nil
	})
	return saved, err
}

// DeleteProject removes the project and detaches its streams.
func (s *sqlStore) DeleteProject(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.bind(`UPDATE streams SET project_id = NULL WHERE project_id = ?`), id); err != nil {
			return fmt.Errorf("detach project streams: %w", err)
		}
		result, err := tx.ExecContext(ctx, s.bind(`DELETE FROM projects WHERE id = ?`), id)
		if err != nil {
			return fmt.Errorf("delete project: %w", err)
		}
		if n, err := result.RowsAffected(); err == nil && n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

const templateColumns = `id, name, description, template_config, category, created_at`

func scanTemplate(row rowScanner) (models.Template, error) {
	var (
		template  models.Template
		config    string
		createdAt time.Time
	)
	if err := row.Scan(&template.ID, &template.Name, &template.Description, &config, &template.Category, &createdAt); err != nil {
		return template, err
	}
	template.CreatedAt = createdAt.UTC()
	if err := json.Unmarshal([]byte(config), &template.Defaults); err != nil {
		return template, fmt.Errorf("decode template %s: %w", template.ID, err)
	}
	return template, nil
}

func (s *sqlStore) ListTemplates(ctx context.Context) ([]models.Template, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+templateColumns+` FROM stream_templates`)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	defer rows.Close()
	var out []models.Template
	for rows.Next() {
		template, err := scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan template: %w", err)
		}
		out = append(out, template)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	sortTemplates(out)
	return out, nil
}

func (s *sqlStore) GetTemplate(ctx context.Context, id string) (models.Template, error) {
	return s.getTemplate(ctx, s.db, id)
}

func (s *sqlStore) getTemplate(ctx context.Context, q querier, id string) (models.Template, error) {
	template, err := scanTemplate(q.QueryRowContext(ctx, s.bind(`SELECT `+templateColumns+` FROM stream_templates WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Template{}, ErrNotFound
	}
	if err != nil {
		return models.Template{}, fmt.Errorf("get template %s: %w", id, err)
	}
	return template, nil
}

func (s *sqlStore) SaveTemplate(ctx context.Context, template models.Template) (models.Template, error) {
	var saved models.Template
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var existing *models.Template
		if strings.TrimSpace(template.ID) != "" {
			current, err := s.getTemplate(ctx, tx, template.ID)
			switch {
			case err == nil:
				existing = &current
			case !errors.Is(err, ErrNotFound):
				return err
			}
		}
		prepared, err := prepareTemplate(template, existing, s.now())
		if err != nil {
			return err
		}
		config, err := json.Marshal(prepared.Defaults)
		if err != nil {
			return fmt.Errorf("encode template: %w", err)
		}
		_, err = tx.ExecContext(ctx, s.bind(`INSERT INTO stream_templates (id, name, description, template_config, category, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET name = excluded.name, description = excluded.description,
			template_config = excluded.template_config, category = excluded.category`),
			prepared.ID, prepared.Name, prepared.Description, string(config), prepared.Category, prepared.CreatedAt)
		if err != nil {
			return fmt.Errorf("save template %s: %w", prepared.ID, err)
		}
		saved = prepared
		return nil
	})
	return saved, err
}

func (s *sqlStore) DeleteTemplate(ctx context.Context, id string) error {
	return s.execOne(ctx, `DELETE FROM stream_templates WHERE id = ?`, id)
}

func (s *sqlStore) ListPlatforms(ctx context.Context) ([]models.Platform, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT platform_name, display_name, rtmp_url, max_bitrate, vertical FROM platform_configs WHERE active`)
	if err != nil {
		return nil, fmt.Errorf("list platforms: %w", err)
	}
	defer rows.Close()
	var out []models.Platform
	for rows.Next() {
		var platform models.Platform
		if err := rows.Scan(&platform.Name, &platform.DisplayName, &platform.IngestURL, &platform.MaxBitrateKbps, &platform.Vertical); err != nil {
			return nil, fmt.Errorf("scan platform: %w", err)
		}
		out = append(out, platform)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list platforms: %w", err)
	}
	sortPlatforms(out)
	return out, nil
}

func (s *sqlStore) SavePlatform(ctx context.Context, platform models.Platform) error {
	if err := validPlatform(platform); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, s.bind(`INSERT INTO platform_configs (platform_name, display_name, rtmp_url, max_bitrate, vertical, active)
		VALUES (?, ?, ?, ?, ?, TRUE)
		ON CONFLICT (platform_name) DO UPDATE SET display_name = excluded.display_name, rtmp_url = excluded.rtmp_url,
		max_bitrate = excluded.max_bitrate, vertical = excluded.vertical, active = TRUE`),
		platform.Name, platform.DisplayName, platform.IngestURL, platform.MaxBitrateKbps, platform.Vertical)
	if err != nil {
		return fmt.Errorf("save platform %s: %w", platform.Name, err)
	}
	return nil
}

// seedPlatforms installs the default catalogue into an empty table.
func (s *sqlStore) seedPlatforms(ctx context.Context) error {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM platform_configs`).Scan(&n); err != nil {
		return fmt.Errorf("count platforms: %w", err)
	}
	if n > 0 {
		return nil
	}
	for _, platform := range models.DefaultPlatforms() {
		if err := s.SavePlatform(ctx, platform); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqlStore) Close() error {
	errs := []error{s.db.Close()}
	for _, closer := range s.closers {
		errs = append(errs, closer())
	}
	return errors.Join(errs...)
}
