package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Cfomodz/RTMP-BASE/internal/models"
	"github.com/Cfomodz/RTMP-BASE/internal/storage"
)

type document struct {
	Streams   map[string]models.StreamDefinition `json:"streams"`
	Projects  map[string]models.Project          `json:"projects"`
	Templates map[string]models.Template         `json:"templates"`
	Platforms map[string]models.Platform         `json:"platforms"`
}

func newDocument() document {
	return document{
		Streams:   make(map[string]models.StreamDefinition),
		Projects:  make(map[string]models.Project),
		Templates: make(map[string]models.Template),
		Platforms: make(map[string]models.Platform),
	}
}

// JSONStore keeps the whole registry in one JSON document that is rewritten
// atomically on every change.
type JSONStore struct {
	path string
	now  func() time.Time

	mu  sync.RWMutex
	doc document
}

// OpenJSON loads path, creating it with the default platform catalogue when
// it does not exist.
func OpenJSON(path string) (*JSONStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("registry: json path is required")
	}
	s := &JSONStore{path: path, now: func() time.Time { return time.Now().UTC() }, doc: newDocument()}
	if _, err := storage.ReadJSON(path, &s.doc); err != nil {
		return nil, fmt.Errorf("load registry: %w", err)
	}
	s.fillMaps()
	if len(s.doc.Platforms) == 0 {
		for _, platform := range models.DefaultPlatforms() {
			s.doc.Platforms[platform.Name] = platform
		}
	}
	if err := s.persistLocked(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *JSONStore) fillMaps() {
	empty := newDocument()
	if s.doc.Streams == nil {
		s.doc.Streams = empty.Streams
	}
	if s.doc.Projects == nil {
		s.doc.Projects = empty.Projects
	}
	if s.doc.Templates == nil {
		s.doc.Templates = empty.Templates
	}
	if s.doc.Platforms == nil {
		s.doc.Platforms = empty.Platforms
	}
}

func (s *JSONStore) persistLocked() error {
	if err := storage.WriteJSONAtomic(s.path, s.doc); err != nil {
		return fmt.Errorf("persist registry: %w", err)
	}
	return nil
}

// mutate applies fn to a copy of the document and commits it only when both
// fn and the write succeed.
func (s *JSONStore) mutate(fn func(doc *document) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	previous := s.doc
	next := copyDocument(s.doc)
	if err := fn(&next); err != nil {
		return err
	}
	s.doc = next
	if err := s.persistLocked(); err != nil {
		s.doc = previous
		return err
	}
	return nil
}

func copyDocument(doc document) document {
	out := newDocument()
	for id, def := range doc.Streams {
		out.Streams[id] = def.Clone()
	}
	for id, project := range doc.Projects {
		out.Projects[id] = project
	}
	for id, template := range doc.Templates {
		out.Templates[id] = template
	}
	for name, platform := range doc.Platforms {
		out.Platforms[name] = platform
	}
	return out
}

func (s *JSONStore) ListStreams(context.Context) ([]models.StreamDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.StreamDefinition, 0, len(s.doc.Streams))
	for _, def := range s.doc.Streams {
		out = append(out, def.Clone())
	}
	sortStreams(out)
	return out, nil
}

func (s *JSONStore) GetStream(_ context.Context, id string) (models.StreamDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.doc.Streams[id]
	if !ok {
		return models.StreamDefinition{}, ErrNotFound
	}
	return def.Clone(), nil
}

func (s *JSONStore) SaveStream(_ context.Context, def models.StreamDefinition) (models.StreamDefinition, error) {
	var saved models.StreamDefinition
	err := s.mutate(func(doc *document) error {
		var existing *models.StreamDefinition
		if current, ok := doc.Streams[strings.TrimSpace(def.ID)]; ok {
			existing = &current
		}
		prepared, err := prepareStream(def, existing, s.now())
		if err != nil {
			return err
		}
		doc.Streams[prepared.ID] = prepared
		saved = prepared.Clone()
		return nil
	})
	return saved, err
}

func (s *JSONStore) DeleteStream(_ context.Context, id string) error {
	return s.mutate(func(doc *document) error {
		if _, ok := doc.Streams[id]; !ok {
			return ErrNotFound
		}
		delete(doc.Streams, id)
		return nil
	})
}

func (s *JSONStore) SetIntent(_ context.Context, id string, intent models.RunIntent) error {
	return s.mutate(func(doc *document) error {
		def, ok := doc.Streams[id]
		if !ok {
			return ErrNotFound
		}
		def.Intent = intent
		doc.Streams[id] = def
		return nil
	})
}

func (s *JSONStore) ListProjects(context.Context) ([]models.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Project, 0, len(s.doc.Projects))
	for _, project := range s.doc.Projects {
		out = append(out, project)
	}
	sortProjects(out)
	return out, nil
}

func (s *JSONStore) GetProject(_ context.Context, id string) (models.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	project, ok := s.doc.Projects[id]
	if !ok {
		return models.Project{}, ErrNotFound
	}
	return project, nil
}

func (s *JSONStore) SaveProject(_ context.Context, project models.Project) (models.Project, error) {
	var saved models.Project
	err := s.mutate(func(doc *document) error {
		var existing *models.Project
		if current, ok := doc.Projects[project.ID]; ok {
			existing = &current
		}
		prepared, err := prepareProject(project, existing, s.now())
		if err != nil {
			return err
		}
		doc.Projects[prepared.ID] = prepared
		saved = prepared
		return nil
	})
	return saved, err
}

// DeleteProject removes the project and detaches its streams.
func (s *JSONStore) DeleteProject(_ context.Context, id string) error {
	return s.mutate(func(doc *document) error {
		if _, ok := doc.Projects[id]; !ok {
			return ErrNotFound
		}
		delete(doc.Projects, id)
		for streamID, def := range doc.Streams {
			if def.ProjectID == id {
				def.ProjectID = ""
				doc.Streams[streamID] = def
			}
		}
		return nil
	})
}

func (s *JSONStore) ListTemplates(context.Context) ([]models.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Template, 0, len(s.doc.Templates))
	for _, template := range s.doc.Templates {
		out = append(out, template)
	}
	sortTemplates(out)
	return out, nil
}

func (s *JSONStore) GetTemplate(_ context.Context, id string) (models.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	template, ok := s.doc.Templates[id]
	if !ok {
		return models.Template{}, ErrNotFound
	}
	return template, nil
}

func (s *JSONStore) SaveTemplate(_ context.Context, template models.Template) (models.Template, error) {
	var saved models.Template
	err := s.mutate(func(doc *document) error {
		var existing *models.Template
		if current, ok := doc.Templates[template.ID]; ok {
			existing = &current
		}
		prepared, err := prepareTemplate(template, existing, s.now())
		if err != nil {
			return err
		}
		doc.Templates[prepared.ID] = prepared
		saved = prepared
		return nil
	})
	return saved, err
}

func (s *JSONStore) DeleteTemplate(_ context.Context, id string) error {
	return s.mutate(func(doc *document) error {
		if _, ok := doc.Templates[id]; !ok {
			return ErrNotFound
		}
		delete(doc.Templates, id)
		return nil
	})
}

func (s *JSONStore) ListPlatforms(context.Context) ([]models.Platform, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Platform, 0, len(s.doc.Platforms))
	for _, platform := range s.doc.Platforms {
		out = append(out, platform)
	}
	sortPlatforms(out)
	return out, nil
}

func (s *JSONStore) SavePlatform(_ context.Context, platform models.Platform) error {
	if err := validPlatform(platform); err != nil {
		return err
	}
	return s.mutate(func(doc *document) error {
		doc.Platforms[platform.Name] = platform
		return nil
	})
}

func (s *JSONStore) Close() error { return nil }
