package registry

import (
	"context"
	"fmt"
)

// Counts is the number of records of each kind in a store.
type Counts struct {
	Projects  int
	Templates int
	Streams   int
	Platforms int
}

// CountRecords lists every record kind of store.
func CountRecords(ctx context.Context, store Store) (Counts, error) {
	var counts Counts
	projects, err := store.ListProjects(ctx)
	if err != nil {
		return counts, fmt.Errorf("count projects: %w", err)
	}
	templates, err := store.ListTemplates(ctx)
	if err != nil {
		return counts, fmt.Errorf("count templates: %w", err)
	}
	streams, err := store.ListStreams(ctx)
	if err != nil {
		return counts, fmt.Errorf("count streams: %w", err)
	}
	platforms, err := store.ListPlatforms(ctx)
	if err != nil {
		return counts, fmt.Errorf("count platforms: %w", err)
	}
	counts.Projects = len(projects)
	counts.Templates = len(templates)
	counts.Streams = len(streams)
	counts.Platforms = len(platforms)
	return counts, nil
}

// Copy writes every record of src into dst, keeping ids, creation times, and
// run intent. Projects go first so stream references resolve. Records already
// in dst with the same id are replaced.
func Copy(ctx context.Context, dst, src Store) (Counts, error) {
	var counts Counts

	platforms, err := src.ListPlatforms(ctx)
	if err != nil {
		return counts, fmt.Errorf("read platforms: %w", err)
	}
	for _, platform := range platforms {
		if err := dst.SavePlatform(ctx, platform); err != nil {
			return counts, fmt.Errorf("copy platform %s: %w", platform.Name, err)
		}
		counts.Platforms++
	}

	projects, err := src.ListProjects(ctx)
	if err != nil {
		return counts, fmt.Errorf("read projects: %w", err)
	}
	for _, project := range projects {
		if _, err := dst.SaveProject(ctx, project); err != nil {
			return counts, fmt.Errorf("copy project %s: %w", project.ID, err)
		}
		counts.Projects++
	}

	templates, err := src.ListTemplates(ctx)
	if err != nil {
		return counts, fmt.Errorf("read templates: %w", err)
	}
	for _, template := range templates {
		if _, err := dst.SaveTemplate(ctx, template); err != nil {
			return counts, fmt.Errorf("copy template %s: %w", template.ID, err)
		}
		counts.Templates++
	}

	streams, err := src.ListStreams(ctx)
	if err != nil {
		return counts, fmt.Errorf("read streams: %w", err)
	}
	for _, def := range streams {
		if _, err := dst.SaveStream(ctx, def); err != nil {
			return counts, fmt.Errorf("copy stream %s: %w", def.ID, err)
		}
		counts.Streams++
	}
	return counts, nil
}
