package ingest

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/gemdesk/gemdesk/guard"
)

// articleFile is the on-disk layout of an article import.
type articleFile struct {
	Articles []Article `yaml:"articles"`
}

// productFile is the on-disk layout of a catalog import.
type productFile struct {
	Products []ProductInput `yaml:"products"`
}

// ImportArticleFile ingests every article in a YAML file under BaseDir.
func (s *Service) ImportArticleFile(ctx context.Context, relPath string, progress func(done, total int)) (int, error) {
	var f articleFile
	if err := s.loadYAML(relPath, &f); err != nil {
		return 0, err
	}
	total := len(f.Articles)
	chunks := 0
	for i, a := range f.Articles {
		n, err := s.IngestArticle(ctx, a)
		if err != nil {
			return chunks, fmt.Errorf("ingest: article %d of %s: %w", i, relPath, err)
		}
		chunks += n
		if progress != nil {
			progress(i+1, total)
		}
	}
	return chunks, nil
}

// ImportProductFile ingests every product in a YAML file under BaseDir.
func (s *Service) ImportProductFile(ctx context.Context, relPath string, progress func(done, total int)) (int, error) {
	var f productFile
	if err := s.loadYAML(relPath, &f); err != nil {
		return 0, err
	}
	// Products go through IngestProducts in one batch so the embedding
	// requests coalesce; progress is reported per batch.
	n, err := s.IngestProducts(ctx, f.Products)
	if progress != nil {
		progress(n, len(f.Products))
	}
	return n, err
}

func (s *Service) loadYAML(relPath string, dst any) error {
	path, err := guard.SafePath(s.cfg.BaseDir, relPath)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("ingest: read %s: %w", relPath, err)
	}
	if err := yaml.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("ingest: parse %s: %w", relPath, err)
	}
	return nil
}
