package imagestore

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/supabase-community/supabase-go"

	"github.com/Lokch777/EE3070-Design-Project/internal/log"
)

// Config selects where captured images land. Dir is always used; the
// Supabase upload only runs when URL and key are set.
type Config struct {
	Dir            string
	SupabaseURL    string
	ServiceRoleKey string
	Bucket         string
}

// Store archives captured frames to local disk and, when configured, mirrors
// them to a Supabase bucket.
type Store struct {
	dir    string
	bucket string
	client *supabase.Client
	logger zerolog.Logger
}

func New(cfg Config) (*Store, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("imagestore: create dir: %w", err)
	}
	s := &Store{
		dir:    cfg.Dir,
		bucket: cfg.Bucket,
		logger: log.WithComponent("imagestore"),
	}
	if cfg.SupabaseURL != "" && cfg.ServiceRoleKey != "" {
		client, err := supabase.NewClient(cfg.SupabaseURL, cfg.ServiceRoleKey, &supabase.ClientOptions{})
		if err != nil {
			return nil, fmt.Errorf("imagestore: supabase client: %w", err)
		}
		s.client = client
	}
	return s, nil
}

// Save writes the image under the capture's correlation id and returns the
// local path. The remote mirror is best-effort.
func (s *Store) Save(ctx context.Context, correlationID string, image []byte) (string, error) {
	name := fmt.Sprintf("%s_%d.jpg", correlationID, time.Now().Unix())
	path := filepath.Join(s.dir, name)
	if err := os.WriteFile(path, image, 0o644); err != nil {
		return "", fmt.Errorf("imagestore: write: %w", err)
	}

	if s.client != nil {
		if _, err := s.client.Storage.UploadFile(s.bucket, name, bytes.NewReader(image)); err != nil {
			s.logger.Warn().Str("key", name).Err(err).Msg("remote mirror failed")
		}
	}
	return path, nil
}
