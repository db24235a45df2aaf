package poolconfig

import (
	"context"
	"fmt"

	"github.com/BurntSushi/toml"
)

// tomlDocument is the on-disk shape of a static pool-definition file.
type tomlDocument struct {
	Pool []tomlPool `toml:"pool"`
}

type tomlPool struct {
	Code               string `toml:"code"`
	Concurrency        int    `toml:"concurrency"`
	QueueCapacity      int    `toml:"queue_capacity"`
	RateLimitPerMinute *int   `toml:"rate_limit_per_minute"`
	Enabled            bool   `toml:"enabled"`
}

// FileRepository resolves pool definitions from a static TOML file, for
// deployments that have no remote control plane. The file is re-read on
// every call so an operator's edit is picked up on the next reconcile tick
// without a restart.
type FileRepository struct {
	path string
}

// NewFileRepository returns a FileRepository reading definitions from path.
func NewFileRepository(path string) *FileRepository {
	return &FileRepository{path: path}
}

// FindAllEnabled parses the TOML file and returns its enabled pools.
func (r *FileRepository) FindAllEnabled(ctx context.Context) ([]*Definition, error) {
	var doc tomlDocument
	if _, err := toml.DecodeFile(r.path, &doc); err != nil {
		return nil, fmt.Errorf("poolconfig: failed to parse %s: %w", r.path, err)
	}

	defs := make([]*Definition, 0, len(doc.Pool))
	for _, p := range doc.Pool {
		if !p.Enabled {
			continue
		}
		defs = append(defs, &Definition{
			Code:            p.Code,
			Concurrency:     p.Concurrency,
			QueueCapacity:   p.QueueCapacity,
			RateLimitPerMin: p.RateLimitPerMinute,
			Enabled:         p.Enabled,
		})
	}
	return defs, nil
}
