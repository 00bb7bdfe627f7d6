package source

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// PG stores skill content in PostgreSQL, one row per (name, version).
type PG struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

// NewPG creates a PostgreSQL-backed source with a pgx connection pool.
func NewPG(dsn string, logger *zap.Logger) (*PG, error) {
	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	logger.Info("PostgreSQL skill source connected")
	return &PG{db: pool, logger: logger}, nil
}

// Migrate reads and executes all .up.sql files from the migrations directory.
func (p *PG) Migrate(ctx context.Context, migrationsDir string) error {
	entries, err := os.ReadDir(migrationsDir)
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".up.sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		data, err := os.ReadFile(filepath.Join(migrationsDir, f))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := p.db.Exec(ctx, string(data)); err != nil {
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
		p.logger.Info("Migration applied", zap.String("file", f))
	}
	return nil
}

// Fetch returns the requested version of a skill, or the most recently
// saved one when version is empty.
func (p *PG) Fetch(ctx context.Context, name, version string) (*Content, error) {
	var c Content
	var err error
	if version == "" {
		err = p.db.QueryRow(ctx, `
			SELECT name, COALESCE(description,''), content, version
			FROM skills WHERE name = $1
			ORDER BY created_at DESC LIMIT 1`, name,
		).Scan(&c.Name, &c.Description, &c.Text, &c.DeclaredVersion)
	} else {
		err = p.db.QueryRow(ctx, `
			SELECT name, COALESCE(description,''), content, version
			FROM skills WHERE name = $1 AND version = $2`, name, version,
		).Scan(&c.Name, &c.Description, &c.Text, &c.DeclaredVersion)
	}
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("fetch skill %s: %w", name, err)
	}
	return &c, nil
}

// List returns all distinct skill names, sorted.
func (p *PG) List(ctx context.Context) ([]string, error) {
	rows, err := p.db.Query(ctx, `SELECT DISTINCT name FROM skills ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list skills: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan skill name: %w", err)
		}
		names = append(names, name)
	}
	return names, nil
}

// Save upserts one version of a skill and marks it as the most recent.
// Implements Writer.
func (p *PG) Save(ctx context.Context, c *Content) error {
	_, err := p.db.Exec(ctx, `
		INSERT INTO skills (name, version, description, content, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (name, version) DO UPDATE SET
			description = EXCLUDED.description,
			content = EXCLUDED.content,
			created_at = EXCLUDED.created_at`,
		c.Name, c.DeclaredVersion, c.Description, c.Text,
	)
	if err != nil {
		return fmt.Errorf("save skill %s: %w", c.Name, err)
	}
	return nil
}

// Close shuts down the connection pool.
func (p *PG) Close() {
	p.db.Close()
}
