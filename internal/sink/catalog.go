package sink

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"staged/internal/pipeline"
)

// Sample is one catalogued output item.
type Sample struct {
	RunID     string
	Iteration int
	Seq       int
	Item      int
	Prompt    string
	Path      string
	Width     int
	Height    int
	CreatedAt time.Time
}

// Catalog indexes produced samples in a sqlite database.
type Catalog struct {
	db    *sql.DB
	namer *Namer
}

// OpenCatalog opens or creates the catalog at path. When namer is non-nil
// each row records the sample file the Images sink writes for that item.
func OpenCatalog(path string, namer *Namer) (*Catalog, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create catalog dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	c := &Catalog{db: db, namer: namer}
	if err := c.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate catalog: %w", err)
	}
	return c, nil
}

func (c *Catalog) migrate() error {
	_, err := c.db.Exec(`
CREATE TABLE IF NOT EXISTS samples (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  run_id TEXT NOT NULL,
  iteration INTEGER NOT NULL,
  seq INTEGER NOT NULL,
  item INTEGER NOT NULL,
  prompt TEXT NOT NULL,
  path TEXT NOT NULL DEFAULT '',
  width INTEGER NOT NULL,
  height INTEGER NOT NULL,
  created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS samples_run ON samples(run_id, item);
`)
	return err
}

// Consume inserts one row per item of r in a single transaction.
func (c *Catalog) Consume(ctx context.Context, r pipeline.Result) error {
	t, err := images(r)
	if err != nil {
		return err
	}
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	now := time.Now().UTC()
	for i, prompt := range r.Batch.Items {
		path := ""
		if c.namer != nil {
			path = c.namer.Path(prompt, r.FirstItem+i)
		}
		_, err := tx.ExecContext(ctx, `
INSERT INTO samples(run_id, iteration, seq, item, prompt, path, width, height, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?);
`, r.RunID, r.Iteration, r.Seq, r.FirstItem+i, prompt, path, t.Shape[3], t.Shape[2], now)
		if err != nil {
			return fmt.Errorf("insert sample: %w", err)
		}
	}
	return tx.Commit()
}

// Samples lists the catalogued samples of a run in item order.
func (c *Catalog) Samples(ctx context.Context, runID string) ([]Sample, error) {
	rows, err := c.db.QueryContext(ctx, `
SELECT run_id, iteration, seq, item, prompt, path, width, height, created_at
FROM samples WHERE run_id=? ORDER BY item;
`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Sample
	for rows.Next() {
		var s Sample
		if err := rows.Scan(&s.RunID, &s.Iteration, &s.Seq, &s.Item, &s.Prompt, &s.Path, &s.Width, &s.Height, &s.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (c *Catalog) Close() error {
	if c.db == nil {
		return nil
	}
	return c.db.Close()
}
