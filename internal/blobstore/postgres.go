package blobstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DBTX is the subset of pgx used by the PostgreSQL store.
// Satisfied by both *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS blobs (
	container    text        NOT NULL,
	name         text        NOT NULL,
	data         bytea       NOT NULL DEFAULT ''::bytea,
	metadata     jsonb       NOT NULL DEFAULT '{}'::jsonb,
	content_type text        NOT NULL DEFAULT '',
	updated_at   timestamptz NOT NULL DEFAULT now(),
	PRIMARY KEY (container, name)
);

CREATE TABLE IF NOT EXISTS blob_blocks (
	container text  NOT NULL,
	name      text  NOT NULL,
	block_id  text  NOT NULL,
	data      bytea NOT NULL,
	PRIMARY KEY (container, name, block_id)
);`

// Postgres is a Store keeping blobs as bytea rows. Staged blocks live in a
// separate table until committed.
type Postgres struct {
	pool      *pgxpool.Pool
	container string
}

// OpenPostgres connects to url and prepares the blob tables.
func OpenPostgres(ctx context.Context, url, container string) (*Postgres, error) {
	poolConfig, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	p := NewPostgres(pool, container)
	if err := p.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

// NewPostgres wraps an existing pool.
func NewPostgres(pool *pgxpool.Pool, container string) *Postgres {
	return &Postgres{pool: pool, container: container}
}

// EnsureSchema creates the blob tables when missing.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("create blob tables: %w", err)
	}
	return nil
}

// Close releases the pool.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

// List returns blob names with the given prefix in byte order.
func (p *Postgres) List(ctx context.Context, prefix string) ([]string, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT name FROM blobs WHERE container = $1 AND starts_with(name, $2) ORDER BY name COLLATE "C"`,
		p.container, prefix)
	if err != nil {
		return nil, fmt.Errorf("list blobs: %w", err)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("list blobs: %w", err)
	}
	return names, nil
}

// Attributes returns the size and metadata of a blob.
func (p *Postgres) Attributes(ctx context.Context, name string) (BlobInfo, error) {
	info := BlobInfo{Name: name}
	err := p.pool.QueryRow(ctx,
		`SELECT octet_length(data), metadata FROM blobs WHERE container = $1 AND name = $2`,
		p.container, name).Scan(&info.Size, &info.Metadata)
	if err != nil {
		return BlobInfo{}, p.rowError(name, err)
	}
	return info, nil
}

// ReadRange reads up to length bytes at offset.
func (p *Postgres) ReadRange(ctx context.Context, name string, offset, length int64) ([]byte, error) {
	if offset < 0 || length < 0 {
		return nil, fmt.Errorf("invalid range %d+%d", offset, length)
	}
	var data []byte
	err := p.pool.QueryRow(ctx,
		`SELECT substring(data FROM $3::int + 1 FOR $4::int) FROM blobs WHERE container = $1 AND name = $2`,
		p.container, name, offset, length).Scan(&data)
	if err != nil {
		return nil, p.rowError(name, err)
	}
	return data, nil
}

// ReadFull reads a whole blob.
func (p *Postgres) ReadFull(ctx context.Context, name string) ([]byte, error) {
	var data []byte
	err := p.pool.QueryRow(ctx,
		`SELECT data FROM blobs WHERE container = $1 AND name = $2`,
		p.container, name).Scan(&data)
	if err != nil {
		return nil, p.rowError(name, err)
	}
	return data, nil
}

// Overwrite replaces a blob.
func (p *Postgres) Overwrite(ctx context.Context, name string, data []byte, contentType string) error {
	return upsertBlob(ctx, p.pool, p.container, name, data, contentType)
}

// PutBlock stages a block for a later commit.
func (p *Postgres) PutBlock(ctx context.Context, name, blockID string, data []byte) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO blob_blocks (container, name, block_id, data) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (container, name, block_id) DO UPDATE SET data = EXCLUDED.data`,
		p.container, name, blockID, data)
	if err != nil {
		return fmt.Errorf("stage block %s of %s: %w", blockID, name, err)
	}
	return nil
}

// CommitBlockList replaces the blob with the staged blocks in order inside
// one transaction.
func (p *Postgres) CommitBlockList(ctx context.Context, name string, blockIDs []string, contentType string) error {
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`SELECT block_id, data FROM blob_blocks WHERE container = $1 AND name = $2`,
			p.container, name)
		if err != nil {
			return err
		}
		blocks := make(map[string][]byte)
		var (
			id   string
			data []byte
		)
		_, err = pgx.ForEachRow(rows, []any{&id, &data}, func() error {
			blocks[id] = append([]byte(nil), data...)
			return nil
		})
		if err != nil {
			return err
		}

		var size int
		for _, id := range blockIDs {
			b, ok := blocks[id]
			if !ok {
				return fmt.Errorf("block %s is not staged", id)
			}
			size += len(b)
		}
		out := make([]byte, 0, size)
		for _, id := range blockIDs {
			out = append(out, blocks[id]...)
		}

		if err := upsertBlob(ctx, tx, p.container, name, out, contentType); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `DELETE FROM blob_blocks WHERE container = $1 AND name = $2`, p.container, name)
		return err
	})
	if err != nil {
		return fmt.Errorf("commit %s: %w", name, err)
	}
	return nil
}

// DiscardBlocks removes the staged blocks of a blob.
func (p *Postgres) DiscardBlocks(ctx context.Context, name string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM blob_blocks WHERE container = $1 AND name = $2`, p.container, name)
	if err != nil {
		return fmt.Errorf("discard staged blocks of %s: %w", name, err)
	}
	return nil
}

// Delete removes a blob and its staged blocks.
func (p *Postgres) Delete(ctx context.Context, name string) error {
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM blobs WHERE container = $1 AND name = $2`, p.container, name); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `DELETE FROM blob_blocks WHERE container = $1 AND name = $2`, p.container, name)
		return err
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", name, err)
	}
	return nil
}

// Exists reports whether a blob exists.
func (p *Postgres) Exists(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := p.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM blobs WHERE container = $1 AND name = $2)`,
		p.container, name).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check %s: %w", name, err)
	}
	return exists, nil
}

// Append adds data to an append blob. meta is only recorded when the blob is
// created.
func (p *Postgres) Append(ctx context.Context, name string, data []byte, meta map[string]string) error {
	if meta == nil {
		meta = map[string]string{}
	}
	_, err := p.pool.Exec(ctx,
		`INSERT INTO blobs (container, name, data, metadata) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (container, name) DO UPDATE SET data = blobs.data || EXCLUDED.data, updated_at = now()`,
		p.container, name, data, meta)
	if err != nil {
		return fmt.Errorf("append %s: %w", name, err)
	}
	return nil
}

func upsertBlob(ctx context.Context, db DBTX, container, name string, data []byte, contentType string) error {
	_, err := db.Exec(ctx,
		`INSERT INTO blobs (container, name, data, content_type) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (container, name) DO UPDATE
		 SET data = EXCLUDED.data, content_type = EXCLUDED.content_type, metadata = '{}'::jsonb, updated_at = now()`,
		container, name, data, contentType)
	if err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

func (p *Postgres) rowError(name string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return fmt.Errorf("read %s: %w", name, err)
}
