package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/Darmau/koktohay-api/internal/entities"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const storageSetting = "s3"

const imageColumns = `id, raw_key, format, width, height, has_alpha, size, exif, gps, location, taken_at, uploaded_at, derivatives`

type DBStorage struct {
	dbpool *pgxpool.Pool
}

func New(ctx context.Context, databaseDSN string) (*DBStorage, error) {
	pool, err := pgxpool.New(ctx, databaseDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	return &DBStorage{dbpool: pool}, nil
}

func (s *DBStorage) Ping(ctx context.Context) error {
	return s.dbpool.Ping(ctx)
}

func (s *DBStorage) Close() {
	s.dbpool.Close()
}

func scanImage(row pgx.Row) (entities.Image, error) {
	var img entities.Image
	err := row.Scan(
		&img.ID, &img.RawKey, &img.Format, &img.Width, &img.Height, &img.HasAlpha, &img.Size,
		&img.Exif, &img.GPS, &img.Location, &img.TakenAt, &img.UploadedAt, &img.Derivatives,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return entities.Image{}, entities.ErrNotFound
	}
	return img, err
}

func (s *DBStorage) Create(ctx context.Context, in entities.NewImage) (entities.Image, error) {
	row := s.dbpool.QueryRow(ctx, `
		INSERT INTO images (raw_key, format, width, height, has_alpha, size, exif, gps, location, taken_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING `+imageColumns,
		in.RawKey, in.Format, in.Width, in.Height, in.HasAlpha, in.Size,
		in.Exif, in.GPS, in.Location, in.TakenAt,
	)
	img, err := scanImage(row)
	if err != nil {
		return entities.Image{}, fmt.Errorf("insert image %q: %w", in.RawKey, err)
	}
	return img, nil
}

func (s *DBStorage) Get(ctx context.Context, id int64) (entities.Image, error) {
	img, err := scanImage(s.dbpool.QueryRow(ctx, `SELECT `+imageColumns+` FROM images WHERE id = $1`, id))
	if err != nil {
		return entities.Image{}, fmt.Errorf("get image %d: %w", id, err)
	}
	return img, nil
}

// SetDerivatives records the complete layout in one statement.
func (s *DBStorage) SetDerivatives(ctx context.Context, id int64, d entities.Derivatives) error {
	if d == nil {
		d = entities.Derivatives{}
	}
	tag, err := s.dbpool.Exec(ctx, `UPDATE images SET derivatives = $2 WHERE id = $1`, id, d)
	if err != nil {
		return fmt.Errorf("set derivatives of %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("set derivatives of %d: %w", id, entities.ErrNotFound)
	}
	return nil
}

// ReplaceRaw points the record at a new original and forgets the old
// derivatives.
func (s *DBStorage) ReplaceRaw(ctx context.Context, id int64, u entities.RawUpdate) (entities.Image, error) {
	row := s.dbpool.QueryRow(ctx, `
		UPDATE images
		SET raw_key = $2, format = $3, width = $4, height = $5, has_alpha = $6, size = $7,
			exif = $8, gps = $9, location = $10, taken_at = $11, derivatives = NULL
		WHERE id = $1
		RETURNING `+imageColumns,
		id, u.RawKey, u.Format, u.Width, u.Height, u.HasAlpha, u.Size,
		u.Exif, u.GPS, u.Location, u.TakenAt,
	)
	img, err := scanImage(row)
	if err != nil {
		return entities.Image{}, fmt.Errorf("replace raw of %d: %w", id, err)
	}
	return img, nil
}

// UpdateMeta applies the non-nil fields of p.
func (s *DBStorage) UpdateMeta(ctx context.Context, id int64, p entities.MetaPatch) (entities.Image, error) {
	row := s.dbpool.QueryRow(ctx, `
		UPDATE images
		SET location = COALESCE($2, location), exif = COALESCE($3, exif), taken_at = COALESCE($4, taken_at)
		WHERE id = $1
		RETURNING `+imageColumns,
		id, p.Location, p.Exif, p.TakenAt,
	)
	img, err := scanImage(row)
	if err != nil {
		return entities.Image{}, fmt.Errorf("update meta of %d: %w", id, err)
	}
	return img, nil
}

func (s *DBStorage) Delete(ctx context.Context, id int64) (entities.Image, error) {
	img, err := scanImage(s.dbpool.QueryRow(ctx, `DELETE FROM images WHERE id = $1 RETURNING `+imageColumns, id))
	if err != nil {
		return entities.Image{}, fmt.Errorf("delete image %d: %w", id, err)
	}
	return img, nil
}

// Latest pages through images, newest first.
func (s *DBStorage) Latest(ctx context.Context, limit, offset int) ([]entities.Image, error) {
	rows, err := s.dbpool.Query(ctx,
		`SELECT `+imageColumns+` FROM images ORDER BY uploaded_at DESC, id DESC LIMIT $1 OFFSET $2`,
		limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("latest images: %w", err)
	}
	defer rows.Close()

	out := make([]entities.Image, 0, limit)
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, fmt.Errorf("latest images: %w", err)
		}
		out = append(out, img)
	}
	return out, rows.Err()
}

func (s *DBStorage) GetStorageConfig(ctx context.Context) (entities.StorageConfig, error) {
	var cfg entities.StorageConfig
	err := s.dbpool.QueryRow(ctx, `SELECT value FROM settings WHERE name = $1`, storageSetting).Scan(&cfg)
	if errors.Is(err, pgx.ErrNoRows) {
		return cfg, fmt.Errorf("%w: storage is not configured", entities.ErrStorageUnavailable)
	}
	if err != nil {
		return cfg, fmt.Errorf("read storage config: %w", err)
	}
	return cfg, nil
}

func (s *DBStorage) SetStorageConfig(ctx context.Context, cfg entities.StorageConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	_, err := s.dbpool.Exec(ctx, `
		INSERT INTO settings (name, value, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (name) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`,
		storageSetting, cfg,
	)
	if err != nil {
		return fmt.Errorf("write storage config: %w", err)
	}
	return nil
}
