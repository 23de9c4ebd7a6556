package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"nodeimage/internal/models"
)

var ErrImageNotFound = errors.New("image not found")

// ImageFilter narrows List. FlaggedOnly keeps images moderation blocked.
type ImageFilter struct {
	Status      models.ImageStatus
	FlaggedOnly bool
	Limit       int
	Offset      int
}

func (f ImageFilter) limit() int {
	if f.Limit <= 0 || f.Limit > 500 {
		return defaultTaskPage
	}
	return f.Limit
}

type ImageRepository struct {
	pool *pgxpool.Pool
	psql sq.StatementBuilderType
}

func NewImageRepository(pool *pgxpool.Pool) *ImageRepository {
	return &ImageRepository{
		pool: pool,
		psql: sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}
}

const imageColumns = `id, client_key, bucket, object_key, format, size_bytes, nsfw_score,
	visibility, status, checksum, signature, moderation_status, moderation_result,
	moderation_checked, is_flagged, expire_at, created_at, updated_at`

func (r *ImageRepository) Create(ctx context.Context, image models.Image) error {
	const query = `
		INSERT INTO images (
			id, client_key, bucket, object_key, format, size_bytes, nsfw_score,
			visibility, status, checksum, signature, moderation_status, expire_at,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11, $12, $13,
			NOW(), NOW()
		)
	`

	_, err := r.pool.Exec(ctx, query,
		image.ID,
		image.ClientKey,
		image.Bucket,
		image.ObjectKey,
		image.Format,
		image.SizeBytes,
		image.NSFWScore,
		image.Visibility,
		image.Status,
		image.Checksum,
		image.Signature,
		image.ModerationStatus,
		image.ExpireAt,
	)
	if err != nil {
		return fmt.Errorf("insert image: %w", err)
	}
	return nil
}

// UpdateModeration mirrors a moderation outcome onto the image, deriving the
// serving status from it.
func (r *ImageRepository) UpdateModeration(ctx context.Context, id string, record models.ModerationRecord) error {
	var (
		payload []byte
		score   *float32
	)
	if record.Result != nil {
		encoded, err := json.Marshal(record.Result)
		if err != nil {
			return fmt.Errorf("encode moderation result: %w", err)
		}
		payload = encoded
		if !record.Result.Skipped {
			s := float32(record.Result.Score)
			score = &s
		}
	}

	const query = `
		UPDATE images
		SET moderation_status = $2,
		    moderation_result = COALESCE($3, moderation_result),
		    moderation_checked = $4,
		    is_flagged = $5,
		    status = $6,
		    nsfw_score = COALESCE($7, nsfw_score),
		    updated_at = NOW()
		WHERE id = $1
	`
	tag, err := r.pool.Exec(ctx, query,
		id,
		record.Status,
		payload,
		record.Checked,
		record.IsFlagged,
		record.ImageStatus(),
		score,
	)
	if err != nil {
		return fmt.Errorf("update image moderation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrImageNotFound
	}
	return nil
}

func (r *ImageRepository) GetByID(ctx context.Context, id string) (models.Image, error) {
	query := `SELECT ` + imageColumns + ` FROM images WHERE id = $1`
	image, err := scanImage(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Image{}, ErrImageNotFound
		}
		return models.Image{}, err
	}
	return image, nil
}

func (r *ImageRepository) List(ctx context.Context, filter ImageFilter) ([]models.Image, error) {
	builder := r.psql.
		Select(imageColumns).
		From("images").
		OrderBy("created_at DESC").
		Limit(uint64(filter.limit()))
	if filter.Offset > 0 {
		builder = builder.Offset(uint64(filter.Offset))
	}
	if filter.Status != "" {
		builder = builder.Where(sq.Eq{"status": filter.Status})
	}
	if filter.FlaggedOnly {
		builder = builder.Where(sq.Eq{"is_flagged": true})
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build image query: %w", err)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var images []models.Image
	for rows.Next() {
		image, err := scanImage(rows)
		if err != nil {
			return nil, err
		}
		images = append(images, image)
	}
	return images, rows.Err()
}

func scanImage(row pgx.Row) (models.Image, error) {
	var (
		image  models.Image
		result []byte
	)
	if err := row.Scan(
		&image.ID,
		&image.ClientKey,
		&image.Bucket,
		&image.ObjectKey,
		&image.Format,
		&image.SizeBytes,
		&image.NSFWScore,
		&image.Visibility,
		&image.Status,
		&image.Checksum,
		&image.Signature,
		&image.ModerationStatus,
		&result,
		&image.ModerationChecked,
		&image.IsFlagged,
		&image.ExpireAt,
		&image.CreatedAt,
		&image.UpdatedAt,
	); err != nil {
		return models.Image{}, err
	}
	if len(result) > 0 {
		var decoded models.TaskResult
		if err := json.Unmarshal(result, &decoded); err != nil {
			return models.Image{}, fmt.Errorf("decode moderation result: %w", err)
		}
		image.ModerationResult = &decoded
	}
	return image, nil
}
