package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/rs/zerolog"

	"nodeimage/internal/admission"
	"nodeimage/internal/clock"
	"nodeimage/internal/config"
	"nodeimage/internal/ids"
	"nodeimage/internal/media/sniffer"
	"nodeimage/internal/models"
	"nodeimage/internal/security"
)

// ErrClientBlocked rejects uploads from blacklisted client keys.
var ErrClientBlocked = errors.New("client is blocked")

// ValidationError describes an upload the service refuses to store.
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid upload (%s): %s", e.Code, e.Message)
}

const (
	CodeFileRequired      = "file_required"
	CodeEmptyFile         = "empty_file"
	CodeFileTooLarge      = "file_too_large"
	CodeUnsupportedFormat = "unsupported_format"
	CodeTypeMismatch      = "content_type_mismatch"
)

type ObjectWriter interface {
	Bucket() string
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error
}

type ImageWriter interface {
	Create(ctx context.Context, image models.Image) error
}

type TaskWriter interface {
	Create(ctx context.Context, task models.ModerationTask) error
}

type BlockList interface {
	Contains(ctx context.Context, clientKey string) (bool, error)
}

type Admitter interface {
	Admit(clientKey string, policy admission.Policy) admission.Decision
}

type UploadInput struct {
	ClientKey    string
	File         io.Reader
	Filename     string
	DeclaredType string
	Visibility   string
	ExpireAt     *time.Time
}

type UploadResult struct {
	Image  models.Image
	TaskID string
	URL    string
}

type UploadService struct {
	objects   ObjectWriter
	images    ImageWriter
	tasks     TaskWriter
	blocked   BlockList
	admission Admitter
	stats     admission.StatsRecorder
	allowed   sniffer.Allowed
	policy    admission.Policy
	maxBytes  int64
	secret    string
	clock     clock.Clock
	log       zerolog.Logger
}

type UploadDeps struct {
	Objects   ObjectWriter
	Images    ImageWriter
	Tasks     TaskWriter
	Blocked   BlockList
	Admission Admitter
	Stats     admission.StatsRecorder
	Clock     clock.Clock
	Logger    zerolog.Logger
}

func NewUploadService(cfg *config.AppConfig, deps UploadDeps) *UploadService {
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	return &UploadService{
		objects:   deps.Objects,
		images:    deps.Images,
		tasks:     deps.Tasks,
		blocked:   deps.Blocked,
		admission: deps.Admission,
		stats:     deps.Stats,
		allowed:   sniffer.NewAllowed(cfg.Upload.AllowedFormats),
		policy: admission.Policy{
			MaxPerWindow:    cfg.Admission.MaxPerWindow,
			AllowConcurrent: cfg.Admission.AllowConcurrent,
		},
		maxBytes: cfg.Upload.MaxBytes,
		secret:   cfg.Security.SignatureSecret,
		clock:    deps.Clock,
		log:      deps.Logger.With().Str("component", "upload").Logger(),
	}
}

// MaxBytes is the largest accepted file.
func (s *UploadService) MaxBytes() int64 { return s.maxBytes }

// Upload stores the image and enqueues its moderation task. Moderation runs
// later; its failures never surface here.
func (s *UploadService) Upload(ctx context.Context, input UploadInput) (UploadResult, error) {
	if err := s.checkBlocked(ctx, input.ClientKey); err != nil {
		return UploadResult{}, err
	}

	decision := s.admission.Admit(input.ClientKey, s.policy)
	s.recordStats(ctx, input.ClientKey, decision.Kind)
	if !decision.Accepted() {
		return UploadResult{}, decision.Err()
	}
	defer decision.Release()

	if input.File == nil {
		return UploadResult{}, &ValidationError{Code: CodeFileRequired, Message: "no file in request"}
	}

	data, err := io.ReadAll(io.LimitReader(input.File, s.maxBytes+1))
	if err != nil {
		return UploadResult{}, fmt.Errorf("read file: %w", err)
	}
	if len(data) == 0 {
		return UploadResult{}, &ValidationError{Code: CodeEmptyFile, Message: "file is empty"}
	}
	if int64(len(data)) > s.maxBytes {
		return UploadResult{}, &ValidationError{
			Code:    CodeFileTooLarge,
			Message: fmt.Sprintf("file exceeds %d bytes", s.maxBytes),
		}
	}

	head := data
	if len(head) > sniffer.HeadSize {
		head = head[:sniffer.HeadSize]
	}
	detected, err := sniffer.DetectHead(head)
	if err != nil || !s.allowed.Contains(detected.Type) {
		return UploadResult{}, &ValidationError{Code: CodeUnsupportedFormat, Message: "unsupported image format"}
	}
	if input.DeclaredType != "" && input.DeclaredType != "application/octet-stream" && input.DeclaredType != detected.MIME {
		return UploadResult{}, &ValidationError{
			Code:    CodeTypeMismatch,
			Message: fmt.Sprintf("declared %s, actual %s", input.DeclaredType, detected.MIME),
		}
	}

	now := s.clock.Now()
	imageID := ids.New()
	objectKey := path.Join(now.Format("2006/01/02"), fmt.Sprintf("%s.%s", imageID, detected.Type))

	if err := s.objects.Put(ctx, objectKey, bytes.NewReader(data), int64(len(data)), detected.MIME); err != nil {
		return UploadResult{}, fmt.Errorf("store original: %w", err)
	}

	sum := sha256.Sum256(data)
	signature := security.SignResource(s.secret, imageID, objectKey)
	visibility := input.Visibility
	if visibility == "" {
		visibility = "public"
	}

	image := models.Image{
		ID:               imageID,
		ClientKey:        input.ClientKey,
		Bucket:           s.objects.Bucket(),
		ObjectKey:        objectKey,
		Format:           string(detected.Type),
		SizeBytes:        int64(len(data)),
		Visibility:       visibility,
		Status:           models.ImageStatusProcessing,
		Checksum:         sum[:],
		Signature:        []byte(signature),
		ModerationStatus: models.TaskStatusPending,
		ExpireAt:         input.ExpireAt,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.images.Create(ctx, image); err != nil {
		return UploadResult{}, fmt.Errorf("save metadata: %w", err)
	}

	artifact := input.Filename
	if artifact == "" {
		artifact = path.Base(objectKey)
	}
	task := models.ModerationTask{
		ID:           ids.New(),
		SubjectID:    imageID,
		SubjectRef:   objectKey,
		ArtifactName: artifact,
		ClientKey:    input.ClientKey,
		Status:       models.TaskStatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.tasks.Create(ctx, task); err != nil {
		return UploadResult{}, fmt.Errorf("enqueue moderation: %w", err)
	}

	s.log.Info().
		Str("image_id", imageID).
		Str("task_id", task.ID).
		Str("client_key", input.ClientKey).
		Str("format", image.Format).
		Int64("size_bytes", image.SizeBytes).
		Msg("upload stored")

	return UploadResult{
		Image:  image,
		TaskID: task.ID,
		URL:    ImageLink(imageID, signature),
	}, nil
}

// ImageLink is the signed public path of an image.
func ImageLink(imageID, signature string) string {
	return fmt.Sprintf("/api/v1/i/%s?sig=%s", imageID, signature)
}

// checkBlocked fails open when the blacklist store is unreachable.
func (s *UploadService) checkBlocked(ctx context.Context, clientKey string) error {
	if s.blocked == nil || clientKey == "" {
		return nil
	}
	blocked, err := s.blocked.Contains(ctx, clientKey)
	if err != nil {
		s.log.Warn().Err(err).Str("client_key", clientKey).Msg("blacklist lookup failed")
		return nil
	}
	if blocked {
		return ErrClientBlocked
	}
	return nil
}

func (s *UploadService) recordStats(ctx context.Context, clientKey string, kind admission.Kind) {
	if s.stats == nil {
		return
	}
	err := s.stats.Record(ctx, admission.StatsEvent{ClientKey: clientKey, Kind: kind, At: s.clock.Now()})
	if err != nil {
		s.log.Debug().Err(err).Msg("admission stats not recorded")
	}
}
