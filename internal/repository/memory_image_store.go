package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"nodeimage/internal/models"
)

// MemoryImageStore is the in-process counterpart of ImageRepository.
type MemoryImageStore struct {
	mu     sync.RWMutex
	now    func() time.Time
	images map[string]models.Image
}

func NewMemoryImageStore(now func() time.Time) *MemoryImageStore {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &MemoryImageStore{now: now, images: make(map[string]models.Image)}
}

func (s *MemoryImageStore) Create(_ context.Context, image models.Image) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	at := s.now()
	image.CreatedAt = at
	image.UpdatedAt = at
	s.images[image.ID] = image
	return nil
}

func (s *MemoryImageStore) GetByID(_ context.Context, id string) (models.Image, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	image, ok := s.images[id]
	if !ok {
		return models.Image{}, ErrImageNotFound
	}
	return image, nil
}

func (s *MemoryImageStore) UpdateModeration(_ context.Context, id string, record models.ModerationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	image, ok := s.images[id]
	if !ok {
		return ErrImageNotFound
	}
	image.ModerationStatus = record.Status
	if record.Result != nil {
		result := *record.Result
		image.ModerationResult = &result
		if !result.Skipped {
			score := float32(result.Score)
			image.NSFWScore = &score
		}
	}
	image.ModerationChecked = record.Checked
	image.IsFlagged = record.IsFlagged
	image.Status = record.ImageStatus()
	image.UpdatedAt = s.now()
	s.images[id] = image
	return nil
}

func (s *MemoryImageStore) List(_ context.Context, filter ImageFilter) ([]models.Image, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]models.Image, 0, len(s.images))
	for _, image := range s.images {
		if filter.Status != "" && image.Status != filter.Status {
			continue
		}
		if filter.FlaggedOnly && !image.IsFlagged {
			continue
		}
		all = append(all, image)
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID > all[j].ID
	})

	if filter.Offset < 0 {
		filter.Offset = 0
	}
	if filter.Offset >= len(all) {
		return nil, nil
	}
	all = all[filter.Offset:]
	if len(all) > filter.limit() {
		all = all[:filter.limit()]
	}
	return all, nil
}
