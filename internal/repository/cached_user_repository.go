package repository

import (
	"context"

	"github.com/Dhoini/friday-billing/internal/models"
	"github.com/Dhoini/friday-billing/pkg/logger"
)

// CachedUserRepository реализует UserRepository с кешированием чтений по userId.
// Ошибки кеша не прерывают работу: запрос уходит в основное хранилище.
type CachedUserRepository struct {
	repo  UserRepository
	cache *RedisCacheRepository
	log   *logger.Logger
}

// NewCachedUserRepository создает новый репозиторий с кешированием
func NewCachedUserRepository(repo UserRepository, cache *RedisCacheRepository, log *logger.Logger) UserRepository {
	return &CachedUserRepository{
		repo:  repo,
		cache: cache,
		log:   log,
	}
}

// Get получает запись (сначала из кеша, потом из хранилища)
func (r *CachedUserRepository) Get(ctx context.Context, userID string) (*models.UserSubscription, error) {
	cached, err := r.cache.GetCachedUser(ctx, userID)
	if err != nil {
		r.log.Warnw("Error getting user record from cache", "error", err, "userID", userID)
	}
	if cached != nil {
		return cached, nil
	}

	// Версию читаем до хранилища: Merge между ними поднимет ее и запись не закешируется
	version, verErr := r.cache.UserVersion(ctx, userID)
	if verErr != nil {
		r.log.Warnw("Failed to read user record version, skipping cache", "error", verErr, "userID", userID)
	}

	u, err := r.repo.Get(ctx, userID)
	if err != nil {
		return nil, err
	}

	if u != nil && verErr == nil {
		if _, err := r.cache.CacheUserAtVersion(ctx, u, version); err != nil {
			r.log.Warnw("Failed to cache user record after fetching", "error", err, "userID", userID)
		}
	}
	return u, nil
}

// Merge обновляет запись в хранилище и инвалидирует кеш.
// Патч частичный, поэтому запись в кеш не пишется, следующее чтение перечитает ее.
func (r *CachedUserRepository) Merge(ctx context.Context, userID string, patch models.UserPatch) error {
	if err := r.repo.Merge(ctx, userID, patch); err != nil {
		return err
	}

	if err := r.cache.InvalidateUser(ctx, userID); err != nil {
		r.log.Warnw("Failed to invalidate user record cache after merge", "error", err, "userID", userID)
	}
	return nil
}

// FindBy всегда идет в хранилище: поиск по полю не кешируется.
func (r *CachedUserRepository) FindBy(ctx context.Context, field LookupField, value string) ([]models.UserSubscription, error) {
	return r.repo.FindBy(ctx, field, value)
}

// Ping проверяет основное хранилище.
func (r *CachedUserRepository) Ping(ctx context.Context) error {
	return r.repo.Ping(ctx)
}
