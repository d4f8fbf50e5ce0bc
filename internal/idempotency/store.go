// Package idempotency — кэш ответов по idempotency key.
//
// Ключ уникален по (key, operation_type). Повтор с тем же хешем запроса
// возвращает кэшированный ответ; повтор с другим хешем — ошибка клиента,
// а не промах кэша. Истёкшие записи лениво вычищаются перед поиском.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/psds-microservice/consultation-service/internal/errs"
	"github.com/psds-microservice/consultation-service/internal/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DefaultTTL — время жизни ключа по умолчанию.
const DefaultTTL = 24 * time.Hour

type Store struct {
	db  *gorm.DB
	ttl time.Duration
}

func NewStore(db *gorm.DB, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{db: db, ttl: ttl}
}

// Check ищет кэшированный ответ. Возвращает nil (промах) если ключа нет или
// он истёк; errs.ErrIdempotencyConflict если ключ найден, но хеш запроса
// отличается от исходного.
func (s *Store) Check(ctx context.Context, key, opType, requestHash string) (*model.IdempotencyKey, error) {
	if key == "" {
		return nil, nil
	}
	// Ленивая чистка истёкших ключей
	if err := s.db.WithContext(ctx).
		Where("expires_at <= ?", time.Now()).
		Delete(&model.IdempotencyKey{}).Error; err != nil {
		return nil, fmt.Errorf("purge expired keys: %w", err)
	}

	var rec model.IdempotencyKey
	err := s.db.WithContext(ctx).
		Where("key = ? AND operation_type = ? AND expires_at > ?", key, opType, time.Now()).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if requestHash != "" && rec.RequestHash != "" && rec.RequestHash != requestHash {
		return nil, errs.ErrIdempotencyConflict
	}
	return &rec, nil
}

// Save кэширует ответ операции. Upsert по (key, operation_type): конкурентный
// дубль просто перезапишет запись тем же содержимым.
func (s *Store) Save(ctx context.Context, key, opType, resourceID, requestHash string, response json.RawMessage) error {
	if key == "" {
		return nil
	}
	rec := model.IdempotencyKey{
		Key:           key,
		OperationType: opType,
		ResourceID:    resourceID,
		RequestHash:   requestHash,
		ResponseData:  response,
		ExpiresAt:     time.Now().Add(s.ttl),
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "key"}, {Name: "operation_type"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"resource_id", "request_hash", "response_data", "expires_at",
			}),
		}).
		Create(&rec).Error
}

// Purge удаляет истёкшие ключи (фоновая задача).
func (s *Store) Purge(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("expires_at <= ?", time.Now()).
		Delete(&model.IdempotencyKey{})
	return res.RowsAffected, res.Error
}

// RequestHash считает SHA-256 от канонического JSON запроса. json.Marshal
// сортирует ключи map и держит порядок полей структур, поэтому хеш
// детерминирован для одинаковых запросов.
func RequestHash(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
