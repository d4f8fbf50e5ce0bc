package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/psds-microservice/consultation-service/internal/errs"
	"github.com/psds-microservice/consultation-service/internal/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store — хранилище консультаций. Интерфейс выделен для подмены
// in-memory реализацией в тестах оркестратора.
type Store interface {
	FindClientByHash(ctx context.Context, hash string) (*model.Client, error)
	GetClient(ctx context.Context, clientID string) (*model.Client, error)
	CreateClient(ctx context.Context, c *model.Client) error
	SaveClient(ctx context.Context, c *model.Client) error

	GetConsultation(ctx context.Context, consID string) (*model.Consultation, error)
	FindByCorrelationID(ctx context.Context, correlationID string) (*model.Consultation, error)
	FindByConversationID(ctx context.Context, conversationID string) (*model.Consultation, error)
	// CreateConsultation возвращает errs.ErrConflict при дубле correlation id.
	CreateConsultation(ctx context.Context, c *model.Consultation) error
	// UpdateConsultationFields дозаписывает перечисленные колонки, не трогая
	// остальные: конкурентные изменения других колонок не затираются.
	UpdateConsultationFields(ctx context.Context, consID string, changes map[string]interface{}) error
	ListConsultations(ctx context.Context, filter map[string]interface{}, limit, offset int) ([]model.Consultation, int64, error)

	// CountOwnerDay считает непогашенные консультации владельца на целевой
	// день (по start_date): только записи с подтверждённым ключом документа ЦЛ.
	CountOwnerDay(ctx context.Context, consType model.ConsultationType, codeAbonent, orgINN string, day time.Time) (int64, error)
	// ClaimQuotaSlot занимает свободный слот дневного лимита владельца.
	// Возвращает errs.ErrLimitExceeded, когда заняты все limit слотов.
	ClaimQuotaSlot(ctx context.Context, ownerKey string, day time.Time, limit int, consID string) error
	ReleaseQuotaSlot(ctx context.Context, consID string) error
	// FindOpenByClient возвращает нетерминальную консультацию клиента данного
	// вида, если такая есть.
	FindOpenByClient(ctx context.Context, clientID string, consType model.ConsultationType) (*model.Consultation, error)
	// ListUnsynced возвращает консультации с назначенным диалогом Chatwoot,
	// требующие сверки статуса.
	ListUnsynced(ctx context.Context, limit int) ([]model.Consultation, error)

	AppendChangeLog(ctx context.Context, entries []model.ConsultationChangeLog) error

	UpsertRatingAnswer(ctx context.Context, a *model.ConsRatingAnswer) error
	RatingAnswers(ctx context.Context, consID string) ([]model.ConsRatingAnswer, error)
	// PendingRatingConsIDs возвращает консультации с ответами, агрегат которых
	// ещё не пересобран.
	PendingRatingConsIDs(ctx context.Context, limit int) ([]string, error)
	MarkRatingsSent(ctx context.Context, consID string) error
}

// ClientIdentityHash — детерминированный отпечаток личности клиента.
// По нему работает find-or-create: один и тот же набор контактов всегда
// попадает в одну запись.
func ClientIdentityHash(email, phone, orgINN, codeAbonent string) string {
	norm := func(s string) string { return strings.ToLower(strings.TrimSpace(s)) }
	h := sha256.Sum256([]byte(norm(email) + "|" + norm(phone) + "|" + norm(orgINN) + "|" + norm(codeAbonent)))
	return hex.EncodeToString(h[:])
}

type gormStore struct {
	db *gorm.DB
}

// NewStore возвращает хранилище поверх gorm.
func NewStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

func (s *gormStore) FindClientByHash(ctx context.Context, hash string) (*model.Client, error) {
	var c model.Client
	err := s.db.WithContext(ctx).Where("client_id_hash = ?", hash).First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *gormStore) GetClient(ctx context.Context, clientID string) (*model.Client, error) {
	var c model.Client
	err := s.db.WithContext(ctx).Where("client_id = ?", clientID).First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *gormStore) CreateClient(ctx context.Context, c *model.Client) error {
	err := s.db.WithContext(ctx).Create(c).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return errs.ErrConflict
	}
	return err
}

func (s *gormStore) SaveClient(ctx context.Context, c *model.Client) error {
	return s.db.WithContext(ctx).Save(c).Error
}

func (s *gormStore) GetConsultation(ctx context.Context, consID string) (*model.Consultation, error) {
	var c model.Consultation
	err := s.db.WithContext(ctx).Where("cons_id = ?", consID).First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *gormStore) FindByCorrelationID(ctx context.Context, correlationID string) (*model.Consultation, error) {
	var c model.Consultation
	err := s.db.WithContext(ctx).Where("correlation_id = ?", correlationID).First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *gormStore) FindByConversationID(ctx context.Context, conversationID string) (*model.Consultation, error) {
	var c model.Consultation
	err := s.db.WithContext(ctx).Where("chatwoot_conversation_id = ?", conversationID).First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *gormStore) CreateConsultation(ctx context.Context, c *model.Consultation) error {
	err := s.db.WithContext(ctx).Create(c).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		// Конкурентный дубль по correlation id: победителя перечитает вызывающий.
		return errs.ErrConflict
	}
	return err
}

func (s *gormStore) UpdateConsultationFields(ctx context.Context, consID string, changes map[string]interface{}) error {
	return s.db.WithContext(ctx).Model(&model.Consultation{}).
		Where("cons_id = ?", consID).Updates(changes).Error
}

func (s *gormStore) ListConsultations(ctx context.Context, filter map[string]interface{}, limit, offset int) ([]model.Consultation, int64, error) {
	var items []model.Consultation
	var total int64
	tx := s.db.WithContext(ctx).Model(&model.Consultation{})
	for k, v := range filter {
		tx = tx.Where(k, v)
	}
	if err := tx.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	if limit > 0 {
		tx = tx.Limit(limit)
	}
	if offset > 0 {
		tx = tx.Offset(offset)
	}
	if err := tx.Order("create_date DESC").Find(&items).Error; err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (s *gormStore) CountOwnerDay(ctx context.Context, consType model.ConsultationType, codeAbonent, orgINN string, day time.Time) (int64, error) {
	dayStart := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	dayEnd := dayStart.AddDate(0, 0, 1)

	tx := s.db.WithContext(ctx).Model(&model.Consultation{}).
		Where("type = ?", consType).
		Where("status <> ?", model.StatusCancelled).
		Where("cl_ref_key <> ''").
		Where("start_date >= ? AND start_date < ?", dayStart, dayEnd)

	// Владелец определяется по коду абонента, ИНН — запасной идентификатор.
	if codeAbonent != "" {
		tx = tx.Where("code_abonent = ?", codeAbonent)
	} else if orgINN != "" {
		tx = tx.Where("org_inn = ?", orgINN)
	} else {
		return 0, nil
	}

	var n int64
	err := tx.Count(&n).Error
	return n, err
}

func (s *gormStore) ClaimQuotaSlot(ctx context.Context, ownerKey string, day time.Time, limit int, consID string) error {
	dayKey := day.Format("2006-01-02")
	for slot := 0; slot < limit; slot++ {
		err := s.db.WithContext(ctx).Create(&model.QuotaSlot{
			OwnerKey: ownerKey,
			Day:      dayKey,
			Slot:     slot,
			ConsID:   consID,
		}).Error
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// Слот занят конкурентом, пробуем следующий.
			continue
		}
		return err
	}
	return errs.ErrLimitExceeded
}

func (s *gormStore) ReleaseQuotaSlot(ctx context.Context, consID string) error {
	return s.db.WithContext(ctx).
		Where("cons_id = ?", consID).
		Delete(&model.QuotaSlot{}).Error
}

func (s *gormStore) FindOpenByClient(ctx context.Context, clientID string, consType model.ConsultationType) (*model.Consultation, error) {
	var c model.Consultation
	err := s.db.WithContext(ctx).
		Where("client_id = ? AND type = ?", clientID, consType).
		Where("status IN ?", []model.Status{model.StatusOpen, model.StatusPending}).
		First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *gormStore) ListUnsynced(ctx context.Context, limit int) ([]model.Consultation, error) {
	var items []model.Consultation
	err := s.db.WithContext(ctx).
		Where("chatwoot_conversation_id <> ''").
		Where("status IN ?", []model.Status{model.StatusOpen, model.StatusPending}).
		Order("updated_at ASC").
		Limit(limit).
		Find(&items).Error
	return items, err
}

func (s *gormStore) AppendChangeLog(ctx context.Context, entries []model.ConsultationChangeLog) error {
	if len(entries) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Create(&entries).Error
}

func (s *gormStore) UpsertRatingAnswer(ctx context.Context, a *model.ConsRatingAnswer) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "cons_id"}, {Name: "question_number"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"rating", "question_text", "comment", "manager_key", "updated_at",
		}),
	}).Create(a).Error
}

func (s *gormStore) PendingRatingConsIDs(ctx context.Context, limit int) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&model.ConsRatingAnswer{}).
		Distinct("cons_id").
		Where("sent_to_base = ?", false).
		Order("cons_id").
		Limit(limit).
		Pluck("cons_id", &ids).Error
	return ids, err
}

func (s *gormStore) MarkRatingsSent(ctx context.Context, consID string) error {
	return s.db.WithContext(ctx).Model(&model.ConsRatingAnswer{}).
		Where("cons_id = ?", consID).
		Update("sent_to_base", true).Error
}

func (s *gormStore) RatingAnswers(ctx context.Context, consID string) ([]model.ConsRatingAnswer, error) {
	var answers []model.ConsRatingAnswer
	err := s.db.WithContext(ctx).
		Where("cons_id = ?", consID).
		Order("question_number ASC").
		Find(&answers).Error
	return answers, err
}
