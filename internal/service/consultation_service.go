// Package service — оркестрация консультаций: согласованная запись в
// локальную базу, Chatwoot и 1C:ЦЛ без распределённых транзакций.
//
// Локальная запись всегда долговечна: сбои внешних систем записываются как
// частичный неуспех и дотягиваются фоновой сверкой. Единственное исключение —
// авторитетный отказ ЦЛ по лимиту, который отменяет заявку целиком.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/psds-microservice/consultation-service/internal/chatwoot"
	"github.com/psds-microservice/consultation-service/internal/errs"
	"github.com/psds-microservice/consultation-service/internal/kafka"
	"github.com/psds-microservice/consultation-service/internal/model"
	"github.com/psds-microservice/consultation-service/internal/onec"
)

// Источники изменений для журнала аудита.
const (
	SourceBackend  = "BACKEND"
	SourceChatwoot = "CHATWOOT"
	SourceOneC     = "1C_CL"
)

// Messaging — контракт Chatwoot, нужный оркестратору.
type Messaging interface {
	EnsureContact(ctx context.Context, identifier, name, email, phone string) (*chatwoot.ContactRef, error)
	OpenConversation(ctx context.Context, sourceID, content string, attrs map[string]string) (*chatwoot.ConversationRef, error)
	ResolveConversation(ctx context.Context, conversationID string) error
	SendMessage(ctx context.Context, conversationID, content string) error
	AssignAgent(ctx context.Context, conversationID string, agentID int) error
	ConversationStatus(ctx context.Context, conversationID string) (string, error)
}

// ERP — контракт 1C:ЦЛ, нужный оркестратору.
type ERP interface {
	FindClient(ctx context.Context, orgINN, codeAbonent string) (*onec.ClientRecord, error)
	CreateClient(ctx context.Context, name, orgINN, codeAbonent string) (*onec.ClientRecord, error)
	CreateDocument(ctx context.Context, fields onec.DocumentFields) (*onec.DocumentRef, error)
	UpdateDocument(ctx context.Context, refKey string, upd onec.DocumentUpdate) error
	MarkDeleted(ctx context.Context, refKey string) error
}

// ManagerPicker выбирает менеджера под заявку. Реализуется balancer.LoadBalancer.
type ManagerPicker interface {
	Select(ctx context.Context, at time.Time, consType model.ConsultationType, categoryKey, language string) (*model.Manager, error)
}

// TimeAdjuster вписывает желаемое время в рабочие окна. Реализуется schedule.Scheduler.
type TimeAdjuster interface {
	Adjust(ctx context.Context, desired time.Time, managerKey string, consType model.ConsultationType) (time.Time, error)
}

// IdempotencyStore — кэш ответов по Idempotency-Key.
type IdempotencyStore interface {
	Check(ctx context.Context, key, opType, requestHash string) (*model.IdempotencyKey, error)
	Save(ctx context.Context, key, opType, resourceID, requestHash string, response json.RawMessage) error
}

// RequestHasher — отпечаток тела запроса для сверки повторов.
type RequestHasher func(v any) string

// Options — бизнес-параметры оркестратора.
type Options struct {
	DailyConsLimit    int
	CancelWindowMin   int
	DefaultManagerKey string
}

type ConsultationService struct {
	store     Store
	messaging Messaging
	erp       ERP
	picker    ManagerPicker
	adjuster  TimeAdjuster
	idem      IdempotencyStore
	hash      RequestHasher
	producer  kafka.ConsultationEventProducer
	opts      Options

	now func() time.Time
}

func NewConsultationService(
	store Store,
	messaging Messaging,
	erp ERP,
	picker ManagerPicker,
	adjuster TimeAdjuster,
	idem IdempotencyStore,
	hash RequestHasher,
	producer kafka.ConsultationEventProducer,
	opts Options,
) *ConsultationService {
	return &ConsultationService{
		store:     store,
		messaging: messaging,
		erp:       erp,
		picker:    picker,
		adjuster:  adjuster,
		idem:      idem,
		hash:      hash,
		producer:  producer,
		opts:      opts,
		now:       time.Now,
	}
}

// CreateRequest — входные данные на создание консультации.
type CreateRequest struct {
	Email       string `json:"email,omitempty"`
	PhoneNumber string `json:"phone_number,omitempty"`
	Name        string `json:"name,omitempty"`
	CompanyName string `json:"company_name,omitempty"`
	OrgINN      string `json:"org_inn,omitempty"`
	CodeAbonent string `json:"code_abonent,omitempty"`

	Type    model.ConsultationType `json:"type"`
	Comment string                 `json:"comment"`
	Lang    string                 `json:"lang,omitempty"`

	QuestionCategoryKey string     `json:"question_category_key,omitempty"`
	QuestionKey         string     `json:"question_key,omitempty"`
	DesiredAt           *time.Time `json:"desired_at,omitempty"`
	ManagerKey          string     `json:"manager_key,omitempty"`
	CorrelationID       string     `json:"correlation_id,omitempty"`
	Source              string     `json:"source,omitempty"`
}

// CreateResult — исход создания: локальная запись плюс результат каждой
// внешней системы. Raw — сериализованный однажды ответ, он же кладётся в
// кэш идемпотентности, чтобы повтор возвращал байт-в-байт тот же ответ.
type CreateResult struct {
	Consultation *model.Consultation `json:"consultation"`
	Chatwoot     SyncOutcome         `json:"chatwoot"`
	OneC         SyncOutcome         `json:"onec"`

	Replayed bool            `json:"-"`
	Raw      json.RawMessage `json:"-"`
}

const opCreateConsultation = "create_consultation"

// Create проводит заявку через весь конвейер: клиент, лимиты, расписание,
// менеджер, локальная запись, Chatwoot, ЦЛ, кэш идемпотентности.
func (s *ConsultationService) Create(ctx context.Context, req CreateRequest, idemKey string) (*CreateResult, error) {
	if err := validateCreate(req); err != nil {
		return nil, err
	}

	var reqHash string
	if idemKey != "" {
		reqHash = s.hash(req)
		cached, err := s.idem.Check(ctx, idemKey, opCreateConsultation, reqHash)
		if err != nil {
			return nil, err
		}
		if cached != nil {
			var res CreateResult
			if err := json.Unmarshal(cached.ResponseData, &res); err != nil {
				return nil, fmt.Errorf("idempotency cache: %w", err)
			}
			res.Raw = cached.ResponseData
			res.Replayed = true
			return &res, nil
		}
	}

	// Повтор с тем же correlation id — идемпотентный случай, пока запись
	// не терминальна. Терминальную запись новая заявка не реанимирует.
	if req.CorrelationID != "" {
		existing, err := s.store.FindByCorrelationID(ctx, req.CorrelationID)
		if err != nil && !errors.Is(err, errs.ErrNotFound) {
			return nil, err
		}
		if existing != nil && !existing.Status.Terminal() {
			return s.finishCreate(ctx, existing, Skipped(), Skipped(), idemKey, reqHash)
		}
	}

	client, owner, err := s.resolveClient(ctx, req)
	if err != nil {
		return nil, err
	}

	now := s.now()
	scheduledAt := now
	managerKey := ""
	chatwootAgentID := 0

	// Поддержку разбирают операторы из общей очереди, менеджер заранее
	// не назначается и расписание не строится.
	if req.Type.ERPTracked() {
		desired := now
		if req.DesiredAt != nil {
			desired = *req.DesiredAt
		}
		// Расписание строится до проверки лимита: лимит считается на день,
		// на который заявка реально попадёт.
		scheduledAt, err = s.adjuster.Adjust(ctx, desired, req.ManagerKey, req.Type)
		if err != nil {
			return nil, err
		}
	}

	if err := s.enforceLimits(ctx, req, client, owner, scheduledAt); err != nil {
		return nil, err
	}

	if req.Type.ERPTracked() {
		managerKey = req.ManagerKey
		if managerKey == "" {
			m, err := s.picker.Select(ctx, scheduledAt, req.Type, req.QuestionCategoryKey, req.Lang)
			switch {
			case err == nil:
				managerKey = m.ManagerKey
				chatwootAgentID = m.ChatwootUserID
			case errors.Is(err, errs.ErrNoManager) && s.opts.DefaultManagerKey != "":
				log.Printf("service: нет доступного менеджера, назначаем менеджера по умолчанию %s", s.opts.DefaultManagerKey)
				managerKey = s.opts.DefaultManagerKey
			default:
				return nil, err
			}
		}
	}

	correlationID := req.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	cons := &model.Consultation{
		ConsID:              uuid.NewString(),
		CorrelationID:       correlationID,
		ClientID:            client.ClientID,
		ClientKey:           client.ClRefKey,
		OrgINN:              owner.OrgINN,
		CodeAbonent:         owner.CodeAbonent,
		Type:                req.Type,
		Status:              model.StatusOpen,
		Lang:                req.Lang,
		Comment:             req.Comment,
		QuestionCategoryKey: req.QuestionCategoryKey,
		QuestionKey:         req.QuestionKey,
		Manager:             managerKey,
		Source:              sourceOrDefault(req.Source),
		CreateDate:          now,
	}
	if req.Type.ERPTracked() {
		cons.StartDate = &scheduledAt
	}

	// Дневной лимит закрепляется строкой-замком в базе: конкурирующее
	// создание того же владельца не проскочит мимо проверки счётчиком.
	quotaKey := ownerQuotaKey(owner)
	claimed := false
	if req.Type.ERPTracked() && s.opts.DailyConsLimit > 0 && quotaKey != "" {
		if err := s.store.ClaimQuotaSlot(ctx, quotaKey, scheduledAt, s.opts.DailyConsLimit, cons.ConsID); err != nil {
			return nil, err
		}
		claimed = true
	}

	// Локальная запись пишется до любых внешних вызовов: она переживает
	// любой их исход.
	if err := s.store.CreateConsultation(ctx, cons); err != nil {
		if claimed {
			s.releaseQuotaSlot(ctx, cons.ConsID)
		}
		if errors.Is(err, errs.ErrConflict) {
			winner, rerr := s.store.FindByCorrelationID(ctx, correlationID)
			if rerr != nil {
				return nil, rerr
			}
			return s.finishCreate(ctx, winner, Skipped(), Skipped(), idemKey, reqHash)
		}
		return nil, err
	}

	cwOutcome := s.syncChatwoot(ctx, cons, client, req, chatwootAgentID)
	erpOutcome, err := s.syncOneC(ctx, cons, client, scheduledAt)
	if err != nil {
		// Авторитетный отказ ЦЛ по лимиту: локальная запись гасится.
		return nil, err
	}

	// Дозаписываются только колонки, полученные от внешних систем: статус
	// не трогаем, чтобы не затереть конкурентное обновление вебхуком —
	// диалог уже существует и мог успеть закрыться.
	if err := s.store.UpdateConsultationFields(ctx, cons.ConsID, map[string]interface{}{
		"chatwoot_conversation_id": cons.ChatwootConversationID,
		"chatwoot_source_id":       cons.ChatwootSourceID,
		"synced_to_chatwoot":       cons.SyncedToChatwoot,
		"cl_ref_key":               cons.ClRefKey,
		"number":                   cons.Number,
		"synced_to_one_c":          cons.SyncedToOneC,
	}); err != nil {
		return nil, err
	}

	s.appendLog(ctx, cons.ConsID, sourceOrDefault(req.Source), "status", "", string(model.StatusOpen))
	s.produceEvent(ctx, kafka.EventConsultationCreated, cons)

	return s.finishCreate(ctx, cons, cwOutcome, erpOutcome, idemKey, reqHash)
}

func validateCreate(req CreateRequest) error {
	if !req.Type.Valid() {
		return fmt.Errorf("%w: неизвестный вид обращения %q", errs.ErrValidation, req.Type)
	}
	if req.Comment == "" {
		return fmt.Errorf("%w: требуется описание вопроса", errs.ErrValidation)
	}
	if req.Email == "" && req.PhoneNumber == "" && req.OrgINN == "" && req.CodeAbonent == "" {
		return fmt.Errorf("%w: требуется хотя бы один идентификатор клиента", errs.ErrValidation)
	}
	return nil
}

func sourceOrDefault(source string) string {
	if source == "" {
		return SourceBackend
	}
	return source
}

// resolveClient находит или создаёт клиента по отпечатку личности и
// возвращает пару (клиент, владелец): член иерархии наследует лимитные
// идентификаторы владельца.
func (s *ConsultationService) resolveClient(ctx context.Context, req CreateRequest) (*model.Client, *model.Client, error) {
	hash := ClientIdentityHash(req.Email, req.PhoneNumber, req.OrgINN, req.CodeAbonent)
	client, err := s.store.FindClientByHash(ctx, hash)
	if errors.Is(err, errs.ErrNotFound) {
		client = &model.Client{
			ClientID:     uuid.NewString(),
			ClientIDHash: hash,
			Email:        req.Email,
			PhoneNumber:  req.PhoneNumber,
			Name:         req.Name,
			CompanyName:  req.CompanyName,
			OrgINN:       req.OrgINN,
			CodeAbonent:  req.CodeAbonent,
		}
		if cerr := s.store.CreateClient(ctx, client); cerr != nil {
			if errors.Is(cerr, errs.ErrConflict) {
				// Конкурентное создание того же клиента: берём победителя.
				client, err = s.store.FindClientByHash(ctx, hash)
				if err != nil {
					return nil, nil, err
				}
			} else {
				return nil, nil, cerr
			}
		}
	} else if err != nil {
		return nil, nil, err
	}

	owner := client
	if client.ParentID != nil {
		parent, err := s.store.GetClient(ctx, *client.ParentID)
		if err == nil {
			owner = parent
		} else if !errors.Is(err, errs.ErrNotFound) {
			return nil, nil, err
		}
	}

	// ЦЛ — источник истины по абонентам: подтягиваем Ref_Key, если его ещё
	// нет. Сбой не блокирует заявку.
	if req.Type.ERPTracked() && client.ClRefKey == "" {
		if key := s.resolveERPClient(ctx, client, owner); key != "" {
			client.ClRefKey = key
			if err := s.store.SaveClient(ctx, client); err != nil {
				return nil, nil, err
			}
		}
	}
	return client, owner, nil
}

func (s *ConsultationService) resolveERPClient(ctx context.Context, client, owner *model.Client) string {
	rec, err := s.erp.FindClient(ctx, owner.OrgINN, owner.CodeAbonent)
	if err == nil {
		return rec.RefKey
	}
	if errors.Is(err, errs.ErrNotFound) {
		name := client.CompanyName
		if name == "" {
			name = client.Name
		}
		rec, err = s.erp.CreateClient(ctx, name, owner.OrgINN, owner.CodeAbonent)
		if err == nil {
			return rec.RefKey
		}
	}
	log.Printf("service: не удалось разрешить абонента в ЦЛ: %v", err)
	return ""
}

// ownerQuotaKey — идентификатор владельца для дневного лимита: код абонента
// в приоритете, ИНН — запасной.
func ownerQuotaKey(c *model.Client) string {
	if c.CodeAbonent != "" {
		return c.CodeAbonent
	}
	return c.OrgINN
}

func (s *ConsultationService) releaseQuotaSlot(ctx context.Context, consID string) {
	if err := s.store.ReleaseQuotaSlot(ctx, consID); err != nil {
		log.Printf("service: освобождение слота лимита %s: %v", consID, err)
	}
}

// enforceLimits проверяет лимиты на день day — день, на который заявка
// запланирована расписанием.
func (s *ConsultationService) enforceLimits(ctx context.Context, req CreateRequest, client, owner *model.Client, day time.Time) error {
	if s.opts.DailyConsLimit > 0 && req.Type.ERPTracked() {
		n, err := s.store.CountOwnerDay(ctx, req.Type, owner.CodeAbonent, owner.OrgINN, day)
		if err != nil {
			return err
		}
		if n >= int64(s.opts.DailyConsLimit) {
			return errs.ErrLimitExceeded
		}
	}

	if req.Type == model.TypeSupport {
		open, err := s.store.FindOpenByClient(ctx, client.ClientID, model.TypeSupport)
		if err != nil && !errors.Is(err, errs.ErrNotFound) {
			return err
		}
		if open != nil {
			return fmt.Errorf("%w: уже есть открытое обращение %s", errs.ErrConflict, open.ConsID)
		}
	}
	return nil
}

// syncChatwoot заводит контакт и диалог. Любой сбой — частичный неуспех,
// запись останется с пустыми идентификаторами до фоновой досинхронизации.
func (s *ConsultationService) syncChatwoot(ctx context.Context, cons *model.Consultation, client *model.Client, req CreateRequest, agentID int) SyncOutcome {
	if client.ChatwootSourceID == "" {
		contact, err := s.messaging.EnsureContact(ctx, client.ClientID, displayName(client), client.Email, client.PhoneNumber)
		if err != nil {
			log.Printf("service: chatwoot contact: %v", err)
			return Failed(err.Error())
		}
		client.ChatwootContactID = contact.ContactID
		client.ChatwootSourceID = contact.SourceID
		client.ChatwootPubsubToken = contact.PubsubToken
		if err := s.store.SaveClient(ctx, client); err != nil {
			log.Printf("service: save chatwoot contact ids: %v", err)
			return Failed(err.Error())
		}
	}

	conv, err := s.messaging.OpenConversation(ctx, client.ChatwootSourceID, req.Comment, map[string]string{
		"correlation_id": cons.CorrelationID,
		"cons_id":        cons.ConsID,
		"type":           string(cons.Type),
	})
	if err != nil {
		log.Printf("service: chatwoot conversation: %v", err)
		return Failed(err.Error())
	}
	cons.ChatwootConversationID = conv.ConversationID
	cons.ChatwootSourceID = conv.SourceID
	cons.SyncedToChatwoot = true

	if agentID > 0 {
		if err := s.messaging.AssignAgent(ctx, conv.ConversationID, agentID); err != nil {
			log.Printf("service: назначение оператора: %v", err)
		}
	}
	return Success(conv.ConversationID)
}

// syncOneC создаёт документ в ЦЛ. Отказ по лимиту авторитетен: локальная
// запись гасится и вызывающему возвращается ErrLimitExceeded.
func (s *ConsultationService) syncOneC(ctx context.Context, cons *model.Consultation, client *model.Client, scheduledAt time.Time) (SyncOutcome, error) {
	if !cons.Type.ERPTracked() {
		return Skipped(), nil
	}

	ref, err := s.erp.CreateDocument(ctx, onec.DocumentFields{
		ClientKey:           client.ClRefKey,
		ManagerKey:          cons.Manager,
		Description:         cons.Comment,
		ScheduledAt:         &scheduledAt,
		QuestionCategoryKey: cons.QuestionCategoryKey,
		QuestionKey:         cons.QuestionKey,
	})
	if err != nil {
		if errors.Is(err, errs.ErrLimitExceeded) {
			now := s.now()
			if uerr := s.store.UpdateConsultationFields(ctx, cons.ConsID, map[string]interface{}{
				"status":   model.StatusCancelled,
				"denied":   true,
				"end_date": now,
			}); uerr != nil {
				log.Printf("service: гашение записи после отказа ЦЛ: %v", uerr)
			}
			s.releaseQuotaSlot(ctx, cons.ConsID)
			return Failed(err.Error()), err
		}
		log.Printf("service: 1c document: %v", err)
		return Failed(err.Error()), nil
	}
	cons.ClRefKey = ref.RefKey
	cons.Number = ref.Number
	cons.SyncedToOneC = true
	return Success(ref.RefKey), nil
}

func (s *ConsultationService) finishCreate(ctx context.Context, cons *model.Consultation, cw, erp SyncOutcome, idemKey, reqHash string) (*CreateResult, error) {
	res := &CreateResult{Consultation: cons, Chatwoot: cw, OneC: erp}
	raw, err := json.Marshal(res)
	if err != nil {
		return nil, err
	}
	res.Raw = raw
	if idemKey != "" {
		if err := s.idem.Save(ctx, idemKey, opCreateConsultation, cons.ConsID, reqHash, raw); err != nil {
			log.Printf("service: save idempotency key: %v", err)
		}
	}
	return res, nil
}

func displayName(c *model.Client) string {
	if c.Name != "" {
		return c.Name
	}
	if c.CompanyName != "" {
		return c.CompanyName
	}
	return c.ClientID
}

// UpdateRequest — частичное обновление консультации. Нулевые указатели
// означают "поле не трогать".
type UpdateRequest struct {
	Status     *model.Status `json:"status,omitempty"`
	Comment    *string       `json:"comment,omitempty"`
	ManagerKey *string       `json:"manager_key,omitempty"`
	StartDate  *time.Time    `json:"start_date,omitempty"`
	EndDate    *time.Time    `json:"end_date,omitempty"`
	Source     string        `json:"source,omitempty"`
}

// Update применяет изменения локально и лучшим усилием пробрасывает их в ЦЛ.
func (s *ConsultationService) Update(ctx context.Context, consID string, req UpdateRequest) (*model.Consultation, error) {
	cons, err := s.store.GetConsultation(ctx, consID)
	if err != nil {
		return nil, err
	}

	changes := map[string]interface{}{}
	var logs []model.ConsultationChangeLog
	source := sourceOrDefault(req.Source)
	logChange := func(field, oldV, newV string) {
		logs = append(logs, model.ConsultationChangeLog{
			ConsID: cons.ConsID, FieldName: field, OldValue: oldV, NewValue: newV, Source: source,
		})
	}

	if req.Status != nil && *req.Status != cons.Status {
		if !model.CanTransition(cons.Status, *req.Status) {
			return nil, fmt.Errorf("%w: переход %s -> %s недопустим", errs.ErrConflict, cons.Status, *req.Status)
		}
		logChange("status", string(cons.Status), string(*req.Status))
		changes["status"] = *req.Status
		cons.Status = *req.Status
		if req.Status.Terminal() && req.EndDate == nil && cons.EndDate == nil {
			now := s.now()
			changes["end_date"] = now
			cons.EndDate = &now
		}
	}
	if req.Comment != nil && *req.Comment != cons.Comment {
		logChange("comment", cons.Comment, *req.Comment)
		changes["comment"] = *req.Comment
		cons.Comment = *req.Comment
	}
	if req.ManagerKey != nil && *req.ManagerKey != cons.Manager {
		logChange("manager", cons.Manager, *req.ManagerKey)
		changes["manager"] = *req.ManagerKey
		cons.Manager = *req.ManagerKey
	}
	if req.StartDate != nil {
		logChange("start_date", timeString(cons.StartDate), req.StartDate.Format(time.RFC3339))
		changes["start_date"] = *req.StartDate
		cons.StartDate = req.StartDate
	}
	if req.EndDate != nil {
		logChange("end_date", timeString(cons.EndDate), req.EndDate.Format(time.RFC3339))
		changes["end_date"] = *req.EndDate
		cons.EndDate = req.EndDate
	}
	if len(changes) == 0 {
		return cons, nil
	}

	if err := s.store.UpdateConsultationFields(ctx, cons.ConsID, changes); err != nil {
		return nil, err
	}
	if err := s.store.AppendChangeLog(ctx, logs); err != nil {
		log.Printf("service: append change log: %v", err)
	}

	if cons.ClRefKey != "" {
		upd := onec.DocumentUpdate{}
		if req.Status != nil {
			upd.Vid = vidForStatus(*req.Status)
		}
		if req.ManagerKey != nil {
			upd.ManagerKey = *req.ManagerKey
		}
		upd.StartDate = req.StartDate
		upd.EndDate = req.EndDate
		if req.Comment != nil {
			upd.Description = req.Comment
		}
		if err := s.erp.UpdateDocument(ctx, cons.ClRefKey, upd); err != nil {
			log.Printf("service: проброс обновления в ЦЛ: %v", err)
		}
	}

	if req.Status != nil {
		s.produceEvent(ctx, kafka.EventConsultationStatusChanged, cons)
	}
	return cons, nil
}

// vidForStatus — маппинг локального статуса в ВидОбращения ЦЛ.
func vidForStatus(st model.Status) string {
	switch st {
	case model.StatusClosed, model.StatusResolved:
		return onec.VidConsultation
	case model.StatusOpen, model.StatusPending:
		return onec.VidQueued
	default:
		return onec.VidOther
	}
}

func timeString(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}

// Cancel отменяет консультацию в течение настроенного окна от создания.
// Граница включительна: ровно на последней минуте отмена ещё возможна.
func (s *ConsultationService) Cancel(ctx context.Context, consID, source string) (*model.Consultation, error) {
	cons, err := s.store.GetConsultation(ctx, consID)
	if err != nil {
		return nil, err
	}
	if cons.Status.Terminal() {
		return nil, fmt.Errorf("%w: консультация уже завершена", errs.ErrConflict)
	}

	now := s.now()
	window := time.Duration(s.opts.CancelWindowMin) * time.Minute
	if window > 0 && now.Sub(cons.CreateDate) > window {
		return nil, errs.ErrCancelWindowExpired
	}

	// В ЦЛ — пометка на удаление, не физическое удаление: аудит сохраняется.
	if cons.ClRefKey != "" {
		if err := s.erp.MarkDeleted(ctx, cons.ClRefKey); err != nil {
			log.Printf("service: пометка удаления в ЦЛ: %v", err)
		}
	}
	if cons.ChatwootConversationID != "" {
		if err := s.messaging.SendMessage(ctx, cons.ChatwootConversationID, "Заявка на консультацию отменена."); err != nil {
			log.Printf("service: уведомление об отмене: %v", err)
		}
		if err := s.messaging.ResolveConversation(ctx, cons.ChatwootConversationID); err != nil {
			log.Printf("service: закрытие диалога: %v", err)
		}
	}

	oldStatus := cons.Status
	cons.Status = model.StatusCancelled
	cons.Denied = true
	cons.EndDate = &now
	if err := s.store.UpdateConsultationFields(ctx, cons.ConsID, map[string]interface{}{
		"status":   model.StatusCancelled,
		"denied":   true,
		"end_date": now,
	}); err != nil {
		return nil, err
	}
	// Отменённая заявка не занимает слот дневного лимита.
	s.releaseQuotaSlot(ctx, cons.ConsID)
	s.appendLog(ctx, cons.ConsID, sourceOrDefault(source), "status", string(oldStatus), string(model.StatusCancelled))
	s.produceEvent(ctx, kafka.EventConsultationCancelled, cons)
	return cons, nil
}

// chatwootStatusMap — маппинг статуса диалога Chatwoot в локальный статус.
var chatwootStatusMap = map[string]model.Status{
	"open":     model.StatusOpen,
	"pending":  model.StatusPending,
	"snoozed":  model.StatusPending,
	"resolved": model.StatusResolved,
}

// ApplyExternalStatus применяет статус из Chatwoot. Терминальные записи
// внешняя сверка не трогает.
func (s *ConsultationService) ApplyExternalStatus(ctx context.Context, cons *model.Consultation, external string) error {
	mapped, ok := chatwootStatusMap[external]
	if !ok {
		return fmt.Errorf("%w: неизвестный статус chatwoot %q", errs.ErrValidation, external)
	}
	if cons.Status.Terminal() || mapped == cons.Status {
		return nil
	}
	if !model.CanTransition(cons.Status, mapped) {
		return nil
	}

	oldStatus := cons.Status
	cons.Status = mapped
	changes := map[string]interface{}{"status": mapped}
	if mapped.Terminal() && cons.EndDate == nil {
		now := s.now()
		changes["end_date"] = now
		cons.EndDate = &now
	}
	if err := s.store.UpdateConsultationFields(ctx, cons.ConsID, changes); err != nil {
		return err
	}
	s.appendLog(ctx, cons.ConsID, SourceChatwoot, "status", string(oldStatus), string(mapped))
	s.produceEvent(ctx, kafka.EventConsultationStatusChanged, cons)
	return nil
}

// ApplyConversationStatus — приём статуса из вебхука Chatwoot по
// идентификатору диалога.
func (s *ConsultationService) ApplyConversationStatus(ctx context.Context, conversationID, status string) error {
	cons, err := s.store.FindByConversationID(ctx, conversationID)
	if err != nil {
		return err
	}
	return s.ApplyExternalStatus(ctx, cons, status)
}

// ReconcileOnce — один проход фоновой сверки статусов с Chatwoot. Сбой по
// одной записи не прерывает проход и не меняет её локальный статус.
func (s *ConsultationService) ReconcileOnce(ctx context.Context, batch int) (int, error) {
	items, err := s.store.ListUnsynced(ctx, batch)
	if err != nil {
		return 0, err
	}
	applied := 0
	for i := range items {
		cons := &items[i]
		status, err := s.messaging.ConversationStatus(ctx, cons.ChatwootConversationID)
		if err != nil {
			log.Printf("service: сверка %s: %v", cons.ConsID, err)
			continue
		}
		if err := s.ApplyExternalStatus(ctx, cons, status); err != nil {
			log.Printf("service: сверка %s: %v", cons.ConsID, err)
			continue
		}
		applied++
	}
	return applied, nil
}

func (s *ConsultationService) Get(ctx context.Context, consID string) (*model.Consultation, error) {
	return s.store.GetConsultation(ctx, consID)
}

func (s *ConsultationService) List(ctx context.Context, filter map[string]interface{}, limit, offset int) ([]model.Consultation, int64, error) {
	return s.store.ListConsultations(ctx, filter, limit, offset)
}

func (s *ConsultationService) appendLog(ctx context.Context, consID, source, field, oldV, newV string) {
	err := s.store.AppendChangeLog(ctx, []model.ConsultationChangeLog{{
		ConsID: consID, FieldName: field, OldValue: oldV, NewValue: newV, Source: source,
	}})
	if err != nil {
		log.Printf("service: append change log: %v", err)
	}
}

func (s *ConsultationService) produceEvent(ctx context.Context, event string, cons *model.Consultation) {
	if s.producer == nil {
		return
	}
	s.producer.ProduceConsultationEvent(ctx, event, map[string]interface{}{
		"cons_id":        cons.ConsID,
		"correlation_id": cons.CorrelationID,
		"client_id":      cons.ClientID,
		"manager_key":    cons.Manager,
		"type":           cons.Type,
		"status":         cons.Status,
		"source":         cons.Source,
	})
}
