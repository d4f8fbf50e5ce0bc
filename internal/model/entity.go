package model

import (
	"encoding/json"
	"time"
)

// ConsultationType — вид обращения.
type ConsultationType string

const (
	// TypeAccounting — консультация по ведению учёта: назначается менеджеру
	// заранее и регистрируется документом в ЦЛ.
	TypeAccounting ConsultationType = "accounting"
	// TypeSupport — техническая поддержка: разбирается операторами из общей
	// очереди, в ЦЛ не отправляется.
	TypeSupport ConsultationType = "support"
)

// ERPTracked сообщает, регистрируется ли этот вид обращения документом в ЦЛ.
func (t ConsultationType) ERPTracked() bool {
	return t == TypeAccounting
}

// Valid проверяет, что вид обращения известен системе.
func (t ConsultationType) Valid() bool {
	return t == TypeAccounting || t == TypeSupport
}

// Client — клиент (абонент). Участник иерархии владелец/член: член наследует
// ИНН и код абонента от владельца.
type Client struct {
	ClientID            string  `gorm:"primaryKey;type:uuid" json:"client_id"`
	ClientIDHash        string  `gorm:"uniqueIndex;not null" json:"-"`
	ClRefKey            string  `gorm:"index" json:"cl_ref_key,omitempty"` // ключ абонента в ЦЛ
	Email               string  `json:"email,omitempty"`
	PhoneNumber         string  `json:"phone_number,omitempty"`
	Name                string  `json:"name,omitempty"`
	CompanyName         string  `json:"company_name,omitempty"`
	OrgINN              string  `gorm:"index" json:"org_inn,omitempty"`
	CodeAbonent         string  `gorm:"index" json:"code_abonent,omitempty"`
	IsParent            bool    `json:"is_parent"`
	ParentID            *string `gorm:"type:uuid;index" json:"parent_id,omitempty"`
	ChatwootContactID   int     `json:"chatwoot_contact_id,omitempty"`
	ChatwootSourceID    string  `json:"chatwoot_source_id,omitempty"`
	ChatwootPubsubToken string  `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Consultation — заявка на консультацию. Локальная запись — источник истины;
// идентификаторы Chatwoot и ЦЛ заполняются по мере синхронизации.
type Consultation struct {
	ConsID        string `gorm:"primaryKey;type:uuid" json:"cons_id"`
	CorrelationID string `gorm:"uniqueIndex;not null" json:"correlation_id"`
	ClRefKey      string `gorm:"index" json:"cl_ref_key,omitempty"` // Ref_Key документа в ЦЛ
	Number        string `json:"number,omitempty"`                  // номер документа из ЦЛ
	ClientID      string `gorm:"type:uuid;index" json:"client_id,omitempty"`
	ClientKey     string `json:"client_key,omitempty"` // Абонент_Key из ЦЛ
	OrgINN        string `gorm:"index" json:"org_inn,omitempty"`
	CodeAbonent   string `gorm:"index" json:"code_abonent,omitempty"`

	Type    ConsultationType `gorm:"type:varchar(32);index;not null" json:"type"`
	Status  Status           `gorm:"type:varchar(32);index;not null" json:"status"`
	Lang    string           `gorm:"type:varchar(8)" json:"lang,omitempty"`
	Comment string           `gorm:"type:text" json:"comment,omitempty"`

	QuestionCategoryKey string `json:"question_category_key,omitempty"`
	QuestionKey         string `json:"question_key,omitempty"`

	Manager string `gorm:"index" json:"manager,omitempty"` // ключ менеджера в ЦЛ
	Denied  bool   `json:"denied"`
	Source  string `gorm:"type:varchar(32);default:BACKEND" json:"source"`

	ChatwootConversationID string `gorm:"index" json:"chatwoot_conversation_id,omitempty"`
	ChatwootSourceID       string `json:"chatwoot_source_id,omitempty"`
	SyncedToChatwoot       bool   `json:"synced_to_chatwoot"`
	SyncedToOneC           bool   `json:"synced_to_1c"`

	ConRates json.RawMessage `gorm:"type:jsonb" json:"con_rates,omitempty"`

	CreateDate time.Time  `gorm:"not null" json:"create_date"`
	StartDate  *time.Time `json:"start_date,omitempty"`
	EndDate    *time.Time `json:"end_date,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Manager — консультант/оператор. Обновляется только импортом справочников
// из ЦЛ, бэкенд эти записи не мутирует.
type Manager struct {
	AccountID      string `gorm:"primaryKey;type:uuid" json:"account_id"`
	ManagerKey     string `gorm:"uniqueIndex;not null" json:"manager_key"` // Ref_Key из ЦЛ
	ChatwootUserID int    `json:"chatwoot_user_id,omitempty"`
	Name           string `json:"name,omitempty"`
	Department     string `gorm:"index" json:"department,omitempty"`
	Enabled        bool   `gorm:"index" json:"enabled"`
	DeletionMark   bool   `json:"deletion_mark"`
	RU             bool   `gorm:"column:ru;default:true" json:"ru"`
	UZ             bool   `gorm:"column:uz" json:"uz"`
	ConLimit       int    `json:"con_limit"`

	// Рабочее окно в формате "15:04". Пустые значения — менеджер доступен
	// всегда. StartHour > EndHour означает смену через полночь.
	StartHour string `gorm:"type:varchar(5)" json:"start_hour,omitempty"`
	EndHour   string `gorm:"type:varchar(5)" json:"end_hour,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// HasWindow сообщает, задано ли у менеджера рабочее окно.
func (m *Manager) HasWindow() bool {
	return m.StartHour != "" && m.EndHour != ""
}

// SpeaksLanguage проверяет языковой навык ("ru"/"uz"). Пустой язык не
// ограничивает выбор.
func (m *Manager) SpeaksLanguage(lang string) bool {
	switch lang {
	case "":
		return true
	case "ru":
		return m.RU
	case "uz":
		return m.UZ
	default:
		return false
	}
}

// ManagerSkill — категория вопросов, которую знает менеджер. Менеджер без
// навыков считается универсальным.
type ManagerSkill struct {
	ManagerKey  string `gorm:"primaryKey" json:"manager_key"`
	CategoryKey string `gorm:"primaryKey" json:"category_key"`
}

func (ManagerSkill) TableName() string { return "manager_skills" }

// QueueClosing — закрытие очереди менеджера на календарный день. Наличие
// записи исключает менеджера из подбора на эту дату.
type QueueClosing struct {
	ManagerKey string    `gorm:"primaryKey" json:"manager_key"`
	Period     time.Time `gorm:"primaryKey;type:date" json:"period"`
	CreatedAt  time.Time `json:"created_at"`
}

func (QueueClosing) TableName() string { return "queue_closing" }

// QuotaSlot — строка-замок дневного лимита владельца. Уникальность
// (owner_key, day, slot) сериализует конкурентные создания на уровне базы:
// каждый свободный слот дня достаётся ровно одному запросу.
type QuotaSlot struct {
	ID        uint64    `gorm:"primaryKey" json:"id"`
	OwnerKey  string    `gorm:"not null;uniqueIndex:uq_quota_slot" json:"owner_key"`
	Day       string    `gorm:"type:date;not null;uniqueIndex:uq_quota_slot" json:"day"`
	Slot      int       `gorm:"not null;uniqueIndex:uq_quota_slot" json:"slot"`
	ConsID    string    `gorm:"index;not null" json:"cons_id"`
	CreatedAt time.Time `json:"created_at"`
}

func (QuotaSlot) TableName() string { return "cons_quota_slots" }

// IdempotencyKey — кэш ответа на повторяемый запрос. Уникален по
// (key, operation_type); повтор с другим request_hash — ошибка клиента.
type IdempotencyKey struct {
	ID            uint64          `gorm:"primaryKey" json:"id"`
	Key           string          `gorm:"not null;uniqueIndex:uq_idempotency_key" json:"key"`
	OperationType string          `gorm:"not null;uniqueIndex:uq_idempotency_key" json:"operation_type"`
	ResourceID    string          `json:"resource_id,omitempty"`
	RequestHash   string          `json:"request_hash,omitempty"`
	ResponseData  json.RawMessage `gorm:"type:jsonb" json:"response_data,omitempty"`
	ExpiresAt     time.Time       `gorm:"index;not null" json:"expires_at"`
	CreatedAt     time.Time       `json:"created_at"`
}

func (IdempotencyKey) TableName() string { return "idempotency_keys" }

// ConsultationChangeLog — append-only журнал изменений полей консультации.
// Записи никогда не обновляются, только добавляются; флаги синхронизации
// выставляет фоновый процесс.
type ConsultationChangeLog struct {
	ID               uint64    `gorm:"primaryKey" json:"id"`
	ConsID           string    `gorm:"index;not null" json:"cons_id"`
	FieldName        string    `gorm:"not null" json:"field_name"`
	OldValue         string    `gorm:"type:text" json:"old_value,omitempty"`
	NewValue         string    `gorm:"type:text" json:"new_value,omitempty"`
	Source           string    `gorm:"not null" json:"source"` // BACKEND, CHATWOOT, 1C_CL, ETL
	SyncedToChatwoot bool      `json:"synced_to_chatwoot"`
	SyncedToOneC     bool      `json:"synced_to_1c"`
	CreatedAt        time.Time `json:"created_at"`
}

func (ConsultationChangeLog) TableName() string { return "consultation_change_log" }

// ConsRatingAnswer — ответ на вопрос анкеты оценки. Идемпотентен по
// (cons_id, question_number) через upsert.
type ConsRatingAnswer struct {
	ID             uint64    `gorm:"primaryKey" json:"id"`
	ConsID         string    `gorm:"not null;uniqueIndex:uq_cons_rating_answer" json:"cons_id"`
	ConsKey        string    `gorm:"index" json:"cons_key,omitempty"`
	ClientID       string    `gorm:"type:uuid" json:"client_id,omitempty"`
	ManagerKey     string    `json:"manager_key,omitempty"`
	QuestionNumber int       `gorm:"not null;uniqueIndex:uq_cons_rating_answer" json:"question_number"`
	Rating         *int16    `json:"rating,omitempty"`
	QuestionText   string    `gorm:"type:text" json:"question,omitempty"`
	Comment        string    `gorm:"type:text" json:"comment,omitempty"`
	SentToBase     bool      `json:"sent_to_base"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (ConsRatingAnswer) TableName() string { return "cons_rating_answers" }

// RatingAggregate — кэшируемый агрегат оценок, хранится в cons.con_rates.
type RatingAggregate struct {
	Average *float64            `json:"average"`
	Count   int                 `json:"count"`
	Answers []RatingAnswerBrief `json:"answers"`
}

// RatingAnswerBrief — краткая форма ответа внутри агрегата.
type RatingAnswerBrief struct {
	QuestionNumber int    `json:"question_number"`
	Rating         *int16 `json:"rating"`
	Question       string `json:"question,omitempty"`
	Comment        string `json:"comment,omitempty"`
	ManagerKey     string `json:"manager_key,omitempty"`
}
