// Package errs — доменные ошибки сервиса консультаций.
//
// Ожидаемые бизнес-исходы (лимиты, конфликты) возвращаются значениями этих
// ошибок; всё остальное — неожиданные сбои, которые маппятся в 500.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation — некорректный запрос клиента (400).
	ErrValidation = errors.New("validation error")
	// ErrNotFound — сущность не найдена (404).
	ErrNotFound = errors.New("not found")
	// ErrConflict — дубликат открытой заявки или конкурентный дубль (409).
	ErrConflict = errors.New("conflict")
	// ErrIdempotencyConflict — повтор idempotency key с другим телом запроса (409).
	ErrIdempotencyConflict = errors.New("idempotency key reused with different request")
	// ErrLimitExceeded — превышен дневной лимит консультаций (429).
	ErrLimitExceeded = errors.New("consultation limit exceeded")
	// ErrNoManager — нет доступного менеджера для назначения.
	ErrNoManager = errors.New("no manager available")
	// ErrCancelWindowExpired — окно отмены с момента создания истекло (409).
	ErrCancelWindowExpired = fmt.Errorf("%w: cancellation window expired", ErrConflict)
)

// UpstreamError — сбой внешней системы (Chatwoot или ЦЛ). Логируется и
// записывается как частичный неуспех, локальную транзакцию не прерывает.
type UpstreamError struct {
	System string // CHATWOOT или 1C_CL
	Op     string
	Err    error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.System, e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Upstream оборачивает ошибку внешнего вызова.
func Upstream(system, op string, err error) *UpstreamError {
	return &UpstreamError{System: system, Op: op, Err: err}
}

// IsUpstream сообщает, является ли ошибка сбоем внешней системы.
func IsUpstream(err error) bool {
	var ue *UpstreamError
	return errors.As(err, &ue)
}
