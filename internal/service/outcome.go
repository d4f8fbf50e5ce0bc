package service

// SyncState — исход вызова одной внешней системы при создании консультации.
type SyncState string

const (
	// SyncSuccess — внешняя система приняла запись, идентификатор сохранён.
	SyncSuccess SyncState = "success"
	// SyncFailed — вызов не удался; локальная запись осталась, фоновая
	// сверка дотянет позже.
	SyncFailed SyncState = "failed"
	// SyncSkipped — вызов не выполнялся (вид обращения не требует этой системы).
	SyncSkipped SyncState = "skipped"
)

// SyncOutcome — результат синхронизации с одной внешней системой.
// ExternalID заполнен только при Success, Reason — только при Failed.
type SyncOutcome struct {
	State      SyncState `json:"state"`
	ExternalID string    `json:"external_id,omitempty"`
	Reason     string    `json:"reason,omitempty"`
}

func Success(id string) SyncOutcome { return SyncOutcome{State: SyncSuccess, ExternalID: id} }
func Failed(reason string) SyncOutcome {
	return SyncOutcome{State: SyncFailed, Reason: reason}
}
func Skipped() SyncOutcome { return SyncOutcome{State: SyncSkipped} }

// Ok сообщает, что вызов либо удался, либо не требовался.
func (o SyncOutcome) Ok() bool { return o.State != SyncFailed }
