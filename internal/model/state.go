package model

// Status — статус жизненного цикла консультации.
type Status string

const (
	StatusOpen      Status = "open"
	StatusPending   Status = "pending"
	StatusResolved  Status = "resolved"
	StatusClosed    Status = "closed"
	StatusCancelled Status = "cancelled"
)

// transitions — таблица допустимых переходов. Терминальные статусы не имеют
// исходящих переходов: автоматика не вправе их перезаписывать.
var transitions = map[Status][]Status{
	StatusOpen:    {StatusPending, StatusResolved, StatusClosed, StatusCancelled},
	StatusPending: {StatusOpen, StatusResolved, StatusClosed, StatusCancelled},
}

// Terminal сообщает, достигла ли консультация конечного статуса.
func (s Status) Terminal() bool {
	switch s {
	case StatusResolved, StatusClosed, StatusCancelled:
		return true
	}
	return false
}

// Valid проверяет, что статус известен системе.
func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusPending, StatusResolved, StatusClosed, StatusCancelled:
		return true
	}
	return false
}

// CanTransition проверяет допустимость перехода from -> to по таблице.
// Переход в тот же статус разрешён (идемпотентные обновления).
func CanTransition(from, to Status) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
