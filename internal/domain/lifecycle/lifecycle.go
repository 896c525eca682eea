// Пакет lifecycle — матрицы допустимых переходов состояний FileRecord.
//
// Два независимых жизненных цикла:
//   - tier A: pinning → pinned | failed, failed → pinning (повторная загрузка),
//     pinned | failed → released (soft delete, конечное состояние)
//   - tier B: queued → migrating → completed | queued | failed,
//     failed → queued (ручной повтор), completed — конечное состояние
//
// Матрицы проверяются сервисами до условного UPDATE, сам UPDATE
// повторяет то же условие в WHERE и остаётся источником истины при гонках.
package lifecycle

import (
	"fmt"

	"github.com/bigkaa/evidence-vault/internal/domain/model"
)

// Коды ошибок перехода.
const (
	CodeInvalidTransition = "INVALID_TRANSITION"
	CodeAlreadyCompleted  = "ALREADY_COMPLETED"
	CodeReleased          = "RELEASED"
)

// TransitionError — ошибка недопустимого перехода.
type TransitionError struct {
	Code    string
	Message string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// tierATransitions — матрица переходов tier A.
// pinning → pinning — перехват зависшего закрепления после истечения аренды.
var tierATransitions = map[model.TierAState]map[model.TierAState]bool{
	model.TierAPinning:  {model.TierAPinned: true, model.TierAFailed: true, model.TierAPinning: true},
	model.TierAPinned:   {model.TierAReleased: true},
	model.TierAFailed:   {model.TierAPinning: true, model.TierAReleased: true},
	model.TierAReleased: {},
}

// tierBTransitions — матрица переходов tier B.
// migrating → migrating — перехват аренды упавшего воркера.
// queued → failed — tier A откреплён до начала миграции.
var tierBTransitions = map[model.TierBState]map[model.TierBState]bool{
	model.TierBQueued:    {model.TierBMigrating: true, model.TierBFailed: true},
	model.TierBMigrating: {model.TierBCompleted: true, model.TierBQueued: true, model.TierBFailed: true, model.TierBMigrating: true},
	model.TierBFailed:    {model.TierBQueued: true},
	model.TierBCompleted: {},
}

// CanTransitionA проверяет переход tier A.
func CanTransitionA(from, to model.TierAState) bool {
	return tierATransitions[from][to]
}

// CanTransitionB проверяет переход tier B.
func CanTransitionB(from, to model.TierBState) bool {
	return tierBTransitions[from][to]
}

// CheckTierA возвращает TransitionError, если переход tier A недопустим.
func CheckTierA(from, to model.TierAState) error {
	if CanTransitionA(from, to) {
		return nil
	}
	if from == model.TierAReleased {
		return &TransitionError{
			Code:    CodeReleased,
			Message: "файл откреплён от tier A, переходы запрещены",
		}
	}
	return &TransitionError{
		Code:    CodeInvalidTransition,
		Message: fmt.Sprintf("недопустимый переход tier A: %s → %s", from, to),
	}
}

// CheckTierB возвращает TransitionError, если переход tier B недопустим.
func CheckTierB(from, to model.TierBState) error {
	if CanTransitionB(from, to) {
		return nil
	}
	if from == model.TierBCompleted {
		return &TransitionError{
			Code:    CodeAlreadyCompleted,
			Message: "миграция уже завершена, повторная миграция запрещена",
		}
	}
	return &TransitionError{
		Code:    CodeInvalidTransition,
		Message: fmt.Sprintf("недопустимый переход tier B: %s → %s", from, to),
	}
}

// IsStableA — состояние tier A, которое имеет смысл сверять с живым хранилищем.
func IsStableA(s model.TierAState) bool {
	return s == model.TierAPinned
}

// IsStableB — состояние tier B, которое имеет смысл сверять с живым хранилищем.
func IsStableB(s model.TierBState) bool {
	return s == model.TierBCompleted
}
