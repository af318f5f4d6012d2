package bot

import "autotrader/internal/models"

// ValidTransitions определяет допустимые переходы между состояниями сессии.
// В FAILED можно перейти из любого нетерминального состояния.
var ValidTransitions = map[string][]string{
	models.SessionInitializing: {models.SessionRunning, models.SessionStopping, models.SessionFailed},
	models.SessionRunning:      {models.SessionPaused, models.SessionStopping, models.SessionFailed},
	models.SessionPaused:       {models.SessionRunning, models.SessionStopping, models.SessionFailed},
	models.SessionStopping:     {models.SessionStopped, models.SessionFailed},
	models.SessionStopped:      {},
	models.SessionFailed:       {},
}

// CanTransition проверяет допустимость перехода
func CanTransition(from, to string) bool {
	allowed, ok := ValidTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// checkTransition IllegalTransitionError для недопустимого перехода
func checkTransition(sessionID, from, to string) error {
	if !CanTransition(from, to) {
		return &IllegalTransitionError{SessionID: sessionID, From: from, To: to}
	}
	return nil
}

// StateInfo возвращает описание состояния для UI
func StateInfo(s string) string {
	switch s {
	case models.SessionInitializing:
		return "Сессия запускается"
	case models.SessionRunning:
		return "Сессия торгует"
	case models.SessionPaused:
		return "Торговля приостановлена, heartbeat продолжается"
	case models.SessionStopping:
		return "Остановка: отмена ордеров и финальный снимок"
	case models.SessionStopped:
		return "Сессия остановлена"
	case models.SessionFailed:
		return "Ошибка! Требуется вмешательство"
	default:
		return "Неизвестное состояние"
	}
}

// IsTrading сессия вызывает стратегию и конвейер ордеров
func IsTrading(s string) bool {
	return s == models.SessionRunning
}
