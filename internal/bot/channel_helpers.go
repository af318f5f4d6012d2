package bot

import "autotrader/internal/models"

// tryEnqueueUpdate отправляет снимок сессии в канал рассылки без блокировки.
// Возвращает true, если снимок поставлен в очередь.
func tryEnqueueUpdate(ch chan *models.Session, s *models.Session) bool {
	if ch == nil || s == nil {
		return false
	}

	select {
	case ch <- s:
		return true
	default:
		RecordBufferOverflow("session_updates")
		return false
	}
}
