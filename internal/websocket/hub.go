package websocket

import (
	"bytes"
	"sync"
	"sync/atomic"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"autotrader/internal/models"
	"autotrader/pkg/utils"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// broadcastBufferSize размер очереди рассылки
const broadcastBufferSize = 256

// sync.Pool для JSON буферов: без аллокации буфера на каждый Broadcast
var jsonBufferPool = sync.Pool{
	New: func() interface{} {
		return bytes.NewBuffer(make([]byte, 0, 512))
	},
}

// outbound сериализованное сообщение с адресатом.
// userID "" - всем клиентам.
type outbound struct {
	userID string
	data   []byte
}

// Hub управляет всеми активными WebSocket соединениями
//
// Центральный менеджер рассылки: движок публикует смены состояния
// сессий, сервис алертов - алерты. Клиент может подписаться только
// на своего пользователя (?user_id=...), иначе получает всё.
//
// Broadcast не блокирует: при полной очереди сообщение отбрасывается
// и учитывается в DroppedMessages. Медленный клиент с переполненным
// буфером отключается.
//
// Использование:
// 1. Создать hub: hub := NewHub(log)
// 2. Запустить в горутине: go hub.Run()
// 3. Отправлять сообщения: hub.BroadcastSessionUpdate(s)
// 4. При остановке: hub.Stop()
type Hub struct {
	// Зарегистрированные клиенты
	clients map[*Client]bool

	broadcast  chan outbound
	register   chan *Client
	unregister chan *Client

	stop     chan struct{}
	stopOnce sync.Once

	// Mutex для потокобезопасного доступа к clients
	mu sync.RWMutex

	origins *OriginChecker
	dropped atomic.Int64
	log     *zap.Logger
}

// NewHub создает новый Hub
func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan outbound, broadcastBufferSize),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		stop:       make(chan struct{}),
		origins:    NewOriginChecker(nil),
		log:        log.With(utils.Component("ws_hub")),
	}
}

// SetAllowedOrigins разрешённые Origin для апгрейда (пусто - все)
func (h *Hub) SetAllowedOrigins(origins []string) {
	h.origins = NewOriginChecker(origins)
}

// Run запускает главный цикл Hub
//
// Должен запускаться в отдельной горутине: go hub.Run()
// Список клиентов копируется под коротким RLock, отправка идёт без
// блокировки, медленные клиенты удаляются под Write Lock.
func (h *Hub) Run() {
	for {
		select {
		case <-h.stop:
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("client connected", utils.UserID(client.userID), zap.Int("clients", total))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("client disconnected", zap.Int("clients", total))

		case msg := <-h.broadcast:
			h.deliver(msg)
		}
	}
}

func (h *Hub) deliver(msg outbound) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		if client.wants(msg.userID) {
			clients = append(clients, client)
		}
	}
	h.mu.RUnlock()

	var toRemove []*Client
	for _, client := range clients {
		select {
		case client.send <- msg.data:
		default:
			toRemove = append(toRemove, client)
		}
	}

	if len(toRemove) > 0 {
		h.mu.Lock()
		for _, client := range toRemove {
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
		}
		total := len(h.clients)
		h.mu.Unlock()
		h.log.Warn("removed slow clients", zap.Int("removed", len(toRemove)), zap.Int("clients", total))
	}
}

// Stop останавливает Run и закрывает клиентов. Повторный вызов безопасен.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
}

// Broadcast сериализует сообщение и ставит в очередь рассылки
func (h *Hub) Broadcast(userID string, message interface{}) {
	buf := jsonBufferPool.Get().(*bytes.Buffer)
	buf.Reset()

	if err := json.NewEncoder(buf).Encode(message); err != nil {
		h.log.Error("failed to marshal broadcast message", zap.Error(err))
		jsonBufferPool.Put(buf)
		return
	}

	// Encode добавляет перевод строки
	data := bytes.TrimRight(buf.Bytes(), "\n")
	msgCopy := make([]byte, len(data))
	copy(msgCopy, data)
	jsonBufferPool.Put(buf)

	h.BroadcastRaw(userID, msgCopy)
}

// BroadcastRaw ставит в очередь уже сериализованное сообщение
func (h *Hub) BroadcastRaw(userID string, data []byte) {
	select {
	case h.broadcast <- outbound{userID: userID, data: data}:
	default:
		h.dropped.Add(1)
	}
}

// BroadcastSessionUpdate отправляет обновление сессии
func (h *Hub) BroadcastSessionUpdate(s *models.Session) {
	if s == nil {
		return
	}
	h.Broadcast(s.UserID, NewSessionUpdateMessage(s))
}

// BroadcastNotification отправляет алерт
func (h *Hub) BroadcastNotification(n *models.Notification) {
	if n == nil {
		return
	}
	h.Broadcast(n.UserID, NewNotificationMessage(n))
}

// ClientCount возвращает количество подключенных клиентов
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// DroppedMessages число сообщений, отброшенных из-за полной очереди
func (h *Hub) DroppedMessages() int64 {
	return h.dropped.Load()
}
