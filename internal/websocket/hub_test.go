package websocket

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"

	"autotrader/internal/models"
)

// ============================================================
// Unit Tests
// ============================================================

func TestNewHub(t *testing.T) {
	hub := NewHub(nil)

	if hub == nil {
		t.Fatal("NewHub returned nil")
	}
	if hub.ClientCount() != 0 {
		t.Errorf("expected 0 clients, got %d", hub.ClientCount())
	}
	if hub.DroppedMessages() != 0 {
		t.Errorf("expected 0 dropped messages, got %d", hub.DroppedMessages())
	}
}

func TestOriginChecker_Check(t *testing.T) {
	checker := NewOriginChecker([]string{"http://localhost:3000", " https://example.com "})

	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},                       // не браузер
		{"http://localhost:3000", true},  // разрешён
		{"https://example.com", true},    // разрешён, пробелы обрезаны
		{"http://evil.com", false},       // не в списке
		{"http://localhost:8080", false}, // не в списке
	}

	for _, tt := range tests {
		if got := checker.Check(tt.origin); got != tt.want {
			t.Errorf("Check(%q) = %v, want %v", tt.origin, got, tt.want)
		}
	}
}

func TestOriginChecker_AllowAll(t *testing.T) {
	for _, origins := range [][]string{nil, {"*"}, {"http://a", "*"}} {
		checker := NewOriginChecker(origins)
		if !checker.Check("https://anything.example.org") {
			t.Errorf("origins=%v: ожидалось разрешение всех", origins)
		}
	}
}

func TestClient_Wants(t *testing.T) {
	all := &Client{}
	mine := &Client{userID: "u1"}

	if !all.wants("u2") || !all.wants("") {
		t.Error("клиент без фильтра получает всё")
	}
	if !mine.wants("u1") || !mine.wants("") {
		t.Error("клиент получает свои и общие сообщения")
	}
	if mine.wants("u2") {
		t.Error("чужие сообщения не доставляются")
	}
}

func TestHub_BroadcastNonBlocking(t *testing.T) {
	hub := NewHub(nil)

	// Run не запущен: очередь заполняется, остальное отбрасывается
	done := make(chan struct{})
	go func() {
		for i := 0; i < broadcastBufferSize+100; i++ {
			hub.BroadcastSessionUpdate(&models.Session{ID: "s1", UserID: "u1", State: models.SessionRunning})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Broadcast заблокировался")
	}
	if got := hub.DroppedMessages(); got != 100 {
		t.Errorf("DroppedMessages = %d, want 100", got)
	}
}

func TestHub_Stop(t *testing.T) {
	hub := NewHub(nil)

	done := make(chan struct{})
	go func() {
		hub.Run()
		close(done)
	}()

	hub.Stop()
	hub.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Error("Hub.Run() did not exit after Stop()")
	}
}

func TestNewSessionUpdateMessage(t *testing.T) {
	msg := NewSessionUpdateMessage(&models.Session{
		ID: "s1", UserID: "u1", Exchange: "poloniex", State: models.SessionFailed,
		FailureReason: "INVALID_CREDENTIALS",
		Performance:   &models.PerformanceSnapshot{Equity: 1000, TradeCount: 3},
	})
	if msg.Type != MessageTypeSessionUpdate {
		t.Errorf("type = %s", msg.Type)
	}
	if msg.Data.State != models.SessionFailed || msg.Data.FailureReason != "INVALID_CREDENTIALS" {
		t.Errorf("data = %+v", msg.Data)
	}
	if msg.Data.Equity != 1000 || msg.Data.TradeCount != 3 {
		t.Errorf("показатели не перенесены: %+v", msg.Data)
	}
}

// ============================================================
// Integration: реальное WebSocket соединение
// ============================================================

func dial(t *testing.T, srv *httptest.Server, query string) *gws.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/stream" + query
	conn, _, err := gws.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

// readMessages читает фреймы до таймаута, фрейм может содержать несколько сообщений
func readMessages(conn *gws.Conn, wait time.Duration) []string {
	var out []string
	_ = conn.SetReadDeadline(time.Now().Add(wait))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return out
		}
		for _, part := range bytes.Split(data, []byte{'\n'}) {
			out = append(out, string(part))
		}
	}
}

func TestHub_DeliversByUser(t *testing.T) {
	hub := NewHub(nil)
	go hub.Run()
	defer hub.Stop()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWS(hub, w, r)
	}))
	defer srv.Close()

	mine := dial(t, srv, "?user_id=u1")
	defer mine.Close()
	all := dial(t, srv, "")
	defer all.Close()

	deadline := time.Now().Add(time.Second)
	for hub.ClientCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if hub.ClientCount() != 2 {
		t.Fatalf("clients = %d", hub.ClientCount())
	}

	hub.BroadcastSessionUpdate(&models.Session{ID: "s1", UserID: "u1", State: models.SessionRunning})
	hub.BroadcastSessionUpdate(&models.Session{ID: "s2", UserID: "u2", State: models.SessionPaused})
	hub.BroadcastNotification(&models.Notification{Kind: models.AlertRiskRejected, UserID: "u1", SessionID: "s1"})

	gotMine := readMessages(mine, 300*time.Millisecond)
	gotAll := readMessages(all, 300*time.Millisecond)

	if len(gotMine) != 2 {
		t.Fatalf("u1 получил %d сообщений: %v", len(gotMine), gotMine)
	}
	for _, m := range gotMine {
		if strings.Contains(m, `"s2"`) {
			t.Errorf("u1 получил чужую сессию: %s", m)
		}
	}
	if len(gotAll) != 3 {
		t.Errorf("клиент без фильтра получил %d сообщений", len(gotAll))
	}
	if !strings.Contains(strings.Join(gotMine, ""), `"type":"notification"`) {
		t.Error("алерт не доставлен")
	}
}

func TestServeWS_RejectsForeignOrigin(t *testing.T) {
	hub := NewHub(nil)
	hub.SetAllowedOrigins([]string{"https://app.example.com"})
	go hub.Run()
	defer hub.Stop()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWS(hub, w, r)
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	header := http.Header{"Origin": []string{"https://evil.example.com"}}
	if _, _, err := gws.DefaultDialer.Dial(url, header); err == nil {
		t.Error("соединение с чужого Origin должно отклоняться")
	}
}

// ============================================================
// Benchmarks
// ============================================================

func BenchmarkHub_BroadcastSessionUpdate(b *testing.B) {
	hub := NewHub(nil)
	go hub.Run()
	defer hub.Stop()

	s := &models.Session{
		ID: "s1", UserID: "u1", Exchange: "poloniex", State: models.SessionRunning,
		Performance: &models.PerformanceSnapshot{Equity: 10000, Sharpe: 1.2, TradeCount: 10},
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		hub.BroadcastSessionUpdate(s)
	}
}

func BenchmarkOriginChecker_Check(b *testing.B) {
	checker := NewOriginChecker([]string{"http://localhost:3000"})
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		checker.Check("http://localhost:3000")
	}
}
