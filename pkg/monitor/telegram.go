package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// TelegramConfig tunes the Telegram alerter.
type TelegramConfig struct {
	BotToken string
	// AdminIDs are the chat IDs alerts are delivered to.
	AdminIDs []int64
	// MaxPerType and RateWindow bound deliveries per alert type.
	MaxPerType int
	RateWindow time.Duration
	// GroupWindow coalesces same-type alerts into one message.
	GroupWindow time.Duration
	// GroupHead is how many items the coalesced message spells out.
	GroupHead int
	// APIBase overrides the Bot API endpoint, for tests.
	APIBase string
}

// DefaultTelegramConfig returns production defaults.
func DefaultTelegramConfig() TelegramConfig {
	return TelegramConfig{
		MaxPerType:  5,
		RateWindow:  10 * time.Minute,
		GroupWindow: 30 * time.Second,
		GroupHead:   3,
		APIBase:     "https://api.telegram.org",
	}
}

// TelegramAlerter delivers alerts to admin chats over the Bot API, with
// per-type rate limiting and group-window coalescing.
type TelegramAlerter struct {
	cfg    TelegramConfig
	client *http.Client
	logger *slog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	pending  map[string][]Alert
	timers   map[string]*time.Timer
}

func NewTelegramAlerter(cfg TelegramConfig, logger *slog.Logger) *TelegramAlerter {
	def := DefaultTelegramConfig()
	if cfg.MaxPerType <= 0 {
		cfg.MaxPerType = def.MaxPerType
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = def.RateWindow
	}
	if cfg.GroupWindow <= 0 {
		cfg.GroupWindow = def.GroupWindow
	}
	if cfg.GroupHead <= 0 {
		cfg.GroupHead = def.GroupHead
	}
	if cfg.APIBase == "" {
		cfg.APIBase = def.APIBase
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TelegramAlerter{
		cfg:      cfg,
		client:   &http.Client{Timeout: 10 * time.Second},
		logger:   logger.With("component", "telegram_alerter"),
		limiters: make(map[string]*rate.Limiter),
		pending:  make(map[string][]Alert),
		timers:   make(map[string]*time.Timer),
	}
}

// Notify buffers the alert into its type's group window. The first alert of
// a type arms the flush timer; everything arriving within the window rides
// the same message.
func (t *TelegramAlerter) Notify(_ context.Context, a Alert) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.limiterLocked(a.Type).Allow() {
		t.logger.Debug("Alert rate-limited", "alert_type", a.Type)
		return
	}

	t.pending[a.Type] = append(t.pending[a.Type], a)
	if _, armed := t.timers[a.Type]; !armed {
		alertType := a.Type
		t.timers[alertType] = time.AfterFunc(t.cfg.GroupWindow, func() {
			t.flush(alertType)
		})
	}
}

// Flush delivers every buffered group immediately. Called on shutdown.
func (t *TelegramAlerter) Flush() {
	t.mu.Lock()
	types := make([]string, 0, len(t.pending))
	for alertType := range t.pending {
		types = append(types, alertType)
	}
	t.mu.Unlock()
	for _, alertType := range types {
		t.flush(alertType)
	}
}

func (t *TelegramAlerter) limiterLocked(alertType string) *rate.Limiter {
	lim, ok := t.limiters[alertType]
	if !ok {
		lim = rate.NewLimiter(rate.Every(t.cfg.RateWindow/time.Duration(t.cfg.MaxPerType)), t.cfg.MaxPerType)
		t.limiters[alertType] = lim
	}
	return lim
}

func (t *TelegramAlerter) flush(alertType string) {
	t.mu.Lock()
	group := t.pending[alertType]
	delete(t.pending, alertType)
	if timer, ok := t.timers[alertType]; ok {
		timer.Stop()
		delete(t.timers, alertType)
	}
	t.mu.Unlock()

	if len(group) == 0 {
		return
	}
	text := t.formatGroup(alertType, group)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	for _, chatID := range t.cfg.AdminIDs {
		if err := t.send(ctx, chatID, text); err != nil {
			t.logger.Error("Telegram delivery failed", "chat_id", chatID, "error", err)
		}
	}
}

func (t *TelegramAlerter) formatGroup(alertType string, group []Alert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", severityMark(group[0].Severity), alertType)
	if len(group) > 1 {
		fmt.Fprintf(&b, " (%d за %s)", len(group), t.cfg.GroupWindow)
	}
	b.WriteString("\n")

	head := group
	if len(head) > t.cfg.GroupHead {
		head = head[:t.cfg.GroupHead]
	}
	for _, a := range head {
		fmt.Fprintf(&b, "• %s\n", a.Message)
	}
	if rest := len(group) - len(head); rest > 0 {
		fmt.Fprintf(&b, "… и ещё %d", rest)
	}
	return strings.TrimSpace(b.String())
}

func severityMark(s Severity) string {
	switch s {
	case SeverityCritical:
		return "🚨"
	case SeverityError:
		return "❗"
	default:
		return "⚠️"
	}
}

func (t *TelegramAlerter) send(ctx context.Context, chatID int64, text string) error {
	body, err := json.Marshal(map[string]any{
		"chat_id": chatID,
		"text":    text,
	})
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.cfg.APIBase, t.cfg.BotToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram responded %d", resp.StatusCode)
	}
	return nil
}
