package notify

import (
	"fmt"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// StatsProvider supplies the figures behind the bot commands.
type StatsProvider interface {
	GetStats() (trades, wins, losses int, pnl decimal.Decimal)
	GetBalance() (total, available, reserved decimal.Decimal)
	GetOpenPositions() []PositionInfo
}

// PositionInfo is one open position formatted for display. Margin is nil
// when no current price is known for the pair.
type PositionInfo struct {
	Pair     string
	AvgPrice decimal.Decimal
	Quantity decimal.Decimal
	Cost     decimal.Decimal
	Margin   *decimal.Decimal
	DCALevel int
	OpenedAt time.Time
}

// TelegramChannel delivers notifications to one chat and serves the
// control commands (/status, /pause, /resume, /positions, /stats).
type TelegramChannel struct {
	mu      sync.RWMutex
	api     *tgbotapi.BotAPI
	chatID  int64
	running bool
	stopCh  chan struct{}

	stats StatsProvider

	onPause  func()
	onResume func()
}

// NewTelegramChannel creates a channel for the given bot token and chat.
func NewTelegramChannel(token string, chatID int64, stats StatsProvider) (*TelegramChannel, error) {
	if token == "" {
		return nil, fmt.Errorf("telegram token not set")
	}
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	ch := &TelegramChannel{
		api:    api,
		chatID: chatID,
		stopCh: make(chan struct{}),
		stats:  stats,
	}
	log.Info().Str("username", api.Self.UserName).Msg("Telegram channel initialized")
	return ch, nil
}

// SetControlCallbacks sets the pause/resume handlers.
func (t *TelegramChannel) SetControlCallbacks(onPause, onResume func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onPause = onPause
	t.onResume = onResume
}

// Name implements Channel.
func (t *TelegramChannel) Name() string { return "telegram" }

// Send implements Channel.
func (t *TelegramChannel) Send(level, text string) error {
	emoji := "ℹ️"
	switch level {
	case "warn":
		emoji = "⚠️"
	case "error":
		emoji = "🛑"
	case "debug":
		emoji = "🔍"
	}
	msg := tgbotapi.NewMessage(t.chatID, emoji+" "+text)
	_, err := t.api.Send(msg)
	return err
}

// Start begins listening for commands.
func (t *TelegramChannel) Start() {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return
	}
	t.running = true
	t.mu.Unlock()

	go t.commandLoop()
	log.Info().Msg("Telegram command loop started")
}

// Stop ends the command loop.
func (t *TelegramChannel) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return
	}
	t.running = false
	close(t.stopCh)
	log.Info().Msg("Telegram channel stopped")
}

func (t *TelegramChannel) commandLoop() {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := t.api.GetUpdatesChan(u)

	for {
		select {
		case <-t.stopCh:
			return
		case update := <-updates:
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}
			if update.Message.Chat.ID != t.chatID {
				continue
			}
			t.handleCommand(update.Message)
		}
	}
}

func (t *TelegramChannel) handleCommand(msg *tgbotapi.Message) {
	switch strings.ToLower(msg.Command()) {
	case "start", "help":
		t.send(`🤖 *COMMANDS*
/status — engine status
/balance — portfolio balance
/stats — trading statistics
/positions — open positions
/pause — pause trading
/resume — resume trading
/ping — test connection`)
	case "status":
		t.cmdStatus()
	case "balance":
		t.cmdBalance()
	case "stats":
		t.cmdStats()
	case "positions":
		t.cmdPositions()
	case "pause":
		t.cmdPause()
	case "resume":
		t.cmdResume()
	case "ping":
		t.send("🏓 Pong!")
	default:
		t.send("❓ Unknown command. Use /help")
	}
}

func (t *TelegramChannel) cmdStatus() {
	if t.stats == nil {
		t.send("🟢 Running")
		return
	}
	total, _, _ := t.stats.GetBalance()
	open := len(t.stats.GetOpenPositions())
	t.send(fmt.Sprintf("🟢 Running\n💰 Total: *%s*\n💼 Open positions: *%d*", total.StringFixed(2), open))
}

func (t *TelegramChannel) cmdBalance() {
	if t.stats == nil {
		t.send("❌ Balance not available")
		return
	}
	total, available, reserved := t.stats.GetBalance()
	t.send(fmt.Sprintf(`💰 *BALANCE*
Total: *%s*
Available: *%s*
Reserved: *%s*`,
		total.StringFixed(2), available.StringFixed(2), reserved.StringFixed(2)))
}

func (t *TelegramChannel) cmdStats() {
	if t.stats == nil {
		t.send("❌ Stats not available")
		return
	}
	trades, wins, losses, pnl := t.stats.GetStats()
	winRate := float64(0)
	if trades > 0 {
		winRate = float64(wins) / float64(trades) * 100
	}
	sign := "+"
	if pnl.IsNegative() {
		sign = ""
	}
	t.send(fmt.Sprintf(`📈 *STATS*
Trades: *%d* | ✅ %d | ❌ %d
Win rate: *%.1f%%*
P&L: *%s%s*`, trades, wins, losses, winRate, sign, pnl.StringFixed(2)))
}

func (t *TelegramChannel) cmdPositions() {
	if t.stats == nil {
		t.send("❌ Positions not available")
		return
	}
	positions := t.stats.GetOpenPositions()
	if len(positions) == 0 {
		t.send("📭 No open positions")
		return
	}

	var b strings.Builder
	b.WriteString("💼 *OPEN POSITIONS*\n\n")
	for i, pos := range positions {
		emoji := "📈"
		margin := "—"
		if pos.Margin != nil {
			if pos.Margin.IsNegative() {
				emoji = "📉"
			}
			margin = pos.Margin.StringFixed(2) + "%"
		}
		fmt.Fprintf(&b, "%s *%s* avg %s qty %s\n   margin %s | DCA %d | %v\n",
			emoji, pos.Pair,
			pos.AvgPrice.StringFixed(4), pos.Quantity.String(),
			margin, pos.DCALevel,
			time.Since(pos.OpenedAt).Round(time.Second))
		if i >= 9 {
			fmt.Fprintf(&b, "_... and %d more_\n", len(positions)-10)
			break
		}
	}
	t.send(b.String())
}

func (t *TelegramChannel) cmdPause() {
	t.mu.RLock()
	cb := t.onPause
	t.mu.RUnlock()
	if cb != nil {
		cb()
	}
	t.send("⏸️ Trading paused")
	log.Info().Msg("Trading paused via Telegram")
}

func (t *TelegramChannel) cmdResume() {
	t.mu.RLock()
	cb := t.onResume
	t.mu.RUnlock()
	if cb != nil {
		cb()
	}
	t.send("▶️ Trading resumed")
	log.Info().Msg("Trading resumed via Telegram")
}

func (t *TelegramChannel) send(text string) {
	msg := tgbotapi.NewMessage(t.chatID, text)
	msg.ParseMode = "Markdown"
	if _, err := t.api.Send(msg); err != nil {
		log.Error().Err(err).Msg("Failed to send Telegram message")
	}
}
