package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Alias1177/Trader/internal/database"
	"github.com/Alias1177/Trader/models"
)

// Engine is the trading surface the bot drives.
type Engine interface {
	LatestSignal(symbol string) (*models.Signal, error)
	ActivePositions() []models.Position
	ManualEntry(ctx context.Context, symbol string, side models.OrderSide) error
	ManualClose(ctx context.Context, symbol string) error
	RiskParameters() models.RiskParameters
	UpdateRiskParameters(params models.RiskParameters)
}

// History reads the persisted trade history.
type History interface {
	RecentTrades(limit int) ([]models.TradeRecord, error)
	SummarizeTrades(since time.Time) (*database.TradeSummary, error)
}

// Bot exposes the trader over Telegram commands. Only the configured chat
// may issue commands.
type Bot struct {
	api     *tgbotapi.BotAPI
	chatID  int64
	engine  Engine
	history History
	logger  zerolog.Logger
}

// New authorizes the bot against the Telegram API.
func New(token string, chatID int64, engine Engine, history History) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram authorization: %w", err)
	}

	logger := log.With().Str("component", "telegram").Logger()
	logger.Info().Str("username", api.Self.UserName).Msg("Authorized on Telegram")

	return &Bot{
		api:     api,
		chatID:  chatID,
		engine:  engine,
		history: history,
		logger:  logger,
	}, nil
}

// SetEngine binds the trading surface after construction. The bot is created
// first so it can serve as the trader's notifier.
func (b *Bot) SetEngine(engine Engine) {
	b.engine = engine
}

// Notify pushes a trade event to the configured chat. Satisfies the trader's
// notifier contract.
func (b *Bot) Notify(text string) {
	if b.chatID == 0 {
		return
	}
	if _, err := b.api.Send(tgbotapi.NewMessage(b.chatID, text)); err != nil {
		b.logger.Error().Err(err).Msg("notification not delivered")
	}
}

// Run consumes command updates until the context is cancelled.
func (b *Bot) Run(ctx context.Context) {
	updateConfig := tgbotapi.NewUpdate(0)
	updateConfig.Timeout = 60
	updates := b.api.GetUpdatesChan(updateConfig)

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			if update.Message == nil {
				continue
			}
			b.handleMessage(ctx, update.Message)
		}
	}
}

func (b *Bot) handleMessage(ctx context.Context, message *tgbotapi.Message) {
	if b.chatID != 0 && message.Chat.ID != b.chatID {
		b.logger.Warn().Int64("chat_id", message.Chat.ID).Msg("command from unauthorized chat ignored")
		return
	}

	if b.engine == nil {
		return
	}

	parts := strings.Fields(message.Text)
	if len(parts) == 0 {
		return
	}
	command, args := parts[0], parts[1:]

	var reply string
	switch command {
	case "/start", "/help":
		reply = helpText()
	case "/signal":
		reply = b.signalReply(args)
	case "/positions":
		reply = formatPositions(b.engine.ActivePositions())
	case "/history":
		reply = b.historyReply()
	case "/buy":
		reply = b.entryReply(ctx, args, models.SideBuy)
	case "/sell":
		reply = b.entryReply(ctx, args, models.SideSell)
	case "/close":
		reply = b.closeReply(ctx, args)
	case "/risk":
		reply = b.riskReply(args)
	default:
		reply = "Unknown command. Try /help."
	}

	msg := tgbotapi.NewMessage(message.Chat.ID, reply)
	if _, err := b.api.Send(msg); err != nil {
		b.logger.Error().Err(err).Msg("reply not delivered")
	}
}

func helpText() string {
	return strings.Join([]string{
		"Commands:",
		"/signal SYMBOL — latest signal for an instrument",
		"/positions — open positions",
		"/history — recent trades and totals",
		"/buy SYMBOL — open a long position",
		"/sell SYMBOL — open a short position",
		"/close SYMBOL — close a position at market",
		"/risk — show risk parameters",
		"/risk FIELD VALUE — update a risk parameter",
	}, "\n")
}

func (b *Bot) signalReply(args []string) string {
	if len(args) == 0 {
		return "Usage: /signal SYMBOL"
	}
	sig, err := b.engine.LatestSignal(args[0])
	if err != nil {
		b.logger.Error().Err(err).Msg("signal lookup failed")
		return "Signal lookup failed, try again later."
	}
	if sig == nil {
		return fmt.Sprintf("No signal recorded for %s yet.", strings.ToUpper(args[0]))
	}
	return formatSignal(sig)
}

func (b *Bot) historyReply() string {
	summary, err := b.history.SummarizeTrades(time.Now().AddDate(0, -1, 0))
	if err != nil {
		b.logger.Error().Err(err).Msg("history summary failed")
		return "History unavailable, try again later."
	}
	trades, err := b.history.RecentTrades(10)
	if err != nil {
		b.logger.Error().Err(err).Msg("recent trades lookup failed")
		return "History unavailable, try again later."
	}
	return formatHistory(summary, trades)
}

func (b *Bot) entryReply(ctx context.Context, args []string, side models.OrderSide) string {
	if len(args) == 0 {
		return fmt.Sprintf("Usage: /%s SYMBOL", strings.ToLower(string(side)))
	}
	if err := b.engine.ManualEntry(ctx, args[0], side); err != nil {
		b.logger.Error().Err(err).Str("symbol", args[0]).Msg("manual entry failed")
		return fmt.Sprintf("Entry failed: %v", err)
	}
	return fmt.Sprintf("%s %s submitted.", side, strings.ToUpper(args[0]))
}

func (b *Bot) closeReply(ctx context.Context, args []string) string {
	if len(args) == 0 {
		return "Usage: /close SYMBOL"
	}
	if err := b.engine.ManualClose(ctx, args[0]); err != nil {
		b.logger.Error().Err(err).Str("symbol", args[0]).Msg("manual close failed")
		return fmt.Sprintf("Close failed: %v", err)
	}
	return fmt.Sprintf("%s closed.", strings.ToUpper(args[0]))
}

func (b *Bot) riskReply(args []string) string {
	params := b.engine.RiskParameters()
	if len(args) == 0 {
		return formatRisk(params)
	}
	if len(args) != 2 {
		return "Usage: /risk FIELD VALUE"
	}

	updated, err := applyRiskField(params, args[0], args[1])
	if err != nil {
		return err.Error()
	}
	b.engine.UpdateRiskParameters(updated)
	return "Updated.\n" + formatRisk(updated)
}

// applyRiskField parses one FIELD VALUE pair into an updated parameter set.
func applyRiskField(params models.RiskParameters, field, value string) (models.RiskParameters, error) {
	parseFloat := func() (float64, error) {
		v, err := strconv.ParseFloat(value, 64)
		if err != nil || v <= 0 {
			return 0, fmt.Errorf("%s must be a positive number", field)
		}
		return v, nil
	}

	switch strings.ToLower(field) {
	case "trade_amount":
		v, err := parseFloat()
		if err != nil {
			return params, err
		}
		params.TradeAmount = v
	case "risk_pct":
		v, err := parseFloat()
		if err != nil {
			return params, err
		}
		params.RiskPerTradePct = v
	case "stop_loss_pct":
		v, err := parseFloat()
		if err != nil {
			return params, err
		}
		params.StopLossPct = v
	case "take_profit_pct":
		v, err := parseFloat()
		if err != nil {
			return params, err
		}
		params.TakeProfitPct = v
	case "trailing_pct":
		v, err := parseFloat()
		if err != nil {
			return params, err
		}
		params.TrailingPct = v
	case "max_positions":
		n, err := strconv.Atoi(value)
		if err != nil || n <= 0 {
			return params, fmt.Errorf("max_positions must be a positive integer")
		}
		params.MaxPositions = n
	case "trailing":
		enabled, err := strconv.ParseBool(value)
		if err != nil {
			return params, fmt.Errorf("trailing must be true or false")
		}
		params.TrailingEnabled = enabled
	default:
		return params, fmt.Errorf("unknown field %q", field)
	}

	return params, nil
}

func formatSignal(sig *models.Signal) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %s @ %.2f\n", sig.Symbol, sig.Direction, sig.Price)
	fmt.Fprintf(&sb, "Confidence: %.0f%%  Risk: %s\n", sig.Confidence*100, sig.Risk)
	fmt.Fprintf(&sb, "As of %s\n", sig.Timestamp.Format("15:04:05 MST"))
	for _, reason := range sig.Reasons {
		fmt.Fprintf(&sb, "• %s\n", reason)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func formatPositions(positions []models.Position) string {
	if len(positions) == 0 {
		return "No open positions."
	}
	var sb strings.Builder
	for _, pos := range positions {
		fmt.Fprintf(&sb, "%s %s %.6f @ %.2f\n", pos.Side, pos.Symbol, pos.Quantity, pos.EntryPrice)
		fmt.Fprintf(&sb, "  SL %.2f / TP %.2f (%s)\n", pos.StopLoss, pos.TakeProfit, pos.State)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func formatHistory(summary *database.TradeSummary, trades []models.TradeRecord) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Last 30 days: %d trades, %d wins / %d losses, PnL %.4f\n",
		summary.Trades, summary.Wins, summary.Losses, summary.TotalPnL)
	if len(trades) > 0 {
		sb.WriteString("Recent:\n")
	}
	for _, trade := range trades {
		fmt.Fprintf(&sb, "%s %s %s %.2f → %.2f: %.4f\n",
			trade.ClosedAt.Format("01-02"), trade.Side, trade.Symbol,
			trade.EntryPrice, trade.ExitPrice, trade.RealizedPnL)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func formatRisk(params models.RiskParameters) string {
	return strings.Join([]string{
		fmt.Sprintf("trade_amount: %.2f", params.TradeAmount),
		fmt.Sprintf("risk_pct: %.2f", params.RiskPerTradePct),
		fmt.Sprintf("max_positions: %d", params.MaxPositions),
		fmt.Sprintf("stop_loss_pct: %.2f", params.StopLossPct),
		fmt.Sprintf("take_profit_pct: %.2f", params.TakeProfitPct),
		fmt.Sprintf("trailing: %t (%.2f%%)", params.TrailingEnabled, params.TrailingPct),
	}, "\n")
}
