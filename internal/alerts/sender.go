package alerts

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "fleetd/pkg/logx"

	tele "gopkg.in/telebot.v4"
)

// Config configures the Telegram transport used for operator alerts.
type Config struct {
	Enabled  bool
	Token    string
	ChatID   int64
	ThreadID int

	// NotifyFailures forwards every failed job return to the chat.
	NotifyFailures bool
}

// Sender pushes messages to the operator chat. It satisfies
// logx.AlertSender so warning/error log lines can ride the same
// transport.
type Sender struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot
}

func New(cfg Config, log logx.Logger) (*Sender, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("alerts token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("alerts chat_id is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	// The bot is send-only; the poller is never started.
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: 10 * time.Second},
	})
	if err != nil {
		return nil, err
	}
	return &Sender{cfg: cfg, log: log, bot: b}, nil
}

func (s *Sender) SendAlert(ctx context.Context, msg string) error {
	if ctx != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	chat := &tele.Chat{ID: s.cfg.ChatID}
	_, err := s.bot.Send(chat, msg, &tele.SendOptions{
		ThreadID:              s.cfg.ThreadID,
		DisableWebPagePreview: true,
	})
	return err
}
