package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	logx "taskherd/pkg/logx"
)

// TelegramConfig configures the Telegram event sink.
type TelegramConfig struct {
	Token  string
	ChatID int64
	// Events is the allow-list of event names forwarded to Telegram;
	// empty forwards everything.
	Events []string
}

const telegramQueueSize = 64

// TelegramNotifier forwards engine and trigger events to a Telegram chat.
//
// Delivery is best-effort: events are queued in memory and sent by a single
// goroutine behind a rate limiter. When the queue is full the event is
// dropped, never the caller blocked. Telegram allows roughly one message per
// second per chat, so the limiter is set just under that.
type TelegramNotifier struct {
	bot    *tele.Bot
	chat   *tele.Chat
	events map[string]struct{}
	lim    *rate.Limiter
	log    logx.Logger

	queue  chan string
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewTelegramNotifier(cfg TelegramConfig, log logx.Logger) (*TelegramNotifier, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, fmt.Errorf("telegram token is required")
	}
	if cfg.ChatID == 0 {
		return nil, fmt.Errorf("telegram chat id is required")
	}

	bot, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: 10 * time.Second},
	})
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	var allow map[string]struct{}
	if len(cfg.Events) > 0 {
		allow = make(map[string]struct{}, len(cfg.Events))
		for _, e := range cfg.Events {
			allow[e] = struct{}{}
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &TelegramNotifier{
		bot:    bot,
		chat:   &tele.Chat{ID: cfg.ChatID},
		events: allow,
		lim:    rate.NewLimiter(rate.Every(1200*time.Millisecond), 1),
		log:    log,
		queue:  make(chan string, telegramQueueSize),
		cancel: cancel,
	}
	n.wg.Add(1)
	go n.loop(ctx)
	return n, nil
}

func (n *TelegramNotifier) Emit(event string, payload any) {
	if n == nil {
		return
	}
	if n.events != nil {
		if _, ok := n.events[event]; !ok {
			return
		}
	}
	msg := formatEvent(event, payload)
	select {
	case n.queue <- msg:
	default:
		n.log.Warn("telegram queue full, dropping event", logx.String("event", event))
	}
}

func (n *TelegramNotifier) Close() {
	if n == nil {
		return
	}
	n.cancel()
	n.wg.Wait()
}

func (n *TelegramNotifier) loop(ctx context.Context) {
	defer n.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-n.queue:
			if err := n.lim.Wait(ctx); err != nil {
				return
			}
			if _, err := n.bot.Send(n.chat, msg, tele.ModeHTML); err != nil {
				n.log.Warn("telegram send failed", logx.Err(err))
			}
		}
	}
}

func formatEvent(event string, payload any) string {
	body := compactJSON(payload)
	if body == "" || body == "null" {
		return fmt.Sprintf("<b>%s</b>", event)
	}
	return fmt.Sprintf("<b>%s</b>\n<code>%s</code>", event, body)
}
