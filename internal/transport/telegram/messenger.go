package telegram

import (
	"context"
	"errors"
	"hash/fnv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "subwatch/internal/runtime/supervisor"
	"subwatch/internal/transport"
	logx "subwatch/pkg/logx"
	"subwatch/pkg/tgui"
)

// Messenger long-polls the bot for registration commands. It also serves as
// the ops sink for error logs when an ops chat is configured.
type Messenger struct {
	cfg Config
	log logx.Logger

	bot     *tele.Bot
	out     atomic.Value // chan<- transport.Message
	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	droppedUpdates uint64

	menuMu   sync.Mutex
	menuHash uint64
}

func NewMessenger(cfg Config, log logx.Logger) (*Messenger, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	cfg = cfg.withDefaults()
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: cfg.PollTimeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Messenger{cfg: cfg, log: log, bot: b}
	var nilOut chan<- transport.Message
	m.out.Store(nilOut)
	m.bot.Handle(tele.OnText, m.onText)
	return m, nil
}

func (m *Messenger) onText(c tele.Context) error {
	msg := c.Message()
	if msg == nil || msg.Chat == nil {
		return nil
	}
	in := transport.Message{
		ID:      msg.ID,
		ChatID:  msg.Chat.ID,
		Text:    msg.Text,
		IsGroup: msg.Chat.Type != tele.ChatPrivate,
	}
	if msg.Sender != nil {
		in.FromID = msg.Sender.ID
		in.FromUsername = msg.Sender.Username
	}
	out, _ := m.out.Load().(chan<- transport.Message)
	if out == nil {
		return nil
	}
	select {
	case out <- in:
	default:
		atomic.AddUint64(&m.droppedUpdates, 1)
	}
	return nil
}

func (m *Messenger) Start(ctx context.Context, out chan<- transport.Message) error {
	m.runMu.Lock()
	if m.running {
		m.runMu.Unlock()
		return nil
	}
	m.running = true
	m.out.Store(out)
	m.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(m.log.With(logx.String("comp", "telegram.messenger"))),
		rtsup.WithCancelOnError(false),
	)
	sup := m.sup
	m.runMu.Unlock()

	sup.Go0("updates.drop_report", func(c context.Context) {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-c.Done():
				m.reportDropped(cap(out))
				return
			case <-ticker.C:
				m.reportDropped(cap(out))
			}
		}
	})
	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		m.bot.Stop()
	})
	sup.GoRestart0("telebot.poll", func(c context.Context) {
		m.log.Info("polling started")
		m.bot.Start()
		m.log.Info("polling stopped")
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithPublishFirstError(true),
		rtsup.WithStopOnCleanExit(false),
	)
	return nil
}

func (m *Messenger) reportDropped(capacity int) {
	if n := atomic.SwapUint64(&m.droppedUpdates, 0); n > 0 {
		m.log.Warn("incoming updates dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", capacity))
	}
}

// Stop never blocks shutdown for longer than a short grace window; the
// long poll may still be waiting on Telegram.
func (m *Messenger) Stop(ctx context.Context) error {
	m.runMu.Lock()
	sup := m.sup
	m.sup = nil
	wasRunning := m.running
	m.running = false
	var nilOut chan<- transport.Message
	m.out.Store(nilOut)
	m.runMu.Unlock()

	if !wasRunning || sup == nil {
		return nil
	}
	sup.Cancel()
	go m.bot.Stop()

	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()

	if err := sup.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			m.log.Warn("telegram stop timed out", logx.Err(err))
			return nil
		}
		m.log.Debug("telegram stopped with supervisor error", logx.Err(err))
	}
	return nil
}

func (m *Messenger) Reply(ctx context.Context, chatID int64, text string) error {
	chat := &tele.Chat{ID: chatID}
	opts := &tele.SendOptions{ParseMode: tele.ModeHTML, DisableWebPagePreview: true}
	for _, chunk := range splitText(text, textLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := m.bot.Send(chat, chunk, opts); err != nil {
			return err
		}
	}
	return nil
}

// SendOps delivers a log line to the ops chat. It is a no-op without one.
func (m *Messenger) SendOps(ctx context.Context, text string) error {
	if m.cfg.OpsChatID == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := m.bot.Send(&tele.Chat{ID: m.cfg.OpsChatID}, text, &tele.SendOptions{DisableWebPagePreview: true})
	return err
}

// UpdateMenuCommands calls setMyCommands only when the list changed.
func (m *Messenger) UpdateMenuCommands(ctx context.Context, cmds []transport.BotCommand) error {
	m.menuMu.Lock()
	defer m.menuMu.Unlock()

	sum := menuHash(cmds)
	if sum == m.menuHash {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	list := menuCommands(cmds)
	if err := m.bot.SetCommands(list); err != nil {
		return err
	}
	m.menuHash = sum
	m.log.Info("menu commands updated", logx.Int("count", len(list)))
	return nil
}

func menuHash(cmds []transport.BotCommand) uint64 {
	h := fnv.New64a()
	for _, c := range cmds {
		h.Write([]byte(c.Command))
		h.Write([]byte{0})
		h.Write([]byte(c.Description))
		h.Write([]byte{0})
	}
	return h.Sum64()
}

func menuCommands(cmds []transport.BotCommand) []tele.Command {
	out := make([]tele.Command, 0, len(cmds))
	for _, c := range cmds {
		if c.Command == "" {
			continue
		}
		d := c.Description
		if d == "" {
			d = c.Command
		}
		d = tgui.TruncRunes(d, 256)
		out = append(out, tele.Command{Text: strings.TrimPrefix(c.Command, "/"), Description: d})
		if len(out) >= 100 {
			break
		}
	}
	return out
}
