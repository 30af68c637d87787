// Package registration runs the chat commands through which users subscribe
// to a subject and optionally narrow it to their courses.
package registration

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"subwatch/internal/recipients"
	rtsup "subwatch/internal/runtime/supervisor"
	"subwatch/internal/schedule"
	"subwatch/internal/transport"
	logx "subwatch/pkg/logx"
	"subwatch/pkg/tgui"
)

// Store is the subset of the recipient registry used by the commands.
type Store interface {
	Get(ctx context.Context, token string) (recipients.Recipient, bool, error)
	Upsert(ctx context.Context, rec recipients.Recipient) (recipients.Recipient, error)
	Destroy(ctx context.Context, rec recipients.Recipient) error
}

// Replier sends a message back to a chat.
type Replier interface {
	Reply(ctx context.Context, chatID int64, text string) error
}

type Command struct {
	Name        string
	Description string
	Usage       string
	Handle      HandlerFunc
}

type Request struct {
	Msg     transport.Message
	Command string
	Args    []string
	Token   string
	Logger  logx.Logger
}

type Config struct {
	Workers int
	Timeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
	return c
}

type Bot struct {
	cfg   Config
	store Store
	out   Replier
	log   logx.Logger

	cmds  map[string]Command
	order []Command
}

func New(cfg Config, store Store, out Replier, log logx.Logger) *Bot {
	if log.IsZero() {
		log = logx.Nop()
	}
	b := &Bot{cfg: cfg.withDefaults(), store: store, out: out, log: log, cmds: map[string]Command{}}
	b.register(
		Command{Name: "start", Description: "Hilfe anzeigen", Handle: b.help},
		Command{Name: "help", Description: "Hilfe anzeigen", Handle: b.help},
		Command{Name: "subscribe", Description: "Klasse abonnieren", Usage: "/subscribe <Klasse> [Kurs, Kurs...]", Handle: b.subscribe},
		Command{Name: "courses", Description: "Kurse festlegen", Usage: "/courses [Kurs, Kurs...]", Handle: b.courses},
		Command{Name: "unsubscribe", Description: "Abo beenden", Handle: b.unsubscribe},
		Command{Name: "status", Description: "Abo anzeigen", Handle: b.status},
	)
	return b
}

func (b *Bot) register(cmds ...Command) {
	for _, c := range cmds {
		b.cmds[c.Name] = c
		b.order = append(b.order, c)
	}
}

// Commands returns the menu entries in registration order.
func (b *Bot) Commands() []transport.BotCommand {
	out := make([]transport.BotCommand, 0, len(b.order))
	for _, c := range b.order {
		if c.Name == "start" {
			continue
		}
		out = append(out, transport.BotCommand{Command: c.Name, Description: c.Description})
	}
	return out
}

// Run consumes messages with a small worker pool until ctx ends or in is closed.
func (b *Bot) Run(ctx context.Context, in <-chan transport.Message) error {
	sup := rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(b.log.With(logx.String("comp", "registration"))),
		rtsup.WithCancelOnError(false),
	)
	if up, ok := b.out.(transport.CommandMenuUpdater); ok {
		sup.Go0("menu.update", func(c context.Context) {
			mctx, cancel := context.WithTimeout(c, 5*time.Second)
			defer cancel()
			if err := up.UpdateMenuCommands(mctx, b.Commands()); err != nil {
				b.log.Warn("menu update failed", logx.Err(err))
			}
		})
	}
	for i := 0; i < b.cfg.Workers; i++ {
		sup.Go0("worker."+strconv.Itoa(i), func(c context.Context) {
			for {
				select {
				case <-c.Done():
					return
				case msg, ok := <-in:
					if !ok {
						return
					}
					_ = b.Handle(c, msg)
				}
			}
		})
	}
	b.log.Info("registration started", logx.Int("workers", b.cfg.Workers))
	<-ctx.Done()
	wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_ = sup.Wait(wctx)
	b.log.Info("registration stopped")
	return nil
}

// Handle routes one message. Text that is not a command is ignored.
func (b *Bot) Handle(ctx context.Context, msg transport.Message) error {
	name, args, ok := parseCommand(msg.Text)
	if !ok {
		return nil
	}
	cmd, found := b.cmds[name]
	if !found {
		return b.reply(ctx, msg, "Unbekannter Befehl. Siehe /help")
	}
	req := &Request{
		Msg:     msg,
		Command: name,
		Args:    args,
		Token:   strconv.FormatInt(msg.ChatID, 10),
		Logger:  b.log.With(logx.Int64("chat_id", msg.ChatID), logx.String("cmd", name)),
	}
	final := Chain(cmd.Handle,
		MWPanicRecover(b.log),
		MWRequestLog(b.log),
		MWTimeout(b.cfg.Timeout),
	)
	err := final(ctx, req)
	if err != nil {
		_ = b.reply(ctx, msg, "Das hat nicht geklappt, bitte später erneut versuchen.")
	}
	return err
}

func (b *Bot) reply(ctx context.Context, msg transport.Message, text string) error {
	if err := b.out.Reply(ctx, msg.ChatID, text); err != nil {
		b.log.Warn("reply failed", logx.Int64("chat_id", msg.ChatID), logx.Err(err))
		return err
	}
	return nil
}

func (b *Bot) help(ctx context.Context, req *Request) error {
	var msg tgui.Builder
	msg.Title("Vertretungsplan-Benachrichtigungen").Blank()
	for _, c := range b.order {
		if c.Name == "start" {
			continue
		}
		usage := c.Usage
		if usage == "" {
			usage = "/" + c.Name
		}
		msg.Line(usage + " - " + c.Description)
	}
	return b.reply(ctx, req.Msg, msg.String())
}

func (b *Bot) subscribe(ctx context.Context, req *Request) error {
	if len(req.Args) == 0 {
		return b.reply(ctx, req.Msg, "Bitte Klasse angeben, z.B. /subscribe 5A")
	}
	subject := schedule.NormalizeSubject(req.Args[0])
	rec := recipients.Recipient{
		Token:   req.Token,
		Subject: subject,
		Courses: parseCourses(req.Args[1:]),
	}
	if _, err := b.store.Upsert(ctx, rec); err != nil {
		return err
	}
	req.Logger.Info("subscribed", logx.String("subject", subject), logx.Int("courses", len(rec.Courses)))
	return b.reply(ctx, req.Msg, describe(rec))
}

func (b *Bot) courses(ctx context.Context, req *Request) error {
	rec, ok, err := b.store.Get(ctx, req.Token)
	if err != nil {
		return err
	}
	if !ok {
		return b.reply(ctx, req.Msg, "Noch kein Abo. Zuerst /subscribe &lt;Klasse&gt;")
	}
	rec.Courses = parseCourses(req.Args)
	if _, err := b.store.Upsert(ctx, rec); err != nil {
		return err
	}
	return b.reply(ctx, req.Msg, describe(rec))
}

func (b *Bot) unsubscribe(ctx context.Context, req *Request) error {
	rec, ok, err := b.store.Get(ctx, req.Token)
	if err != nil {
		return err
	}
	if !ok {
		return b.reply(ctx, req.Msg, "Kein Abo vorhanden.")
	}
	if err := b.store.Destroy(ctx, rec); err != nil {
		return err
	}
	req.Logger.Info("unsubscribed", logx.String("subject", rec.Subject))
	return b.reply(ctx, req.Msg, "Abo beendet.")
}

func (b *Bot) status(ctx context.Context, req *Request) error {
	rec, ok, err := b.store.Get(ctx, req.Token)
	if err != nil {
		return err
	}
	if !ok {
		return b.reply(ctx, req.Msg, "Kein Abo vorhanden.")
	}
	return b.reply(ctx, req.Msg, describe(rec))
}

func describe(rec recipients.Recipient) string {
	var msg tgui.Builder
	msg.KV("Abo", rec.Subject)
	if rec.Filtered() {
		msg.Line("Kurse: " + strings.Join(rec.Courses, ", "))
	} else {
		msg.Line("Alle Änderungen der Klasse.")
	}
	return msg.String()
}

// parseCommand splits "/name@bot a b" into name and args.
func parseCommand(text string) (string, []string, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", nil, false
	}
	parts := strings.Fields(text)
	name := strings.ToLower(strings.TrimPrefix(parts[0], "/"))
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	if name == "" {
		return "", nil, false
	}
	return name, parts[1:], true
}

// parseCourses joins args and splits on commas so courses may contain spaces
// ("M GK1, D LK"). Without a comma each arg is one course.
func parseCourses(args []string) []string {
	joined := strings.Join(args, " ")
	var raw []string
	if strings.Contains(joined, ",") {
		raw = strings.Split(joined, ",")
	} else {
		raw = args
	}
	var out []string
	for _, c := range raw {
		c = strings.Join(strings.Fields(c), " ")
		if c != "" {
			out = append(out, c)
		}
	}
	return out
}

// Validate reports a wiring error early.
func (b *Bot) Validate() error {
	if b.out == nil {
		return errors.New("registration: no replier")
	}
	if b.store == nil {
		return errors.New("registration: no recipient store")
	}
	return nil
}
