package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"subwatch/internal/transport"
	logx "subwatch/pkg/logx"
)

// Provider opens push connections. Recipient tokens are Telegram chat ids.
type Provider struct {
	cfg     Config
	log     logx.Logger
	limiter *rate.Limiter
}

func NewProvider(cfg Config, log logx.Logger) (*Provider, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	return &Provider{
		cfg:     cfg,
		log:     log,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
	}, nil
}

// Open builds an offline bot on a dedicated HTTP client; Close drops its
// keep-alive connections.
func (p *Provider) Open(ctx context.Context) (transport.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	client := &http.Client{Timeout: p.cfg.HTTPTimeout}
	bot, err := tele.NewBot(tele.Settings{
		Token:   p.cfg.Token,
		Client:  client,
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	return &conn{p: p, bot: bot, client: client}, nil
}

type conn struct {
	p      *Provider
	bot    *tele.Bot
	client *http.Client
}

func (c *conn) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

func (c *conn) Send(ctx context.Context, n transport.Notification, tokens []string) (transport.SendResult, error) {
	var res transport.SendResult
	if err := ctx.Err(); err != nil {
		return res, err
	}
	chunks := splitText(n.Body, textLimit)
	opts := &tele.SendOptions{ParseMode: tele.ModeHTML, DisableWebPagePreview: true}

	var lastTransport error
	for _, tok := range tokens {
		if n.Expired(time.Now()) {
			res.Failed = append(res.Failed, transport.Failure{Token: tok, Reason: "expired"})
			continue
		}
		chatID, err := strconv.ParseInt(strings.TrimSpace(tok), 10, 64)
		if err != nil {
			res.Failed = append(res.Failed, transport.Failure{Token: tok, Reason: "invalid chat id", Permanent: true})
			continue
		}
		if err := c.sendChunks(ctx, chatID, chunks, opts); err != nil {
			if ctx.Err() != nil {
				res.Failed = append(res.Failed, transport.Failure{Token: tok, Reason: ctx.Err().Error()})
				continue
			}
			permanent, reason := classify(err)
			if !apiError(err) {
				lastTransport = err
			}
			c.p.log.Debug("telegram send failed", logx.String("token", tok), logx.Bool("permanent", permanent), logx.Err(err))
			res.Failed = append(res.Failed, transport.Failure{Token: tok, Reason: reason, Permanent: permanent})
			continue
		}
		res.Sent = append(res.Sent, tok)
	}
	if len(res.Sent) == 0 && lastTransport != nil && len(res.Failed) == len(tokens) {
		return res, fmt.Errorf("telegram unreachable: %w", lastTransport)
	}
	return res, nil
}

func (c *conn) sendChunks(ctx context.Context, chatID int64, chunks []string, opts *tele.SendOptions) error {
	chat := &tele.Chat{ID: chatID}
	for _, chunk := range chunks {
		if err := c.p.limiter.Wait(ctx); err != nil {
			return err
		}
		if _, err := c.bot.Send(chat, chunk, opts); err != nil {
			return err
		}
	}
	return nil
}
