package notifier

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"subwatch/internal/hashcache"
	"subwatch/internal/recipients"
	rtsup "subwatch/internal/runtime/supervisor"
	"subwatch/internal/schedule"
	"subwatch/internal/storage"
	"subwatch/internal/transport"
	logx "subwatch/pkg/logx"
)

var ErrStopped = errors.New("dispatcher stopped")

// Dispatcher is safe for concurrent use. One instance per process.
type Dispatcher struct {
	provider   transport.Provider
	recipients RecipientStore
	differ     Differ
	log        logx.Logger
	now        func() time.Time

	// mu guards the connection state machine and cfg.
	mu      sync.Mutex
	cfg     Config
	conn    transport.Conn
	pending int
	idle    *time.Timer
	gen     uint64
	opens   int
	stopped bool

	housekeeping chan recipients.Recipient
	inflight     sync.WaitGroup
	sup          *rtsup.Supervisor

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, provider transport.Provider, store RecipientStore, differ Differ, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	return &Dispatcher{
		provider:     provider,
		recipients:   store,
		differ:       differ,
		log:          log,
		now:          time.Now,
		cfg:          cfg,
		housekeeping: make(chan recipients.Recipient, cfg.HousekeepingQueue),
	}
}

// Apply updates timing settings; the housekeeping queue size is fixed at New.
func (d *Dispatcher) Apply(cfg Config) {
	d.mu.Lock()
	q := d.cfg.HousekeepingQueue
	d.cfg = cfg.withDefaults()
	d.cfg.HousekeepingQueue = q
	d.mu.Unlock()
}

func (d *Dispatcher) config() Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

// Start consumes events until ctx ends or events is closed. Each event is
// handled on its own goroutine; subjects interleave freely.
func (d *Dispatcher) Start(ctx context.Context, events <-chan hashcache.ChangedSubject) {
	d.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(d.log),
		rtsup.WithCancelOnError(false),
	)
	d.sup.GoRestart0("housekeeping", d.housekeepingLoop)
	d.sup.Go0("events", func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				d.inflight.Add(1)
				go func() {
					defer d.inflight.Done()
					d.Handle(ctx, ev)
				}()
			}
		}
	})
}

// Stop waits for in-flight events (bounded by ctx), stops the background
// loops and closes the connection.
func (d *Dispatcher) Stop(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if d.sup != nil {
		d.sup.Cancel()
		if werr := d.sup.Wait(ctx); werr != nil && err == nil && !errors.Is(werr, context.Canceled) {
			err = werr
		}
	}
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()
	d.closeNow()
	return err
}

type batch struct {
	delta      []schedule.DeltaItem
	recipients []recipients.Recipient
}

// Handle dispatches one change event synchronously.
func (d *Dispatcher) Handle(ctx context.Context, ev hashcache.ChangedSubject) {
	log := d.log.With(logx.String("subject", ev.Subject))

	recs, err := d.recipients.FindBySubject(ctx, ev.Subject)
	if err != nil {
		log.Error("resolve recipients failed", logx.Err(err))
		return
	}
	if len(recs) == 0 {
		log.Debug("no recipients for changed subject")
		return
	}

	batches, err := d.plan(ev, recs)
	if err != nil {
		log.Error("compute delta failed", logx.Err(err))
		return
	}
	for _, b := range batches {
		d.send(ctx, log, ev.Subject, b)
	}
}

// plan groups recipients by the delta they should receive. Without any
// filtered recipient everyone shares the subject-wide delta.
func (d *Dispatcher) plan(ev hashcache.ChangedSubject, recs []recipients.Recipient) ([]batch, error) {
	filtered := false
	for _, r := range recs {
		if r.Filtered() {
			filtered = true
			break
		}
	}
	if !filtered {
		delta, err := d.differ.Delta(ev.Subject, ev.New, ev.Old, nil)
		if err != nil {
			return nil, err
		}
		return []batch{{delta: delta, recipients: recs}}, nil
	}

	byKey := map[string]*batch{}
	var order []string
	for _, r := range recs {
		delta, err := d.differ.Delta(ev.Subject, ev.New, ev.Old, r.Courses)
		if err != nil {
			return nil, err
		}
		key := schedule.DeltaKey(delta)
		b, ok := byKey[key]
		if !ok {
			b = &batch{delta: delta}
			byKey[key] = b
			order = append(order, key)
		}
		b.recipients = append(b.recipients, r)
	}
	out := make([]batch, 0, len(order))
	for _, k := range order {
		out = append(out, *byKey[k])
	}
	return out, nil
}

func (d *Dispatcher) send(ctx context.Context, log logx.Logger, subject string, b batch) {
	if len(b.delta) == 0 {
		log.Debug("empty delta, nothing to send", logx.Int("recipients", len(b.recipients)))
		return
	}
	cfg := d.config()

	conn, err := d.acquire(ctx)
	if err != nil {
		if errors.Is(err, ErrStopped) {
			log.Warn("dispatcher stopped, notification dropped", logx.Int("recipients", len(b.recipients)))
		} else {
			log.Error("open provider connection failed", logx.Err(err))
		}
		d.appendHistory(HistoryItem{At: d.now(), Subject: subject, Items: len(b.delta), Err: err.Error()})
		return
	}
	defer d.release()

	byToken := make(map[string]recipients.Recipient, len(b.recipients))
	tokens := make([]string, 0, len(b.recipients))
	for _, r := range b.recipients {
		byToken[r.Token] = r
		tokens = append(tokens, r.Token)
	}
	sort.Strings(tokens)

	n := transport.Notification{
		ExpiresAt: d.now().Add(cfg.Expiry),
		Category:  cfg.Category,
		Body:      Render(subject, b.delta),
		Payload:   b.delta,
	}
	sctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
	res, err := conn.Send(sctx, n, tokens)
	cancel()
	if err != nil {
		log.Warn("send failed", logx.Int("recipients", len(tokens)), logx.Err(err))
		d.appendHistory(HistoryItem{At: d.now(), Subject: subject, Items: len(b.delta), Err: err.Error()})
		return
	}

	log.Info("notification sent",
		logx.Int("items", len(b.delta)),
		logx.Int("sent", len(res.Sent)),
		logx.Int("failed", len(res.Failed)),
	)
	d.appendHistory(HistoryItem{At: d.now(), Subject: subject, Items: len(b.delta), Sent: len(res.Sent), Failed: len(res.Failed)})

	for _, f := range res.Failed {
		if !f.Permanent {
			log.Debug("recipient send failed", logx.String("token", f.Token), logx.String("reason", f.Reason))
			continue
		}
		rec, ok := byToken[f.Token]
		if !ok {
			continue
		}
		d.enqueueHousekeeping(log, rec, f.Reason)
	}
}

func (d *Dispatcher) enqueueHousekeeping(log logx.Logger, rec recipients.Recipient, reason string) {
	select {
	case d.housekeeping <- rec:
		log.Info("recipient queued for removal", logx.String("token", rec.Token), logx.String("reason", reason))
	default:
		log.Warn("housekeeping queue full, recipient kept", logx.String("token", rec.Token))
	}
}

func (d *Dispatcher) housekeepingLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-d.housekeeping:
			d.deregister(ctx, rec)
		}
	}
}

// deregister is best-effort: failures are logged and dropped.
func (d *Dispatcher) deregister(ctx context.Context, rec recipients.Recipient) {
	cctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	err := d.recipients.Destroy(cctx, rec)
	switch {
	case err == nil:
		d.log.Info("recipient removed", logx.String("token", rec.Token), logx.String("subject", rec.Subject))
	case storage.KindOf(err) == storage.KindNotFound:
		d.log.Debug("recipient already gone", logx.String("token", rec.Token))
	default:
		d.log.Warn("recipient removal failed", logx.String("token", rec.Token), logx.Err(err))
	}
}

// History returns the most recent batches, newest last.
func (d *Dispatcher) History() []HistoryItem {
	d.hmu.Lock()
	defer d.hmu.Unlock()
	return append([]HistoryItem(nil), d.history...)
}

func (d *Dispatcher) appendHistory(h HistoryItem) {
	d.hmu.Lock()
	d.history = append(d.history, h)
	if len(d.history) > 100 {
		d.history = d.history[len(d.history)-100:]
	}
	d.hmu.Unlock()
}
