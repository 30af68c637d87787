package notifier

import (
	"context"
	"time"

	"subwatch/internal/transport"
	logx "subwatch/pkg/logx"
)

// acquire returns the open connection, opening it if needed, and counts one
// pending send. Every successful acquire must be paired with release. After
// Stop it fails with ErrStopped so no connection outlives the dispatcher.
func (d *Dispatcher) acquire(ctx context.Context) (transport.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return nil, ErrStopped
	}
	d.pending++
	d.disarmLocked()
	if d.conn != nil {
		return d.conn, nil
	}
	conn, err := d.provider.Open(ctx)
	if err != nil {
		d.pending--
		d.armLocked()
		return nil, err
	}
	d.conn = conn
	d.opens++
	d.log.Debug("provider connection opened")
	return conn, nil
}

func (d *Dispatcher) release() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pending > 0 {
		d.pending--
	}
	d.armLocked()
}

// armLocked starts the idle timer once nothing is pending.
func (d *Dispatcher) armLocked() {
	if d.pending > 0 || d.conn == nil || d.stopped {
		return
	}
	d.disarmLocked()
	gen := d.gen
	idle := d.cfg.IdleClose
	d.idle = time.AfterFunc(idle, func() { d.closeIfIdle(gen) })
}

// disarmLocked cancels a pending idle close. Bumping gen also defuses a timer
// whose callback is already running.
func (d *Dispatcher) disarmLocked() {
	d.gen++
	if d.idle != nil {
		d.idle.Stop()
		d.idle = nil
	}
}

func (d *Dispatcher) closeIfIdle(gen uint64) {
	d.mu.Lock()
	if gen != d.gen || d.pending > 0 || d.conn == nil {
		d.mu.Unlock()
		return
	}
	conn := d.conn
	d.conn = nil
	d.idle = nil
	d.mu.Unlock()

	if err := conn.Close(); err != nil {
		d.log.Warn("provider connection close failed", logx.Err(err))
		return
	}
	d.log.Debug("provider connection closed after idle")
}

// closeNow drops the connection regardless of the timer. Used on shutdown.
func (d *Dispatcher) closeNow() {
	d.mu.Lock()
	d.disarmLocked()
	conn := d.conn
	d.conn = nil
	d.mu.Unlock()
	if conn != nil {
		if err := conn.Close(); err != nil {
			d.log.Warn("provider connection close failed", logx.Err(err))
		}
	}
}

// Open reports whether a provider connection is currently held.
func (d *Dispatcher) Open() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conn != nil
}
