package chanlock

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/sasha-s/go-deadlock"
)

const (
	// How long a beat may go unanswered before the loop is declared
	// wedged.
	TIMEOUT_DURATION = 15 * time.Second
	// How often beats are sent.
	HEALTH_CHECK_DURATION = 1 * time.Second
)

// Chanlock diagnoses wedged event loops. The loop receives beats from
// Poll like any other select case; a beat that goes unanswered for too
// long is reported along with the loop's last mark.
type Chanlock struct {
	log      zerolog.Logger
	lastMark string
	ticker   *time.Ticker
	mutex    deadlock.RWMutex
}

func New(logger zerolog.Logger) *Chanlock {
	return &Chanlock{
		log:    logger,
		ticker: time.NewTicker(HEALTH_CHECK_DURATION),
	}
}

// Mark names what the loop is about to do, for the wedge report.
func (c *Chanlock) Mark(name string) {
	c.mutex.Lock()
	c.lastMark = name
	c.mutex.Unlock()
}

func (c *Chanlock) Poll(ctx context.Context) <-chan time.Time {
	out := make(chan time.Time)

	go func() {
		defer c.ticker.Stop()
		for {
			select {
			case t := <-c.ticker.C:
				answered := make(chan bool, 1)
				go c.await(ctx, answered)

				select {
				case out <- t:
					answered <- true
					c.Mark("")
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}

func (c *Chanlock) await(ctx context.Context, answered chan bool) {
	timeout := time.NewTimer(TIMEOUT_DURATION)
	defer timeout.Stop()

	select {
	case <-ctx.Done():
	case <-answered:
	case <-timeout.C:
		c.mutex.RLock()
		mark := c.lastMark
		c.mutex.RUnlock()

		c.log.Error().Str("mark", mark).Msg("event loop no longer healthy")
	}
}
