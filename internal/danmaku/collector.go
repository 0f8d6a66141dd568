package danmaku

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/weiawesome/bilimix/internal/log"
)

// DefaultColor is used for rooms without an explicit color mapping.
const DefaultColor = "#ffffff"

// Collector holds one chat subscription per monitored room and funnels
// every message into a single bounded queue.
type Collector struct {
	rooms    []int64
	colorMap map[int64]string
	queue    *Queue
	tr       Transport

	mu   sync.Mutex
	subs []subEntry
}

type subEntry struct {
	roomID int64
	sub    Subscription
}

func New(rooms []int64, colorMap map[int64]string, queueSize int, tr Transport) *Collector {
	if colorMap == nil {
		colorMap = map[int64]string{}
	}
	return &Collector{
		rooms:    rooms,
		colorMap: colorMap,
		queue:    NewQueue(queueSize),
		tr:       tr,
	}
}

// Queue exposes the shared event queue; its single reader is the broadcast
// drain loop.
func (c *Collector) Queue() *Queue {
	return c.queue
}

// Rooms returns the monitored room ids.
func (c *Collector) Rooms() []int64 {
	return c.rooms
}

// Start opens one subscription per room and blocks until every per-room
// feed has terminated. A connect failure closes whatever already opened and
// is returned immediately.
func (c *Collector) Start(ctx context.Context) error {
	var opened []Subscription
	for _, roomID := range c.rooms {
		sub, err := c.tr.Connect(ctx, roomID)
		if err != nil {
			c.Stop()
			return fmt.Errorf("failed to subscribe room %d: %w", roomID, err)
		}
		c.mu.Lock()
		c.subs = append(c.subs, subEntry{roomID: roomID, sub: sub})
		c.mu.Unlock()
		opened = append(opened, sub)

		rid := roomID
		sub.OnMessage(func(raw RawMessage) {
			c.queue.Enqueue(c.normalize(rid, raw))
		})
		log.L().Info().Int64(log.FieldRoomID, rid).Msg("danmaku subscription opened")
	}

	g := new(errgroup.Group)
	for _, sub := range opened {
		sub := sub
		g.Go(func() error {
			<-sub.Done()
			return nil
		})
	}
	return g.Wait()
}

// normalize turns a raw message into an Event. The display color is
// resolved once, here.
func (c *Collector) normalize(roomID int64, raw RawMessage) Event {
	color, ok := c.colorMap[roomID]
	if !ok {
		color = DefaultColor
	}
	return Event{
		RoomID: roomID,
		Uname:  raw.Uname,
		Msg:    raw.Msg,
		TsMS:   raw.TsMS,
		Color:  color,
	}
}

// Stop closes every subscription concurrently, best-effort: a close error
// on one room never blocks closing the others.
func (c *Collector) Stop() {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	g := new(errgroup.Group)
	for _, entry := range subs {
		entry := entry
		g.Go(func() error {
			if err := entry.sub.Close(); err != nil {
				log.L().Warn().Int64(log.FieldRoomID, entry.roomID).Err(err).Msg("danmaku subscription close failed")
			}
			return nil
		})
	}
	g.Wait()
}
