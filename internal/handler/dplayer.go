package handler

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/weiawesome/bilimix/internal/danmaku"
)

// DefaultPoolID is the pool the drain loop feeds for the local player.
const DefaultPoolID = "mixed-live-local"

// DanmakuPool is a DPlayer-compatible in-memory danmaku buffer: each entry
// is [time, type, color, author, text]. It gives a freshly loaded player
// the recent history before live events start arriving.
type DanmakuPool struct {
	mu    sync.Mutex
	pools map[string][][5]interface{}
	max   int
}

func NewDanmakuPool(max int) *DanmakuPool {
	if max <= 0 {
		max = 1000
	}
	return &DanmakuPool{
		pools: make(map[string][][5]interface{}),
		max:   max,
	}
}

// Append records one danmaku, trimming the pool to its cap from the front.
func (p *DanmakuPool) Append(poolID, author, text, colorHex string, dmType int, atTime float64) {
	entry := [5]interface{}{atTime, dmType, colorToInt(colorHex), author, text}

	p.mu.Lock()
	defer p.mu.Unlock()
	buf := append(p.pools[poolID], entry)
	if len(buf) > p.max {
		buf = buf[len(buf)-p.max:]
	}
	p.pools[poolID] = buf
}

// Tail returns up to max of the newest entries for a pool.
func (p *DanmakuPool) Tail(poolID string, max int) [][5]interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	buf := p.pools[poolID]
	if max > 0 && len(buf) > max {
		buf = buf[len(buf)-max:]
	}
	out := make([][5]interface{}, len(buf))
	copy(out, buf)
	return out
}

// Feed returns the hub observer that mirrors broadcast events into the
// default pool.
func (p *DanmakuPool) Feed() func(danmaku.Event) {
	return func(ev danmaku.Event) {
		text := fmt.Sprintf("[%d] %s: %s", ev.RoomID, ev.Uname, ev.Msg)
		p.Append(DefaultPoolID, ev.Uname, text, ev.Color, 0, 0)
	}
}

func colorToInt(hex string) int {
	s := strings.TrimPrefix(hex, "#")
	if s == "" {
		return 0xffffff
	}
	n, err := strconv.ParseInt(s, 16, 64)
	if err != nil {
		return 0xffffff
	}
	return int(n)
}

func (h *HTTPHandler) DPlayerGet(c *gin.Context) {
	poolID := c.DefaultQuery("id", DefaultPoolID)
	max, err := strconv.Atoi(c.DefaultQuery("max", "1000"))
	if err != nil {
		max = 1000
	}
	c.JSON(http.StatusOK, gin.H{"code": 0, "data": h.pool.Tail(poolID, max)})
}

type dplayerPostRequest struct {
	ID     string  `json:"id"`
	Author string  `json:"author"`
	Text   string  `json:"text"`
	Color  string  `json:"color"`
	Type   int     `json:"type"`
	Time   float64 `json:"time"`
}

func (h *HTTPHandler) DPlayerPost(c *gin.Context) {
	var req dplayerPostRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": 1, "error": err.Error()})
		return
	}
	if req.ID == "" {
		req.ID = DefaultPoolID
	}
	if req.Author == "" {
		req.Author = "user"
	}
	if req.Color == "" {
		req.Color = danmaku.DefaultColor
	}
	h.pool.Append(req.ID, req.Author, req.Text, req.Color, req.Type, req.Time)
	c.JSON(http.StatusOK, gin.H{"code": 0, "data": gin.H{}})
}
