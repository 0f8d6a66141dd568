package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/weiawesome/bilimix/internal/config"
	"github.com/weiawesome/bilimix/internal/hub"
	"github.com/weiawesome/bilimix/internal/log"
	"github.com/weiawesome/bilimix/internal/mixer"
	"github.com/weiawesome/bilimix/internal/resolver"
	"github.com/weiawesome/bilimix/internal/service"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type HTTPHandler struct {
	svc    service.MixService
	hub    *hub.Hub
	wsCfg  config.WebSocketConfig
	pool   *DanmakuPool
	hlsDir string
}

func NewHTTPHandler(svc service.MixService, h *hub.Hub, wsCfg config.WebSocketConfig, pool *DanmakuPool, hlsDir string) *HTTPHandler {
	return &HTTPHandler{
		svc:    svc,
		hub:    h,
		wsCfg:  wsCfg,
		pool:   pool,
		hlsDir: hlsDir,
	}
}

func (h *HTTPHandler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})

	api := r.Group("/api")
	{
		api.POST("/resolve", h.Resolve)
		api.POST("/mix", h.StartMix)
		api.POST("/danmaku/start", h.StartDanmaku)
		api.POST("/stop", h.Stop)
		api.GET("/status", h.Status)
		api.GET("/dplayer", h.DPlayerGet)
		api.POST("/dplayer", h.DPlayerPost)
	}

	r.GET("/ws/danmaku", h.DanmakuWS)
	r.Static("/out/mixed", h.hlsDir)
}

type resolveRequest struct {
	Source   string `json:"source" binding:"required"`
	SessData string `json:"sessdata"`
}

func (h *HTTPHandler) Resolve(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "empty source"})
		return
	}

	resolved, err := h.svc.Resolve(c.Request.Context(), req.Source, req.SessData)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"ok": false, "error": err.Error()})
		return
	}

	resp := gin.H{"ok": true, "url": resolved.URL}
	if resolved.RoomID > 0 {
		resp["room_id"] = resolved.RoomID
	} else {
		resp["room_id"] = nil
	}
	c.JSON(http.StatusOK, resp)
}

type mixRequest struct {
	Video          string `json:"video" binding:"required"`
	Audio          string `json:"audio" binding:"required"`
	OutputType     string `json:"output_type"`
	RTMP           string `json:"rtmp"`
	LowLatency     *bool  `json:"low_latency"`
	TranscodeVideo bool   `json:"transcode_video"`
	SessData       string `json:"sessdata"`
}

func (h *HTTPHandler) StartMix(c *gin.Context) {
	var req mixRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": err.Error()})
		return
	}

	opts := service.MixOptions{
		OutputKind:     req.OutputType,
		RTMPTarget:     req.RTMP,
		LowLatency:     true,
		TranscodeVideo: req.TranscodeVideo,
		SessData:       req.SessData,
	}
	if req.LowLatency != nil {
		opts.LowLatency = *req.LowLatency
	}

	video, audio, err := h.svc.StartMix(c.Request.Context(), req.Video, req.Audio, opts)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"ok": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "video": video.URL, "audio": audio.URL})
}

type danmakuStartRequest struct {
	Rooms    []string          `json:"rooms"`
	Colors   map[string]string `json:"colors"`
	SessData string            `json:"sessdata"`
}

func (h *HTTPHandler) StartDanmaku(c *gin.Context) {
	var req danmakuStartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": err.Error()})
		return
	}
	if len(req.Rooms) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "no rooms given"})
		return
	}

	rooms, err := h.svc.StartDanmaku(c.Request.Context(), req.Rooms, req.Colors, req.SessData)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"ok": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "rooms": rooms})
}

func (h *HTTPHandler) Stop(c *gin.Context) {
	h.svc.StopAll(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *HTTPHandler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.Status())
}

// DanmakuWS upgrades the connection and registers it as a broadcast
// endpoint until it disconnects or fails a delivery.
func (h *HTTPHandler) DanmakuWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Ctx(c.Request.Context()).Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	endpoint := hub.NewEndpoint(uuid.New().String(), conn, h.wsCfg)
	h.hub.Register(endpoint)

	go endpoint.WritePump()
	go endpoint.ReadPump(func(e *hub.Endpoint) {
		h.hub.Unregister(e.ID)
	})
}

// statusFor maps the component error taxonomy onto HTTP statuses.
func statusFor(err error) int {
	var launchErr *mixer.LaunchError
	var transportErr *resolver.TransportError
	var noStream *resolver.NoStreamFoundError
	switch {
	case errors.Is(err, resolver.ErrInvalidReference):
		return http.StatusBadRequest
	case errors.As(err, &transportErr), errors.As(err, &noStream):
		return http.StatusBadGateway
	case errors.As(err, &launchErr):
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
