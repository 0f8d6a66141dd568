package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	Resolver  ResolverConfig
	Mixer     MixerConfig
	Danmaku   DanmakuConfig
	WebSocket WebSocketConfig
	Log       LogConfig
}

type ServerConfig struct {
	Host      string
	Port      int
	PortProbe int `mapstructure:"port_probe"` // extra ports to try when Port is taken
}

type ResolverConfig struct {
	RoomInitURL   string        `mapstructure:"room_init_url"`
	PlayInfoURL   string        `mapstructure:"play_info_url"`
	Timeout       time.Duration `mapstructure:"timeout"`
	Retries       int           `mapstructure:"retries"`
	RetryBackoff  time.Duration `mapstructure:"retry_backoff"`
	PreferQuality []int         `mapstructure:"prefer_quality"`
}

type MixerConfig struct {
	FFmpegPath        string        `mapstructure:"ffmpeg_path"`
	Output            string        `mapstructure:"output"`
	HLSTime           int           `mapstructure:"hls_time"`
	HLSListSize       int           `mapstructure:"hls_list_size"`
	DeleteSegments    bool          `mapstructure:"delete_segments"`
	AudioBitrate      string        `mapstructure:"audio_bitrate"`
	RestartBackoff    time.Duration `mapstructure:"restart_backoff"`
	MaxBackoff        time.Duration `mapstructure:"max_backoff"`
	BackoffResetAfter time.Duration `mapstructure:"backoff_reset_after"`
	StopTimeout       time.Duration `mapstructure:"stop_timeout"`
}

type DanmakuConfig struct {
	BridgeURL string `mapstructure:"bridge_url"`
	QueueSize int    `mapstructure:"queue_size"`
}

type WebSocketConfig struct {
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	PongWait       time.Duration `mapstructure:"pong_wait"`
	WriteWait      time.Duration `mapstructure:"write_wait"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
	SendBuffer     int           `mapstructure:"send_buffer"`
}

type LogConfig struct {
	Level  string
	Pretty bool
}

func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.port_probe", 10)
	v.SetDefault("resolver.room_init_url", "https://api.live.bilibili.com/room/v1/Room/room_init")
	v.SetDefault("resolver.play_info_url", "https://api.live.bilibili.com/xlive/web-room/v2/index/getRoomPlayInfo")
	v.SetDefault("resolver.timeout", "15s")
	v.SetDefault("resolver.retries", 3)
	v.SetDefault("resolver.retry_backoff", "600ms")
	v.SetDefault("resolver.prefer_quality", []int{25000, 20000, 10000, 8000, 400, 250, 150, 80})
	v.SetDefault("mixer.ffmpeg_path", "")
	v.SetDefault("mixer.output", "out/mixed/playlist.m3u8")
	v.SetDefault("mixer.hls_time", 2)
	v.SetDefault("mixer.hls_list_size", 6)
	v.SetDefault("mixer.delete_segments", true)
	v.SetDefault("mixer.audio_bitrate", "160k")
	v.SetDefault("mixer.restart_backoff", "1s")
	v.SetDefault("mixer.max_backoff", "30s")
	v.SetDefault("mixer.backoff_reset_after", "30s")
	v.SetDefault("mixer.stop_timeout", "5s")
	v.SetDefault("danmaku.bridge_url", "ws://127.0.0.1:7070/sub")
	v.SetDefault("danmaku.queue_size", 1024)
	v.SetDefault("websocket.ping_interval", "30s")
	v.SetDefault("websocket.pong_wait", "60s")
	v.SetDefault("websocket.write_wait", "10s")
	v.SetDefault("websocket.max_message_size", 4096)
	v.SetDefault("websocket.send_buffer", 256)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)

	// Override from environment
	v.BindEnv("server.port", "PORT")
	v.BindEnv("mixer.ffmpeg_path", "FFMPEG_PATH")
	v.BindEnv("danmaku.bridge_url", "DANMAKU_BRIDGE_URL")
	v.BindEnv("log.level", "LOG_LEVEL")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found, rely on defaults and env vars.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// Parse durations
	cfg.Resolver.Timeout = parseDuration(v, "resolver.timeout", 15*time.Second)
	cfg.Resolver.RetryBackoff = parseDuration(v, "resolver.retry_backoff", 600*time.Millisecond)
	cfg.Mixer.RestartBackoff = parseDuration(v, "mixer.restart_backoff", time.Second)
	cfg.Mixer.MaxBackoff = parseDuration(v, "mixer.max_backoff", 30*time.Second)
	cfg.Mixer.BackoffResetAfter = parseDuration(v, "mixer.backoff_reset_after", 30*time.Second)
	cfg.Mixer.StopTimeout = parseDuration(v, "mixer.stop_timeout", 5*time.Second)
	cfg.WebSocket.PingInterval = parseDuration(v, "websocket.ping_interval", 30*time.Second)
	cfg.WebSocket.PongWait = parseDuration(v, "websocket.pong_wait", 60*time.Second)
	cfg.WebSocket.WriteWait = parseDuration(v, "websocket.write_wait", 10*time.Second)

	return &cfg, nil
}

func parseDuration(v *viper.Viper, key string, defaultVal time.Duration) time.Duration {
	str := v.GetString(key)
	d, err := time.ParseDuration(str)
	if err != nil {
		return defaultVal
	}
	return d
}
