package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/weiawesome/bilimix/internal/config"
	"github.com/weiawesome/bilimix/internal/danmaku"
	"github.com/weiawesome/bilimix/internal/log"
	"github.com/weiawesome/bilimix/internal/mixer"
	"github.com/weiawesome/bilimix/internal/registry"
	"github.com/weiawesome/bilimix/internal/resolver"
)

type mixService struct {
	cfg       *config.Config
	res       *resolver.Resolver
	reg       *registry.Registry
	transport danmaku.Transport
	segwatch  *mixer.SegmentWatcher
}

func NewMixService(cfg *config.Config, res *resolver.Resolver, reg *registry.Registry, tr danmaku.Transport, sw *mixer.SegmentWatcher) MixService {
	return &mixService{
		cfg:       cfg,
		res:       res,
		reg:       reg,
		transport: tr,
		segwatch:  sw,
	}
}

func (s *mixService) Resolve(ctx context.Context, source, sessdata string) (Resolved, error) {
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		return Resolved{URL: source}, nil
	}
	roomID, err := s.res.ResolveRoom(ctx, source, sessdata)
	if err != nil {
		return Resolved{}, err
	}
	url, err := s.res.SelectStream(ctx, roomID, sessdata)
	if err != nil {
		return Resolved{}, err
	}
	return Resolved{URL: url, RoomID: roomID}, nil
}

func (s *mixService) StartMix(ctx context.Context, videoRef, audioRef string, opts MixOptions) (Resolved, Resolved, error) {
	video, err := s.Resolve(ctx, videoRef, opts.SessData)
	if err != nil {
		return Resolved{}, Resolved{}, fmt.Errorf("video reference: %w", err)
	}
	audio, err := s.Resolve(ctx, audioRef, opts.SessData)
	if err != nil {
		return Resolved{}, Resolved{}, fmt.Errorf("audio reference: %w", err)
	}

	outputKind := opts.OutputKind
	if outputKind == "" {
		outputKind = mixer.OutputHLS
	}
	output := s.cfg.Mixer.Output
	if outputKind == mixer.OutputRTMP {
		output = opts.RTMPTarget
		if output == "" {
			return Resolved{}, Resolved{}, fmt.Errorf("rtmp output requested without a target URL")
		}
	}

	encCfg := mixer.Config{
		VideoURL:       video.URL,
		AudioURL:       audio.URL,
		Output:         output,
		OutputKind:     outputKind,
		LowLatency:     opts.LowLatency,
		TranscodeVideo: opts.TranscodeVideo,
		AudioBitrate:   s.cfg.Mixer.AudioBitrate,
		HLSTime:        s.cfg.Mixer.HLSTime,
		HLSListSize:    s.cfg.Mixer.HLSListSize,
		DeleteSegments: s.cfg.Mixer.DeleteSegments,
	}

	err = s.reg.ReplaceMixer(s.cfg.Mixer.StopTimeout, func() (*mixer.Supervisor, error) {
		sup := mixer.New(encCfg, mixer.Options{
			FFmpegPath:        s.cfg.Mixer.FFmpegPath,
			RestartBackoff:    s.cfg.Mixer.RestartBackoff,
			MaxBackoff:        s.cfg.Mixer.MaxBackoff,
			BackoffResetAfter: s.cfg.Mixer.BackoffResetAfter,
			StopTimeout:       s.cfg.Mixer.StopTimeout,
		})
		if err := sup.Start(true); err != nil {
			return nil, err
		}
		return sup, nil
	})
	if err != nil {
		return Resolved{}, Resolved{}, err
	}

	log.L().Info().Str("video", video.URL).Str("audio", audio.URL).Str("output", output).Msg("mix started")
	return video, audio, nil
}

func (s *mixService) StartDanmaku(ctx context.Context, rooms []string, colors map[string]string, sessdata string) ([]int64, error) {
	roomIDs := make([]int64, 0, len(rooms))
	for _, ref := range rooms {
		id, err := s.res.ResolveRoom(ctx, ref, sessdata)
		if err != nil {
			return nil, fmt.Errorf("room %q: %w", ref, err)
		}
		roomIDs = append(roomIDs, id)
	}

	// Color keys may themselves be URLs or short ids; bad keys are skipped.
	colorMap := make(map[int64]string, len(colors))
	for key, color := range colors {
		id, err := s.res.ResolveRoom(ctx, key, sessdata)
		if err != nil {
			log.L().Warn().Str("key", key).Err(err).Msg("skipping unparseable color key")
			continue
		}
		colorMap[id] = color
	}

	err := s.reg.ReplaceCollector(func() (*danmaku.Collector, error) {
		col := danmaku.New(roomIDs, colorMap, s.cfg.Danmaku.QueueSize, s.transport)

		// The collector outlives the request; its Start blocks until every
		// per-room feed has terminated.
		go func() {
			if err := col.Start(context.Background()); err != nil {
				log.L().Error().Err(err).Msg("danmaku collector terminated")
			}
		}()

		// The old drain must be dead before the new one starts, or the two
		// loops would fan out to the same endpoints concurrently.
		s.reg.StopDrain()
		drainCtx, cancel := context.WithCancel(context.Background())
		go s.reg.Hub().Run(drainCtx, col.Queue())
		s.reg.SwapDrain(cancel)

		return col, nil
	})
	if err != nil {
		return nil, err
	}

	log.L().Info().Ints64("rooms", roomIDs).Msg("danmaku collection started")
	return roomIDs, nil
}

func (s *mixService) StopAll(ctx context.Context) {
	s.reg.ReplaceMixer(s.cfg.Mixer.StopTimeout, nil)
	s.reg.ReplaceCollector(nil)
	s.reg.StopDrain()
	log.L().Info().Msg("stopped all sessions")
}

func (s *mixService) Status() Status {
	st := Status{
		Endpoints: s.reg.Hub().Count(),
		Rooms:     []int64{},
	}
	if sup := s.reg.Mixer(); sup != nil {
		st.MixerRunning = sup.IsRunning()
	}
	if col := s.reg.Collector(); col != nil {
		st.Rooms = col.Rooms()
	}
	if s.segwatch != nil {
		st.Output = s.segwatch.Status()
	}
	return st
}
