package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/weiawesome/bilimix/internal/config"
	"github.com/weiawesome/bilimix/internal/log"
)

var roomURLPattern = regexp.MustCompile(`live\.bilibili\.com/(\d+)`)

// Resolver turns room references into canonical room ids and playable
// stream URLs via the bilibili live API.
type Resolver struct {
	cfg    config.ResolverConfig
	client *http.Client
}

func New(cfg config.ResolverConfig) *Resolver {
	return &Resolver{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// ExtractRoomID parses a room reference without touching the network.
// Accepts a full live.bilibili.com URL or a purely numeric id.
func ExtractRoomID(ref string) (int64, error) {
	if m := roomURLPattern.FindStringSubmatch(ref); m != nil {
		id, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrInvalidReference, ref)
		}
		return id, nil
	}
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil && id > 0 {
		return id, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidReference, ref)
}

type roomInitResponse struct {
	Code int `json:"code"`
	Data struct {
		RoomID int64 `json:"room_id"`
	} `json:"data"`
}

// ResolveRoom resolves a reference (URL, short id or long id) to the real
// room id. The room_init endpoint is authoritative; if it fails or returns
// a malformed body the locally extracted id is used as-is. Only an
// unparseable reference is an error.
func (r *Resolver) ResolveRoom(ctx context.Context, ref, sessdata string) (int64, error) {
	id, err := ExtractRoomID(ref)
	if err != nil {
		return 0, err
	}

	api := fmt.Sprintf("%s?id=%d", r.cfg.RoomInitURL, id)
	var resp roomInitResponse
	if err := r.getJSON(ctx, api, id, sessdata, &resp); err != nil {
		log.L().Warn().Int64(log.FieldRoomID, id).Err(err).Msg("room_init lookup failed, using extracted id")
		return id, nil
	}
	if resp.Code == 0 && resp.Data.RoomID > 0 {
		return resp.Data.RoomID, nil
	}
	return id, nil
}

// getJSON performs a GET with bounded retries and exponential backoff.
// Exhausting the retry budget returns a *TransportError.
func (r *Resolver) getJSON(ctx context.Context, url string, roomID int64, sessdata string, out interface{}) error {
	var lastErr error
	backoff := r.cfg.RetryBackoff
	for i := 0; i < r.cfg.Retries; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return &TransportError{Last: ctx.Err()}
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		lastErr = r.getJSONOnce(ctx, url, roomID, sessdata, out)
		if lastErr == nil {
			return nil
		}
	}
	return &TransportError{Last: lastErr}
}

func (r *Resolver) getJSONOnce(ctx context.Context, url string, roomID int64, sessdata string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	setHeaders(req, roomID, sessdata)

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// setHeaders mirrors what the live site sends; without the Referer the API
// rejects play-info requests for some rooms. SESSDATA is optional and only
// raises the available quality tiers.
func setHeaders(req *http.Request, roomID int64, sessdata string) {
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	req.Header.Set("Referer", fmt.Sprintf("https://live.bilibili.com/%d", roomID))
	req.Header.Set("Origin", "https://live.bilibili.com")
	req.Header.Set("Accept", "application/json, text/plain, */*")
	if sessdata != "" {
		req.Header.Set("Cookie", "SESSDATA="+sessdata)
	}
}
