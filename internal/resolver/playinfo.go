package resolver

import (
	"context"
	"fmt"
	"strings"
)

// Candidate is one concrete playable stream option before selection.
type Candidate struct {
	Protocol string
	Format   string
	Codec    string
	URL      string
}

const preferProtocol = "http_hls"

var (
	preferFormats = []string{"ts", "fmp4", "flv"}
	preferCodecs  = []string{"avc", "hevc", "av1"}
)

type playInfoResponse struct {
	Code int `json:"code"`
	Data struct {
		PlayurlInfo struct {
			Playurl struct {
				Stream []struct {
					ProtocolName string `json:"protocol_name"`
					Format       []struct {
						FormatName string `json:"format_name"`
						Codec      []struct {
							CodecName string `json:"codec_name"`
							BaseURL   string `json:"base_url"`
							URLInfo   []struct {
								Host  string `json:"host"`
								Extra string `json:"extra"`
							} `json:"url_info"`
						} `json:"codec"`
					} `json:"format"`
				} `json:"stream"`
			} `json:"playurl"`
		} `json:"playurl_info"`
	} `json:"data"`
}

// SelectStream walks the configured quality tiers from best to worst and
// returns the URL of the best-ranked candidate of the first tier that
// yields any. All tiers empty means *NoStreamFoundError carrying the last
// transport error seen.
func (r *Resolver) SelectStream(ctx context.Context, roomID int64, sessdata string) (string, error) {
	var lastErr error
	for _, qn := range r.cfg.PreferQuality {
		candidates, err := r.fetchCandidates(ctx, roomID, qn, sessdata)
		if err != nil {
			lastErr = err
			continue
		}
		if best := selectBest(candidates); best != nil {
			return best.URL, nil
		}
	}
	return "", &NoStreamFoundError{Last: lastErr}
}

// Candidates returns the flattened candidate set for one quality tier.
func (r *Resolver) Candidates(ctx context.Context, roomID int64, qn int, sessdata string) ([]Candidate, error) {
	return r.fetchCandidates(ctx, roomID, qn, sessdata)
}

func (r *Resolver) fetchCandidates(ctx context.Context, roomID int64, qn int, sessdata string) ([]Candidate, error) {
	api := fmt.Sprintf(
		"%s?room_id=%d&no_playurl=0&mask=1&qn=%d&platform=web&protocol=0,1&format=0,1,2&codec=0,1,2&dolby=5&panorama=1&hdr_type=0,1",
		r.cfg.PlayInfoURL, roomID, qn,
	)
	var resp playInfoResponse
	if err := r.getJSON(ctx, api, roomID, sessdata, &resp); err != nil {
		return nil, err
	}
	return extractCandidates(&resp), nil
}

// extractCandidates flattens the nested protocol/format/codec structure.
// A candidate missing a host or URL parts is dropped; the first url_info
// entry supplies host and extra.
func extractCandidates(resp *playInfoResponse) []Candidate {
	var out []Candidate
	for _, stream := range resp.Data.PlayurlInfo.Playurl.Stream {
		for _, format := range stream.Format {
			for _, codec := range format.Codec {
				if codec.BaseURL == "" || len(codec.URLInfo) == 0 {
					continue
				}
				ui := codec.URLInfo[0]
				if ui.Host == "" {
					continue
				}
				out = append(out, Candidate{
					Protocol: stream.ProtocolName,
					Format:   format.FormatName,
					Codec:    codec.CodecName,
					URL:      ui.Host + codec.BaseURL + ui.Extra,
				})
			}
		}
	}
	return out
}

// score ranks a candidate as (protocol, format, codec); lower is better.
func score(c Candidate) [3]int {
	p := 1
	if strings.Contains(c.Protocol, preferProtocol) {
		p = 0
	}
	f := indexOf(preferFormats, strings.ToLower(c.Format))
	codec := strings.ToLower(c.Codec)
	if codec == "h264" {
		codec = "avc"
	}
	k := indexOf(preferCodecs, codec)
	return [3]int{p, f, k}
}

func indexOf(list []string, v string) int {
	for i, s := range list {
		if s == v {
			return i
		}
	}
	return len(list)
}

// selectBest picks the lexicographically smallest score; ties go to the
// first-encountered candidate.
func selectBest(candidates []Candidate) *Candidate {
	var best *Candidate
	var bestScore [3]int
	for i := range candidates {
		s := score(candidates[i])
		if best == nil || less(s, bestScore) {
			best = &candidates[i]
			bestScore = s
		}
	}
	return best
}

func less(a, b [3]int) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}
