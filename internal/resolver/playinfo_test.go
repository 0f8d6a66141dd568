package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectBestProtocolBeatsFormatBeatsCodec(t *testing.T) {
	candidates := []Candidate{
		{Protocol: "http_hls", Format: "flv", Codec: "hevc", URL: "a"},
		{Protocol: "http_hls", Format: "ts", Codec: "avc", URL: "b"},
		{Protocol: "http_stream", Format: "ts", Codec: "avc", URL: "c"},
	}
	best := selectBest(candidates)
	require.NotNil(t, best)
	assert.Equal(t, "b", best.URL)
}

func TestSelectBestH264NormalizedToAvc(t *testing.T) {
	candidates := []Candidate{
		{Protocol: "http_hls", Format: "ts", Codec: "hevc", URL: "a"},
		{Protocol: "http_hls", Format: "ts", Codec: "h264", URL: "b"},
	}
	best := selectBest(candidates)
	require.NotNil(t, best)
	assert.Equal(t, "b", best.URL)
}

func TestSelectBestTieGoesToFirstEncountered(t *testing.T) {
	candidates := []Candidate{
		{Protocol: "http_hls", Format: "ts", Codec: "avc", URL: "first"},
		{Protocol: "http_hls", Format: "ts", Codec: "avc", URL: "second"},
	}
	best := selectBest(candidates)
	require.NotNil(t, best)
	assert.Equal(t, "first", best.URL)
}

func TestSelectBestUnknownRanksLast(t *testing.T) {
	candidates := []Candidate{
		{Protocol: "http_stream", Format: "weird", Codec: "vp9", URL: "a"},
		{Protocol: "http_stream", Format: "flv", Codec: "av1", URL: "b"},
	}
	best := selectBest(candidates)
	require.NotNil(t, best)
	assert.Equal(t, "b", best.URL)
}

func TestSelectBestEmpty(t *testing.T) {
	assert.Nil(t, selectBest(nil))
}

func playInfoBody(streams ...map[string]interface{}) string {
	body := map[string]interface{}{
		"code": 0,
		"data": map[string]interface{}{
			"playurl_info": map[string]interface{}{
				"playurl": map[string]interface{}{
					"stream": streams,
				},
			},
		},
	}
	b, _ := json.Marshal(body)
	return string(b)
}

func streamEntry(protocol, format, codec, host, base, extra string) map[string]interface{} {
	return map[string]interface{}{
		"protocol_name": protocol,
		"format": []map[string]interface{}{{
			"format_name": format,
			"codec": []map[string]interface{}{{
				"codec_name": codec,
				"base_url":   base,
				"url_info": []map[string]interface{}{{
					"host":  host,
					"extra": extra,
				}},
			}},
		}},
	}
}

func TestCandidatesURLConcatenation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, playInfoBody(
			streamEntry("http_hls", "ts", "avc", "https://cdn.example.com", "/live/510.m3u8", "?token=1"),
		))
	}))
	defer srv.Close()

	r := New(testResolverConfig(srv.URL, srv.URL))
	candidates, err := r.Candidates(context.Background(), 510, 10000, "")
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "https://cdn.example.com/live/510.m3u8?token=1", candidates[0].URL)
	assert.Equal(t, "http_hls", candidates[0].Protocol)
}

func TestCandidatesDropIncomplete(t *testing.T) {
	noHost := streamEntry("http_hls", "ts", "avc", "", "/live/1.m3u8", "")
	noBase := streamEntry("http_hls", "fmp4", "avc", "https://cdn.example.com", "", "")
	ok := streamEntry("http_stream", "flv", "avc", "https://cdn.example.com", "/live/1.flv", "?t=2")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, playInfoBody(noHost, noBase, ok))
	}))
	defer srv.Close()

	r := New(testResolverConfig(srv.URL, srv.URL))
	candidates, err := r.Candidates(context.Background(), 1, 10000, "")
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "flv", candidates[0].Format)
}

func TestSelectStreamWalksQualityTiers(t *testing.T) {
	var qns []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		qn := r.URL.Query().Get("qn")
		qns = append(qns, qn)
		if qn == "10000" {
			fmt.Fprint(w, playInfoBody()) // best tier has nothing
			return
		}
		fmt.Fprint(w, playInfoBody(
			streamEntry("http_hls", "ts", "avc", "https://cdn.example.com", "/live/510.m3u8", ""),
		))
	}))
	defer srv.Close()

	r := New(testResolverConfig(srv.URL, srv.URL))
	url, err := r.SelectStream(context.Background(), 510, "")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/live/510.m3u8", url)
	assert.Equal(t, []string{"10000", "400"}, qns)
}

func TestSelectStreamAllTiersEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, playInfoBody())
	}))
	defer srv.Close()

	r := New(testResolverConfig(srv.URL, srv.URL))
	_, err := r.SelectStream(context.Background(), 510, "")
	var noStream *NoStreamFoundError
	require.ErrorAs(t, err, &noStream)
	assert.Nil(t, noStream.Last)
}
