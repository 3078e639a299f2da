// Command playcached ingests MPEG-TS over SRT and relays decoded frames to
// local consumers, exposing a small JSON HTTP status API. It is the
// consumer-facing analogue of a player's demux-and-decode loop, kept
// intentionally thin: decoding and rendering happen downstream of this
// process.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/nimbusplay/playcache/distribution"
	"github.com/nimbusplay/playcache/ingest"
	srtingest "github.com/nimbusplay/playcache/ingest/srt"
	"github.com/nimbusplay/playcache/pipeline"
	"github.com/nimbusplay/playcache/stream"
)

var version = "dev"

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	srtAddr := envOr("SRT_ADDR", ":6000")
	apiAddr := envOr("API_ADDR", ":4444")

	a := &app{mgr: stream.NewManager(nil)}

	slog.Info("playcached starting",
		"version", version,
		"srt", srtAddr,
		"api", apiAddr,
	)

	g, ctx := errgroup.WithContext(ctx)

	a.registry = ingest.NewRegistry(func(key string, input io.Reader, format ingest.InputFormat) {
		a.handleNewStream(ctx, key, input, format)
	})
	a.caller = srtingest.NewCaller(a.registry, nil)
	srtSrv := srtingest.NewServer(srtAddr, a.registry, nil)

	apiSrv := &http.Server{
		Addr:    apiAddr,
		Handler: a.apiHandler(),
	}

	g.Go(func() error {
		return srtSrv.Start(ctx)
	})

	g.Go(func() error {
		slog.Info("API server listening", "addr", apiAddr)
		if err := apiSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("API server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		return apiSrv.Shutdown(context.Background())
	})

	if err := g.Wait(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

// app holds the process-wide state shared between the ingest callback and
// the status API: the stream lifecycle manager, the SRT ingest registry
// and caller, and the live relays/pipelines keyed by stream.
type app struct {
	mgr      *stream.Manager
	registry *ingest.Registry
	caller   *srtingest.Caller

	mu        sync.RWMutex
	relays    map[string]*distribution.Relay
	pipelines map[string]*pipeline.Pipeline
}

func (a *app) handleNewStream(ctx context.Context, key string, input io.Reader, format ingest.InputFormat) {
	slog.Info("new stream from ingest", "key", key)

	if _, created := a.mgr.Create(key); !created {
		slog.Warn("rejecting duplicate stream connection", "key", key)
		return
	}
	defer a.teardownStream(key)

	relay := distribution.NewRelay()
	p := pipeline.New(key, input, relay)
	p.SetProtocol("SRT")

	a.mu.Lock()
	if a.relays == nil {
		a.relays = make(map[string]*distribution.Relay)
		a.pipelines = make(map[string]*pipeline.Pipeline)
	}
	a.relays[key] = relay
	a.pipelines[key] = p
	a.mu.Unlock()

	if err := p.Run(ctx); err != nil {
		slog.Error("pipeline error", "stream", key, "error", err)
	}
	slog.Info("stream ended", "key", key)
}

func (a *app) teardownStream(key string) {
	a.registry.Unregister(key)
	a.mgr.Remove(key)

	a.mu.Lock()
	delete(a.relays, key)
	delete(a.pipelines, key)
	a.mu.Unlock()
}

// streamInfo is the JSON shape returned by /api/streams.
type streamInfo struct {
	Key             string `json:"key"`
	Protocol        string `json:"protocol"`
	UptimeMs        int64  `json:"uptimeMs"`
	Viewers         int    `json:"viewers"`
	VideoCodec      string `json:"videoCodec,omitempty"`
	Width           int    `json:"width,omitempty"`
	Height          int    `json:"height,omitempty"`
	AudioTracks     int    `json:"audioTracks"`
	AudioChannels   int    `json:"audioChannels"`
	HasCaptions     bool   `json:"hasCaptions"`
	CaptionChannels []int  `json:"captionChannels,omitempty"`
	HasSCTE35       bool   `json:"hasScte35"`
	Description     string `json:"description"`
}

func (a *app) listStreams() []streamInfo {
	streams := a.mgr.List()
	infos := make([]streamInfo, 0, len(streams))

	a.mu.RLock()
	defer a.mu.RUnlock()

	for _, s := range streams {
		info := streamInfo{Key: s.Key}

		if relay, ok := a.relays[s.Key]; ok {
			info.Viewers = relay.ViewerCount()
		}

		if p, ok := a.pipelines[s.Key]; ok {
			snap := p.StreamSnapshot()
			info.Protocol = snap.Protocol
			info.UptimeMs = snap.UptimeMs
			info.VideoCodec = snap.Video.Codec
			info.Width = snap.Video.Width
			info.Height = snap.Video.Height
			info.AudioTracks = len(snap.Audio)
			for _, audio := range snap.Audio {
				info.AudioChannels += audio.Channels
			}
			info.HasCaptions = snap.Captions.TotalFrames > 0
			info.CaptionChannels = snap.Captions.ActiveChannels
			info.HasSCTE35 = snap.SCTE35.TotalEvents > 0
		}

		info.Description = buildStreamDescription(info)
		infos = append(infos, info)
	}
	return infos
}

func (a *app) apiHandler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/streams", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, a.listStreams())
	})

	mux.HandleFunc("GET /api/streams/{key}/debug", func(w http.ResponseWriter, r *http.Request) {
		key := r.PathValue("key")

		a.mu.RLock()
		p, ok := a.pipelines[key]
		a.mu.RUnlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, p.PipelineDebug())
	})

	mux.HandleFunc("POST /api/srt/pull", func(w http.ResponseWriter, r *http.Request) {
		var req srtingest.PullRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := a.caller.Pull(r.Context(), req); err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})

	mux.HandleFunc("POST /api/srt/pull/{key}/stop", func(w http.ResponseWriter, r *http.Request) {
		if err := a.caller.Stop(r.PathValue("key")); err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode JSON response", "error", err)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func buildStreamDescription(info streamInfo) string {
	var parts []string

	if info.Width > 0 && info.Height > 0 {
		parts = append(parts, fmt.Sprintf("%dx%d", info.Width, info.Height))
	}
	if info.AudioTracks > 0 {
		if info.AudioTracks == 1 {
			parts = append(parts, "1 audio track")
		} else {
			parts = append(parts, fmt.Sprintf("%d audio tracks", info.AudioTracks))
		}
	}
	if info.HasCaptions {
		n := len(info.CaptionChannels)
		if n > 0 {
			parts = append(parts, fmt.Sprintf("CC (%d ch)", n))
		} else {
			parts = append(parts, "CC")
		}
	}
	if info.HasSCTE35 {
		parts = append(parts, "SCTE-35")
	}

	return strings.Join(parts, " · ")
}
