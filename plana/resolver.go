package plana

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

var ErrNoResults = errors.New("no tracks found")

// TrackResolver turns a URL or search query into playable tracks
type TrackResolver interface {
	// Resolve returns one track for a plain URL or search query, or every
	// entry for a playlist URL
	Resolve(ctx context.Context, query string) ([]Track, error)
}

// ytdlpResolver resolves tracks by shelling out to yt-dlp and parsing
// its JSON output, one object per line (playlists emit one per entry)
type ytdlpResolver struct {
	executable string
	logger     *slog.Logger
}

func NewYTDLPResolver(executable string, logger *slog.Logger) TrackResolver {
	if executable == "" {
		executable = DefaultMusicResolverPath
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ytdlpResolver{
		executable: executable,
		logger:     logger.With(loggerNameKey, "resolver"),
	}
}

type ytdlpEntry struct {
	Title      string  `json:"title"`
	WebpageURL string  `json:"webpage_url"`
	URL        string  `json:"url"`
	Duration   float64 `json:"duration"`
	Thumbnail  string  `json:"thumbnail"`
	IsLive     bool    `json:"is_live"`
}

func (r *ytdlpResolver) Resolve(
	ctx context.Context,
	query string,
) ([]Track, error) {
	target := query
	if !strings.HasPrefix(query, "http://") &&
		!strings.HasPrefix(query, "https://") {
		target = "ytsearch1:" + query
	}

	started := time.Now()
	cmd := exec.CommandContext(
		ctx,
		r.executable,
		"--dump-json",
		"--no-warnings",
		"--format", "bestaudio/best",
		"--default-search", "ytsearch",
		target,
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		detail := strings.TrimSpace(stderr.String())
		if detail != "" {
			return nil, fmt.Errorf("%s: %s: %w", r.executable, detail, err)
		}
		return nil, fmt.Errorf("%s: %w", r.executable, err)
	}

	var tracks []Track
	scanner := bufio.NewScanner(&stdout)
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var entry ytdlpEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			r.logger.WarnContext(
				ctx,
				"skipping unparseable resolver output",
				"error", err,
			)
			continue
		}
		track := Track{
			Title:     entry.Title,
			SourceURL: entry.WebpageURL,
			StreamURL: entry.URL,
			Thumbnail: entry.Thumbnail,
		}
		if !entry.IsLive {
			track.Duration = time.Duration(entry.Duration * float64(time.Second))
		}
		if track.SourceURL == "" {
			track.SourceURL = query
		}
		tracks = append(tracks, track)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(tracks) == 0 {
		return nil, fmt.Errorf("%w for %q", ErrNoResults, query)
	}

	r.logger.DebugContext(
		ctx,
		"resolved tracks",
		"query", query,
		"count", len(tracks),
		"elapsed", time.Since(started),
	)
	return tracks, nil
}
