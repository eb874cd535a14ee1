// Package ingest implements the Ingester component from spec §4.3: one
// supervised task per upstream host, streaming public posts in over
// server-sent events and forwarding them onto a shared bounded channel.
package ingest

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/astro/buzzrelay/internal/topic"
)

// ChanCap is the capacity of the shared post channel fed by every Ingester.
const ChanCap = 1024

// reconnectDelay is how long an Ingester sleeps after any stream error or
// unexpected stream end before retrying, per spec §4.3.
const reconnectDelay = 1 * time.Second

// Ingester streams the public timeline of one upstream host and decodes
// each update event into a topic.Post, publishing onto a shared channel.
type Ingester struct {
	host   string
	client *http.Client
	out    chan<- topic.Post
}

// New constructs an Ingester for host, publishing decoded posts onto out.
// out is expected to be shared across every configured stream's Ingester.
func New(host string, out chan<- topic.Post) *Ingester {
	return &Ingester{
		host: host,
		client: &http.Client{
			// No overall timeout: this is a long-lived streaming GET.
			// The connection is bounded instead by the server closing
			// the stream or the context being cancelled.
		},
		out: out,
	}
}

// Run supervises the stream for host until ctx is cancelled, reconnecting
// on every error or stream end after reconnectDelay.
func (g *Ingester) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := g.streamOnce(ctx); err != nil {
			slog.Warn("ingest stream error, reconnecting", "host", g.host, "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

func (g *Ingester) streamOnce(ctx context.Context) error {
	reqURL := fmt.Sprintf("https://%s/api/v1/streaming/public", g.host)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	ct := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(ct, "text/event-stream") {
		return fmt.Errorf("unexpected content-type %q", ct)
	}

	slog.Info("ingest stream connected", "host", g.host)
	return g.readEvents(ctx, resp.Body)
}

// readEvents scans resp.Body as text/event-stream framing (RFC-defined:
// fields separated by ':', events terminated by a blank line) and forwards
// every "update" event's data onto the shared channel as a decoded Post.
func (g *Ingester) readEvents(ctx context.Context, body io.Reader) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var eventName string
	var dataLines []string

	flush := func() {
		if eventName == "update" && len(dataLines) > 0 {
			g.publish(ctx, strings.Join(dataLines, "\n"))
		}
		eventName = ""
		dataLines = nil
	}

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Text()
		if line == "" {
			flush()
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			eventName = value
		case "data":
			dataLines = append(dataLines, value)
		default:
			// ignore id:, retry:, and comment lines
		}
	}
	flush()
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan stream: %w", err)
	}
	return fmt.Errorf("stream ended")
}

// streamingPost is the upstream wire shape of a public-timeline update
// event: a status with its source URL, hashtags, and language.
type streamingPost struct {
	URI      string `json:"uri"`
	URL      string `json:"url"`
	Language string `json:"language"`
	Tags     []struct {
		Name string `json:"name"`
	} `json:"tags"`
}

func (g *Ingester) publish(ctx context.Context, data string) {
	var sp streamingPost
	if err := json.Unmarshal([]byte(data), &sp); err != nil {
		slog.Warn("ingest: dropping unparseable update event", "host", g.host, "error", err)
		return
	}
	tags := make([]string, len(sp.Tags))
	for i, tag := range sp.Tags {
		tags[i] = tag.Name
	}
	post := topic.Post{
		URL:      sp.URL,
		URI:      sp.URI,
		Tags:     tags,
		Language: sp.Language,
	}
	select {
	case g.out <- post:
	case <-ctx.Done():
	default:
		slog.Warn("ingest: dropping post, shared channel full", "host", g.host)
	}
}
