package ingest

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/astro/buzzrelay/internal/topic"
)

func TestReadEventsForwardsUpdate(t *testing.T) {
	const stream = "event: update\n" +
		"data: {\"uri\":\"https://a.example/1\",\"url\":\"https://a.example/1\",\"language\":\"en\",\"tags\":[{\"name\":\"Foo\"}]}\n" +
		"\n" +
		"event: delete\n" +
		"data: 123\n" +
		"\n"

	out := make(chan topic.Post, 4)
	g := New("a.example", out)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := g.readEvents(ctx, strings.NewReader(stream)); err == nil {
		t.Fatal("expected readEvents to report stream end as an error (to trigger reconnect)")
	}

	select {
	case post := <-out:
		if post.URL != "https://a.example/1" {
			t.Errorf("got post.URL = %q, want https://a.example/1", post.URL)
		}
		if len(post.Tags) != 1 || post.Tags[0] != "Foo" {
			t.Errorf("got tags %v, want [Foo]", post.Tags)
		}
		if post.Language != "en" {
			t.Errorf("got language %q, want en", post.Language)
		}
	default:
		t.Fatal("expected exactly one post forwarded for the update event")
	}

	select {
	case p := <-out:
		t.Fatalf("expected no post forwarded for the delete event, got %+v", p)
	default:
	}
}

func TestReadEventsIgnoresNonUpdateEventTypes(t *testing.T) {
	const stream = "event: status.update\n" +
		"data: {\"uri\":\"https://a.example/2\"}\n" +
		"\n"

	out := make(chan topic.Post, 4)
	g := New("a.example", out)
	_ = g.readEvents(context.Background(), strings.NewReader(stream))

	select {
	case p := <-out:
		t.Fatalf("expected no post forwarded, got %+v", p)
	default:
	}
}

func TestPublishDropsUnparseableData(t *testing.T) {
	out := make(chan topic.Post)
	g := New("a.example", out)
	g.publish(context.Background(), "not json")

	select {
	case p := <-out:
		t.Fatalf("expected nothing published, got %+v", p)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestPublishDropsWhenChannelFull(t *testing.T) {
	out := make(chan topic.Post, 1)
	out <- topic.Post{URL: "already queued"}
	g := New("a.example", out)

	g.publish(context.Background(), `{"url":"https://a.example/3"}`)

	first := <-out
	if first.URL != "already queued" {
		t.Fatalf("expected the pre-existing post to remain, got %+v", first)
	}
	select {
	case p := <-out:
		t.Fatalf("expected the new post to be dropped, got %+v", p)
	default:
	}
}
