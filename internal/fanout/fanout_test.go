package fanout

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/astro/buzzrelay/internal/topic"
)

// fakeStore maps topic actor URIs to follower inboxes.
type fakeStore struct {
	mu        sync.Mutex
	followers map[string][]string
}

func (s *fakeStore) GetFollowingInboxes(actorURI string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.followers[actorURI], nil
}

// recordingDeliverer counts deliveries per inbox, optionally failing.
type recordingDeliverer struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]bool
}

func (d *recordingDeliverer) Deliver(ctx context.Context, job Job) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, job.Inbox)
	if d.fail[job.Inbox] {
		return errFake
	}
	return nil
}

var errFake = &fakeErr{"delivery failed"}

type fakeErr struct{ msg string }

func (e *fakeErr) Error() string { return e.msg }

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestDispatchNoSelfRelay(t *testing.T) {
	store := &fakeStore{followers: map[string][]string{
		"https://relay.example.org/instance/origin.example": {"https://origin.example/inbox"},
	}}
	deliverer := &recordingDeliverer{}
	fo := newFanOut("relay.example.org", store, deliverer, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	post := topic.Post{URL: "https://origin.example/posts/1", URI: "https://origin.example/posts/1"}
	fo.Dispatch(ctx, post)

	time.Sleep(50 * time.Millisecond)
	deliverer.mu.Lock()
	defer deliverer.mu.Unlock()
	if len(deliverer.calls) != 0 {
		t.Fatalf("expected no deliveries to origin host, got %v", deliverer.calls)
	}
}

func TestDispatchDedupAcrossTopics(t *testing.T) {
	store := &fakeStore{followers: map[string][]string{
		"https://relay.example.org/instance/a.example": {"https://b.example/inbox"},
		"https://relay.example.org/tag/foo":             {"https://b.example/inbox"},
	}}
	deliverer := &recordingDeliverer{}
	fo := newFanOut("relay.example.org", store, deliverer, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	post := topic.Post{URL: "https://a.example/posts/1", URI: "https://a.example/posts/1", Tags: []string{"Foo"}}
	fo.Dispatch(ctx, post)

	waitFor(t, func() bool {
		deliverer.mu.Lock()
		defer deliverer.mu.Unlock()
		return len(deliverer.calls) == 1
	})
}

func TestWorkerBackoffMonotonic(t *testing.T) {
	deliverer := &recordingDeliverer{fail: map[string]bool{"https://c.example/inbox": true}}
	w := newWorker("c.example", deliverer, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.run(ctx)

	job := Job{Inbox: "https://c.example/inbox"}
	if !w.tryEnqueue(job) {
		t.Fatal("expected enqueue to succeed")
	}
	waitFor(t, func() bool {
		w.mu.Lock()
		defer w.mu.Unlock()
		return w.errors == 1
	})

	// Immediately after one failure, a second job should be throttled away
	// (discarded without calling Deliver) since less than 10s has elapsed.
	w.tryEnqueue(Job{Inbox: "https://c.example/inbox"})
	time.Sleep(50 * time.Millisecond)

	deliverer.mu.Lock()
	calls := len(deliverer.calls)
	deliverer.mu.Unlock()
	if calls != 1 {
		t.Fatalf("expected exactly 1 delivery attempt (second throttled), got %d", calls)
	}
}

func TestWorkerDropOnFullQueue(t *testing.T) {
	block := make(chan struct{})
	deliverer := &blockingDeliverer{block: block}
	w := newWorker("d.example", deliverer, nil)

	// Fill the queue without a running worker consuming it.
	filled := 0
	for i := 0; i < workerChanCap; i++ {
		if w.tryEnqueue(Job{Inbox: "https://d.example/inbox"}) {
			filled++
		}
	}
	if filled != workerChanCap {
		t.Fatalf("expected to fill %d slots, filled %d", workerChanCap, filled)
	}
	if w.tryEnqueue(Job{Inbox: "https://d.example/inbox"}) {
		t.Fatal("expected enqueue on full channel to fail")
	}
	close(block)
}

type blockingDeliverer struct {
	block chan struct{}
}

func (d *blockingDeliverer) Deliver(ctx context.Context, job Job) error {
	<-d.block
	return nil
}

func TestRenderAnnounceIDFromPostURL(t *testing.T) {
	fo := newFanOut("relay.example.org", nil, nil, nil)
	tActor := topic.TopicActor{Kind: topic.TagRelay, Payload: "foo", Host: "relay.example.org"}
	post := topic.Post{URL: "https://origin.example/posts/1", URI: "https://origin.example/users/a/statuses/1"}

	body, err := fo.renderAnnounce(tActor, post)
	if err != nil {
		t.Fatalf("renderAnnounce: %v", err)
	}

	wantID := "https://relay.example.org/announce/https%3A%2F%2Forigin.example%2Fposts%2F1"
	if !strings.Contains(string(body), `"id":"`+wantID+`"`) {
		t.Fatalf("announce body missing expected id %q: %s", wantID, body)
	}
	if !strings.Contains(string(body), `"object":"`+post.URI+`"`) {
		t.Fatalf("announce body object should be post.URI, got: %s", body)
	}
}

func TestDispatchSkipsRepostsWithoutURL(t *testing.T) {
	store := &fakeStore{followers: map[string][]string{}}
	deliverer := &recordingDeliverer{}
	fo := newFanOut("relay.example.org", store, deliverer, nil)

	before := testutil.ToFloat64(postsTotal.WithLabelValues("skip"))
	fo.Dispatch(context.Background(), topic.Post{URI: "https://origin.example/posts/1"})
	after := testutil.ToFloat64(postsTotal.WithLabelValues("skip"))
	if after != before+1 {
		t.Fatalf("expected skip counter to increment by 1, got %v -> %v", before, after)
	}
}

func TestDispatchMetricActionRelayAndNoRelay(t *testing.T) {
	store := &fakeStore{followers: map[string][]string{
		"https://relay.example.org/tag/foo": {"https://b.example/inbox"},
	}}
	deliverer := &recordingDeliverer{}
	fo := newFanOut("relay.example.org", store, deliverer, nil)

	relayBefore := testutil.ToFloat64(postsTotal.WithLabelValues("relay"))
	fo.Dispatch(context.Background(), topic.Post{URL: "https://a.example/posts/1", URI: "https://a.example/posts/1", Tags: []string{"Foo"}})
	waitFor(t, func() bool {
		return testutil.ToFloat64(postsTotal.WithLabelValues("relay")) == relayBefore+1
	})

	noRelayBefore := testutil.ToFloat64(postsTotal.WithLabelValues("no_relay"))
	fo.Dispatch(context.Background(), topic.Post{URL: "https://a.example/posts/2", URI: "https://a.example/posts/2"})
	noRelayAfter := testutil.ToFloat64(postsTotal.WithLabelValues("no_relay"))
	if noRelayAfter != noRelayBefore+1 {
		t.Fatalf("expected no_relay counter to increment by 1, got %v -> %v", noRelayBefore, noRelayAfter)
	}
}
