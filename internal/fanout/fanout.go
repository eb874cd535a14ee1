// Package fanout implements the FanOut component from spec §4.5: for every
// ingested post, derive its topic actors, look up each topic's followers,
// and enqueue one signed Announce per distinct destination inbox onto a
// per-destination-host worker.
package fanout

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/astro/buzzrelay/internal/ap"
	"github.com/astro/buzzrelay/internal/topic"
)

var (
	postsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_posts_total",
		Help: "Posts processed by the fan-out, labeled by outcome.",
	}, []string{"action"})
	postDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "relay_post_duration",
		Help: "Time spent deriving topics and enqueueing deliveries for one post.",
	})
)

func init() {
	prometheus.MustRegister(postsTotal, postDuration)
}

// FollowStore is the subset of the external follow store FanOut needs.
type FollowStore interface {
	GetFollowingInboxes(actorURI string) ([]string, error)
}

// FanOut owns one Worker per destination host and dispatches derived
// Announce activities onto them.
type FanOut struct {
	host    string
	store   FollowStore
	deliver Deliverer
	privKey *rsa.PrivateKey

	mu      sync.Mutex
	workers map[string]*Worker
}

// New constructs a FanOut. host is this relay's own hostname, used both to
// derive topic-actor URIs and to skip self-relaying. privKey is the
// relay's single RSA key pair; every topic actor shares it, but signs
// under its own `{uri}#key` id (see ActorIdentity), so the key id is
// computed per topic actor rather than fixed here.
func New(host string, store FollowStore, signer *ap.SigningPool, privKey *rsa.PrivateKey) *FanOut {
	return newFanOut(host, store, &apDeliverer{signer: signer}, privKey)
}

func newFanOut(host string, store FollowStore, deliver Deliverer, privKey *rsa.PrivateKey) *FanOut {
	return &FanOut{
		host:    host,
		store:   store,
		deliver: deliver,
		privKey: privKey,
		workers: make(map[string]*Worker),
	}
}

// Run blocks until ctx is cancelled and does nothing else. Worker
// goroutines are not started here: Dispatch creates one lazily per
// destination host, bound to the ctx passed to that Dispatch call.
func (f *FanOut) Run(ctx context.Context) {
	<-ctx.Done()
}

// Dispatch derives every topic actor for post, looks up each topic's
// followers, and enqueues one signed Announce per distinct, non-self
// destination inbox. Enqueue is non-blocking: a full destination queue
// drops the job rather than blocking other destinations.
func (f *FanOut) Dispatch(ctx context.Context, post topic.Post) {
	start := time.Now()
	defer func() { postDuration.Observe(time.Since(start).Seconds()) }()

	if post.URL == "" {
		postsTotal.WithLabelValues("skip").Inc()
		return
	}

	originHost := hostOf(post.URL)

	topics := topic.Derive(post, f.host)

	seenInbox := make(map[string]bool)
	for _, t := range topics {
		inboxes, err := f.store.GetFollowingInboxes(t.URI())
		if err != nil {
			continue
		}
		if len(inboxes) == 0 {
			continue
		}

		body, err := f.renderAnnounce(t, post)
		if err != nil {
			continue
		}

		for _, inbox := range inboxes {
			if seenInbox[inbox] {
				continue
			}
			destHost := hostOf(inbox)
			if destHost == "" || (originHost != "" && destHost == originHost) {
				continue
			}
			seenInbox[inbox] = true

			job := Job{
				PostURL:    post.URL,
				ActorID:    t.URI(),
				Body:       body,
				KeyID:      t.KeyURI(),
				PrivateKey: f.privKey,
				Inbox:      inbox,
			}
			f.workerFor(ctx, destHost).tryEnqueue(job)
		}
	}

	if len(seenInbox) > 0 {
		postsTotal.WithLabelValues("relay").Inc()
	} else {
		postsTotal.WithLabelValues("no_relay").Inc()
	}
}

// renderAnnounce builds the signed-activity body: an Announce of post by
// the topic actor, addressed to Public. The id is derived from the post's
// own URL (not the topic actor's URI), matching the wire contract remote
// peers dedup Announces by; object is the post's canonical AS2 uri.
func (f *FanOut) renderAnnounce(t topic.TopicActor, post topic.Post) ([]byte, error) {
	activity := ap.Activity{
		ID:        fmt.Sprintf("https://%s/announce/%s", f.host, url.QueryEscape(post.URL)),
		Type:      "Announce",
		Actor:     t.URI(),
		Object:    post.URI,
		To:        []string{ap.PublicURI},
		Published: time.Now().UTC().Format(time.RFC3339),
	}
	doc := ap.WithContext(activity)
	return json.Marshal(doc)
}

func (f *FanOut) workerFor(ctx context.Context, host string) *Worker {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.workers[host]
	if !ok {
		w = newWorker(host, f.deliver, nil)
		f.workers[host] = w
		go w.run(ctx)
	}
	return w
}

// apDeliverer adapts ap.Send to the Deliverer interface.
type apDeliverer struct {
	signer *ap.SigningPool
}

func (d *apDeliverer) Deliver(ctx context.Context, job Job) error {
	return ap.SendRaw(ctx, d.signer, job.Inbox, job.Body, job.KeyID, job.PrivateKey)
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
