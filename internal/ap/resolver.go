package ap

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// RemoteActor mirrors a fetched ActivityStreams actor document: the id,
// inbox URL, and public key needed to verify and deliver to it.
type RemoteActor struct {
	ID        string
	Inbox     string
	PublicKey *rsa.PublicKey
	KeyID     string
}

// resolved is what the LRU actually stores: either a RemoteActor or the
// error from a failed fetch. Errors are cached too, per spec §4.2/§7, so a
// broken actor does not trigger a re-fetch storm.
type resolved struct {
	actor *RemoteActor
	err   error
}

// ActorResolver is a bounded, single-flight cached fetcher of remote actor
// documents. The first caller for a missing URI performs the fetch; any
// concurrent callers for the same URI block on a shared waiter channel
// instead of issuing their own request.
type ActorResolver struct {
	cache *lru.Cache[string, resolved]

	mu      sync.Mutex
	waiters map[string][]chan resolved

	signer      *SigningPool
	localKeyID  string
	localKey    *rsa.PrivateKey
}

// NewActorResolver creates a resolver with the given LRU capacity (spec
// default ~64). The resolver signs its own fetches with localKeyID/localKey,
// as required by peers that only answer authenticated actor GETs.
func NewActorResolver(capacity int, signer *SigningPool, localKeyID string, localKey *rsa.PrivateKey) *ActorResolver {
	if capacity <= 0 {
		capacity = 64
	}
	c, err := lru.New[string, resolved](capacity)
	if err != nil {
		panic(fmt.Sprintf("actor resolver: bad LRU capacity %d: %v", capacity, err))
	}
	return &ActorResolver{
		cache:      c,
		waiters:    make(map[string][]chan resolved),
		signer:     signer,
		localKeyID: localKeyID,
		localKey:   localKey,
	}
}

// Resolve returns the RemoteActor for uri, fetching it if not cached.
// Concurrent calls for the same uri collapse into a single network fetch.
func (r *ActorResolver) Resolve(ctx context.Context, uri string) (*RemoteActor, error) {
	r.mu.Lock()
	if v, ok := r.cache.Get(uri); ok {
		r.mu.Unlock()
		return v.actor, v.err
	}

	if waiters, pending := r.waiters[uri]; pending {
		ch := make(chan resolved, 1)
		r.waiters[uri] = append(waiters, ch)
		r.mu.Unlock()
		select {
		case v := <-ch:
			return v.actor, v.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	// We are the elected fetcher.
	r.waiters[uri] = nil
	r.mu.Unlock()

	actor, err := r.fetch(ctx, uri)
	v := resolved{actor: actor, err: err}

	r.mu.Lock()
	r.cache.Add(uri, v)
	waiters := r.waiters[uri]
	delete(r.waiters, uri)
	r.mu.Unlock()

	for _, ch := range waiters {
		ch <- v
	}
	return actor, err
}

// PublicKey resolves actorURI and returns its public key, for use as the
// actorKey callback to VerifySignature.
func (r *ActorResolver) PublicKey(ctx context.Context, actorURI string) (*rsa.PublicKey, error) {
	actor, err := r.Resolve(ctx, actorURI)
	if err != nil {
		return nil, err
	}
	return actor.PublicKey, nil
}

func (r *ActorResolver) fetch(ctx context.Context, uri string) (*RemoteActor, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, errHTTPReq(err)
	}
	req.Header.Set("Accept", `application/activity+json, application/ld+json; profile="https://www.w3.org/ns/activitystreams"`)
	req.Header.Set("User-Agent", "buzzrelay/1.0 (+https://github.com/astro/buzzrelay)")
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	req.Header.Set("Host", req.URL.Host)

	if r.signer != nil && r.localKey != nil {
		if err := r.signer.Sign(ctx, req, nil, r.localKey, r.localKeyID); err != nil {
			return nil, err
		}
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, errHTTP(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, errResponse(fmt.Sprintf("HTTP %d fetching %s", resp.StatusCode, uri))
	}

	var doc Actor
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, errJSON(err)
	}
	if doc.PublicKey == nil || doc.PublicKey.PublicKeyPem == "" {
		return nil, fmt.Errorf("actor %s has no public key", uri)
	}
	pub, err := parsePublicKeyPEM(doc.PublicKey.PublicKeyPem)
	if err != nil {
		return nil, err
	}

	return &RemoteActor{
		ID:        doc.ID,
		Inbox:     effectiveInbox(&doc),
		PublicKey: pub,
		KeyID:     doc.PublicKey.ID,
	}, nil
}

// effectiveInbox prefers the actor's shared inbox when present; FanOut
// dedups by inbox URL so this naturally collapses multiple recipients at
// the same origin onto one delivery.
func effectiveInbox(a *Actor) string {
	if a.Endpoints != nil && a.Endpoints.SharedInbox != "" {
		return a.Endpoints.SharedInbox
	}
	return a.Inbox
}

func parsePublicKeyPEM(pemStr string) (*rsa.PublicKey, error) {
	block, _ := decodePEM([]byte(pemStr))
	if block == nil {
		return nil, fmt.Errorf("invalid PEM")
	}
	return parsePublicKey(block.Bytes)
}
