// Package inbound implements the InboundHandler component from spec §4.6:
// parsing and dispatching a signature-verified inbound activity into a
// Follow handshake, an Undo-Follow teardown, or a no-op acknowledgement.
package inbound

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/astro/buzzrelay/internal/ap"
	"github.com/astro/buzzrelay/internal/bus"
	"github.com/astro/buzzrelay/internal/topic"
)

// FollowStore is the subset of the follow store the handler needs.
type FollowStore interface {
	AddFollow(remoteActorID, remoteInbox, actorURI string) error
	DelFollow(remoteActorID, actorURI string) error
}

// Resolver resolves a remote actor URI to its inbox and key material.
type Resolver interface {
	Resolve(ctx context.Context, uri string) (*ap.RemoteActor, error)
}

// acceptTimeout bounds the detached background work spawned to deliver an
// Accept activity, since it runs after the triggering HTTP request has
// already been answered.
const acceptTimeout = 30 * time.Second

// Handler dispatches verified inbound activities.
type Handler struct {
	host     string
	store    FollowStore
	resolver Resolver
	signer   *ap.SigningPool
	key      *rsa.PrivateKey
	bus      bus.Bus
}

// New constructs a Handler. host is the relay's own hostname, used to
// validate target-override URIs. key is the relay's single RSA key pair;
// every topic actor shares it but signs under its own `{uri}#key` id, so
// the handler computes the key id per target rather than taking a fixed one.
func New(host string, store FollowStore, resolver Resolver, signer *ap.SigningPool, key *rsa.PrivateKey, externalBus bus.Bus) *Handler {
	return &Handler{
		host:     host,
		store:    store,
		resolver: resolver,
		signer:   signer,
		key:      key,
		bus:      externalBus,
	}
}

// Handle processes one signature-verified inbound activity addressed to
// pathTopic (the topic actor named by the request URL) and returns the
// HTTP status to send. body is the exact bytes that were signature-
// verified, forwarded unmodified to the external bus.
func (h *Handler) Handle(ctx context.Context, pathTopic topic.TopicActor, body []byte) int {
	h.publishToBus(body)

	var act ap.IncomingActivity
	if err := json.Unmarshal(body, &act); err != nil {
		return http.StatusBadRequest
	}

	switch act.Type {
	case "Follow":
		return h.handleFollow(pathTopic, act, body)
	case "Undo":
		return h.handleUndo(pathTopic, act)
	default:
		// Acknowledge without acting: this avoids giving remote peers a
		// signal they can use to fingerprint which activity types we
		// actually recognize.
		return http.StatusAccepted
	}
}

func (h *Handler) handleFollow(pathTopic topic.TopicActor, act ap.IncomingActivity, rawFollow []byte) int {
	target := pathTopic
	if override, ok := h.parseTargetOverride(act.Object); ok {
		target = override
	}
	go h.acceptFollow(target, act.Actor, rawFollow)
	return http.StatusAccepted
}

// acceptFollow runs detached from the request that triggered it: the
// handler has already answered 202, so this uses its own bounded context
// rather than the (by-then-cancelled) request context.
func (h *Handler) acceptFollow(target topic.TopicActor, remoteActorURI string, rawFollow []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), acceptTimeout)
	defer cancel()

	remote, err := h.resolver.Resolve(ctx, remoteActorURI)
	if err != nil {
		slog.Warn("follow: could not resolve remote actor", "actor", remoteActorURI, "error", err)
		return
	}

	accept := ap.Activity{
		ID:        fmt.Sprintf("https://%s/activity/accept/%s/%s", h.host, url.QueryEscape(target.URI()), url.QueryEscape(remote.Inbox)),
		Type:      "Accept",
		Actor:     target.URI(),
		Object:    json.RawMessage(rawFollow),
		To:        []string{remote.ID},
		Published: time.Now().UTC().Format(time.RFC3339),
	}
	doc := ap.WithContext(accept)

	if err := ap.Send(ctx, h.signer, remote.Inbox, doc, target.KeyURI(), h.key); err != nil {
		slog.Warn("follow: failed to deliver accept", "target", target.URI(), "remote", remoteActorURI, "error", err)
		return
	}
	if err := h.store.AddFollow(remote.ID, remote.Inbox, target.URI()); err != nil {
		slog.Error("follow: failed to record follow", "target", target.URI(), "remote", remoteActorURI, "error", err)
	}
}

// handleUndo implements the REDESIGN resolved from spec.md §9: unlike the
// looser source this was adapted from, an Undo(Follow) whose inner object
// does not parse as a local topic-actor URI on our hostname is rejected
// with 400 rather than silently falling back to the path's topic.
func (h *Handler) handleUndo(pathTopic topic.TopicActor, act ap.IncomingActivity) int {
	var inner ap.IncomingActivity
	if err := json.Unmarshal(act.Object, &inner); err != nil {
		return http.StatusBadRequest
	}
	if inner.Type != "Follow" {
		return http.StatusAccepted
	}

	target := pathTopic
	if len(inner.Object) > 0 {
		override, ok := h.parseTargetOverride(inner.Object)
		if !ok {
			return http.StatusBadRequest
		}
		target = override
	}

	if err := h.store.DelFollow(act.Actor, target.URI()); err != nil {
		slog.Error("undo: failed to delete follow", "target", target.URI(), "remote", act.Actor, "error", err)
		return http.StatusInternalServerError
	}
	return http.StatusAccepted
}

// parseTargetOverride reports whether raw (a JSON string field) names a
// local topic-actor URI on our hostname.
func (h *Handler) parseTargetOverride(raw json.RawMessage) (topic.TopicActor, bool) {
	if len(raw) == 0 {
		return topic.TopicActor{}, false
	}
	var uri string
	if err := json.Unmarshal(raw, &uri); err != nil {
		return topic.TopicActor{}, false
	}
	t, err := ap.ParseResource(uri, h.host)
	if err != nil {
		return topic.TopicActor{}, false
	}
	return t, true
}

func (h *Handler) publishToBus(body []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.bus.Publish(ctx, body); err != nil {
		slog.Warn("inbound: failed to publish to external bus", "error", err)
	}
}
