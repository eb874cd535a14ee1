package ap

import (
	"fmt"
	"strings"

	"github.com/astro/buzzrelay/internal/topic"
)

// RenderActor builds the ActivityStreams Service document for a local topic
// actor: canonical context, inbox == id, a per-host shared inbox, an outbox
// stub, and a publicKey sub-object, per spec §4.7.
func RenderActor(t topic.TopicActor, publicKeyPEM string) map[string]interface{} {
	uri := t.URI()
	doc := Actor{
		ID:                uri,
		Type:              "Service",
		PreferredUsername: t.PreferredUsername(),
		Inbox:             uri,
		Outbox:            uri + "/outbox",
		PublicKey: &PublicKey{
			ID:           t.KeyURI(),
			Owner:        uri,
			PublicKeyPem: publicKeyPEM,
		},
		Endpoints: &Endpoints{
			SharedInbox: "https://" + t.Host + "/instance/" + t.Host,
		},
	}
	return WithContext(doc)
}

// EmptyOutbox renders the outbox stub: an empty OrderedCollection.
func EmptyOutbox(outboxID string) map[string]interface{} {
	return WithContext(OrderedCollection{
		ID:           outboxID,
		Type:         "OrderedCollection",
		TotalItems:   0,
		OrderedItems: []interface{}{},
	})
}

// ParseResource parses a WebFinger "resource" query parameter shaped as
// either "acct:{kind}-{payload}@{host}" or the HTTPS actor URL
// "https://{host}/{kind}/{payload}", returning the TopicActor it names.
func ParseResource(resource, expectHost string) (topic.TopicActor, error) {
	if strings.HasPrefix(resource, "acct:") {
		return parseAcct(strings.TrimPrefix(resource, "acct:"), expectHost)
	}
	if strings.HasPrefix(resource, "https://") {
		return parseActorURL(resource, expectHost)
	}
	return topic.TopicActor{}, fmt.Errorf("unsupported resource form %q", resource)
}

func parseAcct(handle, expectHost string) (topic.TopicActor, error) {
	parts := strings.SplitN(handle, "@", 2)
	if len(parts) != 2 {
		return topic.TopicActor{}, fmt.Errorf("malformed acct handle %q", handle)
	}
	user, host := parts[0], parts[1]
	if host != expectHost {
		return topic.TopicActor{}, fmt.Errorf("acct host %q does not match local host %q", host, expectHost)
	}
	kind, payload, ok := strings.Cut(user, "-")
	if !ok {
		return topic.TopicActor{}, fmt.Errorf("malformed acct user %q", user)
	}
	k, err := kindFromSegment(kind)
	if err != nil {
		return topic.TopicActor{}, err
	}
	return topic.TopicActor{Kind: k, Payload: payload, Host: host}, nil
}

func parseActorURL(rawURL, expectHost string) (topic.TopicActor, error) {
	rest := strings.TrimPrefix(rawURL, "https://")
	segs := strings.Split(rest, "/")
	if len(segs) != 3 {
		return topic.TopicActor{}, fmt.Errorf("expected https://{host}/{kind}/{payload}, got %q", rawURL)
	}
	host, kind, payload := segs[0], segs[1], segs[2]
	if host != expectHost {
		return topic.TopicActor{}, fmt.Errorf("url host %q does not match local host %q", host, expectHost)
	}
	k, err := kindFromSegment(kind)
	if err != nil {
		return topic.TopicActor{}, err
	}
	return topic.TopicActor{Kind: k, Payload: payload, Host: host}, nil
}

func kindFromSegment(s string) (topic.Kind, error) {
	switch s {
	case "tag":
		return topic.TagRelay, nil
	case "instance":
		return topic.InstanceRelay, nil
	case "language":
		return topic.LanguageRelay, nil
	default:
		return 0, fmt.Errorf("unknown topic-actor kind %q", s)
	}
}
