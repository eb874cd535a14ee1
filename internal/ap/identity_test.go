package ap

import (
	"testing"

	"github.com/astro/buzzrelay/internal/topic"
)

func TestParseResourceAcct(t *testing.T) {
	got, err := ParseResource("acct:tag-foo@relay.example.org", "relay.example.org")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := topic.TopicActor{Kind: topic.TagRelay, Payload: "foo", Host: "relay.example.org"}
	if !got.Equal(want) {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestParseResourceActorURL(t *testing.T) {
	got, err := ParseResource("https://relay.example.org/instance/mastodon.social", "relay.example.org")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := topic.TopicActor{Kind: topic.InstanceRelay, Payload: "mastodon.social", Host: "relay.example.org"}
	if !got.Equal(want) {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestParseResourceRejectsWrongHost(t *testing.T) {
	if _, err := ParseResource("acct:tag-foo@other.example", "relay.example.org"); err == nil {
		t.Fatal("expected rejection of mismatched host")
	}
}

func TestParseResourceRejectsUnknownKind(t *testing.T) {
	if _, err := ParseResource("https://relay.example.org/bogus/foo", "relay.example.org"); err == nil {
		t.Fatal("expected rejection of unknown topic-actor kind")
	}
}

func TestRenderActorIncludesKeyURIAndSharedInbox(t *testing.T) {
	tActor := topic.TopicActor{Kind: topic.TagRelay, Payload: "foo", Host: "relay.example.org"}
	doc := RenderActor(tActor, "PEM-DATA")

	if doc["id"] != tActor.URI() {
		t.Errorf("id = %v", doc["id"])
	}
	if doc["type"] != "Service" {
		t.Errorf("type = %v", doc["type"])
	}
	pubKey, ok := doc["publicKey"].(map[string]interface{})
	if !ok {
		t.Fatalf("publicKey not a map: %T", doc["publicKey"])
	}
	if pubKey["id"] != tActor.KeyURI() {
		t.Errorf("publicKey.id = %v, want %q", pubKey["id"], tActor.KeyURI())
	}
	if pubKey["publicKeyPem"] != "PEM-DATA" {
		t.Errorf("publicKey.publicKeyPem = %v", pubKey["publicKeyPem"])
	}
}

func TestEmptyOutboxIsEmptyCollection(t *testing.T) {
	doc := EmptyOutbox("https://relay.example.org/tag/foo/outbox")
	if doc["type"] != "OrderedCollection" {
		t.Errorf("type = %v", doc["type"])
	}
	if doc["totalItems"] != float64(0) {
		t.Errorf("totalItems = %v, want 0", doc["totalItems"])
	}
}
