package ap

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
)

func actorDocPEM(t *testing.T, pub *rsa.PublicKey) string {
	t.Helper()
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}

func TestActorResolverFetchesAndCaches(t *testing.T) {
	key := testKeyPair(t)
	var hits int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		fmt.Fprintf(w, `{"id":%q,"inbox":%q,"publicKey":{"id":%q,"publicKeyPem":%q}}`,
			"https://remote.example/actor", "https://remote.example/inbox",
			"https://remote.example/actor#key", actorDocPEM(t, &key.PublicKey))
	}))
	defer srv.Close()

	r := NewActorResolver(8, nil, "", nil)
	actor, err := r.Resolve(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if actor.Inbox != "https://remote.example/inbox" {
		t.Errorf("inbox = %q", actor.Inbox)
	}

	if _, err := r.Resolve(context.Background(), srv.URL); err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if atomic.LoadInt32(&hits) != 1 {
		t.Fatalf("expected exactly one fetch due to caching, got %d", hits)
	}
}

func TestActorResolverSingleFlight(t *testing.T) {
	key := testKeyPair(t)
	var hits int32
	release := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		<-release
		fmt.Fprintf(w, `{"id":%q,"inbox":%q,"publicKey":{"id":%q,"publicKeyPem":%q}}`,
			"https://remote.example/actor", "https://remote.example/inbox",
			"https://remote.example/actor#key", actorDocPEM(t, &key.PublicKey))
	}))
	defer srv.Close()

	r := NewActorResolver(8, nil, "", nil)

	var wg sync.WaitGroup
	results := make([]error, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = r.Resolve(context.Background(), srv.URL)
		}(i)
	}
	close(release)
	wg.Wait()

	for i, err := range results {
		if err != nil {
			t.Errorf("resolve[%d]: %v", i, err)
		}
	}
	if atomic.LoadInt32(&hits) != 1 {
		t.Fatalf("expected single-flight to collapse into one fetch, got %d", hits)
	}
}

func TestActorResolverCachesErrors(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	r := NewActorResolver(8, nil, "", nil)
	if _, err := r.Resolve(context.Background(), srv.URL); err == nil {
		t.Fatal("expected resolve of 404 actor to fail")
	}
	if _, err := r.Resolve(context.Background(), srv.URL); err == nil {
		t.Fatal("expected second resolve to also fail (cached error)")
	}
	if atomic.LoadInt32(&hits) != 1 {
		t.Fatalf("expected error to be cached, not re-fetched, got %d hits", hits)
	}
}
