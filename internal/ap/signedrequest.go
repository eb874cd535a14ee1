package ap

import (
	"bytes"
	"context"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/go-fed/httpsig"
	"github.com/prometheus/client_golang/prometheus"
)

// httpClient is used for all outbound signed requests. Per spec: 5s total
// timeout, 5s idle-connection eviction.
var httpClient = &http.Client{
	Timeout: 5 * time.Second,
	Transport: &http.Transport{
		IdleConnTimeout: 5 * time.Second,
	},
}

var (
	signDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "relay_sign_duration_seconds",
		Help: "Time spent producing an HTTP signature for an outbound request.",
	}, []string{"outcome"})
	deliverDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "relay_deliver_duration_seconds",
		Help: "Round-trip time for a signed outbound delivery.",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(signDuration, deliverDuration)
}

// signJob is the unit of work handed to the blocking-capable signing pool:
// producing an RSA signature is CPU-bound and must not stall the goroutines
// servicing network I/O.
type signJob struct {
	req    *http.Request
	body   []byte
	key    *rsa.PrivateKey
	keyID  string
	done   chan error
}

// SigningPool offloads RSA signature generation to a small fixed set of
// worker goroutines, so a burst of outbound deliveries cannot starve other
// goroutines that happen to be scheduled on the same logical processor.
type SigningPool struct {
	jobs chan signJob
}

// NewSigningPool starts n worker goroutines. n <= 0 defaults to 4.
func NewSigningPool(n int) *SigningPool {
	if n <= 0 {
		n = 4
	}
	p := &SigningPool{jobs: make(chan signJob, 64)}
	for i := 0; i < n; i++ {
		go p.worker()
	}
	return p
}

func (p *SigningPool) worker() {
	for job := range p.jobs {
		job.done <- signNow(job.req, job.body, job.key, job.keyID)
	}
}

// Sign blocks the caller until the request has been signed (headers are
// mutated in place) or the context is cancelled.
func (p *SigningPool) Sign(ctx context.Context, req *http.Request, body []byte, key *rsa.PrivateKey, keyID string) error {
	done := make(chan error, 1)
	job := signJob{req: req, body: body, key: key, keyID: keyID, done: done}
	select {
	case p.jobs <- job:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// signNow performs the actual RSA-SHA256 HTTP signature, covering
// (request-target) host date digest content-type, and records the
// outbound digest header in the bit-exact uppercase / standard-alphabet
// form required for interop (see VerifyDigest for the inbound inverse).
func signNow(req *http.Request, body []byte, key *rsa.PrivateKey, keyID string) (err error) {
	start := time.Now()
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		signDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	}()

	signer, _, serr := httpsig.NewSigner(
		[]httpsig.Algorithm{httpsig.RSA_SHA256},
		httpsig.DigestSha256,
		[]string{httpsig.RequestTarget, "host", "date", "digest", "content-type"},
		httpsig.Signature,
		0,
	)
	if serr != nil {
		err = errSignature(serr)
		return
	}
	if serr := signer.SignRequest(key, keyID, req, body); serr != nil {
		err = errSignature(serr)
		return
	}
	return nil
}

// Send builds and sends a signed POST of activity to inbox. It fails with
// an InvalidUri error if the URI has no host, a Response error if the
// remote status is outside 200-299, and records network-round-trip timing
// tagged by outcome.
func Send(ctx context.Context, pool *SigningPool, inbox string, activity interface{}, keyID string, key *rsa.PrivateKey) error {
	body, err := json.Marshal(activity)
	if err != nil {
		return errJSON(err)
	}
	return SendRaw(ctx, pool, inbox, body, keyID, key)
}

// SendRaw is Send for a caller that already has the serialized activity
// body, avoiding a redundant marshal/unmarshal round-trip.
func SendRaw(ctx context.Context, pool *SigningPool, inbox string, body []byte, keyID string, key *rsa.PrivateKey) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, inbox, bytes.NewReader(body))
	if err != nil {
		return errHTTPReq(err)
	}
	if req.URL.Host == "" {
		return errInvalidURI(fmt.Errorf("%s has no host", inbox))
	}
	req.Header.Set("Content-Type", "application/activity+json")
	req.Header.Set("User-Agent", "buzzrelay/1.0 (+https://github.com/astro/buzzrelay)")
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	req.Header.Set("Host", req.URL.Host)

	if err := pool.Sign(ctx, req, body, key, keyID); err != nil {
		return err
	}

	start := time.Now()
	resp, err := httpClient.Do(req)
	outcome := "ok"
	if err != nil {
		outcome = "error"
		deliverDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
		return errHTTP(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		outcome = "error"
		deliverDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
		buf := make([]byte, 2048)
		n, _ := resp.Body.Read(buf)
		return errResponse(string(buf[:n]))
	}
	deliverDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	return nil
}

// VerifyDigest checks the inbound Digest header against the body's SHA-256
// hash. The dominant ecosystem implementation emits the algorithm label
// uppercase ("SHA-256=") with the standard base64 alphabet; this performs
// the inverse transform (downcase the label, swap URL-safe chars back to
// the standard alphabet) before comparing, so both canonicalizations
// interoperate.
func VerifyDigest(body []byte, digestHeader string) error {
	if digestHeader == "" {
		return nil
	}
	lower := strings.ToLower(digestHeader)
	const prefix = "sha-256="
	if !strings.HasPrefix(lower, prefix) {
		return nil // unknown algorithm: skip for forward compatibility
	}
	payload := digestHeader[len(prefix):]
	payload = strings.NewReplacer("-", "+", "_", "/").Replace(payload)

	sum := sha256.Sum256(body)
	want := base64.StdEncoding.EncodeToString(sum[:])
	if payload != want {
		return errDigest(fmt.Errorf("digest mismatch: body SHA-256=%s, header claims %s", want, digestHeader))
	}
	return nil
}

// EncodeDigest renders a SHA-256 digest in the bit-exact outbound form:
// uppercase algorithm label, standard base64 alphabet.
func EncodeDigest(body []byte) string {
	sum := sha256.Sum256(body)
	return "SHA-256=" + base64.StdEncoding.EncodeToString(sum[:])
}

// ContentTypeOK reports whether ct (the Content-Type header, including any
// parameters) names application/json or application/*+json, matching only
// the first media-type token before ';'.
func ContentTypeOK(ct string) bool {
	token := strings.ToLower(strings.TrimSpace(strings.SplitN(ct, ";", 2)[0]))
	if token == "application/json" {
		return true
	}
	return strings.HasPrefix(token, "application/") && strings.HasSuffix(token, "+json")
}

// requireCoveredHeaders parses the headers="..." parameter of the inbound
// Signature (or legacy Authorization) header and confirms every name in
// want is present. go-fed/httpsig verifies whatever the client declared but
// does not itself enforce a minimum header set, so that policy lives here.
func requireCoveredHeaders(req *http.Request, want ...string) error {
	raw := req.Header.Get("Signature")
	if raw == "" {
		raw = req.Header.Get("Authorization")
	}
	m := signatureHeadersParam.FindStringSubmatch(raw)
	if m == nil {
		return errSignature(fmt.Errorf("signature header missing headers= parameter"))
	}
	covered := make(map[string]bool)
	for _, h := range strings.Fields(m[1]) {
		covered[strings.ToLower(h)] = true
	}
	for _, h := range want {
		if !covered[h] {
			return errSignature(fmt.Errorf("signature does not cover required header %q", h))
		}
	}
	return nil
}

var signatureHeadersParam = regexp.MustCompile(`headers="([^"]*)"`)

// VerifySignature performs the four-step inbound check from spec §4.1:
// content-type, header coverage, digest match, and actor-key signature
// verification. actorKey resolves the parsed RSA public key for the
// actor URI (typically via an ActorResolver).
func VerifySignature(req *http.Request, body []byte, actorKey func(ctx context.Context, actorURI string) (*rsa.PublicKey, error)) error {
	ct := req.Header.Get("Content-Type")
	if !ContentTypeOK(ct) {
		return fmt.Errorf("unsupported content-type %q", ct)
	}

	if err := VerifyDigest(body, req.Header.Get("Digest")); err != nil {
		return err
	}

	if err := requireCoveredHeaders(req, "(request-target)", "host", "date", "digest"); err != nil {
		return err
	}

	verifier, err := httpsig.NewVerifier(req)
	if err != nil {
		return errSignature(err)
	}

	var payload struct {
		Actor string `json:"actor"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.Actor == "" {
		return errJSON(fmt.Errorf("body has no actor field"))
	}

	pubKey, err := actorKey(req.Context(), payload.Actor)
	if err != nil {
		return errSignatureFail(payload.Actor, err)
	}

	if err := verifier.Verify(pubKey, httpsig.RSA_SHA256); err != nil {
		return errSignatureFail(payload.Actor, err)
	}
	return nil
}
