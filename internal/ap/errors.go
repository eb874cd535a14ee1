package ap

import "fmt"

// Error is the relay's error taxonomy for signed-request handling; Kind
// tells the failure classes apart for errors.As callers. The inbox HTTP
// handler does not map kinds to distinct statuses: it answers every
// verification failure with 401. The outbound timing histograms label
// outcomes only as "ok" or "error", not per kind.
type Error struct {
	Kind Kind
	URI  string // populated for KindSignatureFail
	Body string // populated for KindResponse
	err  error
}

type Kind int

const (
	KindDigest Kind = iota
	KindJSON
	KindSignature
	KindSignatureFail
	KindHTTPReq
	KindHTTP
	KindInvalidURI
	KindResponse
)

func (e *Error) Error() string {
	switch e.Kind {
	case KindDigest:
		return fmt.Sprintf("digest: %v", e.err)
	case KindJSON:
		return fmt.Sprintf("json: %v", e.err)
	case KindSignature:
		return fmt.Sprintf("signature: %v", e.err)
	case KindSignatureFail:
		return fmt.Sprintf("signature verification failed for %s: %v", e.URI, e.err)
	case KindHTTPReq:
		return fmt.Sprintf("http request: %v", e.err)
	case KindHTTP:
		return fmt.Sprintf("http: %v", e.err)
	case KindInvalidURI:
		return fmt.Sprintf("invalid uri: %v", e.err)
	case KindResponse:
		return fmt.Sprintf("response: %s", e.Body)
	default:
		return e.err.Error()
	}
}

func (e *Error) Unwrap() error { return e.err }

func errDigest(err error) error          { return &Error{Kind: KindDigest, err: err} }
func errJSON(err error) error            { return &Error{Kind: KindJSON, err: err} }
func errSignature(err error) error       { return &Error{Kind: KindSignature, err: err} }
func errSignatureFail(uri string, err error) error {
	return &Error{Kind: KindSignatureFail, URI: uri, err: err}
}
func errHTTPReq(err error) error   { return &Error{Kind: KindHTTPReq, err: err} }
func errHTTP(err error) error      { return &Error{Kind: KindHTTP, err: err} }
func errInvalidURI(err error) error { return &Error{Kind: KindInvalidURI, err: err} }
func errResponse(body string) error {
	return &Error{Kind: KindResponse, Body: body, err: fmt.Errorf("non-2xx response")}
}
