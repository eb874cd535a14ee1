// Package topic derives the set of local topic actors a post should be
// announced under, and implements the tag/instance/language normalization
// rules that make derivation pure and deterministic.
package topic

import (
	"net/url"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Kind identifies which of the three topic-actor flavors a TopicActor is.
type Kind int

const (
	TagRelay Kind = iota
	InstanceRelay
	LanguageRelay
)

func (k Kind) pathSegment() string {
	switch k {
	case TagRelay:
		return "tag"
	case InstanceRelay:
		return "instance"
	case LanguageRelay:
		return "language"
	default:
		return "unknown"
	}
}

// TopicActor identifies a local virtual actor: "posts tagged X", "posts from
// host Y", or "posts in language Z". Two topic actors are equal iff their
// kind, payload, and host match exactly.
type TopicActor struct {
	Kind    Kind
	Payload string
	Host    string
}

// URI is the deterministic actor id: https://{host}/{kind}/{payload}.
func (t TopicActor) URI() string {
	return "https://" + t.Host + "/" + t.Kind.pathSegment() + "/" + t.Payload
}

// KeyURI is the actor's public-key id.
func (t TopicActor) KeyURI() string {
	return t.URI() + "#key"
}

// PreferredUsername encodes the kind and payload, e.g. "tag-foo".
func (t TopicActor) PreferredUsername() string {
	return t.Kind.pathSegment() + "-" + t.Payload
}

// Equal reports whether t and o identify the same topic actor.
func (t TopicActor) Equal(o TopicActor) bool {
	return t.Kind == o.Kind && t.Payload == o.Payload && t.Host == o.Host
}

// Post carries the fields extracted from an ingest record that derivation
// needs. URL is nullable — empty marks a repost, which FanOut skips;
// Derive itself emits no instance actor for it but still derives tag and
// language actors.
type Post struct {
	URL      string
	URI      string
	Tags     []string
	Language string
}

// Tag is a named hashtag on a post, matching the shape of the upstream
// streaming API's tag objects ({"name": "..."}).
type Tag struct {
	Name string
}

var trailingDigits = regexp.MustCompile(`^(\p{L}+)(\d+)$`)

// Derive returns, in order, the topic actors post should be announced
// under on the given local host. Duplicates are permitted; FanOut dedups
// downstream. Derive is pure: the same (post, host) always yields the same
// sequence.
func Derive(post Post, host string) []TopicActor {
	var out []TopicActor

	if domain := hostOf(post.URL); domain != "" {
		out = append(out, TopicActor{Kind: InstanceRelay, Payload: strings.ToLower(domain), Host: host})
	}

	for _, name := range post.Tags {
		if name == "" {
			continue
		}
		out = append(out, TopicActor{Kind: TagRelay, Payload: Normalize(name), Host: host})

		if m := trailingDigits.FindStringSubmatch(name); m != nil {
			out = append(out, TopicActor{Kind: TagRelay, Payload: Normalize(m[1]), Host: host})
		}
	}

	if lang := leadingAlpha(strings.ToLower(post.Language)); lang != "" {
		out = append(out, TopicActor{Kind: LanguageRelay, Payload: lang, Host: host})
	}

	return out
}

// hostOf returns the domain of rawURL as written (Derive lowercases it), or
// "" if it cannot be parsed or has no host.
func hostOf(rawURL string) string {
	if rawURL == "" {
		return ""
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return ""
	}
	return u.Hostname()
}

// leadingAlpha returns the longest leading run of alphabetic runes in s.
func leadingAlpha(s string) string {
	end := 0
	for _, r := range s {
		if !unicode.IsLetter(r) {
			break
		}
		end += len(string(r))
	}
	return s[:end]
}

// Normalize implements tag normalization: ASCII-fold (Unicode
// transliteration to ASCII via NFKD decomposition, dropping combining
// marks and any rune that still isn't ASCII after decomposition),
// lowercase, then strip whitespace. Normalize is idempotent:
// Normalize(Normalize(t)) == Normalize(t).
func Normalize(name string) string {
	decomposed := norm.NFKD.String(name)
	var b strings.Builder
	for _, r := range decomposed {
		if unicode.IsSpace(r) {
			continue
		}
		if unicode.Is(unicode.Mn, r) {
			continue // combining mark stripped by ASCII-folding
		}
		if r > unicode.MaxASCII {
			continue
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}
