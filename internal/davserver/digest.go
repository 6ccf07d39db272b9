package davserver

import (
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"
)

// nonceLifetime bounds how long a digest challenge stays answerable.
const nonceLifetime = 5 * time.Minute

// nonceStore tracks the nonces we handed out so stale or invented
// nonces cannot be replayed.
type nonceStore struct {
	mu     sync.Mutex
	issued map[string]time.Time
}

func newNonceStore() *nonceStore {
	return &nonceStore{issued: map[string]time.Time{}}
}

func (n *nonceStore) fresh() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	nonce := hex.EncodeToString(buf)

	n.mu.Lock()
	now := time.Now()
	for k, t := range n.issued {
		if now.Sub(t) > nonceLifetime {
			delete(n.issued, k)
		}
	}
	n.issued[nonce] = now
	n.mu.Unlock()
	return nonce
}

func (n *nonceStore) valid(nonce string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	t, ok := n.issued[nonce]
	return ok && time.Since(t) <= nonceLifetime
}

// digestAuth is one parsed Authorization: Digest header.
type digestAuth struct {
	Username string
	Realm    string
	Nonce    string
	URI      string
	Response string
	Qop      string
	NC       string
	CNonce   string
}

// parseDigest splits the comma separated key=value list of a Digest
// authorization header. It returns false for anything else.
func parseDigest(header string) (digestAuth, bool) {
	const prefix = "Digest "
	var d digestAuth
	if !strings.HasPrefix(header, prefix) {
		return d, false
	}
	for _, part := range splitPairs(header[len(prefix):]) {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		key := strings.TrimSpace(kv[0])
		val := strings.Trim(strings.TrimSpace(kv[1]), `"`)
		switch key {
		case "username":
			d.Username = val
		case "realm":
			d.Realm = val
		case "nonce":
			d.Nonce = val
		case "uri":
			d.URI = val
		case "response":
			d.Response = val
		case "qop":
			d.Qop = val
		case "nc":
			d.NC = val
		case "cnonce":
			d.CNonce = val
		}
	}
	return d, d.Username != "" && d.Nonce != "" && d.Response != ""
}

// splitPairs splits on commas outside quoted strings.
func splitPairs(s string) []string {
	var out []string
	var cur strings.Builder
	quoted := false
	for _, r := range s {
		switch {
		case r == '"':
			quoted = !quoted
			cur.WriteRune(r)
		case r == ',' && !quoted:
			out = append(out, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}

// expectedResponse computes the digest response for a stored A1.
func expectedResponse(a1, method string, d digestAuth) string {
	ha2 := md5hex(method + ":" + d.URI)
	if d.Qop == "auth" {
		return md5hex(strings.Join([]string{a1, d.Nonce, d.NC, d.CNonce, d.Qop, ha2}, ":"))
	}
	return md5hex(a1 + ":" + d.Nonce + ":" + ha2)
}

func md5hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func challenge(realm, nonce string) string {
	return fmt.Sprintf(`Digest realm=%q, qop="auth", nonce=%q, algorithm=MD5`, realm, nonce)
}
