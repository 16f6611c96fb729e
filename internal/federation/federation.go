// Package federation implements HQ/remote federation (C9): HQ tracks
// remote nodes and routes session requests to whichever one owns a given
// session id; a remote reports its session list to HQ and accepts proxied
// requests. Grounded on the teacher's internal/relay/cluster_sync.go
// (edge/login heartbeat+eviction loop) and internal/relay/jwt.go (ES256
// bearer issuance), adapted from wingthing's login/edge WebSocket relay
// topology to a REST+WS proxy between two instances of the same server.
package federation

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/vibetunnel/vibetunnel/internal/session"
)

// Mode is the federation role a server boots into (§4.9, §6).
type Mode string

const (
	ModeStandalone Mode = "standalone"
	ModeHQ         Mode = "hq"
	ModeRemote     Mode = "remote"
)

// heartbeatInterval is how often HQ polls each remote's /api/health, and
// the interval the remote mode client re-registers on, absent an explicit
// TriggerSync.
const heartbeatInterval = 10 * time.Second

// heartbeatTimeout bounds a single health probe (§6: "heartbeats are
// GET /api/health with a 3s timeout").
const heartbeatTimeout = 3 * time.Second

// maxConsecutiveFailures is how many heartbeat misses evict a remote.
const maxConsecutiveFailures = 3

// remoteNode is HQ's bookkeeping for one registered remote. Mutated only
// while Registry.mu is held.
type remoteNode struct {
	name  string
	url   string // reachable base URL, no trailing slash
	token string // bearer credential HQ sends when calling back into this remote

	failures    int
	lastContact time.Time
	sessions    []session.Session // last known session list, cached
}

func normalizeBaseURL(u string) string {
	for len(u) > 0 && u[len(u)-1] == '/' {
		u = u[:len(u)-1]
	}
	return u
}

func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}

// doRequest is a small helper shared by HQ's proxying and the remote
// client's registration calls: JSON body in, bearer auth, context-bound.
func doRequest(ctx context.Context, client *http.Client, method, url, token string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader(body))
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return client.Do(req)
}

func bodyReader(body []byte) io.Reader {
	if body == nil {
		return nil
	}
	return bytes.NewReader(body)
}

// remoteJWTTTL bounds the HQ-issued credential a remote uses on subsequent
// calls back to HQ. Short enough that a stale registration can't be replayed
// long after HQ forgets the remote; the remote simply re-registers on 401/404.
const remoteJWTTTL = 24 * time.Hour

// remoteClaims identifies which registered remote is calling HQ back,
// modeled on the teacher's WingClaims (internal/relay/jwt.go) narrowed to
// the one field federation actually needs.
type remoteClaims struct {
	jwt.RegisteredClaims
	RemoteName string `json:"remote"`
}

func generateSigningKey() (*ecdsa.PrivateKey, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("federation: generate HQ signing key: %w", err)
	}
	return key, nil
}

func issueRemoteJWT(key *ecdsa.PrivateKey, remoteName string) (string, error) {
	claims := remoteClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   remoteName,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(remoteJWTTTL)),
		},
		RemoteName: remoteName,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	return token.SignedString(key)
}

func validateRemoteJWT(pub *ecdsa.PublicKey, tokenString string) (*remoteClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &remoteClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodECDSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return pub, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*remoteClaims)
	if !ok || !token.Valid {
		return nil, errors.New("federation: invalid remote JWT")
	}
	return claims, nil
}
