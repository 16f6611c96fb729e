package federation

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/vibetunnel/vibetunnel/internal/apierr"
	"github.com/vibetunnel/vibetunnel/internal/logger"
	"github.com/vibetunnel/vibetunnel/internal/session"
)

// Registry is the HQ-mode remote-node directory. It implements
// api.RemoteRouter and api.RemoteRegistrar; wire it into api.Server by
// passing it to api.NewServer as the RemoteRouter.
type Registry struct {
	client *http.Client

	signKey *ecdsa.PrivateKey // signs the JWT each remote uses to call HQ back

	mu      sync.Mutex
	nodes   map[string]*remoteNode // by name
	routing map[string]string      // session id -> owning remote name

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewRegistry builds an empty HQ registry, generates its remote-credential
// signing key, and starts its heartbeat loop.
func NewRegistry() *Registry {
	key, err := generateSigningKey()
	if err != nil {
		// A P-256 keygen failure means the system RNG is broken; nothing
		// downstream can recover from that, so fail loudly at construction
		// rather than silently accepting unsigned remote credentials.
		panic(err)
	}
	r := &Registry{
		client:  newHTTPClient(heartbeatTimeout),
		signKey: key,
		nodes:   make(map[string]*remoteNode),
		routing: make(map[string]string),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	go r.heartbeatLoop()
	return r
}

// Stop halts the heartbeat loop.
func (r *Registry) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

// RegisterRemote adds or replaces a remote node, immediately fetches its
// session list (satisfying §4.9's ordering guarantee for the registering
// call itself — a re-register counts as a session change), and returns an
// ES256 JWT the remote must present on subsequent calls back to HQ.
func (r *Registry) RegisterRemote(name, rawURL, token string) (string, error) {
	if name == "" || rawURL == "" {
		return "", apierr.New(apierr.BadRequest, "name and url are required")
	}
	if _, err := url.ParseRequestURI(rawURL); err != nil {
		return "", apierr.New(apierr.BadRequest, "invalid url")
	}
	node := &remoteNode{name: name, url: normalizeBaseURL(rawURL), token: token, lastContact: time.Now()}

	r.mu.Lock()
	r.nodes[name] = node
	r.mu.Unlock()

	if err := r.RefreshRemoteSessions(name); err != nil {
		logger.Warn("federation: initial session fetch failed", "remote", name, "error", err)
	}

	signed, err := issueRemoteJWT(r.signKey, name)
	if err != nil {
		return "", apierr.Wrap(apierr.Internal, "issue remote credential", err)
	}
	return signed, nil
}

// AuthenticateRemoteRequest verifies that r carries a bearer JWT HQ issued
// to the named remote, used to guard POST /api/remotes/:name/refresh-sessions
// against a different remote (or an outsider) triggering another's resync.
func (r *Registry) AuthenticateRemoteRequest(name string, req *http.Request) bool {
	h := req.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) <= len(prefix) || !strings.HasPrefix(h, prefix) {
		return false
	}
	claims, err := validateRemoteJWT(&r.signKey.PublicKey, h[len(prefix):])
	if err != nil {
		return false
	}
	return claims.RemoteName == name
}

// RefreshRemoteSessions re-fetches a remote's session list and updates the
// routing table. Called both by HQ's heartbeat loop and by the remote's own
// POST /api/remotes/:name/refresh-sessions notification.
func (r *Registry) RefreshRemoteSessions(name string) error {
	r.mu.Lock()
	node, ok := r.nodes[name]
	r.mu.Unlock()
	if !ok {
		return apierr.New(apierr.NotFound, "unknown remote")
	}

	ctx, cancel := context.WithTimeout(context.Background(), heartbeatTimeout)
	defer cancel()
	resp, err := doRequest(ctx, r.client, http.MethodGet, node.url+"/api/sessions", node.token, nil)
	if err != nil {
		return apierr.Wrap(apierr.UpstreamUnreachable, "remote unreachable", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return apierr.New(apierr.UpstreamUnreachable, fmt.Sprintf("remote returned %d", resp.StatusCode))
	}
	var sessions []session.Session
	if err := json.NewDecoder(resp.Body).Decode(&sessions); err != nil {
		return apierr.Wrap(apierr.Internal, "decode remote session list", err)
	}

	r.mu.Lock()
	node.sessions = sessions
	node.failures = 0
	node.lastContact = time.Now()
	for _, s := range sessions {
		r.routing[s.ID] = name
	}
	r.mu.Unlock()
	return nil
}

// RemoteSessions returns every remote-hosted session, marked Active=false
// (rather than omitted) for remotes currently failing heartbeats.
func (r *Registry) RemoteSessions() []session.Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []session.Session
	for _, node := range r.nodes {
		degraded := node.failures > 0
		for _, s := range node.sessions {
			s.Source = session.SourceRemote
			s.RemoteID = node.name
			if degraded {
				s.Active = false
			}
			out = append(out, s)
		}
	}
	return out
}

// ForwardHTTP proxies a REST request for sessionID to its owning remote,
// rewriting the Authorization header to the remote's stored credential.
// Returns false if sessionID isn't owned by any registered remote.
func (r *Registry) ForwardHTTP(w http.ResponseWriter, req *http.Request, sessionID string) bool {
	node, ok := r.nodeForSession(sessionID)
	if !ok {
		return false
	}

	target := node.url + req.URL.Path
	if req.URL.RawQuery != "" {
		target += "?" + req.URL.RawQuery
	}

	var body io.Reader = req.Body
	outReq, err := http.NewRequestWithContext(req.Context(), req.Method, target, body)
	if err != nil {
		apierr.WriteHTTP(w, apierr.Wrap(apierr.Internal, "build proxy request", err))
		return true
	}
	outReq.Header = req.Header.Clone()
	outReq.Header.Set("Authorization", "Bearer "+node.token)

	resp, err := r.client.Do(outReq)
	if err != nil {
		r.recordFailure(node.name)
		apierr.WriteHTTP(w, apierr.Wrap(apierr.UpstreamUnreachable, "remote unreachable", err))
		return true
	}
	defer resp.Body.Close()

	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
	return true
}

// BridgeWebSocket opens a matching WS connection to the owning remote and
// shuttles frames in both directions until either side closes (§4.9).
func (r *Registry) BridgeWebSocket(w http.ResponseWriter, req *http.Request, sessionID string) bool {
	node, ok := r.nodeForSession(sessionID)
	if !ok {
		return false
	}

	client, err := websocket.Accept(w, req, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		return true
	}
	defer client.CloseNow()

	remoteURL := "ws" + node.url[len("http"):] + req.URL.Path
	if req.URL.RawQuery != "" {
		remoteURL += "?" + req.URL.RawQuery
	}
	ctx := req.Context()
	upstream, _, err := websocket.Dial(ctx, remoteURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + node.token}},
	})
	if err != nil {
		client.Close(websocket.StatusInternalError, "remote unreachable")
		return true
	}
	defer upstream.CloseNow()

	done := make(chan struct{}, 2)
	pipe := func(dst, src *websocket.Conn) {
		defer func() { done <- struct{}{} }()
		for {
			typ, data, err := src.Read(ctx)
			if err != nil {
				return
			}
			if dst.Write(ctx, typ, data) != nil {
				return
			}
		}
	}
	go pipe(upstream, client)
	go pipe(client, upstream)
	<-done
	return true
}

func (r *Registry) nodeForSession(sessionID string) (*remoteNode, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name, ok := r.routing[sessionID]
	if !ok {
		return nil, false
	}
	node, ok := r.nodes[name]
	return node, ok
}

func (r *Registry) recordFailure(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if node, ok := r.nodes[name]; ok {
		node.failures++
	}
}

// heartbeatLoop polls every remote's /api/health every heartbeatInterval,
// evicting a remote (and its routed session ids) after maxConsecutiveFailures.
func (r *Registry) heartbeatLoop() {
	defer close(r.doneCh)
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.pollAll()
		case <-r.stopCh:
			return
		}
	}
}

func (r *Registry) pollAll() {
	r.mu.Lock()
	names := make([]string, 0, len(r.nodes))
	for name := range r.nodes {
		names = append(names, name)
	}
	r.mu.Unlock()

	g, ctx := errgroup.WithContext(context.Background())
	for _, name := range names {
		name := name
		g.Go(func() error {
			r.probe(ctx, name)
			return nil
		})
	}
	g.Wait()
}

func (r *Registry) probe(ctx context.Context, name string) {
	r.mu.Lock()
	node, ok := r.nodes[name]
	r.mu.Unlock()
	if !ok {
		return
	}

	hctx, cancel := context.WithTimeout(ctx, heartbeatTimeout)
	defer cancel()
	resp, err := doRequest(hctx, r.client, http.MethodGet, node.url+"/api/health", node.token, nil)
	healthy := err == nil && resp != nil && resp.StatusCode == http.StatusOK
	if resp != nil {
		resp.Body.Close()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.nodes[name]
	if !ok || cur != node {
		return // evicted or replaced mid-probe
	}
	if healthy {
		node.failures = 0
		node.lastContact = time.Now()
		return
	}
	node.failures++
	if node.failures >= maxConsecutiveFailures {
		logger.Warn("federation: evicting unreachable remote", "remote", name, "failures", node.failures)
		delete(r.nodes, name)
		for sid, owner := range r.routing {
			if owner == name {
				delete(r.routing, sid)
			}
		}
	}
}
