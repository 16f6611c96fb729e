package federation

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/vibetunnel/vibetunnel/internal/logger"
)

// Client is the remote-mode side of federation: it registers this process
// with an HQ and keeps HQ's view of its session list current. Grounded on
// the teacher's edgeSync (internal/relay/cluster_sync.go), simplified from
// wing-presence sync to a session-id list plus an explicit trigger so a
// local create/delete propagates before the next scheduled tick (§4.9's
// ordering guarantee).
type Client struct {
	hqURL   string
	name    string
	token   string // this process's own inbound bearer token, sent to HQ at registration
	selfURL string

	client  *http.Client
	trigger chan struct{}
	hqToken string // ES256 JWT HQ issues at registration; used on subsequent calls to HQ. Only touched from Start's goroutine, so unguarded.

	shuttingDown func() bool // C11 hook: suppress noisy failures during drain (§4.11)
}

// NewClient builds a remote-mode federation client. selfURL must be
// reachable by the HQ (its own listen address is not enough if behind NAT;
// the external collaborator configures it explicitly).
func NewClient(hqURL, name, token, selfURL string) *Client {
	return &Client{
		hqURL:   normalizeBaseURL(hqURL),
		name:    name,
		token:   token,
		selfURL: selfURL,
		client:  newHTTPClient(heartbeatTimeout),
		trigger: make(chan struct{}, 1),
	}
}

// SetShuttingDown lets C11 tell the client to stop logging registration
// failures once the process has started draining.
func (c *Client) SetShuttingDown(fn func() bool) { c.shuttingDown = fn }

// Start registers with HQ once, then runs the periodic+triggered re-register
// loop until ctx is cancelled.
func (c *Client) Start(ctx context.Context) error {
	if err := c.register(ctx); err != nil {
		return fmt.Errorf("federation: initial HQ registration failed: %w", err)
	}
	go c.loop(ctx)
	return nil
}

// TriggerSync requests an out-of-band re-registration, coalesced if one is
// already pending. C5's control-directory watcher calls this on every local
// session create/delete.
func (c *Client) TriggerSync() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

func (c *Client) loop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.resync(ctx)
		case <-c.trigger:
			c.resync(ctx)
		}
	}
}

func (c *Client) resync(ctx context.Context) {
	url := fmt.Sprintf("%s/api/remotes/%s/refresh-sessions", c.hqURL, c.name)
	reqCtx, cancel := context.WithTimeout(ctx, heartbeatTimeout)
	defer cancel()
	resp, err := doRequest(reqCtx, c.client, http.MethodPost, url, c.hqToken, []byte("{}"))
	if err != nil {
		c.logFailure("refresh-sessions request failed", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusUnauthorized {
		// HQ evicted us (missed heartbeats, or a restart) — re-register from scratch.
		if err := c.register(ctx); err != nil {
			c.logFailure("re-registration after eviction failed", err)
		}
		return
	}
	if resp.StatusCode != http.StatusOK {
		c.logFailure("refresh-sessions rejected", fmt.Errorf("status %d", resp.StatusCode))
	}
}

func (c *Client) register(ctx context.Context) error {
	body, err := json.Marshal(map[string]string{
		"name": c.name, "url": c.selfURL, "token": c.token,
	})
	if err != nil {
		return err
	}
	reqCtx, cancel := context.WithTimeout(ctx, heartbeatTimeout)
	defer cancel()
	resp, err := doRequest(reqCtx, c.client, http.MethodPost, c.hqURL+"/api/remotes", "", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HQ rejected registration: status %d", resp.StatusCode)
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("decode HQ registration response: %w", err)
	}
	c.hqToken = out.Token
	return nil
}

func (c *Client) logFailure(msg string, err error) {
	if c.shuttingDown != nil && c.shuttingDown() {
		return
	}
	logger.Warn("federation: "+msg, "hq", c.hqURL, "remote", c.name, "error", err)
}
