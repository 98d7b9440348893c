package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/dreamware/replset/internal/config"
	"github.com/dreamware/replset/internal/repl"
	"github.com/dreamware/replset/internal/topology"
)

// Control plane endpoints, relative to a member's base URL.
const (
	HeartbeatPath      = "/replset/heartbeat"
	VotePath           = "/replset/vote"
	ConfigPath         = "/replset/config"
	UpdatePositionPath = "/replset/update_position"
)

var httpClient = &http.Client{Timeout: 15 * time.Second}

func postJSON(ctx context.Context, url string, body any, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("http %s: %w", url, topology.ErrUnauthorized)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %d", url, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("http %s: %w", url, topology.ErrUnauthorized)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Client issues control-plane calls to other members. The zero value is not
// usable; construct with NewClient.
type Client struct {
	scheme string
}

// NewClient builds a control-plane client. Members are addressed by their
// configured host:port over plain HTTP.
func NewClient() *Client {
	return &Client{scheme: "http"}
}

func (c *Client) memberURL(target repl.HostAndPort, path string) string {
	return fmt.Sprintf("%s://%s%s", c.scheme, target, path)
}

// SendHeartbeat delivers one heartbeat and reports the round-trip time. The
// timeout comes from the coordinator's retry window for the target.
func (c *Client) SendHeartbeat(ctx context.Context, target repl.HostAndPort, req *repl.HeartbeatRequest, timeout time.Duration) (*repl.HeartbeatResponse, time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	var resp repl.HeartbeatResponse
	err := postJSON(ctx, c.memberURL(target, HeartbeatPath), req, &resp)
	rtt := time.Since(start)
	if err != nil {
		return nil, rtt, err
	}
	return &resp, rtt, nil
}

// RequestVote asks target for its vote in a (possibly dry-run) election.
func (c *Client) RequestVote(ctx context.Context, target repl.HostAndPort, req *repl.VoteRequest) (*repl.VoteResponse, error) {
	var resp repl.VoteResponse
	if err := postJSON(ctx, c.memberURL(target, VotePath), req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// FetchConfig retrieves target's installed config; called after a heartbeat
// advertises a newer config version than ours.
func (c *Client) FetchConfig(ctx context.Context, target repl.HostAndPort) (*config.ReplSetConfig, error) {
	var raw config.ReplSetConfig
	if err := getJSON(ctx, c.memberURL(target, ConfigPath), &raw); err != nil {
		return nil, err
	}
	return config.New(raw)
}

// UpdatePositionRequest reports one member's replication progress upstream.
type UpdatePositionRequest struct {
	MemberID repl.MemberID          `json:"member_id"`
	Applied  repl.OpTimeAndWallTime `json:"applied"`
	Durable  repl.OpTimeAndWallTime `json:"durable"`
}

// SendUpdatePosition forwards replication progress to the sync source, which
// relays it toward the primary so the commit point can advance.
func (c *Client) SendUpdatePosition(ctx context.Context, target repl.HostAndPort, req *UpdatePositionRequest) error {
	return postJSON(ctx, c.memberURL(target, UpdatePositionPath), req, nil)
}
