// Package directory implements the HTTP/JSON client for the (out-of-scope,
// collaborator) directory service: publish/fetch of relay and user
// descriptors (spec §4.7/§6). Directory consensus is explicitly a
// Non-goal (spec §1) — this client treats the directory as a trivial
// registry, not a voting/consensus system.
package directory

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/veilrelay/veilrelay/descriptor"
)

// Client talks to a directory service over HTTP/JSON (spec §6 "Directory
// HTTP API"). Grounded on the teacher's directory/fetch.go conventions:
// a bounded-timeout http.Client with compression disabled and response
// bodies capped to guard against a misbehaving directory.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

const maxBodyBytes = 4 << 20 // 4MB safety cap

// NewClient builds a directory client against baseURL (e.g. "http://127.0.0.1:8990").
func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		HTTP: &http.Client{
			Timeout: 15 * time.Second,
			Transport: &http.Transport{
				DisableCompression: true,
			},
		},
	}
}

type publishRelayBody struct {
	RelayDescriptor descriptor.RelayDescriptor `json:"relay_descriptor"`
}

type publishUserBody struct {
	UserDescriptor descriptor.UserDescriptor `json:"user_descriptor"`
}

type getRelaysResponse struct {
	Relays []descriptor.RelayDescriptor `json:"relays"`
}

type getUsersResponse struct {
	Users []descriptor.UserDescriptor `json:"users"`
}

// PublishRelay publishes a relay descriptor via POST /publish_relay.
func (c *Client) PublishRelay(d descriptor.RelayDescriptor) error {
	return c.postJSON("/publish_relay", publishRelayBody{RelayDescriptor: d})
}

// PublishUser publishes a hidden-service user descriptor via POST /publish_user.
func (c *Client) PublishUser(d descriptor.UserDescriptor) error {
	return c.postJSON("/publish_user", publishUserBody{UserDescriptor: d})
}

// GetRelays fetches the current relay descriptor list via GET /get_relays.
func (c *Client) GetRelays() ([]descriptor.RelayDescriptor, error) {
	var out getRelaysResponse
	if err := c.getJSON("/get_relays", &out); err != nil {
		return nil, err
	}
	return out.Relays, nil
}

// GetUsers fetches the current user descriptor list via GET /get_users.
func (c *Client) GetUsers() ([]descriptor.UserDescriptor, error) {
	var out getUsersResponse
	if err := c.getJSON("/get_users", &out); err != nil {
		return nil, err
	}
	return out.Users, nil
}

func (c *Client) postJSON(path string, body any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s body: %w", path, err)
	}
	resp, err := c.HTTP.Post(c.BaseURL+path, "application/json", bytes.NewReader(buf))
	if err != nil {
		return fmt.Errorf("POST %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("POST %s: HTTP %d", path, resp.StatusCode)
	}
	return nil
}

func (c *Client) getJSON(path string, out any) error {
	resp, err := c.HTTP.Get(c.BaseURL + path)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: HTTP %d", path, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("read %s body: %w", path, err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s body: %w", path, err)
	}
	return nil
}
