package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"
)

var (
	// ErrNotFound maps the platform's 404: the channel, thread, or user is
	// gone. Callers skip the action.
	ErrNotFound = errors.New("platform: not found")
	// ErrForbidden maps the platform's 403: the bot lacks access (left guild,
	// closed DMs, archived thread). Callers skip the action.
	ErrForbidden = errors.New("platform: forbidden")
)

// Client is a REST client for a Discord-compatible message API.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client

	mu         sync.Mutex
	dmChannels map[string]string // user id -> DM channel id
}

func NewClient(baseURL, token string) *Client {
	if baseURL == "" {
		baseURL = "https://discord.com/api/v10"
	}
	return &Client{
		BaseURL:    baseURL,
		Token:      token,
		HTTP:       &http.Client{Timeout: 30 * time.Second},
		dmChannels: make(map[string]string),
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bot "+c.Token)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode == http.StatusForbidden:
		return ErrForbidden
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return fmt.Errorf("platform: %s %s: status %d", method, path, resp.StatusCode)
	}

	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

type messageResp struct {
	ID string `json:"id"`
}

func (c *Client) SendMessage(ctx context.Context, channelID, text string) (string, error) {
	var out messageResp
	err := c.do(ctx, http.MethodPost, "/channels/"+channelID+"/messages",
		map[string]any{"content": text}, &out)
	if err != nil {
		return "", err
	}
	return out.ID, nil
}

func (c *Client) SendEmbed(ctx context.Context, channelID string, embed Embed) (string, error) {
	var out messageResp
	err := c.do(ctx, http.MethodPost, "/channels/"+channelID+"/messages",
		map[string]any{"embeds": []Embed{embed}}, &out)
	if err != nil {
		return "", err
	}
	return out.ID, nil
}

func (c *Client) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	return c.do(ctx, http.MethodDelete, "/channels/"+channelID+"/messages/"+messageID, nil, nil)
}

// dmChannel resolves (and caches) the DM channel for a user.
func (c *Client) dmChannel(ctx context.Context, userID string) (string, error) {
	c.mu.Lock()
	id, ok := c.dmChannels[userID]
	c.mu.Unlock()
	if ok {
		return id, nil
	}

	var out struct {
		ID string `json:"id"`
	}
	err := c.do(ctx, http.MethodPost, "/users/@me/channels",
		map[string]any{"recipient_id": userID}, &out)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.dmChannels[userID] = out.ID
	c.mu.Unlock()
	return out.ID, nil
}

func (c *Client) SendDM(ctx context.Context, userID, text string) error {
	ch, err := c.dmChannel(ctx, userID)
	if err != nil {
		return err
	}
	_, err = c.SendMessage(ctx, ch, text)
	return err
}

func (c *Client) SendDMEmbed(ctx context.Context, userID string, embed Embed) error {
	ch, err := c.dmChannel(ctx, userID)
	if err != nil {
		return err
	}
	_, err = c.SendEmbed(ctx, ch, embed)
	return err
}

func (c *Client) CreateThread(ctx context.Context, parentChannelID, name string) (*Thread, error) {
	var out Thread
	err := c.do(ctx, http.MethodPost, "/channels/"+parentChannelID+"/threads",
		map[string]any{"name": name, "type": 11}, &out) // 11 = public thread
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListActiveThreads(ctx context.Context, guildID string) ([]Thread, error) {
	var out struct {
		Threads []Thread `json:"threads"`
	}
	err := c.do(ctx, http.MethodGet, "/guilds/"+guildID+"/threads/active", nil, &out)
	if err != nil {
		return nil, err
	}
	return out.Threads, nil
}

func (c *Client) ListArchivedThreads(ctx context.Context, channelID string) ([]Thread, error) {
	var out struct {
		Threads []Thread `json:"threads"`
	}
	err := c.do(ctx, http.MethodGet, "/channels/"+channelID+"/threads/archived/public?limit=50", nil, &out)
	if err != nil {
		return nil, err
	}
	for i := range out.Threads {
		out.Threads[i].Archived = true
	}
	return out.Threads, nil
}

func (c *Client) UnarchiveThread(ctx context.Context, threadID string) error {
	return c.do(ctx, http.MethodPatch, "/channels/"+threadID,
		map[string]any{"archived": false}, nil)
}

func (c *Client) AddThreadMember(ctx context.Context, threadID, userID string) error {
	return c.do(ctx, http.MethodPut, "/channels/"+threadID+"/thread-members/"+userID, nil, nil)
}

func (c *Client) FetchUser(ctx context.Context, userID string) (*User, error) {
	var out User
	if err := c.do(ctx, http.MethodGet, "/users/"+userID, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

var _ Gateway = (*Client)(nil)
