// Package agents talks to the board platform: it lists the boards that
// act as agents and calls their agent_input endpoint.
package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/nous-labs/agentbridge/pkg/bridge"
)

// Client is the board platform API client.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

var (
	_ bridge.Directory = (*Client)(nil)
	_ bridge.Invoker   = (*Client)(nil)
)

// NewClient creates a client for the platform at baseURL. timeout bounds a
// single HTTP exchange; the bridge applies its own agent timeout on top.
func NewClient(baseURL, serviceToken string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   serviceToken,
		client:  &http.Client{Timeout: timeout},
	}
}

// ListAgents returns every board that has an agent input card.
func (c *Client) ListAgents(ctx context.Context) ([]bridge.Agent, error) {
	q := url.Values{"all": {"true"}}
	body, err := c.doRequest(ctx, http.MethodGet, "/api/core/v1/boards", q, nil)
	if err != nil {
		return nil, fmt.Errorf("list boards: %w", err)
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("list boards: response is not JSON")
	}
	agents := ParseBoards(body)
	slog.Debug("boards listed", "agents", len(agents))
	return agents, nil
}

// ParseBoards extracts agents from a boards listing, either {"items": [...]}
// or a bare array. A board is an agent when one of its cards is named
// agent_input or has enableAgentInputMode set.
func ParseBoards(body []byte) []bridge.Agent {
	root := gjson.ParseBytes(body)
	boards := root.Get("items")
	if !boards.IsArray() {
		boards = root
	}

	var agents []bridge.Agent
	boards.ForEach(func(_, board gjson.Result) bool {
		name := board.Get("name").String()
		if name == "" || !isAgentBoard(board) {
			return true
		}
		display := board.Get("displayName").String()
		if display == "" {
			display = name
		}
		agents = append(agents, bridge.Agent{ID: name, DisplayName: display})
		return true
	})
	return agents
}

func isAgentBoard(board gjson.Result) bool {
	found := false
	board.Get("cards").ForEach(func(_, card gjson.Result) bool {
		if card.Get("name").String() == "agent_input" || card.Get("enableAgentInputMode").Bool() {
			found = true
			return false
		}
		return true
	})
	return found
}

type invokeBody struct {
	Message any    `json:"message"`
	Sender  string `json:"sender"`
}

// Invoke posts a message (mention text or DM history) to the agent's
// agent_input endpoint and returns the reply text.
func (c *Client) Invoke(ctx context.Context, req bridge.InvokeRequest) (string, error) {
	var message any = req.Text
	if req.History != nil {
		message = req.History
	}
	payload, err := json.Marshal(invokeBody{Message: message, Sender: req.Sender})
	if err != nil {
		return "", fmt.Errorf("encode agent request: %w", err)
	}

	start := time.Now()
	body, err := c.doRequest(ctx, http.MethodPost, "/api/agents/v1/"+url.PathEscape(req.AgentID)+"/agent_input", nil, payload)
	if err != nil {
		return "", fmt.Errorf("agent %s: %w", req.AgentID, err)
	}
	reply := ExtractReply(body)
	slog.Debug("agent answered", "agent", req.AgentID, "duration", time.Since(start).Round(time.Millisecond), "len", len(reply))
	return reply, nil
}

// ExtractReply pulls the reply text out of an agent response. It accepts a
// JSON string, {response}, OpenAI style {choices[0].message.content},
// {message} or {result}; anything else is returned as serialized JSON, and a
// body that is not JSON at all is returned verbatim.
func ExtractReply(body []byte) string {
	if !gjson.ValidBytes(body) {
		return string(body)
	}
	res := gjson.ParseBytes(body)
	if res.Type == gjson.String {
		return res.Str
	}
	for _, path := range []string{"response", "choices.0.message.content", "message"} {
		if v := res.Get(path); truthy(v) {
			return v.String()
		}
	}
	if v := res.Get("result"); truthy(v) {
		if v.Type == gjson.String {
			return v.Str
		}
		return v.Raw
	}
	return res.Raw
}

func truthy(v gjson.Result) bool {
	switch v.Type {
	case gjson.Null, gjson.False:
		return false
	case gjson.String:
		return v.Str != ""
	case gjson.Number:
		return v.Num != 0
	}
	return v.Exists()
}

// --- HTTP helpers ---

func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body []byte) ([]byte, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	if query == nil {
		query = url.Values{}
	}
	if c.token != "" {
		query.Set("token", c.token)
	}
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Request-Id", uuid.NewString())
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, truncateStr(string(respBody), 300))
	}
	return respBody, nil
}

func truncateStr(s string, n int) string {
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
