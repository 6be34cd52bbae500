package letta

import (
	"context"
	"net/http"
	"net/url"
)

// ListAgents returns every agent visible to the API key.
func (c *Client) ListAgents(ctx context.Context) ([]Agent, error) {
	var agents []Agent
	if err := c.do(ctx, http.MethodGet, "/v1/agents/", nil, &agents); err != nil {
		return nil, err
	}
	return agents, nil
}

// ListBlocks returns the core memory blocks attached to an agent.
func (c *Client) ListBlocks(ctx context.Context, agentID string) ([]Block, error) {
	var blocks []Block
	path := "/v1/agents/" + url.PathEscape(agentID) + "/core-memory/blocks"
	if err := c.do(ctx, http.MethodGet, path, nil, &blocks); err != nil {
		return nil, err
	}
	return blocks, nil
}

// FindBlock returns the agent's block with the given label, or nil.
func (c *Client) FindBlock(ctx context.Context, agentID, label string) (*Block, error) {
	blocks, err := c.ListBlocks(ctx, agentID)
	if err != nil {
		return nil, err
	}
	for i := range blocks {
		if blocks[i].Label == label {
			return &blocks[i], nil
		}
	}
	return nil, nil
}

// CreateBlock creates a standalone block. Attach it with AttachBlock.
func (c *Client) CreateBlock(ctx context.Context, b Block) (*Block, error) {
	var out Block
	if err := c.do(ctx, http.MethodPost, "/v1/blocks/", b, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateBlock replaces a block's value and limit.
func (c *Client) UpdateBlock(ctx context.Context, blockID, value string, limit int) error {
	body := BlockUpdate{Value: &value}
	if limit > 0 {
		body.Limit = &limit
	}
	return c.do(ctx, http.MethodPatch, "/v1/blocks/"+url.PathEscape(blockID), body, nil)
}

// AttachBlock attaches a block to an agent's core memory.
func (c *Client) AttachBlock(ctx context.Context, agentID, blockID string) error {
	path := "/v1/agents/" + url.PathEscape(agentID) + "/core-memory/blocks/attach/" + url.PathEscape(blockID)
	return c.do(ctx, http.MethodPatch, path, nil, nil)
}

// ListAttachedTools returns the tools attached to an agent.
func (c *Client) ListAttachedTools(ctx context.Context, agentID string) ([]Tool, error) {
	var tools []Tool
	if err := c.do(ctx, http.MethodGet, "/v1/agents/"+url.PathEscape(agentID)+"/tools", nil, &tools); err != nil {
		return nil, err
	}
	return tools, nil
}

// UpsertTool creates or replaces a tool definition by name.
func (c *Client) UpsertTool(ctx context.Context, t ToolUpsert) (*Tool, error) {
	if t.SourceType == "" {
		t.SourceType = "python"
	}
	var out Tool
	if err := c.do(ctx, http.MethodPut, "/v1/tools/", t, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AttachTool attaches a tool to an agent.
func (c *Client) AttachTool(ctx context.Context, agentID, toolID string) error {
	path := "/v1/agents/" + url.PathEscape(agentID) + "/tools/attach/" + url.PathEscape(toolID)
	return c.do(ctx, http.MethodPatch, path, nil, nil)
}

// DetachTool detaches a tool from an agent. The definition itself is kept.
func (c *Client) DetachTool(ctx context.Context, agentID, toolID string) error {
	path := "/v1/agents/" + url.PathEscape(agentID) + "/tools/detach/" + url.PathEscape(toolID)
	return c.do(ctx, http.MethodPatch, path, nil, nil)
}

type sendRequest struct {
	Messages    []MessageCreate `json:"messages"`
	StreamToken bool            `json:"stream_tokens,omitempty"`
}

// SendMessages invokes the agent and waits for the full response.
func (c *Client) SendMessages(ctx context.Context, agentID string, msgs []MessageCreate) (*Response, error) {
	var out Response
	path := "/v1/agents/" + url.PathEscape(agentID) + "/messages"
	if err := c.do(ctx, http.MethodPost, path, sendRequest{Messages: msgs}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
