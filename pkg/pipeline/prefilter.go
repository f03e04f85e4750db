package pipeline

import (
	"encoding/json"
	"strings"

	"github.com/claude-fleet/proxy/pkg/models"
)

// testMessageBodies are liveness pings the proxy answers directly, without
// spending an upstream call.
var testMessageBodies = map[string]bool{
	"test": true,
	"ping": true,
}

// TestMessageFilter short-circuits known liveness pings with a canned
// reply, reporting ok=true when it has already produced the response.
func TestMessageFilter(req *models.MessagesRequest) (*models.MessagesResponse, bool) {
	if len(req.Messages) != 1 {
		return nil, false
	}
	text := firstTextContent(req.Messages[0].Content)
	if !testMessageBodies[strings.ToLower(strings.TrimSpace(text))] {
		return nil, false
	}
	return &models.MessagesResponse{
		ID:         "msg_test",
		Type:       "message",
		Role:       "assistant",
		Model:      req.Model,
		Content:    []models.ContentBlock{{Type: models.BlockText, Text: "OK"}},
		StopReason: "end_turn",
		Usage:      models.Usage{InputTokens: 1, OutputTokens: 1},
	}, true
}

func firstTextContent(raw json.RawMessage) string {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if json.Unmarshal(raw, &blocks) == nil {
		for _, b := range blocks {
			if b.Type == "text" {
				return b.Text
			}
		}
	}
	return ""
}

// ToolResultAdapter reshapes inbound client tool_result content blocks into
// the shape the selected driver expects upstream. The OAuth path's wire
// format already matches the client schema; only the web path's private
// conversation-completion format differs, wrapping results under a
// "web_tool_result" key with the tool_use_id alongside.
func ToolResultAdapter(req *models.MessagesRequest, driver models.DriverKind) *models.MessagesRequest {
	if driver != models.DriverWeb {
		return req
	}
	out := *req
	out.Messages = make([]models.MessageParam, len(req.Messages))
	for i, m := range req.Messages {
		out.Messages[i] = adaptToolResultMessage(m)
	}
	return &out
}

func adaptToolResultMessage(m models.MessageParam) models.MessageParam {
	var blocks []map[string]json.RawMessage
	if json.Unmarshal(m.Content, &blocks) != nil {
		return m
	}
	changed := false
	for i, b := range blocks {
		typeRaw, ok := b["type"]
		if !ok {
			continue
		}
		var blockType string
		json.Unmarshal(typeRaw, &blockType)
		if blockType != "tool_result" {
			continue
		}
		wrapped := map[string]json.RawMessage{
			"type":            typeRaw,
			"tool_use_id":     b["tool_use_id"],
			"web_tool_result": b["content"],
		}
		data, err := json.Marshal(wrapped)
		if err != nil {
			continue
		}
		blocks[i] = map[string]json.RawMessage{"__raw": data}
		changed = true
	}
	if !changed {
		return m
	}
	rewritten := make([]json.RawMessage, len(blocks))
	for i, b := range blocks {
		if raw, ok := b["__raw"]; ok {
			rewritten[i] = raw
			continue
		}
		data, _ := json.Marshal(b)
		rewritten[i] = data
	}
	content, err := json.Marshal(rewritten)
	if err != nil {
		return m
	}
	return models.MessageParam{Role: m.Role, Content: content}
}

// SelectDriver implements DriverDispatch: OAuth when the account has a
// usable access token, Web otherwise.
func SelectDriver(acc *models.Account) models.DriverKind {
	if acc.CanOAuth && acc.Creds.OAuthAccess != "" {
		return models.DriverOAuth
	}
	return models.DriverWeb
}
