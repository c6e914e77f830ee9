// Package toolserver implements the stdio tool server a spawned CLI connects
// to via the per-thread tool config. It exposes history/content lookups and
// the inter-agent messaging tools over JSON-RPC, one object per line.
package toolserver

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"cumulus/internal/thread"
)

const protocolVersion = "2024-11-05"

// Server answers MCP requests on stdin/stdout for one thread's stores and
// the host's control API.
type Server struct {
	in  io.Reader
	out io.Writer

	historyPath string
	contentDir  string
	controlURL  string
	agentName   string

	client *http.Client
}

// Options configure a tool server.
type Options struct {
	In          io.Reader
	Out         io.Writer
	HistoryPath string
	ContentDir  string
	ControlURL  string
	AgentName   string
}

// New creates a tool server.
func New(opts Options) *Server {
	return &Server{
		in:          opts.In,
		out:         opts.Out,
		historyPath: opts.HistoryPath,
		contentDir:  opts.ContentDir,
		controlURL:  strings.TrimRight(opts.ControlURL, "/"),
		agentName:   opts.AgentName,
		client:      &http.Client{Timeout: 10 * time.Second},
	}
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// toolSchema describes one callable tool.
type toolSchema struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"inputSchema"`
}

// callResult is the MCP tools/call result shape.
type callResult struct {
	Content []textContent `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

type textContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Run serves requests until stdin closes.
func (s *Server) Run() error {
	scanner := bufio.NewScanner(s.in)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var req rpcRequest
		if err := json.Unmarshal(line, &req); err != nil {
			continue
		}
		if len(req.ID) == 0 {
			// Notification; nothing to answer.
			continue
		}
		s.reply(s.dispatch(req))
	}
	return scanner.Err()
}

func (s *Server) reply(resp rpcResponse) {
	resp.JSONRPC = "2.0"
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	s.out.Write(append(data, '\n'))
}

func (s *Server) dispatch(req rpcRequest) rpcResponse {
	switch req.Method {
	case "initialize":
		return rpcResponse{ID: req.ID, Result: map[string]interface{}{
			"protocolVersion": protocolVersion,
			"capabilities":    map[string]interface{}{"tools": map[string]interface{}{}},
			"serverInfo":      map[string]string{"name": "cumulus", "version": "1.0.0"},
		}}
	case "ping":
		return rpcResponse{ID: req.ID, Result: map[string]interface{}{}}
	case "tools/list":
		return rpcResponse{ID: req.ID, Result: map[string]interface{}{"tools": s.tools()}}
	case "tools/call":
		var params struct {
			Name      string                 `json:"name"`
			Arguments map[string]interface{} `json:"arguments"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return rpcResponse{ID: req.ID, Error: &rpcError{Code: -32602, Message: "invalid params"}}
		}
		return rpcResponse{ID: req.ID, Result: s.callTool(params.Name, params.Arguments)}
	default:
		return rpcResponse{ID: req.ID, Error: &rpcError{Code: -32601, Message: "method not found: " + req.Method}}
	}
}

func stringSchema(props map[string]string, required ...string) map[string]interface{} {
	p := make(map[string]interface{}, len(props))
	for name, desc := range props {
		p[name] = map[string]string{"type": "string", "description": desc}
	}
	return map[string]interface{}{"type": "object", "properties": p, "required": required}
}

func (s *Server) tools() []toolSchema {
	return []toolSchema{
		{
			Name:        "search_history",
			Description: "Find past conversation messages by keyword.",
			InputSchema: stringSchema(map[string]string{"query": "Keyword to search for"}, "query"),
		},
		{
			Name:        "get_content",
			Description: "Expand a [STORED:<id>] sentinel to its full body.",
			InputSchema: stringSchema(map[string]string{"id": "Content id from a sentinel"}, "id"),
		},
		{
			Name:        "list_agents",
			Description: "List the agents in this workspace and whether each is busy.",
			InputSchema: stringSchema(nil),
		},
		{
			Name:        "send_to_agent",
			Description: "Send a message to another agent by name.",
			InputSchema: stringSchema(map[string]string{
				"agent":   "Target agent name",
				"message": "Message body",
			}, "agent", "message"),
		},
	}
}

func errorResult(format string, args ...interface{}) callResult {
	return callResult{
		Content: []textContent{{Type: "text", Text: fmt.Sprintf(format, args...)}},
		IsError: true,
	}
}

func textResult(text string) callResult {
	return callResult{Content: []textContent{{Type: "text", Text: text}}}
}

func (s *Server) callTool(name string, args map[string]interface{}) callResult {
	str := func(key string) string {
		v, _ := args[key].(string)
		return v
	}

	switch name {
	case "search_history":
		return s.searchHistory(str("query"))
	case "get_content":
		return s.getContent(str("id"))
	case "list_agents":
		return s.listAgents()
	case "send_to_agent":
		return s.sendToAgent(str("agent"), str("message"))
	default:
		return errorResult("unknown tool %q", name)
	}
}

func (s *Server) searchHistory(query string) callResult {
	if query == "" {
		return errorResult("query is required")
	}
	log, err := thread.OpenHistory(s.historyPath, "")
	if err != nil {
		return errorResult("failed to open history: %v", err)
	}

	hits := log.Search(query)
	if len(hits) == 0 {
		return textResult("No matches.")
	}
	var b strings.Builder
	for _, m := range hits {
		fmt.Fprintf(&b, "[%s %s] %s\n", m.ID, m.Role, m.Content)
	}
	return textResult(b.String())
}

func (s *Server) getContent(id string) callResult {
	store, err := thread.OpenContent(s.contentDir)
	if err != nil {
		return errorResult("failed to open content store: %v", err)
	}
	blob, err := store.Get(id)
	if err != nil {
		return errorResult("no content for id %q: %v", id, err)
	}
	return textResult(string(blob))
}

func (s *Server) listAgents() callResult {
	resp, err := s.client.Get(s.controlURL + "/api/agents")
	if err != nil {
		return errorResult("control API unreachable: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return textResult(string(body))
}

// sendToAgent delivers a message, auto-creating the target and retrying once
// when the control API reports it unknown.
func (s *Server) sendToAgent(agent, message string) callResult {
	if agent == "" || message == "" {
		return errorResult("agent and message are required")
	}

	status, body, err := s.postMessage(agent, message)
	if err != nil {
		return errorResult("control API unreachable: %v", err)
	}
	if status == http.StatusNotFound {
		if res := s.createAgent(agent); res.IsError {
			return res
		}
		status, body, err = s.postMessage(agent, message)
		if err != nil {
			return errorResult("control API unreachable: %v", err)
		}
	}
	if status != http.StatusOK {
		return errorResult("delivery failed (%d): %s", status, body)
	}
	return textResult(body)
}

func (s *Server) postMessage(agent, message string) (int, string, error) {
	payload, _ := json.Marshal(map[string]string{"message": message, "sender": s.agentName})
	resp, err := s.client.Post(
		s.controlURL+"/api/agents/"+agent+"/message",
		"application/json",
		bytes.NewReader(payload),
	)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body), nil
}

func (s *Server) createAgent(name string) callResult {
	payload, _ := json.Marshal(map[string]string{"threadName": name})
	resp, err := s.client.Post(s.controlURL+"/api/agents", "application/json", bytes.NewReader(payload))
	if err != nil {
		return errorResult("control API unreachable: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return errorResult("failed to create agent %q: %s", name, body)
	}
	return textResult(string(body))
}
