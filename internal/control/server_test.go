package control

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cumulus/internal/config"
	"cumulus/internal/router"
	"cumulus/internal/supervisor"
	"cumulus/internal/thread"
)

const ackScript = `#!/bin/sh
printf '%s\n' '{"type":"assistant","message":{"content":[{"type":"text","text":"ack"}]}}'
`

func startTestServer(t *testing.T) (*Server, *router.Router, *supervisor.Supervisor) {
	t.Helper()
	home := t.TempDir()
	m := thread.NewManager(home)
	t.Cleanup(m.Close)

	cliPath := filepath.Join(home, "fake-claude")
	require.NoError(t, os.WriteFile(cliPath, []byte(ackScript), 0o755))
	sup := supervisor.New(m, config.SupervisorConfig{CLIPath: cliPath, GraceMillis: 50})
	r := router.New(sup)

	srv := NewServer(r)
	require.NoError(t, srv.Start(0, 1)) // port 0: any free port
	go srv.Serve()
	t.Cleanup(func() { srv.Close() })
	return srv, r, sup
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	defer resp.Body.Close()
	var m map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&m))
	return m
}

func TestListAgents(t *testing.T) {
	srv, _, sup := startTestServer(t)
	_, err := sup.Threads().Get("t1")
	require.NoError(t, err)

	resp, err := http.Get(srv.BaseURL() + "/api/agents")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	body := decodeBody(t, resp)
	agents := body["agents"].([]interface{})
	require.Len(t, agents, 1)
	agent := agents[0].(map[string]interface{})
	assert.Equal(t, "t1", agent["name"])
	assert.Equal(t, "idle", agent["status"])
	assert.Nil(t, body["activeTab"])
}

func TestCreateAgent_Idempotent(t *testing.T) {
	srv, _, _ := startTestServer(t)

	resp := postJSON(t, srv.BaseURL()+"/api/agents", map[string]string{"threadName": "t9"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, true, body["created"])
	assert.Equal(t, "t9", body["threadName"])

	resp = postJSON(t, srv.BaseURL()+"/api/agents", map[string]string{"threadName": "t9"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body = decodeBody(t, resp)
	assert.Equal(t, false, body["created"])
	assert.Equal(t, "already exists", body["reason"])
}

func TestMessage_Delivered(t *testing.T) {
	srv, _, sup := startTestServer(t)
	_, err := sup.Threads().Get("t1")
	require.NoError(t, err)

	sub := sup.Subscribe("t1")
	defer sub.Close()

	resp := postJSON(t, srv.BaseURL()+"/api/agents/t1/message", map[string]string{
		"message": "hi there", "sender": "t2",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, true, body["delivered"])
	assert.Equal(t, "t1", body["target"])

	// Fire-and-forget: the injected turn lands after the response.
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-sub.Events():
			if ev.Kind == supervisor.EventUserMessage {
				assert.Contains(t, ev.Message.Content, "hi there")
				return
			}
		case <-deadline:
			t.Fatal("delivered message never reached the thread")
		}
	}
}

func TestMessage_UnknownTarget(t *testing.T) {
	srv, _, sup := startTestServer(t)
	_, err := sup.Threads().Get("t1")
	require.NoError(t, err)
	_, err = sup.Threads().Get("t2")
	require.NoError(t, err)

	resp := postJSON(t, srv.BaseURL()+"/api/agents/ghost/message", map[string]string{
		"message": "hi", "sender": "t1",
	})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, false, body["delivered"])
	assert.Equal(t, `Agent "ghost" not found`, body["error"])
	assert.Equal(t, []interface{}{"t1", "t2"}, body["available"])
}

func TestMessage_SelfSendRejected(t *testing.T) {
	srv, _, sup := startTestServer(t)
	_, err := sup.Threads().Get("t1")
	require.NoError(t, err)

	resp := postJSON(t, srv.BaseURL()+"/api/agents/t1/message", map[string]string{
		"message": "hi", "sender": "t1",
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, false, body["delivered"])
}

func TestStart_PortFallthrough(t *testing.T) {
	// Occupy a port, then ask the server to start there with room to walk.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	base := ln.Addr().(*net.TCPAddr).Port

	srv := NewServer(router.New(supervisor.New(thread.NewManager(t.TempDir()), config.SupervisorConfig{})))
	require.NoError(t, srv.Start(base, 5))
	defer srv.Close()

	assert.Greater(t, srv.Port(), base)
	assert.Equal(t, fmt.Sprintf("http://127.0.0.1:%d", srv.Port()), srv.BaseURL())
}

func TestLoopbackOnly(t *testing.T) {
	srv, _, _ := startTestServer(t)
	addr := srv.ln.Addr().(*net.TCPAddr)
	assert.True(t, addr.IP.IsLoopback())
}
