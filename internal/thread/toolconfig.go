package thread

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"cumulus/internal/logging"
)

// toolConfig is the document handed to a spawned subprocess so its tools can
// find this thread's stores and the agent control API. All paths are
// absolute: the child's working directory is the project, not ours.
type toolConfig struct {
	MCPServers map[string]toolServer `json:"mcpServers"`
}

type toolServer struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// renderToolConfig builds the serialized tool-config document.
func renderToolConfig(agentName, historyPath, contentDir, sessionPath, baseURL string) ([]byte, error) {
	exe, err := os.Executable()
	if err != nil {
		exe = "cumulus"
	}

	cfg := toolConfig{
		MCPServers: map[string]toolServer{
			"cumulus-history": {
				Command: exe,
				Args: []string{
					"tools",
					"--log", historyPath,
					"--content", contentDir,
					"--sessions", sessionPath,
				},
			},
			"cumulus-agents": {
				Command: exe,
				Args:    []string{"tools", "--agents"},
				Env: map[string]string{
					"CUMULUS_CONTROL_URL": baseURL,
					"CUMULUS_AGENT_NAME":  agentName,
				},
			},
		},
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tool config: %w", err)
	}
	return data, nil
}

// watchToolConfig recreates the tool-config file if it disappears while the
// thread lives. Returns a stop function.
func watchToolConfig(path string, rewrite func() error) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create tool-config watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Name != path {
					continue
				}
				if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
					logging.Get(logging.CategoryThread).Warn("Tool config %s removed, recreating", path)
					if err := rewrite(); err != nil {
						logging.Get(logging.CategoryThread).Error("Failed to recreate tool config: %v", err)
					}
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			case <-done:
				return
			}
		}
	}()

	return func() {
		close(done)
		watcher.Close()
	}, nil
}
