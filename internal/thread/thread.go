package thread

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"cumulus/internal/logging"
)

// Thread is one named, durable conversation. Exactly one instance exists per
// name per host process; on-disk state survives restarts.
type Thread struct {
	Name        string
	Home        string // threads root directory
	ProjectPath string // subprocess working directory; empty means user home

	History  *HistoryLog
	Content  *ContentStore
	Sessions *SessionStore

	SessionID      string
	ToolConfigPath string

	stopWatch func()
}

// AlwaysIncludePath returns the path of this thread's always-include file.
func (t *Thread) AlwaysIncludePath() string {
	return filepath.Join(t.Home, t.Name+".always.md")
}

// AlwaysInclude loads the always-include block, empty when absent.
func (t *Thread) AlwaysInclude() string {
	data, err := os.ReadFile(t.AlwaysIncludePath())
	if err != nil {
		return ""
	}
	return string(data)
}

// Close releases in-memory caches and removes the tool-config file. On-disk
// history, content, and session state is preserved.
func (t *Thread) Close() {
	if t.stopWatch != nil {
		t.stopWatch()
		t.stopWatch = nil
	}
	if t.ToolConfigPath != "" {
		if err := os.Remove(t.ToolConfigPath); err != nil && !os.IsNotExist(err) {
			logging.Get(logging.CategoryThread).Warn("Failed to remove tool config %s: %v", t.ToolConfigPath, err)
		}
	}
	if t.Sessions != nil {
		if err := t.Sessions.Close(); err != nil {
			logging.Get(logging.CategoryThread).Warn("Failed to close session store for %s: %v", t.Name, err)
		}
	}
	logging.Thread("Closed thread %q", t.Name)
}

// Manager owns the only mutable thread map in the host. Threads are lazily
// created on first reference.
type Manager struct {
	mu      sync.RWMutex
	root    string // threads directory
	home    string // cumulus home (tool configs live here, next to the threads root)
	baseURL string // control API base URL, set once the listener is up
	threads map[string]*Thread
}

// NewManager creates a thread manager rooted at the given cumulus home.
func NewManager(home string) *Manager {
	return &Manager{
		root:    filepath.Join(home, "threads"),
		home:    home,
		threads: make(map[string]*Thread),
	}
}

// SetBaseURL records the control API base URL used in tool configs. Threads
// opened before this call keep their original value until reopened.
func (m *Manager) SetBaseURL(url string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.baseURL = url
}

// Get returns the thread for a name, creating it on first reference.
func (m *Manager) Get(name string) (*Thread, error) {
	m.mu.RLock()
	if t, ok := m.threads[name]; ok {
		m.mu.RUnlock()
		return t, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.threads[name]; ok {
		return t, nil
	}

	t, err := m.open(name)
	if err != nil {
		return nil, err
	}
	m.threads[name] = t
	return t, nil
}

// Lookup returns an existing thread without creating one.
func (m *Manager) Lookup(name string) (*Thread, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.threads[name]
	return t, ok
}

// Names returns the known thread names, sorted.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.threads))
	for name := range m.threads {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close tears down every thread. Called at host shutdown.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.threads {
		t.Close()
	}
	m.threads = make(map[string]*Thread)
}

// open builds a Thread from its on-disk state, creating files as needed.
func (m *Manager) open(name string) (*Thread, error) {
	if err := os.MkdirAll(m.root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create threads root: %w", err)
	}

	historyPath := filepath.Join(m.root, name+".jsonl")
	contentDir := filepath.Join(m.root, name+".content")
	sessionPath := filepath.Join(m.root, name+".sessions")

	history, err := OpenHistory(historyPath, m.root)
	if err != nil {
		return nil, err
	}
	content, err := OpenContent(contentDir)
	if err != nil {
		return nil, err
	}
	sessions, err := OpenSessions(sessionPath)
	if err != nil {
		return nil, err
	}
	sessionID, err := sessions.Current()
	if err != nil {
		sessions.Close()
		return nil, err
	}

	t := &Thread{
		Name:      name,
		Home:      m.root,
		History:   history,
		Content:   content,
		Sessions:  sessions,
		SessionID: sessionID,
	}

	// Tool config is written once per (thread, session) and recreated if it
	// goes missing while the thread lives.
	doc, err := renderToolConfig(name, historyPath, contentDir, sessionPath, m.baseURL)
	if err != nil {
		t.Close()
		return nil, err
	}
	cfgPath := filepath.Join(m.home, fmt.Sprintf("mcp-config-%d.json", time.Now().UnixNano()))
	if err := os.WriteFile(cfgPath, doc, 0o644); err != nil {
		t.Close()
		return nil, fmt.Errorf("failed to write tool config: %w", err)
	}
	t.ToolConfigPath = cfgPath

	stop, err := watchToolConfig(cfgPath, func() error {
		return os.WriteFile(cfgPath, doc, 0o644)
	})
	if err != nil {
		logging.Get(logging.CategoryThread).Warn("Tool-config watcher unavailable for %s: %v", name, err)
	} else {
		t.stopWatch = stop
	}

	logging.Thread("Opened thread %q (session %s, %d messages)", name, sessionID, history.GetStats().Count)
	return t, nil
}
