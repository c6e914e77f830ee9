// Package supervisor executes LLM turns for threads: it prepares context,
// spawns the vendor CLI, routes its line-JSON output to subscribers, and
// reconciles final state into the history log.
package supervisor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"cumulus/internal/assemble"
	"cumulus/internal/config"
	"cumulus/internal/logging"
	"cumulus/internal/retrieval"
	"cumulus/internal/stream"
	"cumulus/internal/thread"
)

// process is one live subprocess registered against a thread. canceled marks
// a pre-empted turn: its finalizer reports the partial response as fallback
// text instead of committing it to history. finalized is set by the first
// finalize call for the process.
type process struct {
	cmd       *exec.Cmd
	canceled  bool
	finalized bool
}

// Supervisor owns the only mutable maps in the host: thread name to live
// process, and thread name to subscribers. All mutation flows through it.
type Supervisor struct {
	mu     sync.Mutex
	active map[string]*process
	subs   map[string][]*Subscription

	threads   *thread.Manager
	assembler *assemble.Assembler
	retriever *retrieval.Retriever

	cliPath         string
	extraCandidates []string
	grace           time.Duration
}

// New creates a supervisor over the given thread manager.
func New(threads *thread.Manager, cfg config.SupervisorConfig) *Supervisor {
	grace := time.Duration(cfg.GraceMillis) * time.Millisecond
	if grace <= 0 {
		grace = 100 * time.Millisecond
	}
	return &Supervisor{
		active:          make(map[string]*process),
		subs:            make(map[string][]*Subscription),
		threads:         threads,
		assembler:       assemble.New(),
		retriever:       retrieval.New(),
		cliPath:         cfg.CLIPath,
		extraCandidates: cfg.ExtraCandidates,
		grace:           grace,
	}
}

// Grace returns the interjection grace period.
func (s *Supervisor) Grace() time.Duration {
	return s.grace
}

// Threads returns the underlying thread manager.
func (s *Supervisor) Threads() *thread.Manager {
	return s.threads
}

// IsStreaming reports whether a live subprocess is registered for a thread.
func (s *Supervisor) IsStreaming(threadName string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[threadName]
	return ok
}

// SendMessage executes one LLM turn for a thread. It blocks until the turn
// finishes; callers wanting fire-and-forget run it on their own goroutine.
func (s *Supervisor) SendMessage(ctx context.Context, threadName, userText string, atts []thread.Attachment) error {
	th, err := s.threads.Get(threadName)
	if err != nil {
		return fmt.Errorf("failed to open thread %q: %w", threadName, err)
	}

	imageBlocks, refLines := prepareAttachments(atts)
	if len(refLines) > 0 {
		userText = userText + "\n" + strings.Join(refLines, "\n")
	}

	userMsg := thread.Message{
		Role:        thread.RoleUser,
		Content:     userText,
		Timestamp:   time.Now().UnixMilli(),
		Metadata:    map[string]string{"sessionId": th.SessionID},
		Attachments: atts,
	}
	stored, err := th.History.Append(userMsg)
	if err != nil {
		return fmt.Errorf("failed to append user message: %w", err)
	}
	s.publish(threadName, Event{Kind: EventUserMessage, Message: &stored})

	always := th.AlwaysInclude()
	recent := th.History.GetRecent(assemble.RecentContextCount)
	recentMsgs := make([]assemble.RecentMessage, len(recent))
	for i, m := range recent {
		recentMsgs[i] = assemble.RecentMessage{Role: string(m.Role), Content: m.Content}
	}
	stats := th.History.GetStats()

	out := s.assembler.Build(assemble.Input{
		Stats:               assemble.Stats{Count: stats.Count, TotalTokens: stats.TotalTokens},
		SessionID:           th.SessionID,
		Recent:              recentMsgs,
		UserQuery:           userText,
		AlwaysInclude:       always,
		AlwaysIncludeTokens: assemble.EstimateTokens(always),
		Retrieve: func(budget int) (string, error) {
			return s.retriever.Retrieve(userText, th.History, th.Content, budget)
		},
		Externalize: func(text string) (string, error) {
			return th.Content.Put([]byte(text))
		},
	})

	cliPath, err := s.resolveCLI()
	if err != nil {
		s.publish(threadName, Event{Kind: EventStreamError, Err: ErrCLINotFound.Error()})
		s.publish(threadName, Event{Kind: EventStreamEnd})
		return err
	}

	hasImages := len(imageBlocks) > 0
	cmd := exec.CommandContext(ctx, cliPath, buildArgs(th.ToolConfigPath, out.SystemPrompt, out.UserInput, hasImages)...)
	cmd.Env = filterEnv(os.Environ())
	if th.ProjectPath != "" {
		cmd.Dir = th.ProjectPath
	} else if home, err := os.UserHomeDir(); err == nil {
		cmd.Dir = home
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to get stderr pipe: %w", err)
	}
	var stdin io.WriteCloser
	if hasImages {
		stdin, err = cmd.StdinPipe()
		if err != nil {
			return fmt.Errorf("failed to get stdin pipe: %w", err)
		}
	}

	if err := cmd.Start(); err != nil {
		logging.Get(logging.CategorySupervisor).Error("Spawn failed for %q: %v", threadName, err)
		if errors.Is(err, os.ErrNotExist) || errors.Is(err, exec.ErrNotFound) {
			s.publish(threadName, Event{Kind: EventStreamError, Err: ErrCLINotFound.Error()})
		} else {
			s.publish(threadName, Event{Kind: EventStreamError, Err: err.Error()})
		}
		s.publish(threadName, Event{Kind: EventStreamEnd})
		return fmt.Errorf("failed to start CLI: %w", err)
	}

	proc := s.register(threadName, cmd)
	logging.Supervisor("Spawned CLI for %q (pid %d)", threadName, cmd.Process.Pid)

	if hasImages {
		payload, err := encodeStdinMessage(imageBlocks, out.UserInput)
		if err == nil {
			_, err = stdin.Write(payload)
		}
		if err != nil {
			logging.Get(logging.CategorySupervisor).Warn("Failed to write stdin payload for %q: %v", threadName, err)
		}
		stdin.Close()
	}

	return s.drive(threadName, th, proc, stdout, stderr)
}

// drive runs the stream loop for one spawned process and finalizes the turn.
func (s *Supervisor) drive(threadName string, th *thread.Thread, proc *process, stdout, stderr io.Reader) error {
	var (
		tasks    errgroup.Group
		acc      string
		segments []stream.Segment
		fatal    bool
	)

	pp := &lineProcessor{content: th.Content, tasks: &tasks}
	dec := stream.NewDecoder().WithLineHook(pp.process)

	handle := func(segs []stream.Segment) {
		for _, seg := range segs {
			segments = append(segments, seg)
			if text, ok := seg.(stream.Text); ok {
				chunk := text.Content
				if acc != "" && !strings.HasSuffix(acc, "\n") {
					chunk = "\n\n" + chunk
				}
				acc += chunk
				s.publish(threadName, Event{Kind: EventStreamChunk, Chunk: chunk})
			}
			s.publish(threadName, Event{Kind: EventStreamSegment, Segment: seg})
		}
	}

	// Stderr is discarded except for the fatal ENOENT marker; verbose child
	// debug output must not be misclassified as fatal.
	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		buf := make([]byte, 4096)
		for {
			n, err := stderr.Read(buf)
			if n > 0 && bytes.Contains(buf[:n], []byte("ENOENT")) && !fatal {
				fatal = true
				s.publish(threadName, Event{Kind: EventStreamError, Err: ErrCLINotFound.Error()})
			}
			if err != nil {
				return
			}
		}
	}()

	buf := make([]byte, 32*1024)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			handle(dec.Write(buf[:n]))
		}
		if err != nil {
			break
		}
	}
	handle(dec.Flush())

	<-stderrDone
	if err := proc.cmd.Wait(); err != nil {
		logging.SupervisorDebug("CLI for %q exited: %v", threadName, err)
	}

	// The child's close can land while per-line work is still pending; the
	// finalizer must not observe a half-written content store.
	_ = tasks.Wait()

	s.finalize(threadName, th, proc, acc, segments, fatal)
	return nil
}

// finalize reconciles a finished turn into history and emits stream-end.
// Idempotent: deregistration is identity-checked and the history append only
// happens on the first pass for a given process.
func (s *Supervisor) finalize(threadName string, th *thread.Thread, proc *process, acc string, segments []stream.Segment, fatal bool) {
	s.mu.Lock()
	if proc.finalized {
		s.mu.Unlock()
		return
	}
	proc.finalized = true
	s.mu.Unlock()

	canceled := s.deregister(threadName, proc)

	if fatal || acc == "" {
		s.publish(threadName, Event{Kind: EventStreamEnd, Segments: segments})
		return
	}
	if canceled {
		// Pre-empted turn: surface the partial response without committing it.
		s.publish(threadName, Event{Kind: EventStreamEnd, FallbackText: acc, Segments: segments})
		return
	}

	assistant := thread.Message{
		Role:      thread.RoleAssistant,
		Content:   acc,
		Timestamp: time.Now().UnixMilli(),
		Metadata:  map[string]string{"sessionId": th.SessionID},
	}
	stored, err := th.History.Append(assistant)
	if err != nil {
		logging.Get(logging.CategorySupervisor).Error("Failed to append assistant message for %q: %v", threadName, err)
		s.publish(threadName, Event{Kind: EventStreamEnd, FallbackText: acc, Segments: segments})
		return
	}

	// Best-effort: session update failures never affect stream-end.
	recent := th.History.GetRecent(2)
	lastUser := ""
	if len(recent) == 2 && recent[0].Role == thread.RoleUser {
		lastUser = recent[0].Content
	}
	if err := th.Sessions.UpdateExchange(th.SessionID, lastUser, acc); err != nil {
		logging.Get(logging.CategorySupervisor).Warn("Session update failed for %q: %v", threadName, err)
	}

	s.publish(threadName, Event{Kind: EventStreamEnd, Message: &stored, FallbackText: acc, Segments: segments})
}

// register records a live process for a thread, pre-empting any process that
// is somehow still registered.
func (s *Supervisor) register(threadName string, cmd *exec.Cmd) *process {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.active[threadName]; ok {
		logging.Get(logging.CategorySupervisor).Warn("Thread %q already has a live process, terminating it", threadName)
		old.canceled = true
		if old.cmd.Process != nil {
			_ = old.cmd.Process.Signal(syscall.SIGTERM)
		}
	}

	proc := &process{cmd: cmd}
	s.active[threadName] = proc
	return proc
}

// deregister removes a process from the active map if it is still the
// registered one, returning whether the turn was canceled.
func (s *Supervisor) deregister(threadName string, proc *process) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.active[threadName]; ok && cur == proc {
		delete(s.active, threadName)
	}
	return proc.canceled
}

// KillProcess terminates the live subprocess for a thread, if any. Safe to
// call when none is active. The stream loop observes the closed stdout and
// finalizes with the partial response as fallback text.
func (s *Supervisor) KillProcess(threadName string) {
	s.mu.Lock()
	proc, ok := s.active[threadName]
	if ok {
		proc.canceled = true
		delete(s.active, threadName)
	}
	s.mu.Unlock()

	if !ok {
		return
	}
	logging.Supervisor("Terminating live process for %q", threadName)
	if proc.cmd.Process != nil {
		if err := proc.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			logging.Get(logging.CategorySupervisor).Warn("Failed to signal process for %q: %v", threadName, err)
		}
	}
}

// HistoryAttachment is the outward attachment shape: path, not storedPath.
type HistoryAttachment struct {
	Name     string `json:"name"`
	Path     string `json:"path"`
	Kind     string `json:"kind"`
	MimeType string `json:"mimeType,omitempty"`
}

// HistoryMessage is the outward message shape returned by GetHistory.
type HistoryMessage struct {
	ID          string              `json:"id"`
	Role        string              `json:"role"`
	Content     string              `json:"content"`
	Timestamp   int64               `json:"timestamp"`
	Metadata    map[string]string   `json:"metadata,omitempty"`
	Attachments []HistoryAttachment `json:"attachments,omitempty"`
}

// GetHistory returns the most recent count messages for a thread; count <= 0
// returns all.
func (s *Supervisor) GetHistory(threadName string, count int) ([]HistoryMessage, error) {
	th, err := s.threads.Get(threadName)
	if err != nil {
		return nil, err
	}

	var msgs []thread.Message
	if count <= 0 {
		msgs = th.History.GetAll()
	} else {
		msgs = th.History.GetRecent(count)
	}

	out := make([]HistoryMessage, len(msgs))
	for i, m := range msgs {
		hm := HistoryMessage{
			ID:        m.ID,
			Role:      string(m.Role),
			Content:   m.Content,
			Timestamp: m.Timestamp,
			Metadata:  m.Metadata,
		}
		for _, a := range m.Attachments {
			hm.Attachments = append(hm.Attachments, HistoryAttachment{
				Name:     a.Name,
				Path:     a.StoredPath,
				Kind:     string(a.Kind),
				MimeType: a.MimeType,
			})
		}
		out[i] = hm
	}
	return out, nil
}

// RevertResult reports the outcome of a revert.
type RevertResult struct {
	Success      bool   `json:"success"`
	RemovedCount int    `json:"removed_count"`
	Error        string `json:"error,omitempty"`
}

// Revert truncates history from the given message. Git restoration is a
// separately opted-in effect; its failure is reported without undoing the
// truncation.
func (s *Supervisor) Revert(threadName, messageID string, restoreGit bool) RevertResult {
	th, err := s.threads.Get(threadName)
	if err != nil {
		return RevertResult{Error: err.Error()}
	}

	snapshot := ""
	if restoreGit {
		for _, m := range th.History.GetAll() {
			if m.ID == messageID {
				snapshot = m.GitSnapshot()
				break
			}
		}
	}

	removed, err := th.History.TruncateFrom(messageID)
	if err != nil {
		return RevertResult{Error: err.Error()}
	}

	res := RevertResult{Success: true, RemovedCount: removed}
	if restoreGit && snapshot != "" {
		dir := th.ProjectPath
		if dir == "" {
			dir, _ = os.Getwd()
		}
		git := exec.Command("git", "-C", dir, "checkout", snapshot, "--", ".")
		if out, err := git.CombinedOutput(); err != nil {
			res.Error = fmt.Sprintf("git restore failed: %v: %s", err, strings.TrimSpace(string(out)))
			logging.Get(logging.CategorySupervisor).Warn("Revert git restore failed for %q: %v", threadName, err)
		}
	}
	return res
}
