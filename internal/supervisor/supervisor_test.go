package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cumulus/internal/config"
	"cumulus/internal/stream"
	"cumulus/internal/thread"
)

// newTestSupervisor builds a supervisor whose CLI is a fake shell script.
// An empty script means the CLI binary does not exist.
func newTestSupervisor(t *testing.T, cliScript string) *Supervisor {
	t.Helper()
	home := t.TempDir()
	m := thread.NewManager(home)
	t.Cleanup(m.Close)

	cliPath := filepath.Join(home, "fake-claude")
	if cliScript != "" {
		require.NoError(t, os.WriteFile(cliPath, []byte(cliScript), 0o755))
	}
	return New(m, config.SupervisorConfig{CLIPath: cliPath, GraceMillis: 100})
}

// collectUntilEnd drains a subscription until stream-end or the deadline.
func collectUntilEnd(t *testing.T, sub *Subscription, timeout time.Duration) []Event {
	t.Helper()
	var events []Event
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-sub.Events():
			events = append(events, ev)
			if ev.Kind == EventStreamEnd {
				return events
			}
		case <-deadline:
			t.Fatalf("timed out waiting for stream-end; got %d events", len(events))
		}
	}
}

func eventsOfKind(events []Event, kind EventKind) []Event {
	var out []Event
	for _, ev := range events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

const helloScript = `#!/bin/sh
printf '%s\n' '{"type":"assistant","message":{"content":[{"type":"text","text":"Hello."}]}}'
printf '%s\n' '{"type":"result","duration_ms":120,"usage":{"input_tokens":5,"output_tokens":1}}'
`

func TestSendMessage_SingleTextTurn(t *testing.T) {
	s := newTestSupervisor(t, helloScript)
	sub := s.Subscribe("t1")
	defer sub.Close()

	require.NoError(t, s.SendMessage(context.Background(), "t1", "hi", nil))
	events := collectUntilEnd(t, sub, 5*time.Second)

	user := eventsOfKind(events, EventUserMessage)
	require.Len(t, user, 1)
	assert.Equal(t, thread.RoleUser, user[0].Message.Role)
	assert.Equal(t, "hi", user[0].Message.Content)

	chunks := eventsOfKind(events, EventStreamChunk)
	require.Len(t, chunks, 1)
	assert.Equal(t, "Hello.", chunks[0].Chunk)

	segs := eventsOfKind(events, EventStreamSegment)
	require.Len(t, segs, 2)
	assert.Equal(t, stream.Text{Content: "Hello."}, segs[0].Segment)
	assert.Equal(t, stream.Result{DurationMillis: 120, InputTokens: 5, OutputTokens: 1}, segs[1].Segment)

	end := events[len(events)-1]
	require.NotNil(t, end.Message)
	assert.Equal(t, "Hello.", end.Message.Content)
	assert.Equal(t, "Hello.", end.FallbackText)
	assert.Len(t, end.Segments, 2)

	// User message precedes all stream events.
	assert.Equal(t, EventUserMessage, events[0].Kind)

	hist, err := s.GetHistory("t1", 0)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, "user", hist[0].Role)
	assert.Equal(t, "assistant", hist[1].Role)
	assert.Equal(t, "Hello.", hist[1].Content)
}

func TestSendMessage_TextChunksJoinedWithSeparator(t *testing.T) {
	script := `#!/bin/sh
printf '%s\n' '{"type":"assistant","message":{"content":[{"type":"text","text":"A"}]}}'
printf '%s\n' '{"type":"assistant","message":{"content":[{"type":"text","text":"B"}]}}'
`
	s := newTestSupervisor(t, script)
	sub := s.Subscribe("t1")
	defer sub.Close()

	require.NoError(t, s.SendMessage(context.Background(), "t1", "go", nil))
	events := collectUntilEnd(t, sub, 5*time.Second)

	chunks := eventsOfKind(events, EventStreamChunk)
	require.Len(t, chunks, 2)
	assert.Equal(t, "A", chunks[0].Chunk)
	assert.Equal(t, "\n\nB", chunks[1].Chunk)

	end := events[len(events)-1]
	require.NotNil(t, end.Message)
	assert.Equal(t, "A\n\nB", end.Message.Content)
}

func TestSendMessage_CLINotFound(t *testing.T) {
	s := newTestSupervisor(t, "")
	sub := s.Subscribe("t1")
	defer sub.Close()

	err := s.SendMessage(context.Background(), "t1", "hi", nil)
	require.Error(t, err)
	events := collectUntilEnd(t, sub, 5*time.Second)

	errs := eventsOfKind(events, EventStreamError)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Err, "CLI not found")

	end := events[len(events)-1]
	assert.Nil(t, end.Message)
	assert.Empty(t, end.FallbackText)

	// Only the user message made it into history.
	hist, err := s.GetHistory("t1", 0)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, "user", hist[0].Role)
}

func TestSendMessage_VerboseStderrIsNotFatal(t *testing.T) {
	script := `#!/bin/sh
echo "Error: noisy debug output" >&2
printf '%s\n' '{"type":"assistant","message":{"content":[{"type":"text","text":"ok"}]}}'
`
	s := newTestSupervisor(t, script)
	sub := s.Subscribe("t1")
	defer sub.Close()

	require.NoError(t, s.SendMessage(context.Background(), "t1", "hi", nil))
	events := collectUntilEnd(t, sub, 5*time.Second)

	assert.Empty(t, eventsOfKind(events, EventStreamError))
	end := events[len(events)-1]
	require.NotNil(t, end.Message)
	assert.Equal(t, "ok", end.Message.Content)
}

func TestSendMessage_StderrENOENTIsFatal(t *testing.T) {
	script := `#!/bin/sh
echo "spawn claude ENOENT" >&2
`
	s := newTestSupervisor(t, script)
	sub := s.Subscribe("t1")
	defer sub.Close()

	require.NoError(t, s.SendMessage(context.Background(), "t1", "hi", nil))
	events := collectUntilEnd(t, sub, 5*time.Second)

	errs := eventsOfKind(events, EventStreamError)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Err, "CLI not found")

	end := events[len(events)-1]
	assert.Nil(t, end.Message)
	assert.Empty(t, end.FallbackText)
}

func TestKillProcess_PreemptsStreamingTurn(t *testing.T) {
	script := `#!/bin/sh
printf '%s\n' '{"type":"assistant","message":{"content":[{"type":"text","text":"partial"}]}}'
exec sleep 30
`
	s := newTestSupervisor(t, script)
	sub := s.Subscribe("t1")
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.SendMessage(context.Background(), "t1", "hi", nil)
	}()

	// Wait for the partial chunk, then pre-empt.
	var sawChunk bool
	deadline := time.After(5 * time.Second)
	for !sawChunk {
		select {
		case ev := <-sub.Events():
			if ev.Kind == EventStreamChunk {
				sawChunk = true
			}
		case <-deadline:
			t.Fatal("never saw the partial chunk")
		}
	}
	assert.True(t, s.IsStreaming("t1"))
	s.KillProcess("t1")

	events := collectUntilEnd(t, sub, 5*time.Second)
	end := events[len(events)-1]
	assert.Nil(t, end.Message)
	assert.Equal(t, "partial", end.FallbackText)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("send did not return after kill")
	}
	assert.False(t, s.IsStreaming("t1"))

	// The partial response was not committed.
	hist, err := s.GetHistory("t1", 0)
	require.NoError(t, err)
	require.Len(t, hist, 1)
}

func TestKillProcess_NoopWhenIdle(t *testing.T) {
	s := newTestSupervisor(t, helloScript)
	s.KillProcess("t1")
	assert.False(t, s.IsStreaming("t1"))
}

func TestSendMessage_ImageAttachmentGoesOverStdin(t *testing.T) {
	home := t.TempDir()
	m := thread.NewManager(home)
	t.Cleanup(m.Close)

	outPath := filepath.Join(home, "stdin-capture")
	script := "#!/bin/sh\ncat > " + outPath + "\n" +
		`printf '%s\n' '{"type":"assistant","message":{"content":[{"type":"text","text":"seen"}]}}'` + "\n"
	cliPath := filepath.Join(home, "fake-claude")
	require.NoError(t, os.WriteFile(cliPath, []byte(script), 0o755))
	s := New(m, config.SupervisorConfig{CLIPath: cliPath})

	imgPath := filepath.Join(home, "shot.png")
	require.NoError(t, os.WriteFile(imgPath, []byte("pngbytes"), 0o644))

	sub := s.Subscribe("t1")
	defer sub.Close()
	require.NoError(t, s.SendMessage(context.Background(), "t1", "look", []thread.Attachment{
		{Name: "shot.png", StoredPath: imgPath, Kind: thread.AttachmentImage, MimeType: "image/png"},
	}))
	collectUntilEnd(t, sub, 5*time.Second)

	data, err := os.ReadFile(outPath)
	require.NoError(t, err)

	// Exactly one JSON object and a trailing newline.
	text := string(data)
	require.True(t, strings.HasSuffix(text, "\n"))
	assert.Equal(t, 1, strings.Count(text, "\n"))
	assert.Contains(t, text, `"type":"user"`)
	assert.Contains(t, text, `"type":"image"`)
	assert.Contains(t, text, `"type":"text"`)
}

func TestSendMessage_FileAttachmentAppendsReference(t *testing.T) {
	s := newTestSupervisor(t, helloScript)
	sub := s.Subscribe("t1")
	defer sub.Close()

	require.NoError(t, s.SendMessage(context.Background(), "t1", "see file", []thread.Attachment{
		{Name: "notes.txt", StoredPath: "/tmp/notes.txt", Kind: thread.AttachmentFile, MimeType: "text/plain"},
	}))
	events := collectUntilEnd(t, sub, 5*time.Second)

	user := eventsOfKind(events, EventUserMessage)
	require.Len(t, user, 1)
	assert.Equal(t, "see file\n[Attached file: /tmp/notes.txt]", user[0].Message.Content)
}

func TestSendMessage_UnreadableImageDegradesToReference(t *testing.T) {
	s := newTestSupervisor(t, helloScript)
	sub := s.Subscribe("t1")
	defer sub.Close()

	require.NoError(t, s.SendMessage(context.Background(), "t1", "look", []thread.Attachment{
		{Name: "gone.png", StoredPath: "/nonexistent/gone.png", Kind: thread.AttachmentImage},
	}))
	events := collectUntilEnd(t, sub, 5*time.Second)

	user := eventsOfKind(events, EventUserMessage)
	require.Len(t, user, 1)
	assert.Contains(t, user[0].Message.Content, "[Attached image (unreadable): /nonexistent/gone.png]")
}

func TestGetHistory_CountBoundary(t *testing.T) {
	s := newTestSupervisor(t, helloScript)
	sub := s.Subscribe("t1")
	defer sub.Close()

	require.NoError(t, s.SendMessage(context.Background(), "t1", "one", nil))
	collectUntilEnd(t, sub, 5*time.Second)
	require.NoError(t, s.SendMessage(context.Background(), "t1", "two", nil))
	collectUntilEnd(t, sub, 5*time.Second)

	all, err := s.GetHistory("t1", 0)
	require.NoError(t, err)
	assert.Len(t, all, 4)

	last, err := s.GetHistory("t1", 1)
	require.NoError(t, err)
	require.Len(t, last, 1)
	assert.Equal(t, "assistant", last[0].Role)
}

func TestRevert(t *testing.T) {
	s := newTestSupervisor(t, helloScript)
	sub := s.Subscribe("t1")
	defer sub.Close()

	require.NoError(t, s.SendMessage(context.Background(), "t1", "one", nil))
	collectUntilEnd(t, sub, 5*time.Second)

	hist, err := s.GetHistory("t1", 0)
	require.NoError(t, err)
	require.Len(t, hist, 2)

	res := s.Revert("t1", hist[1].ID, false)
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.RemovedCount)
	assert.Empty(t, res.Error)

	res = s.Revert("t1", "m999999", false)
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Error)
}

func TestSendMessage_ExternalizesOversizedToolResults(t *testing.T) {
	big := strings.Repeat("x", externalizeBlockBytes+1024)
	script := "#!/bin/sh\n" +
		`printf '%s\n' '{"type":"tool_result","content":"` + big + `"}'` + "\n" +
		`printf '%s\n' '{"type":"assistant","message":{"content":[{"type":"text","text":"done"}]}}'` + "\n"

	s := newTestSupervisor(t, script)
	sub := s.Subscribe("t1")
	defer sub.Close()

	require.NoError(t, s.SendMessage(context.Background(), "t1", "run", nil))
	events := collectUntilEnd(t, sub, 10*time.Second)

	var sentinel string
	for _, ev := range eventsOfKind(events, EventStreamSegment) {
		if tr, ok := ev.Segment.(stream.ToolResult); ok {
			require.True(t, strings.HasPrefix(tr.Content, "[STORED:"), "tool result was not externalized: %.60s", tr.Content)
			sentinel = strings.TrimSuffix(strings.TrimPrefix(tr.Content, "[STORED:"), "]")
		}
	}
	require.NotEmpty(t, sentinel)

	// The per-line task completed before stream-end: the blob is readable.
	th, err := s.Threads().Get("t1")
	require.NoError(t, err)
	blob, err := th.Content.Get(sentinel)
	require.NoError(t, err)
	assert.Equal(t, big, string(blob))
}

func TestSubscription_CloseUnsubscribes(t *testing.T) {
	s := newTestSupervisor(t, helloScript)
	sub := s.Subscribe("t1")
	sub.Close()

	// Publishing after close must not block or panic.
	require.NoError(t, s.SendMessage(context.Background(), "t1", "hi", nil))
}

func TestFilterEnv(t *testing.T) {
	in := []string{
		"PATH=/usr/bin",
		"CLAUDE_API_KEY=secret",
		"CLAUDECODE=1",
		"CLAUDECODE_EXTRA=keep", // not the exact legacy name, not CLAUDE_-prefixed
		"HOME=/home/u",
	}
	out := filterEnv(in)
	assert.Equal(t, []string{"PATH=/usr/bin", "CLAUDECODE_EXTRA=keep", "HOME=/home/u"}, out)
}

func TestBuildArgs(t *testing.T) {
	t.Run("without images", func(t *testing.T) {
		args := buildArgs("/tmp/mcp.json", "SYS", "hello", false)
		assert.Equal(t, "hello", args[len(args)-1])
		assert.Contains(t, args, "--output-format")
		assert.Contains(t, args, "stream-json")
		assert.Contains(t, args, "--mcp-config")
		assert.Contains(t, args, "--append-system-prompt")
		assert.NotContains(t, args, "--input-format")
	})

	t.Run("with images", func(t *testing.T) {
		args := buildArgs("/tmp/mcp.json", "SYS", "hello", true)
		assert.Contains(t, args, "--input-format")
		assert.NotEqual(t, "hello", args[len(args)-1])
	})
}
