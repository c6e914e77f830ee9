package supervisor

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"cumulus/internal/thread"
)

// ErrCLINotFound reports that the vendor CLI could not be located. Its text
// is the one user-facing spawn failure message.
var ErrCLINotFound = errors.New("Claude CLI not found. Please install it first.")

// envPrefix and legacyEnvVar are stripped from the child's environment so it
// does not re-inherit host credentials or personas.
const (
	envPrefix    = "CLAUDE_"
	legacyEnvVar = "CLAUDECODE"
)

// resolveCLI locates the vendor CLI binary: an explicit override first, then
// common install locations under the user home, then system paths, then the
// process search path.
func (s *Supervisor) resolveCLI() (string, error) {
	if s.cliPath != "" {
		return s.cliPath, nil
	}

	home, _ := os.UserHomeDir()
	candidates := append([]string{}, s.extraCandidates...)
	if home != "" {
		candidates = append(candidates,
			filepath.Join(home, ".claude", "local", "claude"),
			filepath.Join(home, ".local", "bin", "claude"),
		)
	}
	candidates = append(candidates,
		"/usr/local/bin/claude",
		"/opt/homebrew/bin/claude",
		"/usr/bin/claude",
	)

	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && !info.IsDir() {
			return c, nil
		}
	}

	if path, err := exec.LookPath("claude"); err == nil {
		return path, nil
	}
	return "", ErrCLINotFound
}

// buildArgs assembles the standard CLI argument set: print mode, verbose,
// line-JSON output, bypassed permission prompts, the tool-config file, and
// the system prompt. Without images the user text rides as the final
// positional argument; with images it goes over stdin instead.
func buildArgs(toolConfigPath, systemPrompt, userText string, hasImages bool) []string {
	args := []string{
		"-p",
		"--verbose",
		"--output-format", "stream-json",
		"--permission-mode", "bypassPermissions",
		"--mcp-config", toolConfigPath,
		"--append-system-prompt", systemPrompt,
	}
	if hasImages {
		args = append(args, "--input-format", "stream-json")
	} else {
		args = append(args, userText)
	}
	return args
}

// filterEnv returns the host environment minus vendor-prefixed variables and
// the legacy CLAUDECODE marker.
func filterEnv(environ []string) []string {
	out := make([]string, 0, len(environ))
	for _, kv := range environ {
		key, _, _ := strings.Cut(kv, "=")
		if strings.HasPrefix(key, envPrefix) || key == legacyEnvVar {
			continue
		}
		out = append(out, kv)
	}
	return out
}

// imageBlock is one base64 image content block for line-JSON input.
type imageBlock struct {
	Type   string      `json:"type"`
	Source imageSource `json:"source"`
}

type imageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// prepareAttachments splits attachments into embeddable image blocks and
// file-reference lines appended to the user text. Unreadable images degrade
// to a reference line instead of failing the turn.
func prepareAttachments(atts []thread.Attachment) (blocks []imageBlock, refLines []string) {
	for _, a := range atts {
		if a.Kind == thread.AttachmentImage {
			data, err := os.ReadFile(a.StoredPath)
			if err != nil {
				refLines = append(refLines, fmt.Sprintf("[Attached image (unreadable): %s]", a.StoredPath))
				continue
			}
			mime := a.MimeType
			if mime == "" {
				mime = "image/png"
			}
			blocks = append(blocks, imageBlock{
				Type: "image",
				Source: imageSource{
					Type:      "base64",
					MediaType: mime,
					Data:      base64.StdEncoding.EncodeToString(data),
				},
			})
			continue
		}
		refLines = append(refLines, fmt.Sprintf("[Attached file: %s]", a.StoredPath))
	}
	return blocks, refLines
}

// encodeStdinMessage renders the single line-JSON input object written to the
// child's stdin when images are present.
func encodeStdinMessage(blocks []imageBlock, text string) ([]byte, error) {
	content := make([]interface{}, 0, len(blocks)+1)
	for _, b := range blocks {
		content = append(content, b)
	}
	content = append(content, map[string]string{"type": "text", "text": text})

	payload := map[string]interface{}{
		"type": "user",
		"message": map[string]interface{}{
			"role":    "user",
			"content": content,
		},
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode stdin message: %w", err)
	}
	return append(data, '\n'), nil
}
