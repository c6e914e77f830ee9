package stream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Decoder converts raw byte chunks from a subprocess into segments, one
// decode pass per \n-terminated line. An incomplete trailing fragment is
// buffered until the next chunk or Flush. Decoding is stateless across lines:
// a malformed or unrecognized line yields zero segments and never fails the
// stream.
type Decoder struct {
	buf  bytes.Buffer
	hook func([]byte) []byte
}

// NewDecoder returns an empty decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// WithLineHook installs a transform applied to each complete line before it
// is decoded. The hook must return the line to decode (possibly the input
// unchanged).
func (d *Decoder) WithLineHook(hook func([]byte) []byte) *Decoder {
	d.hook = hook
	return d
}

// Write appends a chunk and returns the segments decoded from every line
// completed by it.
func (d *Decoder) Write(chunk []byte) []Segment {
	d.buf.Write(chunk)

	var segs []Segment
	for {
		data := d.buf.Bytes()
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			break
		}
		line := make([]byte, idx)
		copy(line, data[:idx])
		d.buf.Next(idx + 1)
		if d.hook != nil {
			line = d.hook(line)
		}
		segs = append(segs, DecodeLine(line)...)
	}
	return segs
}

// Flush decodes any buffered trailing bytes as one final line. Call at
// end-of-stream.
func (d *Decoder) Flush() []Segment {
	if d.buf.Len() == 0 {
		return nil
	}
	line := make([]byte, d.buf.Len())
	copy(line, d.buf.Bytes())
	d.buf.Reset()
	if d.hook != nil {
		line = d.hook(line)
	}
	return DecodeLine(line)
}

// Pending returns the buffered incomplete fragment, if any.
func (d *Decoder) Pending() []byte {
	return d.buf.Bytes()
}

// wireBlock is one content block inside an assistant or user message.
type wireBlock struct {
	Type     string                 `json:"type"`
	Text     string                 `json:"text"`
	Thinking string                 `json:"thinking"`
	Name     string                 `json:"name"`
	Input    map[string]interface{} `json:"input"`
	Content  json.RawMessage        `json:"content"`
	IsError  bool                   `json:"is_error"`
}

// DecodeLine maps one line to zero or more segments.
func DecodeLine(line []byte) []Segment {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return nil
	}

	// The "message" field is an object on assistant/user lines and a string on
	// system lines, so the line is probed twice with different shapes.
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &probe); err != nil {
		return nil
	}

	typ := ""
	if raw, ok := probe["type"]; ok {
		if err := json.Unmarshal(raw, &typ); err != nil {
			return nil
		}
	}

	switch typ {
	case "assistant":
		return decodeMessageLine(trimmed, false)
	case "user":
		return decodeMessageLine(trimmed, true)
	case "tool_result":
		var ln struct {
			Content json.RawMessage `json:"content"`
			IsError bool            `json:"is_error"`
		}
		if err := json.Unmarshal(trimmed, &ln); err != nil {
			return nil
		}
		return []Segment{ToolResult{Content: rawToString(ln.Content), IsError: ln.IsError}}
	case "system":
		return decodeSystemLine(trimmed)
	case "result":
		var ln struct {
			DurationMillis int64 `json:"duration_ms"`
			Usage          *struct {
				InputTokens  int `json:"input_tokens"`
				OutputTokens int `json:"output_tokens"`
			} `json:"usage"`
		}
		if err := json.Unmarshal(trimmed, &ln); err != nil {
			return nil
		}
		res := Result{DurationMillis: ln.DurationMillis}
		if ln.Usage != nil {
			res.InputTokens = ln.Usage.InputTokens
			res.OutputTokens = ln.Usage.OutputTokens
		}
		return []Segment{res}
	case "":
		// Lines with a bare "output" field carry a tool result.
		if raw, ok := probe["output"]; ok {
			return []Segment{ToolResult{Content: rawToString(raw)}}
		}
		return nil
	default:
		return nil
	}
}

// decodeMessageLine decodes assistant and user lines. User text echoes are
// suppressed: only tool_result blocks survive from user lines.
func decodeMessageLine(line []byte, userOnly bool) []Segment {
	var ln struct {
		Message struct {
			Content []wireBlock `json:"content"`
		} `json:"message"`
	}
	if err := json.Unmarshal(line, &ln); err != nil {
		return nil
	}

	var segs []Segment
	for _, b := range ln.Message.Content {
		switch b.Type {
		case "text":
			if !userOnly {
				segs = append(segs, Text{Content: b.Text})
			}
		case "thinking":
			if !userOnly {
				segs = append(segs, Thinking{Content: b.Thinking})
			}
		case "tool_use":
			if !userOnly {
				segs = append(segs, ToolUse{Tool: b.Name, Input: b.Input})
			}
		case "tool_result":
			segs = append(segs, ToolResult{Content: rawToString(b.Content), IsError: b.IsError})
		}
	}
	return segs
}

func decodeSystemLine(line []byte) []Segment {
	var ln struct {
		Subtype string          `json:"subtype"`
		Message json.RawMessage `json:"message"`
	}
	if err := json.Unmarshal(line, &ln); err != nil {
		return nil
	}

	var msg string
	if len(ln.Message) > 0 {
		msg = rawToString(ln.Message)
	}
	if ln.Subtype != "" && msg != "" {
		return []Segment{System{Content: fmt.Sprintf("%s: %s", ln.Subtype, msg)}}
	}
	return []Segment{System{Content: string(line)}}
}

// rawToString renders a JSON value as the content string: JSON strings are
// unwrapped, everything else is serialized compactly.
func rawToString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return strings.TrimSpace(string(raw))
	}
	return buf.String()
}
