// Package thread owns the durable state for named conversations: the
// append-only history log, the content store, the session store, and the
// per-thread tool-config file.
package thread

// Role identifies who produced a message.
type Role string

const (
	RoleUser         Role = "user"
	RoleAssistant    Role = "assistant"
	RoleSystemMarker Role = "system-marker"
)

// AttachmentKind distinguishes image attachments from plain files.
type AttachmentKind string

const (
	AttachmentImage AttachmentKind = "image"
	AttachmentFile  AttachmentKind = "file"
)

// Attachment references a file carried by a message. StoredPath may be
// relative to the thread's home directory; read paths resolve it absolute.
type Attachment struct {
	Name       string         `json:"name"`
	StoredPath string         `json:"storedPath"`
	Kind       AttachmentKind `json:"kind"`
	MimeType   string         `json:"mimeType,omitempty"`
}

// Message is one immutable entry in a thread's history. IDs are assigned
// monotonically by the history log and never reused.
type Message struct {
	ID          string            `json:"id"`
	Role        Role              `json:"role"`
	Content     string            `json:"content"`
	Timestamp   int64             `json:"timestamp"` // ms since epoch
	Tokens      int               `json:"tokens,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Attachments []Attachment      `json:"attachments,omitempty"`
}

// SessionID returns the session identifier carried in metadata, if any.
func (m Message) SessionID() string {
	return m.Metadata["sessionId"]
}

// GitSnapshot returns the git snapshot ref carried in metadata, if any.
func (m Message) GitSnapshot() string {
	return m.Metadata["gitSnapshot"]
}

// Stats summarizes a history log.
type Stats struct {
	Count       int
	TotalTokens int
}
