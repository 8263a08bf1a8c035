// Package chat drives multi-turn conversations with the agent CLI in its
// streaming structured-output mode and decodes the newline-delimited JSON
// events it emits.
package chat

import (
	"encoding/json"
	"strings"

	"github.com/colabvibe/colabvibe/internal/logger"
	"github.com/colabvibe/colabvibe/internal/models"
)

// streamEvent is the wire shape of one protocol line. Only the fields for
// the given type are populated by the CLI.
type streamEvent struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype,omitempty"`
	SessionID string `json:"session_id,omitempty"`

	ContentBlock *contentBlock `json:"content_block,omitempty"`
	Delta        *blockDelta   `json:"delta,omitempty"`
	Message      *wireMessage  `json:"message,omitempty"`

	Result  string `json:"result,omitempty"`
	IsError bool   `json:"is_error,omitempty"`
	Error   string `json:"error,omitempty"`
}

type contentBlock struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"` // tool name on tool_use blocks
	Text string `json:"text,omitempty"`
}

type blockDelta struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type wireMessage struct {
	Role    string         `json:"role,omitempty"`
	Content []contentBlock `json:"content,omitempty"`
}

// Decoder incrementally decodes a session's protocol stream. Chunks handed
// to Write need not align with line boundaries; the trailing partial line is
// retained across calls. One Decoder lives per in-flight turn.
type Decoder struct {
	agentID    string
	emit       func(models.SessionEvent)
	structured bool

	partial     string
	accumulated strings.Builder
	inToolUse   bool
	receivedAny bool

	conversationStarted bool

	// token is adopted from the first system init event and never
	// overwritten afterwards (first-writer-wins).
	token          string
	tokenConfirmed bool
}

// NewDecoder builds a decoder for one turn. token is the caller's candidate
// correlation token; the runtime's init event confirms or replaces it only
// if no confirmed token exists yet. structured selects the streaming JSON
// protocol; when false, chunks are treated as plain text and accumulated
// verbatim.
func NewDecoder(agentID, token string, structured bool, emit func(models.SessionEvent)) *Decoder {
	return &Decoder{agentID: agentID, token: token, structured: structured, emit: emit}
}

// Write appends a chunk to the line buffer and processes every complete
// line. A line that fails to parse is logged and skipped, never fatal.
func (d *Decoder) Write(chunk []byte) {
	if len(chunk) > 0 {
		d.receivedAny = true
	}
	if !d.structured {
		d.accumulated.Write(chunk)
		return
	}
	d.partial += string(chunk)

	for {
		idx := strings.IndexByte(d.partial, '\n')
		if idx < 0 {
			return
		}
		line := strings.TrimRight(d.partial[:idx], "\r")
		d.partial = d.partial[idx+1:]
		if strings.TrimSpace(line) == "" {
			continue
		}
		d.handleLine(line)
	}
}

// Token returns the confirmed correlation token, or the candidate if the
// runtime never confirmed one.
func (d *Decoder) Token() string { return d.token }

// ConversationStarted reports whether the turn reached message_stop or
// result.
func (d *Decoder) ConversationStarted() bool { return d.conversationStarted }

// Accumulated returns the visible message text assembled so far.
func (d *Decoder) Accumulated() string { return d.accumulated.String() }

func (d *Decoder) handleLine(line string) {
	var ev streamEvent
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		decodeErr := &models.ProtocolDecodeError{Line: line, Err: err}
		logger.Warnf("agent %s: %v", d.agentID, decodeErr)
		return
	}

	switch ev.Type {
	case "message_start":
		d.accumulated.Reset()
		d.inToolUse = false

	case "content_block_start":
		if ev.ContentBlock != nil && ev.ContentBlock.Type == "tool_use" {
			d.inToolUse = true
			notice := models.NewEvent(models.EventChatToolUse, d.agentID)
			notice.ToolName = ev.ContentBlock.Name
			d.emit(notice)
		} else {
			d.inToolUse = false
		}

	case "content_block_delta":
		if d.inToolUse || ev.Delta == nil || ev.Delta.Text == "" {
			return
		}
		d.accumulated.WriteString(ev.Delta.Text)
		chunk := models.NewEvent(models.EventChatStreamChunk, d.agentID)
		chunk.Text = ev.Delta.Text
		chunk.Partial = d.accumulated.String()
		d.emit(chunk)

	case "content_block_stop":
		d.inToolUse = false

	case "message_stop":
		// Completion is deferred to the result event.
		d.conversationStarted = true

	case "system":
		if ev.Subtype == "init" && ev.SessionID != "" && !d.tokenConfirmed {
			d.token = ev.SessionID
			d.tokenConfirmed = true
			logger.Debugf("agent %s: adopted correlation token %s", d.agentID, d.token)
		}

	case "assistant":
		// Authoritative per-turn text: the concatenation of text-typed
		// blocks, overwriting whatever the deltas built up.
		if ev.Message == nil {
			return
		}
		d.accumulated.Reset()
		for _, block := range ev.Message.Content {
			if block.Type == "text" {
				d.accumulated.WriteString(block.Text)
			}
		}

	case "result":
		d.conversationStarted = true
		done := models.NewEvent(models.EventChatStreamComplete, d.agentID)
		done.Text = ev.Result
		done.Token = d.token
		d.emit(done)

	case "error":
		ce := models.NewEvent(models.EventChatError, d.agentID)
		ce.Err = ev.Error
		if ce.Err == "" {
			ce.Err = ev.Result
		}
		d.emit(ce)

	default:
		logger.Debugf("agent %s: ignoring protocol event type %q", d.agentID, ev.Type)
	}
}

// Finalize handles process exit. stderr is the captured diagnostic output.
// When the turn produced no bytes at all, a non-empty stderr becomes the
// last-resort response body; otherwise an error is synthesized.
func (d *Decoder) Finalize(stderr string) {
	// Flush a trailing line that arrived without its newline.
	if strings.TrimSpace(d.partial) != "" {
		d.handleLine(d.partial)
		d.partial = ""
	}

	if !d.receivedAny {
		if strings.TrimSpace(stderr) != "" {
			// Last-resort decode branch: some CLI failures report on
			// stderr with an empty stdout. Surface it as the response
			// body rather than dropping it, marked so callers can tell.
			resp := models.NewEvent(models.EventChatResponse, d.agentID)
			resp.Text = strings.TrimSpace(stderr)
			resp.Token = d.token
			resp.Err = "stderr-fallback"
			d.emit(resp)
			return
		}
		ce := models.NewEvent(models.EventChatError, d.agentID)
		ce.Err = "agent process exited without producing output"
		d.emit(ce)
		return
	}

	if !d.structured {
		// Plain-text fallback mode: the accumulated buffer is the answer.
		resp := models.NewEvent(models.EventChatResponse, d.agentID)
		resp.Text = d.accumulated.String()
		resp.Token = d.token
		d.emit(resp)
	}
}
