// Package core wires the Session Store, Conversation Engine, and Agent
// Pipeline into the functional API an out-of-scope HTTP/persistence
// layer consumes (§6): session_create, session_start, session_send,
// session_add_attachment, session_get, session_delete, and
// pipeline_run. It is the only package that touches all three, and it
// carries the surfaced half of the §7 error taxonomy — NotFound and
// InvalidInput — that the lower layers leave as unstructured errors
// because they are the core's contract with its caller, not theirs.
package core

import "errors"

// ErrNotFound is returned when a session id has no corresponding
// session. Wraps session.ErrNotFound so callers can match on either.
var ErrNotFound = errors.New("core: not found")

// ErrInvalidInput is returned for a disallowed attachment MIME type, an
// attachment beyond the per-session cap, an attachment over the size
// limit, or an empty user message.
var ErrInvalidInput = errors.New("core: invalid input")

// allowedAttachmentMIMEs is the closed set of image types the LLM
// Gateway's vision calls accept (§6).
var allowedAttachmentMIMEs = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
	"image/webp": true,
}
