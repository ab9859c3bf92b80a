// Package conversation implements the multi-phase dialogue state
// machine that drives a design conversation from initial requirements
// gathering through specialist analysis, CAD generation, and
// finalization. It delegates CAD synthesis to the Agent Pipeline and
// never executes or validates code itself.
package conversation

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Phase is one state of a Session's dialogue state machine.
type Phase string

// Recognized phases.
const (
	PhaseGathering  Phase = "gathering"
	PhaseAnalyzing  Phase = "analyzing"
	PhaseDesigning  Phase = "designing"
	PhaseReviewing  Phase = "reviewing"
	PhaseFinalizing Phase = "finalizing"
	PhaseComplete   Phase = "complete"
)

// MessageKind classifies a Message's role in the transcript.
type MessageKind string

// Recognized message kinds.
const (
	KindUser       MessageKind = "user"
	KindAgent      MessageKind = "agent"
	KindQuestion   MessageKind = "question"
	KindSuggestion MessageKind = "suggestion"
	KindCode       MessageKind = "code"
	KindValidation MessageKind = "validation"
	KindSystem     MessageKind = "system"
)

// AgentRole identifies which specialist authored a Message, when
// applicable.
type AgentRole string

// Recognized agent roles a Message may be attributed to.
const (
	AgentCoordinator   AgentRole = "coordinator"
	AgentRequirements  AgentRole = "requirements"
	AgentDesigner      AgentRole = "designer"
	AgentEngineer      AgentRole = "engineer"
	AgentPhysics       AgentRole = "physics"
	AgentManufacturing AgentRole = "manufacturing"
	AgentValidator     AgentRole = "validator"
)

// Message is one immutable, append-only transcript entry.
type Message struct {
	ID        string
	Timestamp time.Time
	Sequence  uint64 // monotonically increasing per-session, tie-breaks equal timestamps
	Kind      MessageKind
	AgentRole AgentRole // empty when not attributable to a specific agent
	Content   string
	Data      map[string]any
}

// Dimensions is the dimensional section of a Requirements brief.
type Dimensions struct {
	Specified bool    `json:"specified"`
	LengthMM  float64 `json:"length_mm"`
	WidthMM   float64 `json:"width_mm"`
	HeightMM  float64 `json:"height_mm"`
}

// Physical is the structural section of a Requirements brief.
type Physical struct {
	NeedsStructuralAnalysis bool    `json:"needs_structural_analysis"`
	ExpectedLoadKG          float64 `json:"expected_load_kg"`
	Material                string  `json:"material"`
	WallThicknessMM         float64 `json:"wall_thickness_mm"`
}

// Aesthetics is the visual-finish section of a Requirements brief.
type Aesthetics struct {
	Style          string  `json:"style"`
	Finish         string  `json:"finish"`
	HasFillets     bool    `json:"has_fillets"`
	FilletRadiusMM float64 `json:"fillet_radius_mm"`
}

// BuildVolume is a build-volume extent in millimeters.
type BuildVolume struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Manufacturing is the printing-constraints section of a Requirements
// brief.
type Manufacturing struct {
	PrinterType           string      `json:"printer_type"`
	MaxBuildVolume        BuildVolume `json:"max_build_volume"`
	LayerHeightMM         float64     `json:"layer_height_mm"`
	NeedsSupports         bool        `json:"needs_supports"`
	OrientationPreference string      `json:"orientation_preference"`
}

// Assembly describes how a part relates to sibling parts.
type Assembly struct {
	IsPartOfAssembly bool               `json:"is_part_of_assembly"`
	MatingParts      []string           `json:"mating_parts"`
	Tolerances       map[string]float64 `json:"tolerances"`
}

// Requirements is the accumulated design brief, merged field-by-field
// across agent passes. Every field is optional; zero values mean
// "not yet specified", not "specified as zero" (Dimensions.Specified
// and similar flags disambiguate where that matters). JSON tags match
// the Requirements agent's wire contract so a parsed agent response
// unmarshals directly into a patch of this shape.
type Requirements struct {
	Description   string        `json:"description"`
	Purpose       string        `json:"purpose"`
	Dimensions    Dimensions    `json:"dimensions"`
	Physical      Physical      `json:"physical"`
	Aesthetics    Aesthetics    `json:"aesthetics"`
	Features      []string      `json:"features"`
	Manufacturing Manufacturing `json:"manufacturing"`
	Assembly      Assembly      `json:"assembly"`
	// Confidence maps a brief section name (dimensions, purpose,
	// features, manufacturing) to a score in [0,1].
	Confidence map[string]float64 `json:"confidence"`
}

// Attachment is a single reference image or sketch uploaded to a
// session.
type Attachment struct {
	ID       string
	Data     []byte
	MimeType string
	Name     string
	IsSketch bool
}

// ContextPart is a sibling artifact referenced for assembly coherence.
type ContextPart struct {
	Name string
	Code string
}

// Session is a live design conversation.
type Session struct {
	ID            string
	Phase         Phase
	Messages      []Message
	Requirements  Requirements
	GeneratedCode string
	HasCode       bool
	Attachments   []Attachment
	ContextParts  []ContextPart
	CreatedAt     time.Time
	UpdatedAt     time.Time

	// ModelOverride is the most recent explicit model_opt a caller
	// supplied to session_start/session_send, carried forward to the
	// next Designing pass (the Agent Pipeline's design stage is the
	// only stage that honors a model override; every other stage
	// keeps routing to its fixed role). Empty means "follow the
	// routing policy's Best/Fast role selection."
	ModelOverride string

	seq uint64 // backs Message.Sequence; not exported, never reset
}

// MaxAttachments is the per-session attachment cap (§3 invariant).
const MaxAttachments = 10

// NewSession constructs a fresh Session in PhaseGathering.
func NewSession(now time.Time) *Session {
	return &Session{
		ID:           uuid.NewString(),
		Phase:        PhaseGathering,
		Requirements: Requirements{Confidence: make(map[string]float64)},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// appendMessage appends msg to the transcript, stamping its sequence
// number. Callers hold the session's lock (via the Store) for the
// full duration of the handler that calls this.
func (s *Session) appendMessage(now time.Time, kind MessageKind, role AgentRole, content string, data map[string]any) Message {
	s.seq++
	m := Message{
		ID:        uuid.NewString(),
		Timestamp: now,
		Sequence:  s.seq,
		Kind:      kind,
		AgentRole: role,
		Content:   content,
		Data:      data,
	}
	s.Messages = append(s.Messages, m)
	s.UpdatedAt = now
	return m
}

// NoteAttachmentsAtCreation appends a System-kind message recording how
// many reference attachments were supplied at session_create time, in
// the spirit of the original implementation's creation-time system
// note. Callers do this once, immediately after attaching images built
// via NewSession/NewSessionWithPrompt.
func (s *Session) NoteAttachmentsAtCreation(now time.Time, count int) {
	if count <= 0 {
		return
	}
	noun := "attachment"
	if count != 1 {
		noun = "attachments"
	}
	s.appendMessage(now, KindSystem, "", fmt.Sprintf("%d reference %s attached", count, noun), nil)
}

// AddAttachment appends att if the session is under the attachment
// cap, returning the assigned id. Returns ("", false) once the cap
// (MaxAttachments) is reached; the session is left unchanged.
func (s *Session) AddAttachment(now time.Time, att Attachment) (string, bool) {
	if len(s.Attachments) >= MaxAttachments {
		return "", false
	}
	if att.ID == "" {
		att.ID = uuid.NewString()
	}
	s.Attachments = append(s.Attachments, att)
	s.UpdatedAt = now
	return att.ID, true
}
