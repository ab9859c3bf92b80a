// Package prompts holds the static per-role system prompts and the
// keyword-triggered reference-pattern library consumed by the Agent
// Pipeline and Conversation Engine. Trigger groups and their pattern
// blocks are a closed, declared table rather than scattered
// conditionals, matching the reference library this module's domain
// knowledge was distilled from.
package prompts

import "strings"

// Role identifies which specialist or pipeline stage a system prompt
// belongs to.
type Role string

// Recognized prompt roles.
const (
	RoleCoordinator   Role = "coordinator"
	RoleRequirements  Role = "requirements"
	RoleDesigner      Role = "designer"
	RoleEngineer      Role = "engineer"
	RolePhysics       Role = "physics"
	RoleManufacturing Role = "manufacturing"
	RoleValidator     Role = "validator"
)

//nolint:gochecknoglobals // closed, immutable per-role prompt table
var systemPrompts = map[Role]string{
	RoleCoordinator: "You are the coordinator of a CAD design assistant. Greet the user warmly, " +
		"summarize what the team of specialists will help them accomplish, and hand off to the " +
		"requirements specialist without asking any questions yourself.",

	RoleRequirements: "You are a requirements-gathering specialist for a parametric CAD design tool. " +
		"Given the conversation so far and the current requirements brief, extract and merge any new " +
		"dimensions, purpose, materials, or manufacturing constraints the user has mentioned. Respond " +
		"with strict JSON: {\"updated_requirements\": {...}, \"confidence_scores\": {...}, " +
		"\"ready_to_design\": bool, \"next_question\": {...}|null, \"summary\": \"...\"}. Set " +
		"ready_to_design true only once dimensions, purpose, and manufacturing confidence are each " +
		"at least 0.7.",

	RoleDesigner: "You are a CAD design specialist working in CadQuery (Python). Given a requirements " +
		"brief, produce a single parametric script that assigns its leading numeric dimensions as " +
		"plain variables, imports cadquery as cq, and assigns the final solid to a variable named " +
		"result. Return only the code in a fenced code block.",

	RoleEngineer: "You are a senior CAD engineer reviewing and synthesizing the final production script " +
		"for a part. Produce the most robust, manufacturable CadQuery script that satisfies the brief, " +
		"the prior design attempt, and any outstanding validation errors. Return only the code in a " +
		"fenced code block.",

	RolePhysics: "You are a structural/physics specialist. Given a requirements brief, assess whether " +
		"the described part can support its stated load given its material and wall thickness. " +
		"Respond with strict JSON: {\"concerns\": [...], \"issues\": [...], \"summary\": \"...\"}.",

	RoleManufacturing: "You are a 3D-printing manufacturability specialist. Given a requirements brief " +
		"and printer constraints, flag anything that will be difficult or impossible to print as " +
		"described (overhangs needing support, walls below the printer's minimum, build-volume " +
		"overflow). Respond with strict JSON: {\"concerns\": [...], \"issues\": [...], \"summary\": \"...\"}.",

	RoleValidator: "You are reviewing a generated CadQuery script and its computed bounding box against " +
		"the design intent and any reference images. Respond with strict JSON: {\"score\": 1-10, " +
		"\"matches\": bool, \"differences\": [...], \"suggestions\": [...]}. Weight your score roughly " +
		"40% general shape, 25% dimensions, 20% details, 15% printability.",
}

// SystemPromptFor returns the static system prompt for role. Returns
// an empty string for an unrecognized role.
func SystemPromptFor(role Role) string {
	return systemPrompts[role]
}

// triggerGroup is one keyword-triggered reference-pattern block.
type triggerGroup struct {
	Keywords []string
	Block    string
}

//nolint:gochecknoglobals // closed, immutable trigger-pattern table
var triggerGroups = map[string]triggerGroup{
	"fasteners": {
		Keywords: []string{"screw", "bolt", "nut", "fastener", "m3", "m4", "m5", "countersink"},
		Block: "Fastener pattern reference: model a clearance hole with " +
			".faces(\">Z\").workplane().hole(diameter) sized to the fastener's clearance diameter " +
			"(M3 -> 3.4mm, M4 -> 4.5mm, M5 -> 5.5mm), and a countersink with .cskHole(diameter, " +
			"cskDiameter, cskAngle) when a flush head is required.",
	},
	"threads": {
		Keywords: []string{"thread", "threaded", "tapped"},
		Block: "Threaded-hole pattern reference: CadQuery does not model helical threads reliably for " +
			"FDM printing; prefer a plain clearance or tap-sized hole and call out in the design notes " +
			"that a heat-set insert or self-tapping screw should be used instead of printed threads.",
	},
	"gears": {
		Keywords: []string{"gear", "cog", "sprocket"},
		Block: "Gear pattern reference: build gear teeth as a polar array of a single tooth profile " +
			"using cq.Workplane(...).polarArray(radius, startAngle, angle, count) rather than attempting " +
			"a closed-form involute expression inline.",
	},
	"bearings": {
		Keywords: []string{"bearing", "bushing", "608", "skateboard bearing"},
		Block: "Bearing pattern reference: a standard 608 bearing is 22mm OD x 8mm ID x 7mm thick; " +
			"model its pocket as a close-tolerance hole (22.2mm) of depth 7.2mm, not a press-fit " +
			"dimension equal to the nominal size.",
	},
	"gridfinity": {
		Keywords: []string{"gridfinity", "grid bin", "storage bin"},
		Block: "Gridfinity pattern reference: base units are 42mm x 42mm x 7mm; bins should be modeled " +
			"as integer multiples of the 42mm grid with a -0.5mm per-axis clearance and the standard " +
			"magnet-hole pattern (6.5mm diameter x 2.4mm deep) at each corner when magnets are requested.",
	},
	"chains": {
		Keywords: []string{"chain", "sprocket chain", "roller chain"},
		Block: "Chain/sprocket pattern reference: sprocket tooth count and pitch diameter should be " +
			"parameterized together (pitch * teeth / pi) rather than hand-tuned, so the model stays " +
			"consistent if either value changes later.",
	},
}

// GetRelevantPatterns scans prompt for any trigger keyword group and
// appends each matched group's reference-pattern block (deduplicated)
// to a combined string. Returns an empty string when nothing matches.
func GetRelevantPatterns(prompt string) string {
	lower := strings.ToLower(prompt)
	seen := make(map[string]bool)
	var blocks []string

	for _, group := range orderedGroupNames() {
		tg := triggerGroups[group]
		for _, kw := range tg.Keywords {
			if strings.Contains(lower, kw) {
				if !seen[tg.Block] {
					seen[tg.Block] = true
					blocks = append(blocks, tg.Block)
				}
				break
			}
		}
	}

	return strings.Join(blocks, "\n\n")
}

// orderedGroupNames returns trigger group keys in a stable, declared
// order so GetRelevantPatterns output is deterministic across calls.
func orderedGroupNames() []string {
	return []string{"fasteners", "threads", "gears", "bearings", "gridfinity", "chains"}
}
