package conversation

import "strings"

// approvalKeywords authorize a Reviewing → Designing transition.
// Deliberately a closed English word list, not stemmed or localized —
// a fragile-by-design heuristic users are expected to match exactly,
// not one to silently "improve."
var approvalKeywords = []string{"launch", "continue", "ok", "yes", "go"}

// finalizeKeywords authorize a Finalizing → Complete transition.
var finalizeKeywords = []string{"finalize", "finish", "done", "accept", "ship it"}

// modifyKeywords keep the session in Finalizing while asking what to change.
var modifyKeywords = []string{"modify", "change", "edit", "adjust"}

// restartKeywords authorize a Finalizing → Gathering reset.
var restartKeywords = []string{"restart", "start over", "scrap", "redo"}

func containsKeyword(text string, keywords []string) bool {
	lower := strings.ToLower(text)
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func isApproval(text string) bool { return containsKeyword(text, approvalKeywords) }
func isFinalize(text string) bool { return containsKeyword(text, finalizeKeywords) }
func isModify(text string) bool   { return containsKeyword(text, modifyKeywords) }
func isRestart(text string) bool  { return containsKeyword(text, restartKeywords) }
