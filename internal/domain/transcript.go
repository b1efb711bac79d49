package domain

import (
	"fmt"
	"strings"
)

// EntryType distinguishes who a transcript entry is attributed to.
type EntryType string

const (
	// EntryUser is a participant-submitted prompt.
	EntryUser EntryType = "user"
	// EntryAgent is agent output.
	EntryAgent EntryType = "agent"
	// EntrySystem is a lifecycle notice.
	EntrySystem EntryType = "system"
)

// Entry is a derived, engine-local transcript line. It is never persisted as
// an entity of record; the engine rebuilds the transcript from change events.
type Entry struct {
	ID         string    `json:"id"`
	Type       EntryType `json:"type"`
	Content    string    `json:"content"`
	SenderName string    `json:"sender_name,omitempty"`
}

// Transcript entry IDs derived from the same proposal share a correlation
// prefix so the newest entry supersedes the "Processing..." placeholder.
const processingIDPrefix = "processing-"

// ProcessingEntryID correlates the processing placeholder to its proposal.
func ProcessingEntryID(proposalID string) string {
	return processingIDPrefix + proposalID
}

// IsProcessingEntryID reports whether id names a processing placeholder.
func IsProcessingEntryID(id string) bool {
	return strings.HasPrefix(id, processingIDPrefix)
}

// AnalysisEntryID correlates the final agent analysis to its proposal.
func AnalysisEntryID(proposalID string) string {
	return "analysis-" + proposalID
}

// InterruptedEntryID correlates the stop notice to its proposal.
func InterruptedEntryID(proposalID string) string {
	return "interrupted-" + proposalID
}

// RejectionResponseEntryID correlates the rejection analysis to its proposal.
func RejectionResponseEntryID(proposalID string) string {
	return "rejection-response-" + proposalID
}

// RejectionNoticeEntryID correlates the partial-rejection notice to its
// proposal; the engine dedups on it so replayed events add the notice once.
func RejectionNoticeEntryID(proposalID string) string {
	return "system-rejection-" + proposalID
}

// ErrorEntryID correlates a worker-failure notice to its proposal.
func ErrorEntryID(proposalID string) string {
	return "error-" + proposalID
}

// ProcessingContent renders the processing placeholder text.
func ProcessingContent(title string) string {
	return fmt.Sprintf("Processing task: \"%s\"...", title)
}

// Fixed transcript strings mirrored to all participants.
const (
	StoppedByUserContent    = "Processing stopped by user."
	PartialRejectionContent = "Task rejected because one user has declined approval."
	NoAnalysisFallback      = "Agent finished but provided no response."
	ProcessingFailedNotice  = "Agent processing failed."
)
