package chat

import (
	"encoding/json"
	"strings"
)

const maxHistoryEntries = 10

const systemPrompt = `You are the CityPulse support assistant. CityPulse lets residents report neighborhood infrastructure problems and rewards participation with credits.

What residents can do:
- Report potholes, broken streetlights, graffiti and similar problems, with up to 5 photos each
- Earn 10 credits per report plus 2 per attached photo, and 2 credits for their first vote
- Vote on reports to show support
- Spend credits on rewards such as gift cards and city merchandise
- Follow a report from pending to in progress to resolved or rejected

Answer briefly and kindly, stay on CityPulse topics, prefer bullet points for steps, and keep replies under 200 words. For account or technical problems, point people to support@citypulse.com or (555) 123-4567.`

// HistoryEntry is one earlier turn of the conversation.
type HistoryEntry struct {
	Sender  string `json:"sender"`
	Content string `json:"content"`
}

// ParseHistory keeps entries that are objects with string sender and
// content fields, and returns the most recent ten of them.
func ParseHistory(raw []json.RawMessage) []HistoryEntry {
	valid := make([]HistoryEntry, 0, len(raw))
	for _, item := range raw {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(item, &fields); err != nil || fields == nil {
			continue
		}
		var entry HistoryEntry
		if !decodeString(fields["sender"], &entry.Sender) || !decodeString(fields["content"], &entry.Content) {
			continue
		}
		valid = append(valid, entry)
	}
	if len(valid) > maxHistoryEntries {
		valid = valid[len(valid)-maxHistoryEntries:]
	}
	return valid
}

func decodeString(raw json.RawMessage, target *string) bool {
	if len(raw) == 0 {
		return false
	}
	return json.Unmarshal(raw, target) == nil
}

func buildPrompt(message string, history []HistoryEntry) string {
	var builder strings.Builder
	builder.WriteString(systemPrompt)
	builder.WriteString("\n\nPrevious conversation:\n")
	for _, entry := range history {
		if entry.Sender == "user" {
			builder.WriteString("User: ")
		} else {
			builder.WriteString("Assistant: ")
		}
		builder.WriteString(entry.Content)
		builder.WriteString("\n")
	}
	builder.WriteString("\nUser: ")
	builder.WriteString(message)
	return builder.String()
}
