package aggregate

import (
	"encoding/json"
	"strings"
	"time"

	"hotaggr/internal/types"
)

// maxSummaryRunes bounds how much article content goes into a prompt.
// Titles carry most of the clustering signal; content past a couple of
// sentences only burns context budget.
const maxSummaryRunes = 200

type promptNewsItem struct {
	ID      int64  `json:"id"`
	Title   string `json:"title"`
	Summary string `json:"summary"`
	Type    string `json:"type"`
	Time    string `json:"time"`
}

type promptEventSummary struct {
	EventID   int64    `json:"event_id"`
	Title     string   `json:"title"`
	Summary   string   `json:"summary"`
	EventType string   `json:"event_type"`
	Region    string   `json:"region,omitempty"`
	Tags      []string `json:"tags,omitempty"`
}

func truncateRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}

// BuildAggregationPrompt renders one batch of news plus the recent-event
// context into the classification prompt. The response contract is spelled
// out verbatim so the reconciler's parser has a stable shape to aim at.
func BuildAggregationPrompt(items []*types.NewsItem, summaries []*types.EventSummary) string {
	news := make([]promptNewsItem, 0, len(items))
	for _, item := range items {
		news = append(news, promptNewsItem{
			ID:      item.ID,
			Title:   item.Title,
			Summary: truncateRunes(item.Content, maxSummaryRunes),
			Type:    item.Type,
			Time:    item.FirstSeenAt.UTC().Format(time.RFC3339),
		})
	}
	newsJSON, _ := json.MarshalIndent(news, "", "  ")

	events := make([]promptEventSummary, 0, len(summaries))
	for _, sum := range summaries {
		events = append(events, promptEventSummary{
			EventID:   sum.ID,
			Title:     sum.Title,
			Summary:   truncateRunes(sum.Summary, maxSummaryRunes),
			EventType: sum.EventType,
			Region:    sum.Region,
			Tags:      sum.Tags,
		})
	}
	eventsJSON, _ := json.MarshalIndent(events, "", "  ")

	var b strings.Builder
	b.WriteString("You are a news event aggregation analyst. Group the news items below into\n")
	b.WriteString("real-world events. A news item belongs to an existing event when it reports\n")
	b.WriteString("on the same underlying happening; otherwise propose a new event for it.\n\n")

	b.WriteString("Recent existing events:\n")
	b.Write(eventsJSON)
	b.WriteString("\n\nNews items to classify:\n")
	b.Write(newsJSON)
	b.WriteString("\n\n")

	b.WriteString("Rules:\n")
	b.WriteString("- Every news id must appear in exactly one group.\n")
	b.WriteString("- Only use event_id values from the recent existing events list.\n")
	b.WriteString("- sentiment must be one of: 负面, 中性, 正面.\n")
	b.WriteString("- confidence is your certainty in the grouping, between 0 and 1.\n\n")

	b.WriteString("Respond with JSON only, no prose, in exactly this shape:\n")
	b.WriteString(`{
  "existing_events": [
    {"event_id": 1, "news_ids": [101, 102], "confidence": 0.9}
  ],
  "new_events": [
    {
      "news_ids": [103],
      "title": "...",
      "summary": "...",
      "event_type": "...",
      "category": "...",
      "entities": ["..."],
      "region": "...",
      "tags": ["..."],
      "confidence": 0.8,
      "sentiment": "中性"
    }
  ]
}`)
	return b.String()
}
