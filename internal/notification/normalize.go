package notification

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lmst/attendance-admin-client/internal/domain"
)

const defaultTitle = "Notification"

// Normalize turns one raw server record into a Notification. Missing
// fields take defaults; only a body that is not a JSON object is an error.
func Normalize(raw json.RawMessage, now time.Time, newID func() string) (domain.Notification, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var record map[string]any
	if err := dec.Decode(&record); err != nil {
		return domain.Notification{}, fmt.Errorf("decode notification: %w", err)
	}
	if record == nil {
		return domain.Notification{}, fmt.Errorf("decode notification: not an object")
	}

	n := domain.Notification{
		ID:        stringValue(record["id"]),
		Title:     stringValue(record["title"]),
		Message:   stringValue(record["message"]),
		CreatedAt: timeValue(record["created_at"]),
		Priority:  resolvePriority(record),
		Audience:  domain.AudienceTeacher,
	}
	if n.ID == "" {
		n.ID = newID()
	}
	if record["title"] == nil {
		n.Title = defaultTitle
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}
	if readAt := timeValue(record["read_at"]); !readAt.IsZero() {
		n.ReadAt = &readAt
	}
	if strings.EqualFold(stringValue(record["audience"]), string(domain.AudienceAdmin)) {
		n.Audience = domain.AudienceAdmin
	}
	n.Type = stringValue(record["type"])
	if ctx, ok := record["context"].(map[string]any); ok {
		n.Context = ctx
	}
	return n, nil
}

// extractRecords accepts either {"data":[...]} or a bare array.
func extractRecords(body json.RawMessage) []json.RawMessage {
	var records []json.RawMessage
	if err := json.Unmarshal(domain.UnwrapData(body), &records); err != nil {
		return nil
	}
	return records
}

func resolvePriority(record map[string]any) domain.Priority {
	switch p := domain.Priority(strings.ToLower(stringValue(record["priority"]))); p {
	case domain.PriorityHigh, domain.PriorityMedium, domain.PriorityLow:
		return p
	}
	if ctx, ok := record["context"].(map[string]any); ok && truthy(ctx["urgent"]) {
		return domain.PriorityHigh
	}
	return domain.PriorityLow
}

func stringValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		if t {
			return "true"
		}
		return "false"
	default:
		return fmt.Sprint(t)
	}
}

func timeValue(v any) time.Time {
	s, ok := v.(string)
	if !ok || s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case json.Number:
		f, err := t.Float64()
		return err == nil && f != 0
	default:
		return true
	}
}
