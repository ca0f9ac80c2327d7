// Package metrics records and queries model call usage per report request.
package metrics

import "time"

// Collection is the DefraDB collection metrics are stored in.
const Collection = "GenerationMetric"

// Metric is one recorded model call. Metrics are append-only.
type Metric struct {
	ID string `json:"_docID,omitempty"`

	// Attribution
	ReqID   string `json:"req_id,omitempty"`
	Stage   string `json:"stage,omitempty"`
	ItemKey string `json:"item_key,omitempty"` // e.g. "0/ORG/CURRENT"

	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`

	PromptTokens     int `json:"prompt_tokens,omitempty"`
	CompletionTokens int `json:"completion_tokens,omitempty"`
	TotalTokens      int `json:"total_tokens,omitempty"`

	QueueSeconds     float64 `json:"queue_seconds,omitempty"`
	ExecutionSeconds float64 `json:"execution_seconds,omitempty"`

	Success   bool   `json:"success"`
	ErrorType string `json:"error_type,omitempty"`

	CreatedAt time.Time `json:"created_at,omitempty"`
}

// ToMap converts the metric to a map for DefraDB storage. Zero values are
// left out.
func (m *Metric) ToMap() map[string]any {
	data := map[string]any{
		"success":    m.Success,
		"created_at": m.CreatedAt.Format(time.RFC3339),
	}
	for k, v := range map[string]string{
		"req_id":     m.ReqID,
		"stage":      m.Stage,
		"item_key":   m.ItemKey,
		"provider":   m.Provider,
		"model":      m.Model,
		"error_type": m.ErrorType,
	} {
		if v != "" {
			data[k] = v
		}
	}
	for k, v := range map[string]int{
		"prompt_tokens":     m.PromptTokens,
		"completion_tokens": m.CompletionTokens,
		"total_tokens":      m.TotalTokens,
	} {
		if v > 0 {
			data[k] = v
		}
	}
	if m.QueueSeconds > 0 {
		data["queue_seconds"] = m.QueueSeconds
	}
	if m.ExecutionSeconds > 0 {
		data["execution_seconds"] = m.ExecutionSeconds
	}
	return data
}

// parseMetric converts a raw document to a Metric.
func parseMetric(m map[string]any) Metric {
	str := func(k string) string {
		v, _ := m[k].(string)
		return v
	}
	num := func(k string) float64 {
		v, _ := m[k].(float64)
		return v
	}

	metric := Metric{
		ID:               str("_docID"),
		ReqID:            str("req_id"),
		Stage:            str("stage"),
		ItemKey:          str("item_key"),
		Provider:         str("provider"),
		Model:            str("model"),
		PromptTokens:     int(num("prompt_tokens")),
		CompletionTokens: int(num("completion_tokens")),
		TotalTokens:      int(num("total_tokens")),
		QueueSeconds:     num("queue_seconds"),
		ExecutionSeconds: num("execution_seconds"),
		ErrorType:        str("error_type"),
	}
	metric.Success, _ = m["success"].(bool)
	if t, err := time.Parse(time.RFC3339, str("created_at")); err == nil {
		metric.CreatedAt = t
	}
	return metric
}

// Fields lists the stored fields of a Metric.
var Fields = []string{
	"_docID", "req_id", "stage", "item_key", "provider", "model",
	"prompt_tokens", "completion_tokens", "total_tokens",
	"queue_seconds", "execution_seconds", "success", "error_type", "created_at",
}
