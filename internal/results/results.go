// Package results persists the final payload of each request in DefraDB.
package results

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackzampolin/reportgen/internal/defra"
	"github.com/jackzampolin/reportgen/internal/generate"
	"github.com/jackzampolin/reportgen/internal/types"
)

// Collection is the DefraDB collection results are stored in.
const Collection = "DiagnosisResult"

// ErrNotFound is returned by Load when no result exists for a request.
var ErrNotFound = errors.New("result not found")

// Result is a stored request result.
type Result struct {
	ID          string             `json:"id"`
	ReqID       string             `json:"req_id"`
	ReqParam    types.Request      `json:"req_param"`
	RespResult  []types.ResultItem `json:"resp_result"`
	Status      string             `json:"status"`
	ReportCount int                `json:"report_count"`
	CreatedAt   time.Time          `json:"created_at,omitzero"`
	UpdatedAt   time.Time          `json:"updated_at,omitzero"`
}

// DefraStore saves results with one document per request id. Saving the
// same request twice overwrites the earlier payload.
type DefraStore struct {
	client *defra.Client
	now    func() time.Time
}

// NewDefraStore creates a result store on client.
func NewDefraStore(client *defra.Client) *DefraStore {
	return &DefraStore{client: client, now: time.Now}
}

// Save upserts the result of reqID.
func (s *DefraStore) Save(ctx context.Context, reqID string, req types.Request, payload *generate.Report) error {
	if err := defra.ValidateID(reqID); err != nil {
		return err
	}
	reqParam, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	respResult, err := json.Marshal(payload.Items(req.Params()))
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	status := payload.Status
	if status == "" {
		status = "success"
	}
	now := s.now().UTC().Format(time.RFC3339)
	update := map[string]any{
		"req_param":    string(reqParam),
		"resp_result":  string(respResult),
		"status":       status,
		"report_count": payload.ReportCount,
		"updated_at":   now,
	}
	create := map[string]any{"req_id": reqID, "created_at": now}
	for k, v := range update {
		create[k] = v
	}

	filter := map[string]any{"req_id": map[string]any{"_eq": reqID}}
	if _, err := s.client.Upsert(ctx, Collection, filter, create, update); err != nil {
		return fmt.Errorf("failed to save result %s: %w", reqID, err)
	}
	return nil
}

// Load returns the stored result of reqID.
func (s *DefraStore) Load(ctx context.Context, reqID string) (*Result, error) {
	if err := defra.ValidateID(reqID); err != nil {
		return nil, err
	}
	resp, err := defra.NewQuery(Collection).
		Filter("req_id", reqID).
		Fields("_docID", "req_id", "req_param", "resp_result", "status", "report_count", "created_at", "updated_at").
		Limit(1).
		Execute(ctx, s.client)
	if err != nil {
		return nil, fmt.Errorf("failed to load result %s: %w", reqID, err)
	}
	docs := resp.Docs(Collection)
	if len(docs) == 0 {
		return nil, ErrNotFound
	}
	return parseResult(docs[0])
}

func parseResult(doc map[string]any) (*Result, error) {
	str := func(k string) string {
		v, _ := doc[k].(string)
		return v
	}

	r := &Result{
		ID:     str("_docID"),
		ReqID:  str("req_id"),
		Status: str("status"),
	}
	if n, ok := doc["report_count"].(float64); ok {
		r.ReportCount = int(n)
	}
	if raw := str("req_param"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &r.ReqParam); err != nil {
			return nil, fmt.Errorf("invalid stored req_param: %w", err)
		}
	}
	if raw := str("resp_result"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &r.RespResult); err != nil {
			return nil, fmt.Errorf("invalid stored resp_result: %w", err)
		}
	}
	r.CreatedAt, _ = time.Parse(time.RFC3339, str("created_at"))
	r.UpdatedAt, _ = time.Parse(time.RFC3339, str("updated_at"))
	return r, nil
}
