package endpoints

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/spf13/cobra"

	"github.com/jackzampolin/reportgen/internal/api"
	"github.com/jackzampolin/reportgen/internal/svcctx"
	"github.com/jackzampolin/reportgen/internal/tasks"
	"github.com/jackzampolin/reportgen/internal/types"
)

// ReportsGroup groups the report commands under "reportgen api reports".
const ReportsGroup = "reports"

const maxRequestBody = 1 << 20

//go:embed request_schema.json
var requestSchemaJSON []byte

var requestSchema = jsonschema.MustCompileString("request_schema.json", string(requestSchemaJSON))

// DecodeRequest validates body against the request schema and decodes it.
func DecodeRequest(body []byte) (types.Request, error) {
	var req types.Request
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return req, fmt.Errorf("invalid JSON: %w", err)
	}
	if err := requestSchema.Validate(doc); err != nil {
		return req, fmt.Errorf("invalid request: %w", err)
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return req, fmt.Errorf("invalid request: %w", err)
	}
	return req, nil
}

// RejectedResponse is returned when admission refuses a request.
type RejectedResponse struct {
	Error         string `json:"error"`
	CurrentCount  int    `json:"current_count"`
	MaxConcurrent int    `json:"max_concurrent"`
}

// SubmitReportEndpoint handles POST /api/reports.
type SubmitReportEndpoint struct{}

func (e *SubmitReportEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/reports", e.handler
}

func (e *SubmitReportEndpoint) RequiresInit() bool { return true }

func (e *SubmitReportEndpoint) Group() string { return ReportsGroup }

// handler godoc
//
//	@Summary		Submit a report request
//	@Description	Validate the request, check admission and queue it for generation
//	@Tags			reports
//	@Accept			json
//	@Produce		json
//	@Param			request	body		types.Request	true	"Report request"
//	@Success		202		{object}	tasks.Submission
//	@Failure		400		{object}	ErrorResponse
//	@Failure		429		{object}	RejectedResponse
//	@Failure		500		{object}	ErrorResponse
//	@Security		BearerAuth
//	@Router			/api/reports [post]
func (e *SubmitReportEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	req, err := DecodeRequest(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	svc := svcctx.TasksFrom(r.Context())
	if svc == nil {
		writeError(w, http.StatusServiceUnavailable, "request service not initialized")
		return
	}

	sub, err := svc.Submit(r.Context(), req)
	if err != nil {
		var rejected *tasks.RejectedError
		if errors.As(err, &rejected) {
			writeJSON(w, http.StatusTooManyRequests, RejectedResponse{
				Error:         rejected.Decision.Reason,
				CurrentCount:  rejected.Decision.ActiveCount,
				MaxConcurrent: rejected.Decision.Limit,
			})
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, sub)
}

func (e *SubmitReportEndpoint) Command(getServerURL func() string) *cobra.Command {
	var file string
	var req types.Request
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a report request",
		Long: `Submit a report request.

The request is read from --file (use - for stdin) or built from flags.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := requestBody(file, req)
			if err != nil {
				return err
			}
			// Validate locally for a readable error before the round trip.
			if _, err := DecodeRequest(body); err != nil {
				return err
			}
			client := api.NewClient(getServerURL())
			var resp tasks.Submission
			if err := client.Post(cmd.Context(), "/api/reports", json.RawMessage(body), &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "JSON request file (- for stdin)")
	cmd.Flags().StringVar(&req.ReqID, "req-id", "", "Request ID")
	cmd.Flags().StringVar(&req.Period, "period", "", "Reporting period")
	cmd.Flags().StringVar(&req.DiagnosisType, "diagnosis-type", "", "Module (ORG, CHAN, IND, PROD or ALL)")
	cmd.Flags().StringVar(&req.ProvinceName, "province", "", "Province name or ALL")
	cmd.Flags().StringVar(&req.OfficeLv2Name, "office", "", "Office name or ALL")
	cmd.Flags().StringVar(&req.DistributionType, "distribution-type", "", "Distribution type filter")
	cmd.Flags().StringVar(&req.ItIncludeType, "it-include-type", "", "IT inclusion filter")
	return cmd
}

func requestBody(file string, req types.Request) ([]byte, error) {
	switch file {
	case "":
		return json.Marshal(req)
	case "-":
		var buf bytes.Buffer
		if _, err := buf.ReadFrom(os.Stdin); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return os.ReadFile(file)
	}
}

// CancelAllReportsEndpoint handles POST /api/reports/cancel-all.
type CancelAllReportsEndpoint struct{}

func (e *CancelAllReportsEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/reports/cancel-all", e.handler
}

func (e *CancelAllReportsEndpoint) RequiresInit() bool { return true }

func (e *CancelAllReportsEndpoint) Group() string { return ReportsGroup }

// handler godoc
//
//	@Summary	Cancel every pending or processing request
//	@Tags		reports
//	@Produce	json
//	@Success	200	{object}	tasks.CancelAllResult
//	@Failure	500	{object}	ErrorResponse
//	@Security	BearerAuth
//	@Router		/api/reports/cancel-all [post]
func (e *CancelAllReportsEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	svc := svcctx.TasksFrom(r.Context())
	if svc == nil {
		writeError(w, http.StatusServiceUnavailable, "request service not initialized")
		return
	}
	res, err := svc.CancelAll(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (e *CancelAllReportsEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel-all",
		Short: "Cancel every pending or processing request",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp tasks.CancelAllResult
			if err := client.Post(cmd.Context(), "/api/reports/cancel-all", nil, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}
