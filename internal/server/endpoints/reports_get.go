package endpoints

import (
	"errors"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/reportgen/internal/api"
	"github.com/jackzampolin/reportgen/internal/defra"
	"github.com/jackzampolin/reportgen/internal/metrics"
	"github.com/jackzampolin/reportgen/internal/results"
	"github.com/jackzampolin/reportgen/internal/svcctx"
	"github.com/jackzampolin/reportgen/internal/tasks"
)

// pathReqID reads and checks the {req_id} path value.
func pathReqID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.PathValue("req_id")
	if err := defra.ValidateID(id); err != nil {
		writeError(w, http.StatusBadRequest, "invalid req_id: "+err.Error())
		return "", false
	}
	return id, true
}

// ReportStatusEndpoint handles GET /api/reports/{req_id}/status.
type ReportStatusEndpoint struct{}

func (e *ReportStatusEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/reports/{req_id}/status", e.handler
}

func (e *ReportStatusEndpoint) RequiresInit() bool { return true }

func (e *ReportStatusEndpoint) Group() string { return ReportsGroup }

// handler godoc
//
//	@Summary	Get request status
//	@Tags		reports
//	@Produce	json
//	@Param		req_id	path		string	true	"Request ID"
//	@Success	200		{object}	tasks.Record
//	@Failure	400		{object}	ErrorResponse
//	@Failure	404		{object}	ErrorResponse
//	@Security	BearerAuth
//	@Router		/api/reports/{req_id}/status [get]
func (e *ReportStatusEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathReqID(w, r)
	if !ok {
		return
	}
	svc := svcctx.TasksFrom(r.Context())
	if svc == nil {
		writeError(w, http.StatusServiceUnavailable, "request service not initialized")
		return
	}

	rec, err := svc.GetStatus(r.Context(), id)
	if err != nil {
		if errors.Is(err, tasks.ErrNotFound) {
			writeError(w, http.StatusNotFound, "request not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (e *ReportStatusEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "status <req_id>",
		Short: "Get the status of a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp tasks.Record
			if err := client.Get(cmd.Context(), "/api/reports/"+args[0]+"/status", &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}

// CancelResponse confirms a cancellation.
type CancelResponse struct {
	ReqID   string       `json:"reqId"`
	Status  tasks.Status `json:"status"`
	Message string       `json:"message"`
}

// CancelReportEndpoint handles POST /api/reports/{req_id}/cancel.
type CancelReportEndpoint struct{}

func (e *CancelReportEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/reports/{req_id}/cancel", e.handler
}

func (e *CancelReportEndpoint) RequiresInit() bool { return true }

func (e *CancelReportEndpoint) Group() string { return ReportsGroup }

// handler godoc
//
//	@Summary		Cancel a request
//	@Description	The worker stops at its next stage boundary
//	@Tags			reports
//	@Produce		json
//	@Param			req_id	path		string	true	"Request ID"
//	@Success		200		{object}	CancelResponse
//	@Failure		404		{object}	ErrorResponse
//	@Failure		409		{object}	ErrorResponse
//	@Security		BearerAuth
//	@Router			/api/reports/{req_id}/cancel [post]
func (e *CancelReportEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathReqID(w, r)
	if !ok {
		return
	}
	svc := svcctx.TasksFrom(r.Context())
	if svc == nil {
		writeError(w, http.StatusServiceUnavailable, "request service not initialized")
		return
	}

	rec, err := svc.Cancel(r.Context(), id)
	switch {
	case errors.Is(err, tasks.ErrNotFound):
		writeError(w, http.StatusNotFound, "request not found")
	case errors.Is(err, tasks.ErrAlreadyTerminal):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, CancelResponse{ReqID: rec.ReqID, Status: rec.Status, Message: rec.Message})
	}
}

func (e *CancelReportEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <req_id>",
		Short: "Cancel a pending or processing request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp CancelResponse
			if err := client.Post(cmd.Context(), "/api/reports/"+args[0]+"/cancel", nil, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}

// ReportResultEndpoint handles GET /api/reports/{req_id}/result.
type ReportResultEndpoint struct{}

func (e *ReportResultEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/reports/{req_id}/result", e.handler
}

func (e *ReportResultEndpoint) RequiresInit() bool { return true }

func (e *ReportResultEndpoint) Group() string { return ReportsGroup }

// handler godoc
//
//	@Summary	Get the stored result of a request
//	@Tags		reports
//	@Produce	json
//	@Param		req_id	path		string	true	"Request ID"
//	@Success	200		{object}	results.Result
//	@Failure	404		{object}	ErrorResponse
//	@Security	BearerAuth
//	@Router		/api/reports/{req_id}/result [get]
func (e *ReportResultEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathReqID(w, r)
	if !ok {
		return
	}
	store := svcctx.ResultsFrom(r.Context())
	if store == nil {
		writeError(w, http.StatusServiceUnavailable, "result store not initialized")
		return
	}

	res, err := store.Load(r.Context(), id)
	if err != nil {
		if errors.Is(err, results.ErrNotFound) {
			writeError(w, http.StatusNotFound, "result not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (e *ReportResultEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "result <req_id>",
		Short: "Get the stored result of a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp results.Result
			if err := client.Get(cmd.Context(), "/api/reports/"+args[0]+"/result", &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}

// ReportUsageEndpoint handles GET /api/reports/{req_id}/usage.
type ReportUsageEndpoint struct{}

func (e *ReportUsageEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/reports/{req_id}/usage", e.handler
}

func (e *ReportUsageEndpoint) RequiresInit() bool { return true }

func (e *ReportUsageEndpoint) Group() string { return ReportsGroup }

// handler godoc
//
//	@Summary		Get model usage of a request
//	@Description	Token counts and call latency summed over every generation and repair call
//	@Tags			reports
//	@Produce		json
//	@Param			req_id	path		string	true	"Request ID"
//	@Success		200		{object}	metrics.Usage
//	@Failure		500		{object}	ErrorResponse
//	@Security		BearerAuth
//	@Router			/api/reports/{req_id}/usage [get]
func (e *ReportUsageEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathReqID(w, r)
	if !ok {
		return
	}
	q := svcctx.MetricsQueryFrom(r.Context())
	if q == nil {
		writeError(w, http.StatusServiceUnavailable, "metrics not initialized")
		return
	}

	usage, err := q.RequestUsage(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, usage)
}

func (e *ReportUsageEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "usage <req_id>",
		Short: "Get model usage of a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp metrics.Usage
			if err := client.Get(cmd.Context(), "/api/reports/"+args[0]+"/usage", &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}
