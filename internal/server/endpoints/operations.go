package endpoints

import (
	"net/http"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/reportgen/internal/api"
	"github.com/jackzampolin/reportgen/internal/svcctx"
	"github.com/jackzampolin/reportgen/internal/tags"
	"github.com/jackzampolin/reportgen/internal/tasks"
)

// AdmissionEndpoint handles GET /api/admission.
type AdmissionEndpoint struct{}

func (e *AdmissionEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/admission", e.handler
}

func (e *AdmissionEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		Current admission decision
//	@Description	Whether a new request would be accepted right now
//	@Tags			operations
//	@Produce		json
//	@Success		200	{object}	tasks.Decision
//	@Failure		500	{object}	ErrorResponse
//	@Security		BearerAuth
//	@Router			/api/admission [get]
func (e *AdmissionEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	svc := svcctx.TasksFrom(r.Context())
	if svc == nil {
		writeError(w, http.StatusServiceUnavailable, "request service not initialized")
		return
	}
	d, err := svc.Admission().CanSubmit(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (e *AdmissionEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "admission",
		Short: "Show whether a new request would be admitted",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp tasks.Decision
			if err := client.Get(cmd.Context(), "/api/admission", &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}

// RepairsResponse lists failed markup repairs.
type RepairsResponse struct {
	Failures []tags.Failure `json:"failures"`
	Count    int            `json:"count"`
}

// ListRepairsEndpoint handles GET /api/repairs.
type ListRepairsEndpoint struct{}

func (e *ListRepairsEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/repairs", e.handler
}

func (e *ListRepairsEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		List failed markup repairs
//	@Description	Text blocks whose markup could not be repaired, newest first
//	@Tags			operations
//	@Produce		json
//	@Param			limit	query		int	false	"Maximum results (default 50)"
//	@Success		200		{object}	RepairsResponse
//	@Failure		400		{object}	ErrorResponse
//	@Security		BearerAuth
//	@Router			/api/repairs [get]
func (e *ListRepairsEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	log := svcctx.FailuresFrom(r.Context())
	if log == nil {
		writeError(w, http.StatusServiceUnavailable, "failure log not initialized")
		return
	}
	failures, err := log.List(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if failures == nil {
		failures = []tags.Failure{}
	}
	writeJSON(w, http.StatusOK, RepairsResponse{Failures: failures, Count: len(failures)})
}

func (e *ListRepairsEndpoint) Command(getServerURL func() string) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "repairs",
		Short: "List failed markup repairs",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp RepairsResponse
			if err := client.Get(cmd.Context(), "/api/repairs?limit="+strconv.Itoa(limit), &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum results")
	return cmd
}
