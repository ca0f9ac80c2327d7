package generate

import "github.com/jackzampolin/reportgen/internal/types"

// ErrorContentPrefix marks the report text of a failed request.
const ErrorContentPrefix = "【ERROR】："

// ErrorReport is the payload saved and delivered in place of a report when
// a stage fails.
func ErrorReport(errorType, message string) *Report {
	return &Report{
		Status:        "error",
		ErrorType:     errorType,
		ErrorMessage:  message,
		ReportContent: ErrorContentPrefix + message,
	}
}

// Items flattens r into one item per report. Scope fields come from the
// matching actual params and fall back to req. A payload without report
// results yields a single item carrying ReportContent.
func (r *Report) Items(req types.Params) []types.ResultItem {
	if r.ReportResults == nil {
		return []types.ResultItem{req.Item(req, r.ReportContent)}
	}
	items := make([]types.ResultItem, 0, len(r.ReportResults))
	for i, rr := range r.ReportResults {
		var p types.Params
		if i < len(r.ActualParams) {
			p = r.ActualParams[i]
		}
		items = append(items, p.Item(req, rr.ReportContent))
	}
	return items
}
