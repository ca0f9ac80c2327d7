package generate

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/jackzampolin/reportgen/internal/prompts/report"
	"github.com/jackzampolin/reportgen/internal/tags"
	"github.com/jackzampolin/reportgen/internal/types"
)

// Report is the aggregated output of a run, one entry per input record in
// input order.
type Report struct {
	// Set only on the error payload written when a stage fails.
	Status        string `json:"status,omitempty"`
	ErrorType     string `json:"error_type,omitempty"`
	ErrorMessage  string `json:"error_message,omitempty"`
	ReportContent string `json:"report_content,omitempty"`

	Message          string         `json:"message"`
	ReportContents   []string       `json:"report_contents"`
	ReportResults    []ReportResult `json:"report_results"`
	ActualParams     []types.Params `json:"actual_params"`
	Usage            Usage          `json:"usage"`
	PromptTokens     int            `json:"prompt_tokens"`
	CompletionTokens int            `json:"completion_tokens"`
	ReportCount      int            `json:"report_count"`
}

// ReportResult is the report of one input record.
type ReportResult struct {
	Status        SectionStatus            `json:"status"`
	Message       string                   `json:"message"`
	ReportContent string                   `json:"report_content"`
	Params        types.Params             `json:"params"`
	Sections      map[string]SectionResult `json:"sections"`
}

// Usage is the token usage of a run, repair calls included.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// group collects the sections of one input record.
type group struct {
	index     int
	params    types.Params
	results   []SectionResult
	content   string
	current   string
	cumul     string
	curRef    string
	cumRef    string
	repairIn  int
	repairOut int
}

// buildGroups folds section results into one group per input record, sorted
// by dimension then content type.
func buildGroups(results []SectionResult, inputs []types.Params, catalog *report.Catalog) []*group {
	n := len(inputs)
	for _, r := range results {
		if r.Section.OriginIndex+1 > n {
			n = r.Section.OriginIndex + 1
		}
	}

	groups := make([]*group, n)
	for i := range groups {
		g := &group{index: i}
		if i < len(inputs) {
			g.params = inputs[i]
		}
		groups[i] = g
	}
	for _, r := range results {
		g := groups[r.Section.OriginIndex]
		if len(g.results) == 0 && g.index >= len(inputs) {
			g.params = r.Section.Params
		}
		g.results = append(g.results, r)
	}

	for _, g := range groups {
		sort.SliceStable(g.results, func(i, j int) bool {
			a, b := g.results[i].Section, g.results[j].Section
			if ra, rb := types.DimensionRank(a.Dimension()), types.DimensionRank(b.Dimension()); ra != rb {
				return ra < rb
			}
			return contentRank(a.ContentType) < contentRank(b.ContentType)
		})

		var all, cur, cum strings.Builder
		for _, r := range g.results {
			if r.Status != SectionSuccess {
				continue
			}
			all.WriteString(r.Content)
			all.WriteString("\n")
			if r.Section.ContentType.IsCurrent() {
				cur.WriteString(r.Content)
				cur.WriteString("\n")
			} else {
				cum.WriteString(r.Content)
				cum.WriteString("\n")
			}
		}
		g.content = strings.TrimRight(all.String(), "\n")
		g.current, g.cumul = cur.String(), cum.String()
		g.curRef, g.cumRef = catalog.RepairReferences(g.params, types.ContentTypes)
	}
	return groups
}

func contentRank(ct types.ContentType) int {
	for i, v := range types.ContentTypes {
		if v == ct {
			return i
		}
	}
	return len(types.ContentTypes)
}

// repairGroups repairs the current and cumulative part of every group
// concurrently. Repair failures keep the original text.
func (g *Generator) repairGroups(ctx context.Context, groups []*group, logger *slog.Logger) {
	var eg errgroup.Group
	for _, grp := range groups {
		if grp.content == "" {
			continue
		}
		eg.Go(func() error {
			g.repairGroup(ctx, grp, logger)
			return nil
		})
	}
	_ = eg.Wait()
}

func (g *Generator) repairGroup(ctx context.Context, grp *group, logger *slog.Logger) {
	dim := string(grp.params.Dimension())
	parts := []struct {
		text, ref string
		ct        types.ContentType
		out       tags.Outcome
	}{
		{text: grp.current, ref: grp.curRef, ct: types.ContentCurrent},
		{text: grp.cumul, ref: grp.cumRef, ct: types.ContentCumulative},
	}

	var eg errgroup.Group
	for i := range parts {
		p := &parts[i]
		if p.text == "" {
			p.out = tags.Outcome{Valid: true, Before: &tags.Result{IsValid: true}}
			continue
		}
		eg.Go(func() error {
			p.out = g.repairer.Repair(ctx, p.text, p.ref, nil, tags.Scope{DiagnosisType: dim, TimeType: string(p.ct)})
			return nil
		})
	}
	_ = eg.Wait()

	invalid := false
	for _, p := range parts {
		grp.repairIn += p.out.PromptTokens
		grp.repairOut += p.out.CompletionTokens
		if p.out.Before != nil && !p.out.Before.IsValid {
			invalid = true
		}
	}
	if invalid {
		grp.content = parts[0].out.Text + parts[1].out.Text
		logger.Info("report markup repaired", "origin_index", grp.index,
			"current_valid", parts[0].out.Valid, "cumulative_valid", parts[1].out.Valid)
	}
}

// aggregate builds the final Report from repaired groups.
func aggregate(groups []*group) *Report {
	rep := &Report{
		ReportContents: make([]string, 0, len(groups)),
		ReportResults:  make([]ReportResult, 0, len(groups)),
		ActualParams:   make([]types.Params, 0, len(groups)),
	}

	counts := map[SectionStatus]int{}
	for _, g := range groups {
		rr := ReportResult{
			Status:        SectionError,
			ReportContent: g.content,
			Params:        g.params,
			Sections:      make(map[string]SectionResult, len(g.results)),
		}

		present := map[types.ContentType]bool{}
		var pairs []string
		for _, r := range g.results {
			present[r.Section.ContentType] = true
			rr.Sections[string(r.Section.ContentType)] = r
			pairs = append(pairs, fmt.Sprintf("%s: %s", r.Section.ContentType, r.Status))
			if r.Status == SectionSuccess {
				rr.Status = SectionSuccess
			}
			counts[r.Status]++
			rep.PromptTokens += r.PromptTokens
			rep.CompletionTokens += r.CompletionTokens
		}
		for _, ct := range types.ContentTypes {
			if present[ct] {
				continue
			}
			rr.Sections[string(ct)] = SectionResult{Status: SectionMissing, Message: "section was not generated"}
			pairs = append(pairs, fmt.Sprintf("%s: %s", ct, SectionMissing))
			counts[SectionMissing]++
		}
		rr.Message = "(" + strings.Join(pairs, ", ") + ")"

		rep.PromptTokens += g.repairIn
		rep.CompletionTokens += g.repairOut

		rep.ReportContents = append(rep.ReportContents, g.content)
		rep.ReportResults = append(rep.ReportResults, rr)
		rep.ActualParams = append(rep.ActualParams, g.params)
	}

	rep.ReportCount = len(groups)
	rep.Usage = Usage{
		PromptTokens:     rep.PromptTokens,
		CompletionTokens: rep.CompletionTokens,
		TotalTokens:      rep.PromptTokens + rep.CompletionTokens,
	}
	rep.Message = fmt.Sprintf("generated %d reports (%d sections succeeded, %d failed, %d without data, %d missing)",
		rep.ReportCount, counts[SectionSuccess], counts[SectionError], counts[SectionNoData], counts[SectionMissing])
	return rep
}
