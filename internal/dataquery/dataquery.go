// Package dataquery expands a request into concrete input records and loads
// the detail rows every report section is generated from.
package dataquery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/jackzampolin/reportgen/internal/generate"
	"github.com/jackzampolin/reportgen/internal/types"
)

// Warehouse column names.
const (
	ColPeriod   = "PERIOD"
	ColProvince = "ASSESS_CENTER_NAME_LV5"
	ColOffice   = "ASSESS_CENTER_NAME_LV6"
)

// Defaults.
const (
	DefaultTable       = "DM_F_AI_GROSS_ANALYZE_LIST_DORIS"
	DefaultRowLimit    = 20
	DefaultConcurrency = 8
)

// SpecialProvincesSQL selects provinces whose offices all belong to the
// "other" war area. Their province reports use office-level templates.
const SpecialProvincesSQL = "SELECT PROVINCE_NAME FROM (SELECT PROVINCE_NAME, OFFICE_LV2_NAME, " +
	"SUM(CASE WHEN OFFICE_WAR_AREA = '其他' THEN 0 ELSE 1 END) OVER(PARTITION BY PROVINCE_NAME) AS NUM " +
	"FROM DM_D_FINANCE_BA_GPM_REGION_FBA_DORIS WHERE REGION_LEVEL = 'OFFICE' " +
	"AND IFNULL(province_level, '') <> '其他') T WHERE T.NUM = 0"

// ErrOfficeWithoutProvince is returned when every office is requested but no
// province is named.
var ErrOfficeWithoutProvince = errors.New("provinceName is required when officeLv2Name is ALL")

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Config configures a Service.
type Config struct {
	Querier Querier
	// Table holding both the scope columns and the detail rows.
	Table string
	// Maximum rows loaded per section.
	RowLimit int
	// Concurrent section queries.
	Concurrency int
	Logger      *slog.Logger
}

// Service queries the warehouse.
type Service struct {
	q           Querier
	table       string
	rowLimit    int
	concurrency int
	logger      *slog.Logger
}

// New creates a Service.
func New(cfg Config) (*Service, error) {
	if cfg.Querier == nil {
		return nil, fmt.Errorf("querier is required")
	}
	if cfg.Table == "" {
		cfg.Table = DefaultTable
	}
	if !identPattern.MatchString(cfg.Table) {
		return nil, fmt.Errorf("invalid table name %q", cfg.Table)
	}
	if cfg.RowLimit <= 0 {
		cfg.RowLimit = DefaultRowLimit
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Service{
		q:           cfg.Querier,
		table:       cfg.Table,
		rowLimit:    cfg.RowLimit,
		concurrency: cfg.Concurrency,
		logger:      cfg.Logger,
	}, nil
}

func isAll(v string) bool {
	return strings.EqualFold(v, types.AllKeyword)
}

// Expand resolves the ALL selectors of p into concrete input records.
// An empty module counts as ALL; an empty province or office stays empty.
func (s *Service) Expand(ctx context.Context, p types.Params) ([]types.Params, error) {
	moduleAll := p.DiagnosisType == "" || isAll(p.DiagnosisType)
	provinceAll := isAll(p.ProvinceName)
	officeAll := isAll(p.OfficeLv2Name)

	modules := []string{p.DiagnosisType}
	if moduleAll {
		modules = make([]string, len(types.Dimensions))
		for i, d := range types.Dimensions {
			modules[i] = string(d)
		}
	}
	if officeAll && !provinceAll && p.ProvinceName == "" {
		return nil, ErrOfficeWithoutProvince
	}

	record := func(module, province, office string) types.Params {
		out := p
		out.DiagnosisType = module
		out.ProvinceName = province
		out.OfficeLv2Name = office
		return out
	}

	var out []types.Params
	switch {
	case provinceAll && officeAll:
		provinces, err := s.provinces(ctx, p.Period)
		if err != nil {
			return nil, err
		}
		for _, province := range provinces {
			offices, err := s.offices(ctx, p.Period, province)
			if err != nil {
				return nil, err
			}
			for _, m := range modules {
				for _, office := range offices {
					out = append(out, record(m, province, office))
				}
			}
		}
	case provinceAll:
		provinces, err := s.provinces(ctx, p.Period)
		if err != nil {
			return nil, err
		}
		for _, m := range modules {
			for _, province := range provinces {
				out = append(out, record(m, province, p.OfficeLv2Name))
			}
		}
	case officeAll:
		offices, err := s.offices(ctx, p.Period, p.ProvinceName)
		if err != nil {
			return nil, err
		}
		for _, m := range modules {
			for _, office := range offices {
				out = append(out, record(m, p.ProvinceName, office))
			}
		}
	default:
		for _, m := range modules {
			out = append(out, record(m, p.ProvinceName, p.OfficeLv2Name))
		}
	}

	s.logger.Debug("expanded request", "period", p.Period, "records", len(out))
	return out, nil
}

func (s *Service) provinces(ctx context.Context, period string) ([]string, error) {
	return s.distinct(ctx, ColProvince, []string{ColPeriod}, period)
}

func (s *Service) offices(ctx context.Context, period, province string) ([]string, error) {
	return s.distinct(ctx, ColOffice, []string{ColPeriod, ColProvince}, period, province)
}

// distinct returns the non-empty values of column matching the filters,
// sorted.
func (s *Service) distinct(ctx context.Context, column string, filters []string, args ...any) ([]string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "SELECT DISTINCT %s FROM %s WHERE 1=1", column, s.table)
	for _, f := range filters {
		fmt.Fprintf(&b, " AND %s = ?", f)
	}
	fmt.Fprintf(&b, " AND %s IS NOT NULL ORDER BY %s", column, column)

	rows, err := s.q.Query(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", column, err)
	}
	values := make([]string, 0, len(rows))
	for _, r := range rows {
		if v := fmt.Sprint(r[column]); r[column] != nil && v != "" {
			values = append(values, v)
		}
	}
	return values, nil
}

// detailQuery builds the row query of one section.
func (s *Service) detailQuery(p types.Params, ct types.ContentType) (string, []any) {
	var b strings.Builder
	var args []any
	fmt.Fprintf(&b, "SELECT * FROM %s WHERE 1=1", s.table)
	add := func(col, v string) {
		if v != "" {
			fmt.Fprintf(&b, " AND %s = ?", col)
			args = append(args, v)
		}
	}
	add(ColPeriod, p.Period)
	add(ColProvince, p.ProvinceName)
	add(ColOffice, p.OfficeLv2Name)
	b.WriteString(" AND ORG_LEVEL = ? AND MODULE_TYPE = ? AND DATA_TYPE = ?")
	args = append(args, string(p.Level()), string(p.Dimension()), ct.DBType())
	add("DISTRIBUTION_TYPE", p.DistributionType)
	add("IT_INCLUDE_TYPE", p.ItIncludeType)
	fmt.Fprintf(&b, " ORDER BY SORT_ID LIMIT %d", s.rowLimit)
	return b.String(), args
}

// Sections loads the rows of every input × content type. Sections without
// rows are kept and marked empty so the report still has a placeholder.
func (s *Service) Sections(ctx context.Context, inputs []types.Params) ([]generate.Section, error) {
	sections := make([]generate.Section, len(inputs)*len(types.ContentTypes))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, p := range inputs {
		for j, ct := range types.ContentTypes {
			slot := i*len(types.ContentTypes) + j
			g.Go(func() error {
				query, args := s.detailQuery(p, ct)
				rows, err := s.q.Query(gctx, query, args...)
				if err != nil {
					return fmt.Errorf("failed to load rows for %s/%s: %w", p.Dimension(), ct, err)
				}
				sec := generate.Section{
					OriginIndex: i,
					Params:      p,
					ContentType: ct,
					RowCount:    len(rows),
					IsEmpty:     len(rows) == 0,
				}
				if len(rows) > 0 {
					data, err := json.Marshal(rows)
					if err != nil {
						return fmt.Errorf("failed to encode rows: %w", err)
					}
					sec.Data = string(data)
				}
				sections[slot] = sec
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return sections, nil
}

// SpecialProvinces returns the provinces that report with office-level
// templates.
func (s *Service) SpecialProvinces(ctx context.Context) ([]string, error) {
	rows, err := s.q.Query(ctx, SpecialProvincesSQL)
	if err != nil {
		return nil, fmt.Errorf("failed to query special provinces: %w", err)
	}
	names := make([]string, 0, len(rows))
	for _, r := range rows {
		if v, ok := r["PROVINCE_NAME"].(string); ok && v != "" {
			names = append(names, v)
		}
	}
	return names, nil
}
