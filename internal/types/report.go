// Package types provides shared types used across multiple packages.
// This package has no dependencies on other reportgen packages to avoid import cycles.
package types

import "strings"

// AllKeyword selects every value of a scope field.
const AllKeyword = "ALL"

// Dimension is a report module.
type Dimension string

const (
	DimensionOrg      Dimension = "ORG"
	DimensionChannel  Dimension = "CHAN"
	DimensionIndustry Dimension = "IND"
	DimensionProduct  Dimension = "PROD"
)

// Dimensions lists every module in report order.
var Dimensions = []Dimension{DimensionOrg, DimensionChannel, DimensionIndustry, DimensionProduct}

// DimensionRank returns the report position of d, or len(Dimensions) when
// d is unknown.
func DimensionRank(d Dimension) int {
	for i, v := range Dimensions {
		if v == d {
			return i
		}
	}
	return len(Dimensions)
}

// ContentType is a report section within a dimension.
type ContentType string

const (
	ContentCurrent    ContentType = "CURRENT"
	ContentCumulative ContentType = "CUMULATIVE"
)

// ContentTypes lists the sections of every dimension in report order.
var ContentTypes = []ContentType{ContentCurrent, ContentCumulative}

// DBType returns the time-type code used in the detail table.
func (c ContentType) DBType() string {
	switch c {
	case ContentCurrent:
		return "CUR"
	case ContentCumulative:
		return "ACC"
	default:
		return string(c)
	}
}

// IsCurrent reports whether c belongs to the current-period part of a report.
func (c ContentType) IsCurrent() bool {
	return strings.Contains(string(c), string(ContentCurrent))
}

// Request is a diagnosis report request as submitted by a caller.
type Request struct {
	ReqID            string `json:"reqId"`
	Period           string `json:"period"`
	DiagnosisType    string `json:"diagnosisType"`
	ProvinceName     string `json:"provinceName"`
	OfficeLv2Name    string `json:"officeLv2Name"`
	DistributionType string `json:"distributionType"`
	ItIncludeType    string `json:"itIncludeType"`
	CurrentPage      *int   `json:"currentPage,omitempty"`
	PageSize         *int   `json:"pageSize,omitempty"`
}

// Params returns the scope fields of r.
func (r Request) Params() Params {
	return Params{
		Period:           r.Period,
		DiagnosisType:    r.DiagnosisType,
		ProvinceName:     r.ProvinceName,
		OfficeLv2Name:    r.OfficeLv2Name,
		DistributionType: r.DistributionType,
		ItIncludeType:    r.ItIncludeType,
	}
}

// Params is one concrete input record after scope expansion.
type Params struct {
	Period           string `json:"period"`
	DiagnosisType    string `json:"diagnosisType"`
	ProvinceName     string `json:"provinceName"`
	OfficeLv2Name    string `json:"officeLv2Name"`
	DistributionType string `json:"distributionType"`
	ItIncludeType    string `json:"itIncludeType"`
}

// Dimension returns the module of p, defaulting to ORG.
func (p Params) Dimension() Dimension {
	if p.DiagnosisType == "" {
		return DimensionOrg
	}
	return Dimension(p.DiagnosisType)
}

// Level is the organisational depth of a report.
type Level string

const (
	LevelTotal    Level = "TOTAL"
	LevelProvince Level = "PROVINCE"
	LevelOffice   Level = "OFFICE"
)

// Level returns TOTAL with no province or office, PROVINCE with a province
// only, and OFFICE otherwise.
func (p Params) Level() Level {
	switch {
	case p.ProvinceName == "" && p.OfficeLv2Name == "":
		return LevelTotal
	case p.ProvinceName != "" && p.OfficeLv2Name == "":
		return LevelProvince
	default:
		return LevelOffice
	}
}

// ResultItem is one delivered report: the scope it covers and its text.
type ResultItem struct {
	Period           string `json:"period"`
	DiagnosisType    string `json:"diagnosisType"`
	ProvinceName     string `json:"provinceName"`
	OfficeLv2Name    string `json:"officeLv2Name"`
	DistributionType string `json:"distributionType"`
	ItIncludeType    string `json:"itIncludeType"`
	DiagnosisResult  string `json:"diagnosisResult"`
}

// Item returns a ResultItem for p. Empty fields of p fall back to fallback.
func (p Params) Item(fallback Params, text string) ResultItem {
	pick := func(v, def string) string {
		if v != "" {
			return v
		}
		return def
	}
	return ResultItem{
		Period:           pick(p.Period, fallback.Period),
		DiagnosisType:    pick(p.DiagnosisType, fallback.DiagnosisType),
		ProvinceName:     pick(p.ProvinceName, fallback.ProvinceName),
		OfficeLv2Name:    pick(p.OfficeLv2Name, fallback.OfficeLv2Name),
		DistributionType: pick(p.DistributionType, fallback.DistributionType),
		ItIncludeType:    pick(p.ItIncludeType, fallback.ItIncludeType),
		DiagnosisResult:  text,
	}
}
