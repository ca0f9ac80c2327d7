// Package generate turns the sections of a request into report text. Every
// section is one model call; calls run concurrently under a global limit and
// are folded back into one report per input record.
package generate

import (
	"errors"
	"time"

	"github.com/jackzampolin/reportgen/internal/types"
)

// ErrNoSections is returned when a request expands to no sections at all.
var ErrNoSections = errors.New("no report sections to generate")

// Section is one unit of generation work.
type Section struct {
	OriginIndex int
	Params      types.Params
	ContentType types.ContentType
	Data        string // rows serialized as JSON
	RowCount    int
	IsEmpty     bool
}

// Dimension returns the module the section belongs to.
func (s Section) Dimension() types.Dimension {
	return s.Params.Dimension()
}

// Key identifies the section within its input record, e.g. "ORG/CURRENT".
func (s Section) Key() string {
	return string(s.Dimension()) + "/" + string(s.ContentType)
}

// SectionStatus is the outcome of one section.
type SectionStatus string

const (
	SectionSuccess SectionStatus = "success"
	SectionError   SectionStatus = "error"
	SectionNoData  SectionStatus = "no_data"
	SectionMissing SectionStatus = "missing"
)

// SectionResult is the outcome of generating one section.
type SectionResult struct {
	Section          Section       `json:"-"`
	Status           SectionStatus `json:"status"`
	Message          string        `json:"message"`
	Content          string        `json:"report_content,omitempty"`
	PromptTokens     int           `json:"prompt_tokens,omitempty"`
	CompletionTokens int           `json:"completion_tokens,omitempty"`
	Duration         time.Duration `json:"-"`
}

// Job is the input of one generation run.
type Job struct {
	ReqID    string
	Sections []Section
	Inputs   []types.Params
}
