// Package tags checks and repairs the structural markup emitted by report
// generation. Markers look like <name> and </name>; </br> is self-closing.
package tags

import (
	"fmt"
	"regexp"
	"strings"
)

// ErrorType classifies a markup defect.
type ErrorType string

const (
	MissingOpen   ErrorType = "missing_open"
	MissingClose  ErrorType = "missing_close"
	TagCrossing   ErrorType = "tag_crossing"
	MultipleOpen  ErrorType = "multiple_open"
	MultipleClose ErrorType = "multiple_close"
)

// Container markers wrap a whole document and may appear at most once each
// way. Order is fixed so error output is deterministic.
var Containers = []string{"current", "accumulate"}

var tagPattern = regexp.MustCompile(`</?([a-zA-Z_][a-zA-Z0-9_]*)>`)

// Tag is a single marker occurrence.
type Tag struct {
	Name     string `json:"name"`
	Closing  bool   `json:"is_closing"`
	Position int    `json:"position"`
	Line     int    `json:"line_number"`
	Raw      string `json:"full_tag"`
}

// Error is one defect found by Validate. Position and Line are nil for
// count-based errors (multiple_open, multiple_close).
type Error struct {
	Type     ErrorType `json:"type"`
	Tag      string    `json:"tag"`
	Position *int      `json:"position"`
	Line     *int      `json:"line_number"`
	Message  string    `json:"message"`
	Crossed  []string  `json:"crossed_tags,omitempty"`
	Count    int       `json:"count,omitempty"`
}

// Result is the outcome of Validate.
type Result struct {
	IsValid        bool    `json:"is_valid"`
	TotalTags      int     `json:"total_tags"`
	MatchedPairs   int     `json:"matched_pairs"`
	Errors         []Error `json:"errors"`
	UnmatchedOpen  []Tag   `json:"unmatched_open_tags"`
	UnmatchedClose []Tag   `json:"unmatched_close_tags"`
}

// ErrorsOf returns the errors of the given types, in order.
func (r *Result) ErrorsOf(types ...ErrorType) []Error {
	var out []Error
	for _, e := range r.Errors {
		for _, t := range types {
			if e.Type == t {
				out = append(out, e)
				break
			}
		}
	}
	return out
}

// Summary renders the result on one line for logs.
func (r *Result) Summary() string {
	var parts []string
	if len(r.UnmatchedOpen) > 0 {
		names := make([]string, 0, len(r.UnmatchedOpen))
		for _, t := range r.UnmatchedOpen {
			names = append(names, fmt.Sprintf("<%s>(L%d)", t.Name, t.Line))
		}
		parts = append(parts, "missing close: "+strings.Join(names, ", "))
	}
	if len(r.UnmatchedClose) > 0 {
		names := make([]string, 0, len(r.UnmatchedClose))
		for _, t := range r.UnmatchedClose {
			names = append(names, fmt.Sprintf("</%s>(L%d)", t.Name, t.Line))
		}
		parts = append(parts, "missing open: "+strings.Join(names, ", "))
	}
	if dup := r.ErrorsOf(MultipleOpen, MultipleClose); len(dup) > 0 {
		msgs := make([]string, 0, len(dup))
		for _, e := range dup {
			msgs = append(msgs, e.Message)
		}
		parts = append(parts, "duplicates: "+strings.Join(msgs, "; "))
	}
	if cross := r.ErrorsOf(TagCrossing); len(cross) > 0 {
		msgs := make([]string, 0, len(cross))
		for _, e := range cross {
			msgs = append(msgs, fmt.Sprintf("</%s>(L%d) crosses %v", e.Tag, *e.Line, e.Crossed))
		}
		parts = append(parts, "crossing: "+strings.Join(msgs, "; "))
	}
	return fmt.Sprintf("tags=%d pairs=%d errors=%d %s",
		r.TotalTags, r.MatchedPairs, len(r.Errors), strings.Join(parts, " | "))
}

// Extract returns every marker in text except the closing </br>.
func Extract(text string) []Tag {
	matches := tagPattern.FindAllStringSubmatchIndex(text, -1)
	tags := make([]Tag, 0, len(matches))
	for _, m := range matches {
		raw := text[m[0]:m[1]]
		name := text[m[2]:m[3]]
		closing := strings.HasPrefix(raw, "</")
		if closing && name == "br" {
			continue
		}
		tags = append(tags, Tag{
			Name:     name,
			Closing:  closing,
			Position: m[0],
			Line:     strings.Count(text[:m[0]], "\n") + 1,
			Raw:      raw,
		})
	}
	return tags
}

func isContainer(name string) bool {
	for _, c := range Containers {
		if c == name {
			return true
		}
	}
	return false
}

// Validate checks marker balance and nesting in text.
//
// A close marker is matched against the nearest open marker of the same name.
// When that open marker is not on top of the stack the markers above it are
// reported as crossed, and only the matched marker is removed so the crossed
// ones can still be closed later. Container markers that occur more than once
// are reported as duplicates, which replaces any missing_open/missing_close
// error for the same name.
func Validate(text string) *Result {
	tags := Extract(text)

	var (
		stack          []Tag
		errs           []Error
		unmatchedOpen  []Tag
		unmatchedClose []Tag
	)
	opens := make(map[string]int, len(Containers))
	closes := make(map[string]int, len(Containers))

	for _, tag := range tags {
		if isContainer(tag.Name) {
			if tag.Closing {
				closes[tag.Name]++
			} else {
				opens[tag.Name]++
			}
		}

		if !tag.Closing {
			stack = append(stack, tag)
			continue
		}

		idx := -1
		for i := len(stack) - 1; i >= 0; i-- {
			if stack[i].Name == tag.Name {
				idx = i
				break
			}
		}

		if idx < 0 {
			unmatchedClose = append(unmatchedClose, tag)
			errs = append(errs, positioned(MissingOpen, tag, fmt.Sprintf("missing open tag <%s>", tag.Name)))
			continue
		}

		if idx != len(stack)-1 {
			crossed := make([]string, 0, len(stack)-idx-1)
			for _, t := range stack[idx+1:] {
				crossed = append(crossed, t.Name)
			}
			e := positioned(TagCrossing, tag, fmt.Sprintf("tag crossing: </%s> crosses unclosed tags %v", tag.Name, crossed))
			e.Crossed = crossed
			errs = append(errs, e)
		}
		stack = append(stack[:idx], stack[idx+1:]...)
	}

	for _, tag := range stack {
		unmatchedOpen = append(unmatchedOpen, tag)
		errs = append(errs, positioned(MissingClose, tag, fmt.Sprintf("missing close tag </%s>", tag.Name)))
	}

	duplicated := make(map[string]bool)
	for _, name := range Containers {
		if n := opens[name]; n > 1 {
			duplicated[name] = true
			errs = append(errs, Error{
				Type:    MultipleOpen,
				Tag:     name,
				Count:   n,
				Message: fmt.Sprintf("<%s> open tag occurs %d times, only 1 allowed", name, n),
			})
		}
		if n := closes[name]; n > 1 {
			duplicated[name] = true
			errs = append(errs, Error{
				Type:    MultipleClose,
				Tag:     name,
				Count:   n,
				Message: fmt.Sprintf("</%s> close tag occurs %d times, only 1 allowed", name, n),
			})
		}
	}

	filtered := errs[:0]
	for _, e := range errs {
		if duplicated[e.Tag] && (e.Type == MissingOpen || e.Type == MissingClose) {
			continue
		}
		filtered = append(filtered, e)
	}

	return &Result{
		IsValid:        len(filtered) == 0,
		TotalTags:      len(tags),
		MatchedPairs:   (len(tags) - len(filtered)) / 2,
		Errors:         filtered,
		UnmatchedOpen:  withoutNames(unmatchedOpen, duplicated),
		UnmatchedClose: withoutNames(unmatchedClose, duplicated),
	}
}

func positioned(typ ErrorType, tag Tag, msg string) Error {
	pos, line := tag.Position, tag.Line
	return Error{Type: typ, Tag: tag.Name, Position: &pos, Line: &line, Message: msg}
}

func withoutNames(tags []Tag, names map[string]bool) []Tag {
	var out []Tag
	for _, t := range tags {
		if !names[t.Name] {
			out = append(out, t)
		}
	}
	return out
}
