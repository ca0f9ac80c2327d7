package tags

import (
	"reflect"
	"testing"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name         string
		text         string
		wantValid    bool
		wantTotal    int
		wantPairs    int
		wantErrTypes []ErrorType
	}{
		{
			name:      "well formed",
			text:      "<current><a>x</a></br><b>y</b></current>",
			wantValid: true,
			wantTotal: 6,
			wantPairs: 3,
		},
		{
			name:      "no markup",
			text:      "plain text",
			wantValid: true,
		},
		{
			name:         "lone close",
			text:         "text</a>",
			wantTotal:    1,
			wantErrTypes: []ErrorType{MissingOpen},
		},
		{
			name:         "lone open",
			text:         "<a>text",
			wantTotal:    1,
			wantErrTypes: []ErrorType{MissingClose},
		},
		{
			name:         "crossing resolves both",
			text:         "<a><b></a></b>",
			wantTotal:    4,
			wantPairs:    1,
			wantErrTypes: []ErrorType{TagCrossing},
		},
		{
			name:         "container closed twice",
			text:         "<current>X</current>Y</current>",
			wantTotal:    3,
			wantPairs:    1,
			wantErrTypes: []ErrorType{MultipleClose},
		},
		{
			name:         "container opened twice",
			text:         "<accumulate><accumulate>x</accumulate>",
			wantTotal:    3,
			wantPairs:    1,
			wantErrTypes: []ErrorType{MultipleOpen},
		},
		{
			name:         "ordinary tag may repeat",
			text:         "<a>1</a><a>2</a></a>",
			wantTotal:    5,
			wantPairs:    2,
			wantErrTypes: []ErrorType{MissingOpen},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Validate(tt.text)
			if got.IsValid != tt.wantValid {
				t.Errorf("IsValid = %v, want %v (errors %+v)", got.IsValid, tt.wantValid, got.Errors)
			}
			if got.TotalTags != tt.wantTotal {
				t.Errorf("TotalTags = %d, want %d", got.TotalTags, tt.wantTotal)
			}
			if got.MatchedPairs != tt.wantPairs {
				t.Errorf("MatchedPairs = %d, want %d", got.MatchedPairs, tt.wantPairs)
			}
			var types []ErrorType
			for _, e := range got.Errors {
				types = append(types, e.Type)
			}
			if !reflect.DeepEqual(types, tt.wantErrTypes) {
				t.Errorf("error types = %v, want %v", types, tt.wantErrTypes)
			}
		})
	}
}

func TestValidateWellFormedPairs(t *testing.T) {
	texts := []string{
		"<a></a>",
		"<a><b><c>x</c></b></a>",
		"<current>\n<x>1</x>\n<y>2</y>\n</current>",
		"<accumulate><s>a</s></br><t>b</t></br></accumulate>",
	}
	for _, text := range texts {
		got := Validate(text)
		if !got.IsValid {
			t.Errorf("Validate(%q) invalid: %+v", text, got.Errors)
		}
		if got.MatchedPairs != got.TotalTags/2 {
			t.Errorf("Validate(%q) MatchedPairs = %d, want %d", text, got.MatchedPairs, got.TotalTags/2)
		}
	}
}

func TestValidateMissingOpenDetails(t *testing.T) {
	got := Validate("</a>")
	if len(got.Errors) != 1 {
		t.Fatalf("errors = %d, want 1", len(got.Errors))
	}
	e := got.Errors[0]
	if e.Type != MissingOpen || e.Tag != "a" {
		t.Errorf("error = %s/%s, want missing_open/a", e.Type, e.Tag)
	}
	if e.Position == nil || *e.Position != 0 {
		t.Errorf("Position = %v, want 0", e.Position)
	}
	if len(got.UnmatchedClose) != 1 || got.UnmatchedClose[0].Name != "a" {
		t.Errorf("UnmatchedClose = %+v", got.UnmatchedClose)
	}
}

func TestValidateCrossingNamesCrossedTags(t *testing.T) {
	got := Validate("<a><b></a></b>")
	if len(got.Errors) != 1 {
		t.Fatalf("errors = %+v, want one crossing", got.Errors)
	}
	e := got.Errors[0]
	if e.Type != TagCrossing || e.Tag != "a" {
		t.Errorf("error = %s/%s, want tag_crossing/a", e.Type, e.Tag)
	}
	if !reflect.DeepEqual(e.Crossed, []string{"b"}) {
		t.Errorf("Crossed = %v, want [b]", e.Crossed)
	}
	if len(got.UnmatchedOpen) != 0 {
		t.Errorf("UnmatchedOpen = %+v, want none", got.UnmatchedOpen)
	}
}

func TestValidateDuplicateSuppressesMissing(t *testing.T) {
	got := Validate("<current>X</current>Y</current>")
	for _, e := range got.Errors {
		if e.Tag == "current" && (e.Type == MissingOpen || e.Type == MissingClose) {
			t.Errorf("unexpected derived error %s for current", e.Type)
		}
	}
	if len(got.UnmatchedClose) != 0 {
		t.Errorf("UnmatchedClose = %+v, want none", got.UnmatchedClose)
	}
	dup := got.ErrorsOf(MultipleClose)
	if len(dup) != 1 || dup[0].Count != 2 {
		t.Fatalf("multiple_close = %+v", dup)
	}
	if dup[0].Position != nil || dup[0].Line != nil {
		t.Error("count errors should carry no position")
	}
}

func TestValidateLineNumbers(t *testing.T) {
	got := Validate("line one\nline two\n<a>\n</b>")
	if len(got.UnmatchedOpen) != 1 || got.UnmatchedOpen[0].Line != 3 {
		t.Errorf("UnmatchedOpen = %+v, want <a> on line 3", got.UnmatchedOpen)
	}
	if len(got.UnmatchedClose) != 1 || got.UnmatchedClose[0].Line != 4 {
		t.Errorf("UnmatchedClose = %+v, want </b> on line 4", got.UnmatchedClose)
	}
}

func TestExtractSkipsBreakClose(t *testing.T) {
	tags := Extract("a</br>b<x>c</x>")
	if len(tags) != 2 {
		t.Fatalf("tags = %+v, want 2", tags)
	}
	if tags[0].Name != "x" || tags[0].Closing {
		t.Errorf("first tag = %+v", tags[0])
	}
	if !tags[1].Closing {
		t.Errorf("second tag should be closing")
	}
}
