package report

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jackzampolin/reportgen/internal/prompts"
	"github.com/jackzampolin/reportgen/internal/types"
)

func TestCatalogLevels(t *testing.T) {
	c, err := ParseCatalog([]byte(`{
		"TOTAL":    {"ORG": {"CURRENT": "t-org-cur"}},
		"PROVINCE": {"ORG": {"CURRENT": "p-org-cur"}, "IND": {"CURRENT": "p-ind-cur"}},
		"OFFICE":   {"ORG": {"CURRENT": "o-org-cur"}, "IND": {"CURRENT": "o-ind-cur"}}
	}`))
	if err != nil {
		t.Fatalf("ParseCatalog() error = %v", err)
	}
	c.SetSpecialProvinces([]string{"Beijing"})

	tests := []struct {
		name   string
		params types.Params
		want   string
	}{
		{"total", types.Params{}, "t-org-cur"},
		{"empty dimension defaults to ORG", types.Params{DiagnosisType: ""}, "t-org-cur"},
		{"province", types.Params{DiagnosisType: "ORG", ProvinceName: "Hubei"}, "p-org-cur"},
		{"office", types.Params{DiagnosisType: "ORG", ProvinceName: "Hubei", OfficeLv2Name: "Wuhan"}, "o-org-cur"},
		{"office without province", types.Params{DiagnosisType: "ORG", OfficeLv2Name: "Wuhan"}, "o-org-cur"},
		{"special province uses office", types.Params{DiagnosisType: "ORG", ProvinceName: "Beijing"}, "o-org-cur"},
		{"special province only for ORG and CHAN", types.Params{DiagnosisType: "IND", ProvinceName: "Beijing"}, "p-ind-cur"},
		{"missing template", types.Params{DiagnosisType: "PROD"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.Template(tt.params, types.ContentCurrent); got != tt.want {
				t.Errorf("Template() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRepairReferences(t *testing.T) {
	c := DefaultCatalog()
	p := types.Params{DiagnosisType: "CHAN"}
	cur, cum := c.RepairReferences(p, types.ContentTypes)
	if !strings.HasPrefix(cur, "<current>") || !strings.HasPrefix(cum, "<accumulate>") {
		t.Errorf("RepairReferences() = %q, %q", cur, cum)
	}
}

func TestDefaultCatalogComplete(t *testing.T) {
	c := DefaultCatalog()
	for _, level := range []types.Level{types.LevelTotal, types.LevelProvince, types.LevelOffice} {
		for _, d := range types.Dimensions {
			for _, ct := range types.ContentTypes {
				if c.templates[level][d][ct] == "" {
					t.Errorf("missing template %s/%s/%s", level, d, ct)
				}
			}
		}
	}
}

func TestSectionPrompts(t *testing.T) {
	r := prompts.NewResolver("", nil)
	RegisterPrompts(r)

	system, user, err := SectionPrompts(r, "<current>T</current>", `[{"GPM":0.1}]`, Reminder(types.DimensionOrg, types.ContentCurrent))
	if err != nil {
		t.Fatalf("SectionPrompts() error = %v", err)
	}
	if !strings.Contains(system, "<current>T</current>") {
		t.Error("system prompt should carry the template")
	}
	if !strings.Contains(user, `[{"GPM":0.1}]`) || !strings.Contains(user, "</current>") {
		t.Errorf("user prompt = %q", user)
	}
}

func TestSectionPromptsOverride(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, UserPromptKey+".tmpl"), []byte("rows={{.Data}}"), 0o644); err != nil {
		t.Fatal(err)
	}
	r := prompts.NewResolver(dir, nil)
	RegisterPrompts(r)

	_, user, err := SectionPrompts(r, "", "X", "")
	if err != nil {
		t.Fatalf("SectionPrompts() error = %v", err)
	}
	if user != "rows=X" {
		t.Errorf("user = %q, want override", user)
	}

	resolved, _ := r.Resolve(UserPromptKey)
	if !resolved.IsOverride || resolved.Variables[0] != "Data" {
		t.Errorf("Resolve() = %+v", resolved)
	}
	if sys, _ := r.Resolve(SystemPromptKey); sys.IsOverride {
		t.Error("system prompt has no override")
	}
}

func TestRemindersCoverEverySection(t *testing.T) {
	for _, d := range types.Dimensions {
		for _, ct := range types.ContentTypes {
			if Reminder(d, ct) == "" {
				t.Errorf("missing reminder for %s/%s", d, ct)
			}
		}
	}
}
