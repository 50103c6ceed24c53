package sandbox

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// importPackages maps top-level import names to the package that provides
// them when the two differ or are commonly needed.
var importPackages = map[string]string{
	"bs4":        "beautifulsoup4",
	"cv2":        "opencv-python",
	"dotenv":     "python-dotenv",
	"fake":       "faker",
	"fitz":       "pymupdf",
	"matplotlib": "matplotlib",
	"numpy":      "numpy",
	"pandas":     "pandas",
	"PIL":        "pillow",
	"pyarrow":    "pyarrow",
	"pydantic":   "pydantic",
	"pygame":     "pygame",
	"pytest":     "pytest",
	"requests":   "requests",
	"scipy":      "scipy",
	"sklearn":    "scikit-learn",
	"seaborn":    "seaborn",
	"sqlalchemy": "sqlalchemy",
	"torch":      "torch",
	"yaml":       "pyyaml",
}

var (
	scriptBlockRe = regexp.MustCompile(`(?s)# /// script\s*\n\s*#\s*dependencies\s*=\s*(\[.*?\])\s*\n\s*# ///[ \t]*\n?`)
	depLineRe     = regexp.MustCompile(`^\s*(#\s*)?dependencies\s*=\s*(\[.*\])`)
	importRe      = regexp.MustCompile(`^(?:from|import)\s+([A-Za-z0-9_]+)`)
	toolsUseRe    = regexp.MustCompile(`\bTools\.`)
	toolsImportRe = regexp.MustCompile(`^\s*(from|import)\s+tools\b`)
)

// toolsImport is injected when a script uses Tools without importing it.
const toolsImport = "from tools import Tools, ToolError"

// Prepare normalises a model-written script for `uv run`: it collects
// dependencies declared in script blocks, single-line comments and the
// explicit list, infers more from imports, injects the tools import when
// needed, and emits a single PEP 723 header.
func Prepare(script string, deps []string) string {
	packages := make(map[string]bool)
	for _, d := range deps {
		if d = strings.TrimSpace(d); d != "" {
			packages[d] = true
		}
	}

	for _, m := range scriptBlockRe.FindAllStringSubmatch(script, -1) {
		addJSONList(packages, m[1])
	}
	script = scriptBlockRe.ReplaceAllString(script, "")

	var lines []string
	for _, line := range strings.Split(script, "\n") {
		if m := depLineRe.FindStringSubmatch(line); m != nil {
			addJSONList(packages, m[2])
			continue
		}
		lines = append(lines, line)
	}

	if toolsUseRe.MatchString(strings.Join(lines, "\n")) {
		delete(packages, "tools")
		imported := false
		for _, line := range lines {
			if toolsImportRe.MatchString(line) {
				imported = true
				break
			}
		}
		if !imported {
			lines = insertImport(lines, toolsImport)
		}
	}

	for _, line := range lines {
		if m := importRe.FindStringSubmatch(strings.TrimSpace(line)); m != nil {
			if pkg, ok := importPackages[m[1]]; ok {
				packages[pkg] = true
			}
		}
	}

	body := strings.Join(lines, "\n")
	if len(packages) == 0 {
		return strings.TrimSpace(body)
	}
	list := make([]string, 0, len(packages))
	for p := range packages {
		list = append(list, p)
	}
	sort.Strings(list)
	encoded, _ := json.Marshal(list)
	header := fmt.Sprintf("# /// script\n# dependencies = %s\n# ///\n", encoded)
	return strings.TrimSpace(header + body)
}

func addJSONList(into map[string]bool, raw string) {
	var list []string
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		return
	}
	for _, p := range list {
		if p = strings.TrimSpace(p); p != "" {
			into[p] = true
		}
	}
}

// insertImport places stmt after the last top-level import, or at the top
// (after a shebang) when there is none.
func insertImport(lines []string, stmt string) []string {
	at := -1
	for i := len(lines) - 1; i >= 0; i-- {
		t := strings.TrimSpace(lines[i])
		if strings.HasPrefix(t, "import ") || strings.HasPrefix(t, "from ") {
			at = i + 1
			break
		}
	}
	if at < 0 {
		at = 0
		if len(lines) > 0 && strings.HasPrefix(lines[0], "#!") {
			at = 1
		}
	}
	out := make([]string, 0, len(lines)+1)
	out = append(out, lines[:at]...)
	out = append(out, stmt)
	return append(out, lines[at:]...)
}
