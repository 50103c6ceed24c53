package sandbox

import (
	"strings"
	"testing"
)

func TestPrepare_NoDependencies(t *testing.T) {
	got := Prepare("print('hi')\n", nil)
	if got != "print('hi')" {
		t.Errorf("got %q", got)
	}
}

func TestPrepare_MergesDeclaredAndInferred(t *testing.T) {
	script := `# /// script
# dependencies = ["rich"]
# ///
# dependencies = ["httpx"]
import numpy as np
from bs4 import BeautifulSoup
print(np.zeros(1))`

	got := Prepare(script, []string{"click"})
	wantHeader := "# /// script\n# dependencies = [\"beautifulsoup4\",\"click\",\"httpx\",\"numpy\",\"rich\"]\n# ///\n"
	if !strings.HasPrefix(got, wantHeader) {
		t.Errorf("unexpected header:\n%s", got)
	}
	if strings.Count(got, "# /// script") != 1 {
		t.Errorf("expected exactly one script block:\n%s", got)
	}
	if strings.Contains(got, `["httpx"]`) {
		t.Error("single-line dependency comment should be removed")
	}
}

func TestPrepare_LastBlockAndMalformedJSON(t *testing.T) {
	script := "# /// script\n# dependencies = [not json]\n# ///\nprint(1)\n# /// script\n# dependencies = [\"yaml-lib\"]\n# ///\nprint(2)"
	got := Prepare(script, nil)
	if !strings.Contains(got, `"yaml-lib"`) {
		t.Errorf("valid block should be kept:\n%s", got)
	}
	if strings.Contains(got, "not json") {
		t.Errorf("malformed block should be dropped:\n%s", got)
	}
}

func TestPrepare_InjectsToolsImport(t *testing.T) {
	script := "import asyncio\nimport json\n\nasync def main():\n    print(await Tools.read_file(path='a'))\n\nasyncio.run(main())"
	got := Prepare(script, []string{"tools"})

	lines := strings.Split(got, "\n")
	if lines[2] != toolsImport {
		t.Errorf("import should follow the last import, got:\n%s", got)
	}
	if strings.Contains(got, `"tools"`) {
		t.Errorf("tools is a local module, not a package:\n%s", got)
	}
}

func TestPrepare_InjectsAfterShebang(t *testing.T) {
	got := Prepare("#!/usr/bin/env python3\nprint(Tools.list_files)", nil)
	lines := strings.Split(got, "\n")
	if lines[0] != "#!/usr/bin/env python3" || lines[1] != toolsImport {
		t.Errorf("unexpected placement:\n%s", got)
	}
}

func TestPrepare_ExistingToolsImportKept(t *testing.T) {
	script := "from tools import Tools\nprint(Tools.read_file)"
	got := Prepare(script, nil)
	if strings.Contains(got, toolsImport) {
		t.Errorf("should not inject a second import:\n%s", got)
	}
}

func TestFilterNoise(t *testing.T) {
	in := "Resolved 3 packages in 10ms\n\nInstalled 3 packages in 5ms\nTraceback (most recent call last):\n  ValueError: boom\n"
	want := "Traceback (most recent call last):\n  ValueError: boom"
	if got := filterNoise(in); got != want {
		t.Errorf("got %q", got)
	}
}
