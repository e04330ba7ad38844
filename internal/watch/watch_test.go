package watch

import "testing"

func TestRelevant(t *testing.T) {
	cases := []struct {
		path string
		want bool
	}{
		{"/proj/test_foo.py", true},
		{"/proj/src/mod.py", true},
		{"/proj/README.md", false},
		{"/proj/__pycache__/mod.cpython-312.pyc", false},
		{"/proj/__pycache__/mod.py", false},
		{"/proj/.pytest_cache/v/cache/lastfailed", false},
		{"/proj/.mypy_cache/3.12/mod.py", false},
		{"/proj/.git/HEAD", false},
		{"/proj/.venv/lib/site.py", false},
		{"/other/venv/lib/site.py", false},
		{"/other/env/lib/site.py", false},
		{"/proj/node_modules/x/y.py", false},
	}
	for _, c := range cases {
		if got := relevant(c.path); got != c.want {
			t.Errorf("relevant(%q) = %v, want %v", c.path, got, c.want)
		}
	}
}

func TestIgnored(t *testing.T) {
	if !ignored("/proj/.git/HEAD") {
		t.Error("expected .git path to be ignored")
	}
	if ignored("/proj/src/mod.py") {
		t.Error("expected plain source path not to be ignored")
	}
}
