package utils_test

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/packforge/packforge/pkg/utils"
)

func TestIgnoreMatcher_IsIgnored(t *testing.T) {
	tests := []struct {
		name     string
		patterns []string
		path     string
		want     bool
	}{
		{"extension at root", []string{"*.log"}, "debug.log", true},
		{"extension nested", []string{"*.log"}, "/tmp/work/out/debug.log", true},
		{"extension mismatch", []string{"*.log"}, "src/main.ts", false},
		{"bare directory", []string{"node_modules"}, "/repo/node_modules/react/index.js", true},
		{"bare directory itself", []string{"node_modules"}, "node_modules", true},
		{"bare name is not a substring match", []string{"node_modules"}, "src/my_node_modules.ts", false},
		{"anchored path pattern", []string{"dist/**"}, "dist/index.js", true},
		{"anchored path pattern elsewhere", []string{"dist/**"}, "src/dist/index.js", false},
		{"double star directory", []string{"**/generated/*.ts"}, "a/b/generated/x.ts", true},
		{"double star zero directories", []string{"**/generated/*.ts"}, "generated/x.ts", true},
		{"star does not cross slash", []string{"src/*.ts"}, "src/lib/x.ts", false},
		{"question mark", []string{"file?.txt"}, "file1.txt", true},
		{"question mark too long", []string{"file?.txt"}, "file12.txt", false},
		{"character class", []string{"v[0-9].json"}, "v3.json", true},
		{"negated class", []string{"v[!0-9].json"}, "v3.json", false},
		{"dot is literal", []string{"a.b"}, "axb", false},
		{"leading dot slash", []string{"./build"}, "build/out.js", true},
		{"no patterns", nil, "anything", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := utils.NewIgnoreMatcher(tt.patterns)
			if err != nil {
				t.Fatalf("NewIgnoreMatcher() error = %v", err)
			}
			if got := m.IsIgnored(tt.path); got != tt.want {
				t.Errorf("IsIgnored(%q) = %v, want %v", tt.path, got, tt.want)
			}
		})
	}
}

func TestIgnoreMatcher_Filter(t *testing.T) {
	m, err := utils.NewIgnoreMatcher([]string{"*.map", ".git"})
	if err != nil {
		t.Fatal(err)
	}

	got := m.Filter([]string{"a.js", "a.js.map", ".git/HEAD", "b.css"})
	want := []string{"a.js", "b.css"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Filter() = %v, want %v", got, want)
	}
}

func TestIgnoreMatcher_Nil(t *testing.T) {
	var m *utils.IgnoreMatcher
	if m.IsIgnored("x") {
		t.Error("nil matcher should ignore nothing")
	}
}

func TestNormalizePattern(t *testing.T) {
	tests := map[string]string{
		"./src/":     "src",
		`src\\*.ts`:  "src//*.ts",
		" dist ":     "dist",
		"**/*.go":    "**/*.go",
	}
	for in, want := range tests {
		if got := utils.NormalizePattern(in); got != want {
			t.Errorf("NormalizePattern(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestIsGlobPattern(t *testing.T) {
	if !utils.IsGlobPattern("*.ts") || !utils.IsGlobPattern("a?") || !utils.IsGlobPattern("[ab]") {
		t.Error("expected wildcards to be detected")
	}
	if utils.IsGlobPattern("src/index.ts") {
		t.Error("plain path should not be a glob")
	}
}

func TestDefaultIgnorePatterns(t *testing.T) {
	m, err := utils.NewIgnoreMatcher(utils.DefaultIgnorePatterns())
	if err != nil {
		t.Fatal(err)
	}
	if !m.IsIgnored("/repo/.git/config") {
		t.Error(".git contents should be ignored by default")
	}
	if m.IsIgnored("/repo/src/index.ts") {
		t.Error("sources should not be ignored by default")
	}
}

func TestExpandGlobs(t *testing.T) {
	root := t.TempDir()
	for _, rel := range []string{
		"src/index.ts",
		"src/lib/util.ts",
		"src/lib/util.test.ts",
		"src/styles.css",
		"node_modules/dep/index.ts",
		"package.json",
	} {
		path := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(rel), 0644); err != nil {
			t.Fatal(err)
		}
	}

	ignore, err := utils.NewIgnoreMatcher([]string{"node_modules", "*.test.ts"})
	if err != nil {
		t.Fatal(err)
	}

	abs := func(rels ...string) []string {
		var out []string
		for _, rel := range rels {
			out = append(out, filepath.Join(root, filepath.FromSlash(rel)))
		}
		return out
	}

	tests := []struct {
		name     string
		patterns []string
		want     []string
	}{
		{"recursive typescript", []string{"src/**/*.ts"}, abs("src/index.ts", "src/lib/util.ts")},
		{"bare directory", []string{"src"}, abs("src/index.ts", "src/lib/util.ts", "src/styles.css")},
		{"bare file name", []string{"package.json"}, abs("package.json")},
		{"several patterns", []string{"*.css", "package.json"}, abs("package.json", "src/styles.css")},
		{"no match", []string{"*.go"}, nil},
		{"no patterns", nil, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := utils.ExpandGlobs(root, tt.patterns, ignore)
			if err != nil {
				t.Fatal(err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ExpandGlobs() = %v, want %v", got, tt.want)
			}
		})
	}
}
