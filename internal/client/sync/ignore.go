package sync

import (
	"log/slog"
	"strings"

	gitignore "github.com/sabhiram/go-gitignore"

	"github.com/driftfs/driftfs/internal/vfs"
)

const ignoreFileName = "driftignore"

var defaultIgnoreLines = []string{
	// drift
	ignoreFileName,
	"**/*conflicted copy*",
	// python
	".ipynb_checkpoints/",
	"__pycache__/",
	"*.py[cod]",
	".venv/",
	// IDE/editor
	".vscode",
	".idea",
	"*.swp",
	// general
	".git",
	"*.tmp",
	"*.log",
	// OS
	".DS_Store",
	"Thumbs.db",
}

// IgnoreList decides which paths are excluded from sync. Rules come from
// the built-in defaults plus an optional driftignore file at the sync root,
// in gitignore syntax.
type IgnoreList struct {
	ignore *gitignore.GitIgnore
}

func NewIgnoreList() *IgnoreList {
	return &IgnoreList{
		ignore: gitignore.CompileIgnoreLines(defaultIgnoreLines...),
	}
}

// Load merges rules from the driftignore file at root, if present.
func (s *IgnoreList) Load(fs vfs.FS, root string) {
	path := strings.TrimSuffix(root, "/") + "/" + ignoreFileName
	data, err := fs.ReadFile(path)
	if err != nil {
		return
	}

	lines := append([]string{}, defaultIgnoreLines...)
	count := 0
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
		count++
	}
	s.ignore = gitignore.CompileIgnoreLines(lines...)
	if count > 0 {
		slog.Debug("loaded ignore rules", "path", path, "rules", count)
	}
}

func (s *IgnoreList) Matches(path string) bool {
	return s.ignore.MatchesPath(strings.TrimPrefix(path, "/"))
}
