package scheduler

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pulce2011/GPU-Code-Runner/pkg/model"
)

// writeSource writes the exercise header followed by code to a fresh
// tmp_*<ext> file under workDir/<exercise name> and returns its absolute path.
func writeSource(workDir string, ex *model.Exercise, defaultExt, code string) (string, error) {
	dir := filepath.Join(workDir, exerciseDir(ex.Name))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create source dir: %w", err)
	}

	ext := ex.FileExtension
	if ext == "" {
		ext = defaultExt
	}
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}

	f, err := os.CreateTemp(dir, "tmp_*"+ext)
	if err != nil {
		return "", fmt.Errorf("create source file: %w", err)
	}
	path := f.Name()
	if _, err := f.WriteString(ex.Header() + code); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("write source file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("close source file: %w", err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return path, nil
	}
	return abs, nil
}

// exerciseDir maps an exercise name to a single path element.
func exerciseDir(name string) string {
	base := filepath.Base(filepath.Clean("/" + name))
	if base == "/" || base == "." {
		return "exercise"
	}
	return base
}
