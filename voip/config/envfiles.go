package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// DefaultEnvFileName is the env file searched for by LoadEnvFiles.
const DefaultEnvFileName = ".env"

// FindEnvFiles returns every file called name in dir and its parents,
// nearest first.
func FindEnvFiles(dir, name string) ([]string, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", dir, err)
	}

	var found []string
	for {
		path := filepath.Join(dir, name)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			found = append(found, path)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return found, nil
}

// LoadEnvFiles loads the env files found from the working directory upward,
// after any explicit files. Variables already set are never overwritten, so
// explicit files win over found ones and nearer files win over farther ones.
func LoadEnvFiles(explicit ...string) ([]string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get working directory: %w", err)
	}

	found, err := FindEnvFiles(cwd, DefaultEnvFileName)
	if err != nil {
		return nil, err
	}

	files := append(append([]string{}, explicit...), found...)
	if len(files) == 0 {
		return nil, nil
	}
	if err := godotenv.Load(files...); err != nil {
		return nil, fmt.Errorf("failed to load env files: %w", err)
	}
	return files, nil
}
