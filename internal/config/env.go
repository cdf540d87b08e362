package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
)

// DefaultDotEnv is loaded when LoadDotEnv is called with no files.
const DefaultDotEnv = ".env"

// LoadDotEnv loads KEY=value files into the process environment. Variables
// already set win. Missing files are skipped.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{DefaultDotEnv}
	}
	for _, file := range files {
		if _, err := os.Stat(file); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(file); err != nil {
			return fmt.Errorf("load %s: %w", file, err)
		}
	}
	return nil
}
