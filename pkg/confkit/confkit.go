// Package confkit holds small configuration helpers: loading typed yaml
// sections through go-zero conf, resolving paths relative to the main config
// file, and one-shot dotenv bootstrap.
package confkit

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/joho/godotenv"
	"github.com/zeromicro/go-zero/core/conf"
)

// ResolvePath resolves file relative to base, expanding environment
// variables. Absolute paths are returned as-is after expansion.
func ResolvePath(base, file string) string {
	file = os.ExpandEnv(file)
	if filepath.IsAbs(file) {
		return file
	}
	return filepath.Join(base, file)
}

// BaseDir returns the directory of the main config file path.
func BaseDir(mainPath string) string {
	return filepath.Dir(mainPath)
}

// LoadFile loads a yaml configuration file into T via go-zero conf, with
// environment variable substitution enabled.
func LoadFile[T any](path string) (*T, error) {
	var cfg T
	if err := conf.Load(path, &cfg, conf.UseEnv()); err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return &cfg, nil
}

// Section is a config block that may live inline or in a separate file.
type Section[T any] struct {
	File  string `json:",optional"`
	Value *T     `json:"-"`
}

// Hydrate loads the section from File when set, leaving inline values alone.
func (s *Section[T]) Hydrate(base string) error {
	if s.File == "" {
		return nil
	}
	v, err := LoadFile[T](ResolvePath(base, s.File))
	if err != nil {
		return err
	}
	s.Value = v
	return nil
}

var dotenvOnce sync.Once

// LoadDotenvOnce loads a .env file once per process. ENV_FILE overrides the
// location; NO_DOTENV=1 disables loading entirely. Existing environment
// variables always win.
func LoadDotenvOnce() {
	dotenvOnce.Do(func() {
		if os.Getenv("NO_DOTENV") == "1" {
			return
		}
		if envFile := os.Getenv("ENV_FILE"); envFile != "" {
			_ = godotenv.Load(envFile)
			return
		}
		_ = godotenv.Load()
	})
}
