package common

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
)

// LoadEnvFile exports the variables in path that are not already set. A
// missing file is not an error.
func LoadEnvFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("open env file: %w", err)
	}
	defer func() { _ = f.Close() }()

	if info, err := f.Stat(); err != nil {
		return fmt.Errorf("read env file: %w", err)
	} else if info.IsDir() {
		return fmt.Errorf("read env file: %s is a directory", path)
	}
	values, err := godotenv.Parse(f)
	if err != nil {
		return fmt.Errorf("parse env file: %w", err)
	}
	for key, value := range values {
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		if err := os.Setenv(key, value); err != nil {
			return fmt.Errorf("set %s: %w", key, err)
		}
	}
	return nil
}
