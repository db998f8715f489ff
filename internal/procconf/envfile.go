package procconf

import (
	"os"
	"path/filepath"

	"github.com/joho/godotenv"

	apperrors "github.com/pm3/pm3/internal/common/errors"
)

// LoadEnvFiles reads every configured env file in order and returns the
// merged variables. Relative paths resolve against the config cwd when set.
// Later files override earlier ones.
func (c *ProcessConfig) LoadEnvFiles() (map[string]string, error) {
	vars := make(map[string]string)
	for _, file := range c.EnvFile {
		resolved := file
		if !filepath.IsAbs(file) && c.Cwd != "" {
			resolved = filepath.Join(c.Cwd, file)
		}
		f, err := os.Open(resolved)
		if err != nil {
			return nil, apperrors.Newf(apperrors.ErrCodeEnvFile,
				"failed to read env file '%s': %v", resolved, err)
		}
		parsed, err := godotenv.Parse(f)
		f.Close()
		if err != nil {
			return nil, apperrors.Newf(apperrors.ErrCodeEnvFile,
				"failed to parse env file '%s': %v", resolved, err)
		}
		for k, v := range parsed {
			vars[k] = v
		}
	}
	return vars, nil
}
