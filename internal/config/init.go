package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/prdsync/prdsync/internal/utils"
)

// ErrExists is returned by WriteStarter when the file exists and force is
// off.
var ErrExists = errors.New("config file already exists")

const starterHeader = `# prdsync configuration.
# Credentials are best supplied through TRELLO_API_KEY and TRELLO_TOKEN
# rather than stored here. Any key can be overridden with PRDSYNC_<KEY>,
# for example PRDSYNC_SYNC_DIRECTION=push.
`

// Starter renders cfg as a commented YAML config file. Credentials are
// left out.
func Starter(cfg Config) ([]byte, error) {
	cfg.Board.APIKey = ""
	cfg.Board.Token = ""
	var buf bytes.Buffer
	buf.WriteString(starterHeader)
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return buf.Bytes(), nil
}

// WriteStarter writes a starter config to path.
func WriteStarter(path string, cfg Config, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s: %w (use --force to overwrite)", path, ErrExists)
		}
	}
	data, err := Starter(cfg)
	if err != nil {
		return err
	}
	if err := utils.WriteFileAtomic(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
