package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/fernwake/insightd/examples"
)

// runInit seeds dir with the example configuration file. Existing files
// are never overwritten.
func runInit(stdout io.Writer, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}

	path := filepath.Join(dir, "insightd.yaml")
	if _, err := os.Stat(path); err == nil {
		fmt.Fprintf(stdout, "%s already exists, leaving it alone\n", path)
		return nil
	}

	// 0600: the config holds credentials once filled in.
	if err := os.WriteFile(path, examples.ConfigYAML, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}

	fmt.Fprintf(stdout, "Wrote %s\n", path)
	fmt.Fprintln(stdout, "Edit it, then run: insightd serve")
	return nil
}
