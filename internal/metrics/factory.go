package metrics

import (
	"fmt"
	"os"

	"hbk-go/internal/config"
	"hbk-go/internal/hbk"
)

// NewMetricsFromConfig returns a textfile exporter, or hbk.NopMetrics when no
// textfile directory is configured.
func NewMetricsFromConfig(cfg config.MetricsConfig, hostID string) (hbk.Metrics, error) {
	if cfg.TextfileDir == "" {
		return hbk.NopMetrics{}, nil
	}
	info, err := os.Stat(cfg.TextfileDir)
	if err != nil {
		return nil, fmt.Errorf("metrics textfile_dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("metrics textfile_dir %s is not a directory", cfg.TextfileDir)
	}
	return NewTextfile(cfg.TextfileDir, hostID), nil
}
