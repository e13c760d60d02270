package audit

import (
	"fmt"

	"github.com/vinayprograms/agentloop/internal/config"
)

// Open builds the sinks selected by cfg. An empty config yields an empty
// Multi, which accepts and discards records. Close the result when done.
func Open(cfg config.AuditConfig) (Multi, error) {
	var sinks Multi
	if cfg.Path != "" {
		fs, err := NewFileSink(config.ExpandHome(cfg.Path), int64(cfg.MaxSizeMB)*1024*1024)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, fs)
	}
	if cfg.NATSURL != "" {
		ns, err := DialNATS(cfg.NATSURL, cfg.NATSSubject)
		if err != nil {
			sinks.Close()
			return nil, fmt.Errorf("audit: %w", err)
		}
		sinks = append(sinks, ns)
	}
	return sinks, nil
}
