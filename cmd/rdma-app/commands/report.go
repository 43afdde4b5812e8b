package commands

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/sama18-meet/rdma-app/internal/transfer"
)

// Report is the YAML form of one side of a transfer.
type Report struct {
	Session   string `yaml:"session"`
	Role      string `yaml:"role"`
	Backend   string `yaml:"backend"`
	Device    string `yaml:"device"`
	Peer      string `yaml:"peer,omitempty"`
	Digest    string `yaml:"xxhash64"`
	Duration  string `yaml:"duration"`
	Bytes     int    `yaml:"bytes"`
	RequestID uint32 `yaml:"request_id"`
	Acked     bool   `yaml:"acked"`
}

type reportFile struct {
	Transfers []Report `yaml:"transfers"`
}

func newReport(res *transfer.Result, backend, device, peer string) Report {
	return Report{
		Session:   res.Session.String(),
		Role:      res.Role,
		Backend:   backend,
		Device:    device,
		Peer:      peer,
		Digest:    res.DigestString(),
		Duration:  res.Duration.String(),
		Bytes:     res.Length,
		RequestID: res.RequestID,
		Acked:     res.Acked,
	}
}

// writeReport writes reports to path. An empty path does nothing.
func writeReport(path string, reports ...Report) error {
	if path == "" {
		return nil
	}

	data, err := yaml.Marshal(reportFile{Transfers: reports})
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}

	return nil
}

// writeOutput stores the received bytes. An empty path does nothing.
func writeOutput(path string, res *transfer.Result) error {
	if path == "" {
		return nil
	}

	if err := os.WriteFile(path, res.Data, 0o600); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}

	return nil
}
