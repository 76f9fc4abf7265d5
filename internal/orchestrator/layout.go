package orchestrator

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/rileyhilliard/perfci/internal/config"
	"github.com/rileyhilliard/perfci/internal/errors"
)

// Environment variables exported to workload steps.
const (
	EnvExecutionID = "PERFCI_EXECUTION_ID"
	EnvRawDataDir  = "PERFCI_RAWDATA_DIR"
	EnvLogDir      = "PERFCI_LOG_DIR"
	EnvReportDir   = "PERFCI_REPORT_DIR"
)

// latestFile records the most recent execution id under the base directory,
// so a separate stop invocation can find what start launched.
const latestFile = "LATEST"

// Layout is the local directory tree of one execution:
//
//	<base>/builds/<id>/rawdata
//	<base>/builds/<id>/log
//	<base>/builds/<id>/report
type Layout struct {
	Base        string
	ExecutionID string
	Root        string
	RawData     string
	Log         string
	Report      string
}

// NewLayout computes the layout for executionID under base. Nothing is
// created on disk.
func NewLayout(base, executionID string) Layout {
	root := filepath.Join(base, "builds", executionID)
	return Layout{
		Base:        base,
		ExecutionID: executionID,
		Root:        root,
		RawData:     filepath.Join(root, "rawdata"),
		Log:         filepath.Join(root, "log"),
		Report:      filepath.Join(root, "report"),
	}
}

// Create makes the rawdata, log and report directories.
func (l Layout) Create() error {
	for _, dir := range []string{l.RawData, l.Log, l.Report} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.WrapWithCode(err, errors.ErrConfig,
				"Can't create result directory "+dir,
				"Check 'result_dir' in .perfci.yaml and its permissions.")
		}
	}
	return nil
}

// Env returns the layout as workload environment variables.
func (l Layout) Env() map[string]string {
	return map[string]string{
		EnvExecutionID: l.ExecutionID,
		EnvRawDataDir:  l.RawData,
		EnvLogDir:      l.Log,
		EnvReportDir:   l.Report,
	}
}

// MonitorDest is where a monitor's collected data is extracted. Monitors
// that relocate their output get their own subdirectory.
func (l Layout) MonitorDest(m config.Monitor) string {
	if sub := m.CollectSubdir(); sub != "" {
		return filepath.Join(l.RawData, sub)
	}
	return l.RawData
}

// WriteLatest records executionID as the most recent execution under base.
func WriteLatest(base, executionID string) error {
	if err := os.MkdirAll(base, 0o755); err != nil {
		return errors.WrapWithCode(err, errors.ErrConfig, "Can't create "+base, "")
	}
	path := filepath.Join(base, latestFile)
	if err := os.WriteFile(path, []byte(executionID+"\n"), 0o644); err != nil {
		return errors.WrapWithCode(err, errors.ErrConfig, "Can't write "+path, "")
	}
	return nil
}

// ReadLatest returns the execution id last recorded under base.
func ReadLatest(base string) (string, error) {
	path := filepath.Join(base, latestFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return "", errors.WrapWithCode(err, errors.ErrConfig,
			"No previous execution found in "+base,
			"Run 'perfci start' first, or pass --execution-id.")
	}
	id := strings.TrimSpace(string(data))
	if id == "" {
		return "", errors.New(errors.ErrConfig, path+" is empty",
			"Pass --execution-id explicitly.")
	}
	return id, nil
}
