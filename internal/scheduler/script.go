package scheduler

import (
	"bytes"
	"fmt"
	"path"
	"strings"
	"text/template"

	"github.com/spf13/afero"
)

// Work directory layout shared with the result packer
const (
	ManifestFile = "manifest.json"
	ScriptFile   = "job.sh"
	InputsDir    = "inputs"
	OutputsDir   = "outputs"
	LogFile      = "job.log"
)

var jobScript = template.Must(template.New("job").Funcs(template.FuncMap{
	"quote": shellQuote,
}).Parse(`#!/bin/bash
#SBATCH --job-name=sc-{{.JobID}}
{{- if .Account}}
#SBATCH --account={{.Account}}
{{- end}}
{{- if .Partition}}
#SBATCH --partition={{.Partition}}
{{- end}}
#SBATCH --nodes={{.Nodes}}
#SBATCH --time={{.TimeLimitMinutes}}
#SBATCH --chdir={{quote .WorkDir}}
#SBATCH --output={{quote .LogPath}}
set -euo pipefail
cd {{quote .WorkDir}}
mkdir -p {{.InputsDir}} {{.OutputsDir}}
{{- if .InputsPath}}
tar -xzf {{quote .InputsPath}} -C {{.InputsDir}}
{{- end}}
{{- if .MaxFSKiB}}
ulimit -f {{.MaxFSKiB}}
{{- end}}
{{.Command}} -cfg {{.ManifestFile}} -o {{.OutputsDir}}
`))

type scriptData struct {
	JobID            string
	Account          string
	Partition        string
	Nodes            int
	TimeLimitMinutes int
	WorkDir          string
	LogPath          string
	InputsPath       string
	InputsDir        string
	OutputsDir       string
	ManifestFile     string
	MaxFSKiB         int64
	Command          string
}

// WorkDir returns the per-job working directory under root
func WorkDir(root, jobID string) string {
	return path.Join(root, jobID)
}

// OutputsPath returns the directory the tool chain writes results into
func OutputsPath(root, jobID string) string {
	return path.Join(root, jobID, OutputsDir)
}

// prepareWorkDir creates the job directory and writes the manifest into it
func prepareWorkDir(fs afero.Fs, root string, sub Submission) (string, error) {
	dir := WorkDir(root, sub.JobID)
	if err := fs.MkdirAll(path.Join(dir, OutputsDir), 0o755); err != nil {
		return "", fmt.Errorf("failed to create work directory: %w", err)
	}
	if err := afero.WriteFile(fs, path.Join(dir, ManifestFile), sub.ManifestJSON, 0o644); err != nil {
		return "", fmt.Errorf("failed to write manifest: %w", err)
	}
	return dir, nil
}

func renderScript(sub Submission, dir, command, account, partition string) ([]byte, error) {
	nodes := sub.Nodes
	if nodes <= 0 {
		nodes = 1
	}

	data := scriptData{
		JobID:            sub.JobID,
		Account:          account,
		Partition:        partition,
		Nodes:            nodes,
		TimeLimitMinutes: sub.TimeLimitMinutes,
		WorkDir:          dir,
		LogPath:          path.Join(dir, LogFile),
		InputsPath:       sub.InputsPath,
		InputsDir:        InputsDir,
		OutputsDir:       OutputsDir,
		ManifestFile:     ManifestFile,
		MaxFSKiB:         sub.MaxFSBytes / 1024,
		Command:          command,
	}

	var buf bytes.Buffer
	if err := jobScript.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("failed to render job script: %w", err)
	}
	return buf.Bytes(), nil
}

// shellQuote wraps s in single quotes for bash
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
