// Package persist saves and restores script-bodied tasks. The document
// format is versioned and carries both the task config and its run-state
// snapshot; the encoding (YAML or JSON) follows the file extension.
//
// Load is transactional: the whole document is parsed and validated before
// the registry is touched, so a corrupt file never partially applies.
package persist

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.yaml.in/yaml/v3"

	"autocron/internal/schedule"
	"autocron/internal/task"
)

// Version identifies the document format.
const Version = "1.0"

// Mode selects how loaded tasks meet the existing registry.
type Mode int

const (
	// Merge overwrites same-named tasks and adds new ones.
	Merge Mode = iota
	// Replace clears the registry before applying the file.
	Replace
)

// Error reports a malformed or unusable document.
type Error struct {
	Path   string
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("persist %s: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("persist %s: %s", e.Path, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// Document is the on-disk envelope.
type Document struct {
	Version string   `yaml:"version" json:"version"`
	SavedAt string   `yaml:"saved_at" json:"saved_at"`
	Tasks   []Record `yaml:"tasks" json:"tasks"`
}

// Record is one persisted task: its full config plus the run-state snapshot.
// Durations are stored as integer seconds.
type Record struct {
	ID            string         `yaml:"id" json:"id"`
	Name          string         `yaml:"name" json:"name"`
	ScriptPath    string         `yaml:"script_path" json:"script_path"`
	ScheduleType  string         `yaml:"schedule_type" json:"schedule_type"`
	ScheduleValue string         `yaml:"schedule_value" json:"schedule_value"`
	Retries       int            `yaml:"retries" json:"retries"`
	RetryDelaySec int64          `yaml:"retry_delay" json:"retry_delay"`
	TimeoutSec    int64          `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	SafeMode      SafeModeRecord `yaml:"safe_mode" json:"safe_mode"`
	RunCount      int            `yaml:"run_count" json:"run_count"`
	FailCount     int            `yaml:"fail_count" json:"fail_count"`
	LastRun       string         `yaml:"last_run,omitempty" json:"last_run,omitempty"`
	NextRun       string         `yaml:"next_run,omitempty" json:"next_run,omitempty"`
	Enabled       *bool          `yaml:"enabled" json:"enabled"`
}

type SafeModeRecord struct {
	Enabled       bool `yaml:"enabled" json:"enabled"`
	MaxMemoryMB   int  `yaml:"max_memory_mb,omitempty" json:"max_memory_mb,omitempty"`
	MaxCPUPercent int  `yaml:"max_cpu_percent,omitempty" json:"max_cpu_percent,omitempty"`
}

// Save writes every persistable task to path, atomically via a temp file.
// Tasks whose body cannot be reconstructed from storage (in-process
// callables) are skipped; their names are returned so the caller can report
// them instead of silently dropping them.
func Save(reg *task.Registry, path string) (skipped []string, err error) {
	enc, err := encodingFor(path)
	if err != nil {
		return nil, err
	}

	doc := Document{Version: Version, SavedAt: time.Now().UTC().Format(time.RFC3339)}
	for _, t := range reg.List() {
		if !t.Persistable() {
			skipped = append(skipped, t.Name)
			continue
		}
		doc.Tasks = append(doc.Tasks, recordOf(t))
	}

	var data []byte
	switch enc {
	case "yaml":
		data, err = yaml.Marshal(&doc)
	case "json":
		data, err = json.MarshalIndent(&doc, "", "  ")
	}
	if err != nil {
		return nil, &Error{Path: path, Reason: "encode document", Err: err}
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tasks-*"+filepath.Ext(path))
	if err != nil {
		return nil, &Error{Path: path, Reason: "create temp file", Err: err}
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return nil, &Error{Path: path, Reason: "write temp file", Err: err}
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return nil, &Error{Path: path, Reason: "close temp file", Err: err}
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return nil, &Error{Path: path, Reason: "replace file", Err: err}
	}
	return skipped, nil
}

// Load parses and validates the whole document, then applies it to the
// registry in one step. On any error the registry is left untouched.
func Load(reg *task.Registry, path string, mode Mode) error {
	enc, err := encodingFor(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return &Error{Path: path, Reason: "read file", Err: err}
	}

	var doc Document
	switch enc {
	case "yaml":
		err = yaml.Unmarshal(data, &doc)
	case "json":
		err = json.Unmarshal(data, &doc)
	}
	if err != nil {
		return &Error{Path: path, Reason: "parse document", Err: err}
	}
	if doc.Version != Version {
		return &Error{Path: path, Reason: fmt.Sprintf("unsupported document version %q", doc.Version)}
	}

	seen := map[string]bool{}
	tasks := make([]*task.Task, 0, len(doc.Tasks))
	for i, rec := range doc.Tasks {
		t, err := taskOf(rec)
		if err != nil {
			return &Error{Path: path, Reason: fmt.Sprintf("task %d (%q)", i, rec.Name), Err: err}
		}
		if seen[t.Name] {
			return &Error{Path: path, Reason: fmt.Sprintf("duplicate task name %q", t.Name)}
		}
		seen[t.Name] = true
		tasks = append(tasks, t)
	}

	reg.Apply(tasks, mode == Replace)
	return nil
}

func encodingFor(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml", nil
	case ".json":
		return "json", nil
	default:
		return "", &Error{Path: path, Reason: "unsupported file extension, want .yaml, .yml or .json"}
	}
}

func recordOf(t task.Task) Record {
	enabled := t.Enabled
	rec := Record{
		ID:            t.ID,
		Name:          t.Name,
		ScriptPath:    t.Body.(task.ScriptBody).Path,
		ScheduleType:  t.Schedule.Kind().String(),
		ScheduleValue: t.Schedule.Value(),
		Retries:       t.Retries,
		RetryDelaySec: int64(t.RetryDelay / time.Second),
		TimeoutSec:    int64(t.Timeout / time.Second),
		SafeMode: SafeModeRecord{
			Enabled:       t.SafeMode.Enabled,
			MaxMemoryMB:   t.SafeMode.MaxMemoryMB,
			MaxCPUPercent: t.SafeMode.MaxCPUPercent,
		},
		RunCount:  t.RunCount,
		FailCount: t.FailCount,
		Enabled:   &enabled,
	}
	if !t.LastRun.IsZero() {
		rec.LastRun = t.LastRun.UTC().Format(time.RFC3339)
	}
	if !t.NextRun.IsZero() {
		rec.NextRun = t.NextRun.UTC().Format(time.RFC3339)
	}
	return rec
}

func taskOf(rec Record) (*task.Task, error) {
	if rec.Name == "" {
		return nil, fmt.Errorf("name required")
	}
	if rec.ScriptPath == "" {
		return nil, fmt.Errorf("script_path required")
	}
	kind, err := schedule.KindFromString(rec.ScheduleType)
	if err != nil {
		return nil, err
	}
	spec, err := schedule.Parse(kind, rec.ScheduleValue)
	if err != nil {
		return nil, err
	}

	enabled := true
	if rec.Enabled != nil {
		enabled = *rec.Enabled
	}
	t, err := task.New(task.Config{
		Name:       rec.Name,
		Script:     rec.ScriptPath,
		Schedule:   spec,
		Retries:    rec.Retries,
		RetryDelay: time.Duration(rec.RetryDelaySec) * time.Second,
		Timeout:    time.Duration(rec.TimeoutSec) * time.Second,
		SafeMode: task.SafeMode{
			Enabled:       rec.SafeMode.Enabled,
			MaxMemoryMB:   rec.SafeMode.MaxMemoryMB,
			MaxCPUPercent: rec.SafeMode.MaxCPUPercent,
		},
		Disabled: !enabled,
	})
	if err != nil {
		return nil, err
	}

	// Restore the run-state snapshot over the freshly computed defaults.
	if rec.ID != "" {
		t.ID = rec.ID
	}
	t.RunCount = rec.RunCount
	t.FailCount = rec.FailCount
	if rec.LastRun != "" {
		at, err := time.Parse(time.RFC3339, rec.LastRun)
		if err != nil {
			return nil, fmt.Errorf("last_run: %w", err)
		}
		t.LastRun = at
	}
	if rec.NextRun != "" {
		at, err := time.Parse(time.RFC3339, rec.NextRun)
		if err != nil {
			return nil, fmt.Errorf("next_run: %w", err)
		}
		t.NextRun = at
	}
	return t, nil
}
