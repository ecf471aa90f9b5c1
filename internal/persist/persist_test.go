package persist

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"autocron/internal/task"
	"autocron/pkg/logx"
)

func scriptTask(t *testing.T, cfg task.Config) *task.Task {
	t.Helper()
	tk, err := task.New(cfg)
	if err != nil {
		t.Fatalf("task.New(%q): %v", cfg.Name, err)
	}
	return tk
}

func TestSaveLoadRoundtrip(t *testing.T) {
	t.Parallel()
	for _, ext := range []string{".yaml", ".json"} {
		ext := ext
		t.Run(ext, func(t *testing.T) {
			t.Parallel()
			src := task.NewRegistry()
			orig := scriptTask(t, task.Config{
				Name:       "backup",
				Script:     "/opt/jobs/backup.py",
				Cron:       "0 3 * * *",
				Retries:    3,
				RetryDelay: 90 * time.Second,
				Timeout:    5 * time.Minute,
				SafeMode:   task.SafeMode{Enabled: true, MaxMemoryMB: 256, MaxCPUPercent: 50},
			})
			orig.RunCount = 7
			orig.FailCount = 2
			orig.LastRun = time.Date(2026, 2, 1, 3, 0, 0, 0, time.UTC)
			if err := src.Add(orig); err != nil {
				t.Fatalf("Add: %v", err)
			}
			if err := src.Add(scriptTask(t, task.Config{Name: "sweep", Script: "sweep.py", Every: "10m", Disabled: true})); err != nil {
				t.Fatalf("Add: %v", err)
			}

			path := filepath.Join(t.TempDir(), "tasks"+ext)
			skipped, err := Save(src, path)
			if err != nil {
				t.Fatalf("Save: %v", err)
			}
			if len(skipped) != 0 {
				t.Fatalf("skipped = %v, want none", skipped)
			}

			dst := task.NewRegistry()
			if err := Load(dst, path, Replace); err != nil {
				t.Fatalf("Load: %v", err)
			}
			got, ok := dst.GetByName("backup")
			if !ok {
				t.Fatal("backup missing after load")
			}
			if got.ID != orig.ID {
				t.Fatalf("ID = %q, want %q", got.ID, orig.ID)
			}
			if got.Retries != 3 || got.RetryDelay != 90*time.Second || got.Timeout != 5*time.Minute {
				t.Fatalf("retry/timeout config lost: %+v", got)
			}
			if got.SafeMode != orig.SafeMode {
				t.Fatalf("SafeMode = %+v, want %+v", got.SafeMode, orig.SafeMode)
			}
			if got.Schedule.Kind() != orig.Schedule.Kind() || got.Schedule.Value() != orig.Schedule.Value() {
				t.Fatalf("schedule lost: %v %q", got.Schedule.Kind(), got.Schedule.Value())
			}
			if got.RunCount != 7 || got.FailCount != 2 {
				t.Fatalf("counters lost: %d/%d", got.RunCount, got.FailCount)
			}
			if !got.LastRun.Equal(orig.LastRun) {
				t.Fatalf("LastRun = %v, want %v", got.LastRun, orig.LastRun)
			}

			sweep, ok := dst.GetByName("sweep")
			if !ok || sweep.Enabled {
				t.Fatalf("disabled flag lost: %+v", sweep)
			}
		})
	}
}

func TestSaveSkipsCallables(t *testing.T) {
	t.Parallel()
	reg := task.NewRegistry()
	if err := reg.Add(scriptTask(t, task.Config{Name: "keep", Script: "k.py", Every: "5m"})); err != nil {
		t.Fatalf("Add: %v", err)
	}
	fn, err := task.New(task.Config{Name: "inproc", Func: func() error { return nil }, Every: "5m"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := reg.Add(fn); err != nil {
		t.Fatalf("Add: %v", err)
	}

	path := filepath.Join(t.TempDir(), "tasks.yaml")
	skipped, err := Save(reg, path)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if len(skipped) != 1 || skipped[0] != "inproc" {
		t.Fatalf("skipped = %v, want [inproc]", skipped)
	}

	dst := task.NewRegistry()
	if err := Load(dst, path, Replace); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, ok := dst.GetByName("inproc"); ok {
		t.Fatal("callable task must not survive a save/load cycle")
	}
}

func TestLoadMerge(t *testing.T) {
	t.Parallel()
	src := task.NewRegistry()
	if err := src.Add(scriptTask(t, task.Config{Name: "a", Script: "new.py", Every: "1m"})); err != nil {
		t.Fatalf("Add: %v", err)
	}
	path := filepath.Join(t.TempDir(), "tasks.yml")
	if _, err := Save(src, path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	dst := task.NewRegistry()
	if err := dst.Add(scriptTask(t, task.Config{Name: "a", Script: "old.py", Every: "5m"})); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := dst.Add(scriptTask(t, task.Config{Name: "b", Script: "b.py", Every: "5m"})); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := Load(dst, path, Merge); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if dst.Len() != 2 {
		t.Fatalf("Len = %d, want 2", dst.Len())
	}
	got, _ := dst.GetByName("a")
	if got.Body.(task.ScriptBody).Path != "new.py" {
		t.Fatal("merge must overwrite by name")
	}
}

func TestLoadCorruptLeavesRegistryUntouched(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		body string
	}{
		{"unparsable", "{{{{not yaml"},
		{"bad version", "version: \"9.9\"\ntasks: []\n"},
		{"missing name", "version: \"1.0\"\ntasks:\n  - script_path: x.py\n    schedule_type: interval\n    schedule_value: 5m\n"},
		{"missing script", "version: \"1.0\"\ntasks:\n  - name: x\n    schedule_type: interval\n    schedule_value: 5m\n"},
		{"bad schedule", "version: \"1.0\"\ntasks:\n  - name: x\n    script_path: x.py\n    schedule_type: interval\n    schedule_value: banana\n"},
		{"duplicate names", "version: \"1.0\"\ntasks:\n  - name: x\n    script_path: a.py\n    schedule_type: interval\n    schedule_value: 5m\n  - name: x\n    script_path: b.py\n    schedule_type: interval\n    schedule_value: 5m\n"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			reg := task.NewRegistry()
			if err := reg.Add(scriptTask(t, task.Config{Name: "survivor", Script: "s.py", Every: "5m"})); err != nil {
				t.Fatalf("Add: %v", err)
			}
			path := filepath.Join(t.TempDir(), "tasks.yaml")
			if err := os.WriteFile(path, []byte(tt.body), 0o644); err != nil {
				t.Fatalf("write: %v", err)
			}

			err := Load(reg, path, Replace)
			var pe *Error
			if !errors.As(err, &pe) {
				t.Fatalf("Load = %v, want *Error", err)
			}
			if reg.Len() != 1 {
				t.Fatalf("registry mutated by failed load: Len = %d", reg.Len())
			}
			if _, ok := reg.GetByName("survivor"); !ok {
				t.Fatal("registry mutated by failed load")
			}
		})
	}
}

func TestUnsupportedExtension(t *testing.T) {
	t.Parallel()
	reg := task.NewRegistry()
	if _, err := Save(reg, filepath.Join(t.TempDir(), "tasks.toml")); err == nil {
		t.Fatal("expected extension error")
	}
	if err := Load(reg, filepath.Join(t.TempDir(), "tasks.txt"), Merge); err == nil {
		t.Fatal("expected extension error")
	}
}

func TestWatchReloadsOnChange(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "tasks.yaml")

	src := task.NewRegistry()
	if err := src.Add(scriptTask(t, task.Config{Name: "w", Script: "w.py", Every: "5m"})); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := Save(src, path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	reg := task.NewRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		Watch(ctx, reg, path, logx.Nop())
	}()

	// Give the watcher time to install, then rewrite the file.
	time.Sleep(200 * time.Millisecond)
	if err := src.Add(scriptTask(t, task.Config{Name: "w2", Script: "w2.py", Every: "5m"})); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := Save(src, path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for reg.Len() < 2 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if reg.Len() != 2 {
		t.Fatalf("watcher did not reload: Len = %d", reg.Len())
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}
