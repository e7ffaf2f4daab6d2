package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/collectibles/dbtflow/internal/engine"
	"github.com/collectibles/dbtflow/internal/notify"
	"github.com/collectibles/dbtflow/internal/repo"
	"github.com/collectibles/dbtflow/internal/scheduler"
)

const pipelineFile = "../../pipelines/dbt_collectibles.yaml"

// clearEnv сбрасывает переменные, которые читает FromEnv.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"PIPELINE_FILE", "DBT_PROJECT_DIR", "DB_URL", "RABBITMQ_URL",
		"NOTIFY_TRANSPORT", "SMTP_ADDR", "SMTP_FROM", "SMTP_USERNAME", "SMTP_PASSWORD",
		"SCHED_PORT", "ALERTER_PORT", "SCHED_TIMEZONE", "ADVISORY_LOCK_KEY", "SHUTDOWN_TIMEOUT",
	} {
		t.Setenv(key, "")
	}
}

func TestDeclaredPipeline_Builds(t *testing.T) {
	spec, err := BuildPipeline(DeclaredPipeline(), "")
	if err != nil {
		t.Fatalf("BuildPipeline() error = %v", err)
	}

	want := []string{"install_dependencies", "check_source_freshness", "run_models", "run_tests", "generate_docs"}
	if got := spec.StepNames(); !reflect.DeepEqual(got, want) {
		t.Errorf("StepNames() = %v, want %v", got, want)
	}

	for _, step := range spec.Steps {
		if step.MaxRetries != 2 || step.RetryDelay != 5*time.Minute || step.Timeout != time.Hour {
			t.Errorf("step %s: retries=%d delay=%v timeout=%v, want 2/5m/1h",
				step.Name, step.MaxRetries, step.RetryDelay, step.Timeout)
		}
	}

	if spec.MaxConcurrentRuns != 1 {
		t.Errorf("MaxConcurrentRuns = %d, want 1", spec.MaxConcurrentRuns)
	}
	if spec.Catchup {
		t.Error("Catchup = true, want false")
	}
	if !reflect.DeepEqual(spec.NotifyOnFailure, []string{"airflow-alerts@collectibles.com"}) {
		t.Errorf("NotifyOnFailure = %v", spec.NotifyOnFailure)
	}
}

func TestPipelineFile_MatchesDeclared(t *testing.T) {
	fromFile, err := LoadPipelineFile(pipelineFile)
	if err != nil {
		t.Fatalf("LoadPipelineFile() error = %v", err)
	}

	fileSpec, err := BuildPipeline(fromFile, "")
	if err != nil {
		t.Fatalf("BuildPipeline(file) error = %v", err)
	}
	declSpec, err := BuildPipeline(DeclaredPipeline(), "")
	if err != nil {
		t.Fatalf("BuildPipeline(declared) error = %v", err)
	}

	if fileSpec.StartDate == nil || !fileSpec.StartDate.Equal(*declSpec.StartDate) {
		t.Errorf("StartDate = %v, want %v", fileSpec.StartDate, declSpec.StartDate)
	}

	// StartDate сравнили выше, location может отличаться представлением
	fileSpec.StartDate, declSpec.StartDate = nil, nil
	if !reflect.DeepEqual(fileSpec, declSpec) {
		t.Errorf("file spec = %+v\nwant %+v", fileSpec, declSpec)
	}
}

func TestParsePipeline(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr error
	}{
		{
			name: "valid with step overrides",
			input: `
id: p
schedule: "@hourly"
defaults:
  retries: 1
  retry_delay: 30s
  execution_timeout: 10m
steps:
  - name: a
    command: echo a
    retries: 0
    timeout: 1m
`,
		},
		{
			name:    "unknown key",
			input:   "id: p\nschedule: '@hourly'\nretry: 3\nsteps: []\n",
			wantErr: ErrPipelineFile,
		},
		{
			name:    "empty document",
			input:   "",
			wantErr: ErrPipelineFile,
		},
		{
			name:    "bad duration",
			input:   "id: p\ndefaults:\n  retry_delay: soon\n",
			wantErr: ErrPipelineFile,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def, err := ParsePipeline([]byte(tt.input))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("ParsePipeline() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParsePipeline() error = %v", err)
			}

			spec, err := BuildPipeline(def, "")
			if err != nil {
				t.Fatalf("BuildPipeline() error = %v", err)
			}
			step := spec.Steps[0]
			if step.MaxRetries != 0 || step.Timeout != time.Minute || step.RetryDelay != 30*time.Second {
				t.Errorf("step = %+v, want retries=0 timeout=1m delay=30s", step)
			}
		})
	}
}

func TestBuildPipeline_Errors(t *testing.T) {
	t.Run("nil", func(t *testing.T) {
		if _, err := BuildPipeline(nil, ""); !errors.Is(err, ErrPipelineFile) {
			t.Errorf("error = %v, want ErrPipelineFile", err)
		}
	})

	t.Run("no steps", func(t *testing.T) {
		def := DeclaredPipeline()
		def.Steps = nil
		if _, err := BuildPipeline(def, ""); !errors.Is(err, engine.ErrEmptySteps) {
			t.Errorf("error = %v, want ErrEmptySteps", err)
		}
	})

	t.Run("bad schedule", func(t *testing.T) {
		def := DeclaredPipeline()
		def.Schedule = "every hour"
		if _, err := BuildPipeline(def, ""); !errors.Is(err, scheduler.ErrInvalidSchedule) {
			t.Errorf("error = %v, want ErrInvalidSchedule", err)
		}
	})

	t.Run("bad timezone override", func(t *testing.T) {
		if _, err := BuildPipeline(DeclaredPipeline(), "Mars/Olympus"); !errors.Is(err, scheduler.ErrInvalidSchedule) {
			t.Errorf("error = %v, want ErrInvalidSchedule", err)
		}
	})

	t.Run("timezone override does not touch def", func(t *testing.T) {
		def := DeclaredPipeline()
		spec, err := BuildPipeline(def, "Europe/Moscow")
		if err != nil {
			t.Fatalf("BuildPipeline() error = %v", err)
		}
		if spec.Timezone != "Europe/Moscow" {
			t.Errorf("Timezone = %q", spec.Timezone)
		}
		if def.Timezone != "UTC" {
			t.Errorf("def.Timezone = %q, want UTC", def.Timezone)
		}
	})
}

func TestMarshalPipeline_Roundtrip(t *testing.T) {
	data, err := MarshalPipeline(DeclaredPipeline())
	if err != nil {
		t.Fatalf("MarshalPipeline() error = %v", err)
	}

	def, err := ParsePipeline(data)
	if err != nil {
		t.Fatalf("ParsePipeline() error = %v\n%s", err, data)
	}
	if def.Defaults.RetryDelay != 5*time.Minute {
		t.Errorf("RetryDelay = %v, want 5m", def.Defaults.RetryDelay)
	}
	if len(def.Steps) != 5 {
		t.Errorf("len(Steps) = %d, want 5", len(def.Steps))
	}
}

func TestLoadPipelineFile_Missing(t *testing.T) {
	_, err := LoadPipelineFile(filepath.Join(t.TempDir(), "nope.yaml"))
	if !errors.Is(err, ErrPipelineFile) {
		t.Errorf("error = %v, want ErrPipelineFile", err)
	}
}

func TestFromEnv_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv() error = %v", err)
	}

	if cfg.NotifyTransport != TransportLog {
		t.Errorf("NotifyTransport = %q, want log", cfg.NotifyTransport)
	}
	if cfg.Port != DefaultPort {
		t.Errorf("Port = %q, want %q", cfg.Port, DefaultPort)
	}
	if cfg.LockKey != repo.DefaultLockKey {
		t.Errorf("LockKey = %d, want %d", cfg.LockKey, repo.DefaultLockKey)
	}
	if cfg.ShutdownTimeout != DefaultShutdownTimeout {
		t.Errorf("ShutdownTimeout = %v", cfg.ShutdownTimeout)
	}

	spec, err := cfg.Pipeline()
	if err != nil {
		t.Fatalf("Pipeline() error = %v", err)
	}
	if spec.ID != "dbt_collectibles" {
		t.Errorf("spec.ID = %q", spec.ID)
	}
}

func TestFromEnv_Overrides(t *testing.T) {
	clearEnv(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "p.yaml")
	body := "id: custom\nschedule: '*/5 * * * *'\nsteps:\n  - name: a\n    command: echo a\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("PIPELINE_FILE", path)
	t.Setenv("NOTIFY_TRANSPORT", "SMTP")
	t.Setenv("SMTP_ADDR", "mail:25")
	t.Setenv("ADVISORY_LOCK_KEY", "7")
	t.Setenv("SHUTDOWN_TIMEOUT", "30s")
	t.Setenv("SCHED_TIMEZONE", "Europe/Berlin")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv() error = %v", err)
	}
	if cfg.NotifyTransport != TransportSMTP || cfg.SMTP.Addr != "mail:25" {
		t.Errorf("transport = %q addr = %q", cfg.NotifyTransport, cfg.SMTP.Addr)
	}
	if cfg.LockKey != 7 || cfg.ShutdownTimeout != 30*time.Second {
		t.Errorf("LockKey = %d ShutdownTimeout = %v", cfg.LockKey, cfg.ShutdownTimeout)
	}

	spec, err := cfg.Pipeline()
	if err != nil {
		t.Fatalf("Pipeline() error = %v", err)
	}
	if spec.ID != "custom" || spec.Timezone != "Europe/Berlin" {
		t.Errorf("spec = %s/%s", spec.ID, spec.Timezone)
	}
}

func TestFromEnv_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"unknown transport", map[string]string{"NOTIFY_TRANSPORT": "pigeon"}},
		{"smtp without addr", map[string]string{"NOTIFY_TRANSPORT": "smtp"}},
		{"amqp without url", map[string]string{"NOTIFY_TRANSPORT": "amqp"}},
		{"bad lock key", map[string]string{"ADVISORY_LOCK_KEY": "x"}},
		{"bad shutdown timeout", map[string]string{"SHUTDOWN_TIMEOUT": "-1s"}},
		{"bad port", map[string]string{"SCHED_PORT": "99999"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := FromEnv(); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("FromEnv() error = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

type nopPublisher struct{}

func (nopPublisher) PublishAlert(context.Context, any) error { return nil }

func TestConfig_Notifier(t *testing.T) {
	tests := []struct {
		transport NotifyTransport
		publisher notify.AlertPublisher
		want      string
		wantErr   bool
	}{
		{transport: TransportLog, want: "*notify.LogNotifier"},
		{transport: TransportSMTP, want: "*notify.SMTPNotifier"},
		{transport: TransportAMQP, publisher: nopPublisher{}, want: "*notify.QueueNotifier"},
		{transport: TransportAMQP, wantErr: true},
	}

	for _, tt := range tests {
		cfg := &Config{NotifyTransport: tt.transport, SMTP: notify.SMTPConfig{Addr: "mail:25"}}
		n, err := cfg.Notifier(tt.publisher, nil)
		if tt.wantErr {
			if err == nil {
				t.Errorf("%s: expected error", tt.transport)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s: Notifier() error = %v", tt.transport, err)
		}
		if got := reflect.TypeOf(n).String(); got != tt.want {
			t.Errorf("%s: Notifier() = %s, want %s", tt.transport, got, tt.want)
		}
	}
}
