package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/mesograd/mesograd/checkpoints"
)

const moonsConfig = `
seed = 3

model {
  inputs = 2
  layer "hidden" {
    outputs = 4
  }
  layer "out" {
    outputs = 1
  }
}

data {
  samples          = 20
  validation_split = 0.25
}

optimizer {
  type          = optimizer.sgd
  learning_rate = 0.1
}

training {
  epochs = 3
  loss   = loss.hinge
}
`

func writeConfig(t *testing.T, src string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "train.hcl")
	if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestParseArgs(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		exit     bool
		code     int
		expected *options
	}{
		{"no config prints usage", nil, true, 0, nil},
		{"help", []string{"-h"}, true, 0, nil},
		{"positional config", []string{"train.hcl"}, false, 0,
			&options{ConfigPath: "train.hcl", LogLevel: "info", LogFormat: "text"}},
		{"flags", []string{"-config", "a.hcl", "-log-level", "DEBUG", "-log-format", "json", "-epochs", "5", "-progress", "-checkpoint", "out.pb"}, false, 0,
			&options{ConfigPath: "a.hcl", LogLevel: "debug", LogFormat: "json", Epochs: 5, Progress: true, Checkpoint: "out.pb"}},
		{"bad log level", []string{"-log-level", "trace", "a.hcl"}, false, 2, nil},
		{"bad log format", []string{"-log-format", "xml", "a.hcl"}, false, 2, nil},
		{"negative epochs", []string{"-epochs", "-1", "a.hcl"}, false, 2, nil},
		{"unknown flag", []string{"-nope"}, false, 2, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			opts, exit, err := parseArgs(tt.args, &out)
			if tt.code != 0 {
				var exitErr *ExitError
				if !errors.As(err, &exitErr) || exitErr.Code != tt.code {
					t.Fatalf("Expected exit code %d, got %v", tt.code, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if exit != tt.exit {
				t.Errorf("Expected exit=%t, got %t", tt.exit, exit)
			}
			if tt.expected != nil && *opts != *tt.expected {
				t.Errorf("Expected %+v, got %+v", *tt.expected, *opts)
			}
		})
	}
}

func TestRunTrainsAndWritesCheckpoint(t *testing.T) {
	configPath := writeConfig(t, moonsConfig)
	checkpointPath := filepath.Join(t.TempDir(), "out", "model.pb")

	var out bytes.Buffer
	err := run(context.Background(), &out, []string{"-config", configPath, "-checkpoint", checkpointPath, "-progress"})
	if err != nil {
		t.Fatalf("run failed: %v\n%s", err, out.String())
	}

	logs := out.String()
	for _, part := range []string{
		"(hidden): Linear(in_features=2, out_features=4, bias=true) -> ReLU()",
		"Total parameters: 17",
		"Data loaded.",
		"train=15",
		"Epoch 3/3",
		"Training finished.",
		"Final training metrics.",
		"accuracy=",
		"Checkpoint written.",
	} {
		if !strings.Contains(logs, part) {
			t.Errorf("Output should contain %q:\n%s", part, logs)
		}
	}

	c, err := checkpoints.NewCheckpointSaver(checkpoints.FormatProto).LoadCheckpoint(checkpointPath)
	if err != nil {
		t.Fatalf("Loading the written checkpoint failed: %v", err)
	}
	if c.TrainingState.Epoch != 3 || c.Metadata.Description != "Final model" {
		t.Errorf("Unexpected checkpoint state %+v / %+v", c.TrainingState, c.Metadata)
	}
	if len(c.Metadata.Tags) == 0 || !strings.HasPrefix(c.Metadata.Tags[0], "arch:") {
		t.Errorf("Expected host tags, got %v", c.Metadata.Tags)
	}

	// a second run resumes where the first stopped
	out.Reset()
	if err := run(context.Background(), &out, []string{"-resume", checkpointPath, "-epochs", "1", configPath}); err != nil {
		t.Fatalf("resumed run failed: %v\n%s", err, out.String())
	}
	if !strings.Contains(out.String(), "Resumed from checkpoint.") || !strings.Contains(out.String(), "epoch=3") {
		t.Errorf("Expected a resumed run continuing at epoch 3:\n%s", out.String())
	}
}

func TestRunCSVRegression(t *testing.T) {
	dir := t.TempDir()
	var csv strings.Builder
	csv.WriteString("x,y\n")
	for i := -5; i <= 5; i++ {
		x := float64(i) / 5
		csv.WriteString(formatRow(x, 3*x-1))
		csv.WriteString("\n")
	}
	if err := os.WriteFile(filepath.Join(dir, "line.csv"), []byte(csv.String()), 0o644); err != nil {
		t.Fatal(err)
	}
	configPath := filepath.Join(dir, "train.hcl")
	src := `
model {
  inputs = 1
  layer "out" {
    outputs = 1
  }
}

data {
  source = "csv"
  path   = "line.csv"
  header = true
}

optimizer {
  learning_rate = 0.1
}

scheduler {
  type      = scheduler.step
  step_size = 50
  gamma     = 0.5
}

training {
  epochs = 100
  l2     = 0
}
`
	if err := os.WriteFile(configPath, []byte(src), 0o644); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	if err := run(context.Background(), &out, []string{"-log-format", "json", configPath}); err != nil {
		t.Fatalf("run failed: %v\n%s", err, out.String())
	}
	if !strings.Contains(out.String(), `"msg":"Final training metrics."`) || !strings.Contains(out.String(), `"r2":`) {
		t.Errorf("Expected JSON regression metrics:\n%s", out.String())
	}
}

func TestRunErrors(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), &out, []string{filepath.Join(t.TempDir(), "missing.hcl")}); err == nil {
		t.Error("Expected error for a missing config")
	}

	configPath := writeConfig(t, moonsConfig)
	err := run(context.Background(), &out, []string{"-checkpoint", "model.txt", configPath})
	var exitErr *ExitError
	if !errors.As(err, &exitErr) || exitErr.Code != 2 {
		t.Errorf("Expected exit code 2 for an unknown checkpoint extension, got %v", err)
	}
}

func TestRunCancelled(t *testing.T) {
	configPath := writeConfig(t, moonsConfig)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var out bytes.Buffer
	if err := run(ctx, &out, []string{configPath}); err != nil {
		t.Fatalf("Cancelled run should still finish cleanly: %v", err)
	}
	if !strings.Contains(out.String(), "Training interrupted") {
		t.Errorf("Expected an interruption warning:\n%s", out.String())
	}
}

func formatRow(x, y float64) string {
	return strconv.FormatFloat(x, 'g', -1, 64) + "," + strconv.FormatFloat(y, 'g', -1, 64)
}
