package main

import (
	"flag"
	"fmt"
	"io"
	"strings"
)

// ExitError is an error that carries the process exit code.
type ExitError struct {
	Code    int
	Message string
}

func (e *ExitError) Error() string {
	return e.Message
}

// options are the parsed command-line settings.
type options struct {
	ConfigPath string
	LogLevel   string
	LogFormat  string
	Checkpoint string // Final checkpoint path, format from the extension
	Resume     string // Checkpoint to restore before training
	Epochs     int    // Overrides the config file when positive
	Progress   bool
}

// parseArgs returns the options, whether the program should exit cleanly,
// or an ExitError.
func parseArgs(args []string, output io.Writer) (*options, bool, error) {
	flagSet := flag.NewFlagSet("mesograd", flag.ContinueOnError)
	flagSet.SetOutput(output)

	flagSet.Usage = func() {
		fmt.Fprint(output, `
mesograd - train a small multi-layer perceptron with scalar autodiff.

Usage:
  mesograd [options] [CONFIG]

Arguments:
  CONFIG
    Path to an .hcl training file.

Options:
`)
		flagSet.PrintDefaults()
	}

	configFlag := flagSet.String("config", "", "Path to the training file.")
	logFormatFlag := flagSet.String("log-format", "text", "Log output format. Options: 'text' or 'json'.")
	logLevelFlag := flagSet.String("log-level", "info", "Set the logging level. Options: 'debug', 'info', 'warn', 'error'.")
	checkpointFlag := flagSet.String("checkpoint", "", "Write the trained model to this path (.json or .pb).")
	resumeFlag := flagSet.String("resume", "", "Restore weights and optimizer state from this checkpoint first.")
	epochsFlag := flagSet.Int("epochs", 0, "Override the number of epochs in the training file.")
	progressFlag := flagSet.Bool("progress", false, "Show a progress bar per epoch.")

	if err := flagSet.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return nil, true, nil
		}
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}

	path := *configFlag
	if path == "" && flagSet.NArg() > 0 {
		path = flagSet.Arg(0)
	}
	if path == "" {
		flagSet.Usage()
		return nil, true, nil
	}

	logFormat := strings.ToLower(*logFormatFlag)
	if logFormat != "text" && logFormat != "json" {
		return nil, false, &ExitError{Code: 2, Message: "invalid log-format: must be 'text' or 'json'"}
	}

	logLevel := strings.ToLower(*logLevelFlag)
	switch logLevel {
	case "debug", "info", "warn", "error":
		// valid
	default:
		return nil, false, &ExitError{Code: 2, Message: "invalid log-level: must be 'debug', 'info', 'warn', or 'error'"}
	}

	if *epochsFlag < 0 {
		return nil, false, &ExitError{Code: 2, Message: "invalid epochs: must not be negative"}
	}

	return &options{
		ConfigPath: path,
		LogLevel:   logLevel,
		LogFormat:  logFormat,
		Checkpoint: *checkpointFlag,
		Resume:     *resumeFlag,
		Epochs:     *epochsFlag,
		Progress:   *progressFlag,
	}, false, nil
}
