// Package main strips a trained ranker state down to the inference weights
// shipped as defaults for new rankers.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/onnwee/neuralrank/internal/middleware"
	"github.com/onnwee/neuralrank/internal/state"
)

func main() {
	in := flag.String("in", "", "trained state file (.json or .cbor)")
	out := flag.String("out", "default_weights.json", "output path; the extension selects the codec")
	help := flag.Bool("help", false, "display help message")
	flag.Parse()

	if *help || *in == "" {
		fmt.Println("rankd default weights exporter")
		fmt.Println()
		fmt.Println("Usage: defaultweights -in state.json [-out default_weights.json]")
		fmt.Println()
		fmt.Println("Options:")
		flag.PrintDefaults()
		if *help {
			os.Exit(0)
		}
		os.Exit(2)
	}

	logger := middleware.NewLogger(os.Getenv("RANKD_ENV"))
	slog.SetDefault(logger)

	st, err := export(*in, *out)
	if err != nil {
		logger.Error("failed to export default weights", "error", err)
		os.Exit(1)
	}
	logger.Info("default weights written",
		"path", *out,
		"architecture", st.Architecture,
		"schema_version", st.SchemaVersion,
	)
}

// export reads the state at in and writes its inference-only form to out.
func export(in, out string) (*state.State, error) {
	st, err := state.ReadFile(in)
	if err != nil {
		return nil, err
	}
	defaults, err := st.InferenceOnly()
	if err != nil {
		return nil, fmt.Errorf("strip %s: %w", in, err)
	}
	data, err := state.CodecForPath(out).Encode(defaults)
	if err != nil {
		return nil, fmt.Errorf("encode defaults: %w", err)
	}
	if dir := filepath.Dir(out); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create output directory: %w", err)
		}
	}
	if err := os.WriteFile(out, data, 0o644); err != nil {
		return nil, fmt.Errorf("write %s: %w", out, err)
	}
	return defaults, nil
}
