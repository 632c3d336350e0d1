package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"

	"github.com/letuhao/chaos-backend-service-sub003/pkg/config"
	"github.com/letuhao/chaos-backend-service-sub003/pkg/contracts"
	"github.com/letuhao/chaos-backend-service-sub003/pkg/readiness"
)

// stdin is replaced in tests.
var stdin io.Reader = os.Stdin

// loadConfig reads the environment and applies the --rules flag.
func loadConfig(rules string, stderr io.Writer) (*config.Config, bool) {
	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return nil, false
	}
	if rules != "" {
		cfg.RulesFile = rules
	}
	return cfg, true
}

func readInput(path string) ([]byte, error) {
	if path == "" || path == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(path)
}

func writeResult(w io.Writer, v any, pretty bool) error {
	enc := json.NewEncoder(w)
	if pretty {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(v)
}

// exitCode maps a resolution error to an exit code: 2 for bad input, 1
// otherwise.
func exitCode(err error) int {
	switch contracts.KindOf(err) {
	case contracts.KindValidation, contracts.KindConfiguration:
		return 2
	default:
		return 1
	}
}

func runResolveCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("resolve", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		actorPath string
		rulesPath string
		pretty    bool
	)
	cmd.StringVar(&actorPath, "actor", "-", "Path to the actor JSON, - for stdin")
	cmd.StringVar(&rulesPath, "rules", "", "Rules document (overrides ACTORCORE_RULES_FILE)")
	cmd.BoolVar(&pretty, "pretty", false, "Indent the snapshot")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	data, err := readInput(actorPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error reading actor: %v\n", err)
		return 2
	}
	var actor contracts.Actor
	if err := json.Unmarshal(data, &actor); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error decoding actor: %v\n", err)
		return 2
	}

	cfg, ok := loadConfig(rulesPath, stderr)
	if !ok {
		return 2
	}
	ctx := context.Background()
	a, err := newApp(ctx, cfg, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitCode(err)
	}
	defer func() { _ = a.Close(ctx) }()

	snap, err := a.agg.Resolve(ctx, &actor)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitCode(err)
	}
	if err := writeResult(stdout, snap, pretty); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// decodeActors accepts a JSON array of actors or {"actors": [...]}.
func decodeActors(data []byte) ([]*contracts.Actor, error) {
	trimmed := bytes.TrimSpace(data)
	var actors []*contracts.Actor
	if len(trimmed) > 0 && trimmed[0] == '[' {
		err := json.Unmarshal(trimmed, &actors)
		return actors, err
	}
	var wrapped struct {
		Actors []*contracts.Actor `json:"actors"`
	}
	if err := json.Unmarshal(trimmed, &wrapped); err != nil {
		return nil, err
	}
	return wrapped.Actors, nil
}

func runBatchCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("batch", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		actorsPath string
		rulesPath  string
		pretty     bool
	)
	cmd.StringVar(&actorsPath, "actors", "-", "Path to the actors JSON, - for stdin")
	cmd.StringVar(&rulesPath, "rules", "", "Rules document (overrides ACTORCORE_RULES_FILE)")
	cmd.BoolVar(&pretty, "pretty", false, "Indent the snapshots")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	data, err := readInput(actorsPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error reading actors: %v\n", err)
		return 2
	}
	actors, err := decodeActors(data)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error decoding actors: %v\n", err)
		return 2
	}

	cfg, ok := loadConfig(rulesPath, stderr)
	if !ok {
		return 2
	}
	ctx := context.Background()
	a, err := newApp(ctx, cfg, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitCode(err)
	}
	defer func() { _ = a.Close(ctx) }()

	snaps, err := a.agg.ResolveBatch(ctx, actors)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitCode(err)
	}
	if err := writeResult(stdout, map[string]any{"snapshots": snaps}, pretty); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func runValidateCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("validate", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var rulesPath string
	cmd.StringVar(&rulesPath, "rules", "", "Rules document to validate (REQUIRED)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if rulesPath == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --rules is required")
		cmd.Usage()
		return 2
	}

	doc, err := config.LoadDocument(rulesPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Invalid: %v\n", err)
		return 1
	}
	cfg := &config.Config{LogLevel: "ERROR"}
	c, err := buildCore(doc, cfg.Logger(stderr))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Invalid: %v\n", err)
		return 1
	}
	if err := c.registry.ValidateAll(); err != nil {
		_, _ = fmt.Fprintf(stderr, "Invalid: %v\n", err)
		return 1
	}

	layers := c.provider.Layers()
	_, _ = fmt.Fprintf(stdout, "OK %s (format %s)\n", rulesPath, doc.FormatVersion)
	_, _ = fmt.Fprintf(stdout, "  layers:      %s (%s)\n", strings.Join(layers.Order(), ", "), layers.Policy())
	_, _ = fmt.Fprintf(stdout, "  merge rules: %d\n", c.rules.Len())
	_, _ = fmt.Fprintf(stdout, "  subsystems:  %d\n", c.registry.Count())
	return 0
}

type checkResult struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

func runDoctorCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("doctor", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		rulesPath  string
		jsonOutput bool
	)
	cmd.StringVar(&rulesPath, "rules", "", "Rules document (overrides ACTORCORE_RULES_FILE)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output results as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	results := []checkResult{{
		Name:   "go_runtime",
		Status: "ok",
		Detail: fmt.Sprintf("%s %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH),
	}}
	allOK := true

	cfg, err := config.Load()
	if err != nil {
		results = append(results, checkResult{Name: "config", Status: "fail", Detail: err.Error()})
		allOK = false
	} else {
		if rulesPath != "" {
			cfg.RulesFile = rulesPath
		}
		results = append(results, checkResult{Name: "config", Status: "ok"})
		if cfg.RulesFile == "" {
			results = append(results, checkResult{Name: "rules", Status: "warn", Detail: "no rules document; default merge rules only"})
		}

		ctx := context.Background()
		a, err := newApp(ctx, cfg, io.Discard)
		if err != nil {
			results = append(results, checkResult{Name: "wiring", Status: "fail", Detail: err.Error()})
			allOK = false
		} else {
			defer func() { _ = a.Close(ctx) }()
			results = append(results, checkResult{Name: "cache_layers", Status: "ok", Detail: strings.Join(a.layers, " -> ")})
			for _, r := range readiness.Run(ctx, readiness.Deps{
				Registry: a.agg.Registry(),
				Rules:    a.agg.MergeRules(),
				Caps:     a.agg.CapsProvider(),
				Cache:    a.agg.Cache(),
			}) {
				res := checkResult{Name: r.Name, Status: "ok"}
				if !r.OK {
					res.Status, res.Detail = "fail", r.Err
					allOK = false
				}
				results = append(results, res)
			}
		}
	}

	if jsonOutput {
		_ = writeResult(stdout, map[string]any{"ok": allOK, "checks": results}, true)
	} else {
		for _, r := range results {
			line := fmt.Sprintf("[%-4s] %s", r.Status, r.Name)
			if r.Detail != "" {
				line += ": " + r.Detail
			}
			_, _ = fmt.Fprintln(stdout, line)
		}
	}
	if !allOK {
		return 1
	}
	return 0
}
