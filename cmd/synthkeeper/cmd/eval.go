package cmd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sosodev/duration"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/solatis/synthkeeper/internal/core/api"
	"github.com/solatis/synthkeeper/internal/core/config"
	"github.com/solatis/synthkeeper/internal/engine"
	"github.com/solatis/synthkeeper/internal/types"
)

var evalCmd = &cobra.Command{
	Use:   "eval [sensor...]",
	Short: "Evaluate sensors once against a states file",
	Long: `Evaluate loads a sensor definition file and a states file, evaluates the
named sensors (all sensors in dependency order when none are named) and
prints the results as YAML.`,
	RunE: runEval,
}

func init() {
	rootCmd.AddCommand(evalCmd)
	evalCmd.Flags().String("sensors", "", "sensor definition YAML file (required)")
	evalCmd.Flags().String("states", "", "YAML file with entity states")
	evalCmd.Flags().StringArray("set", nil, "override an entity state, entity_id=value (repeatable)")
	_ = evalCmd.MarkFlagRequired("sensors")
}

func runEval(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	logger, err := stderrLogger()
	if err != nil {
		return err
	}

	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	states := api.NewStateTable()
	if path, _ := cmd.Flags().GetString("states"); path != "" {
		if states, err = api.LoadStates(path); err != nil {
			return fmt.Errorf("failed to load states: %w", err)
		}
	}
	sets, _ := cmd.Flags().GetStringArray("set")
	for _, kv := range sets {
		id, value, err := parseSet(kv)
		if err != nil {
			return err
		}
		states.Set(id, value, nil)
	}

	sensorsPath, _ := cmd.Flags().GetString("sensors")
	sensors, err := config.LoadSensors(sensorsPath)
	if err != nil {
		return fmt.Errorf("failed to load sensors: %w", err)
	}

	service, err := api.NewFormulaService(states, nil, logger, cfg.EngineOptions(logger)...)
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}
	if err := service.Load(ctx, sensors); err != nil {
		return fmt.Errorf("failed to load sensors: %w", err)
	}
	eng := service.Engine()

	var results []engine.SensorResult
	if len(args) == 0 {
		cycle := eng.EvaluateAll(ctx)
		for _, key := range cycle.Plan.Order {
			if r, ok := cycle.Sensor(key); ok {
				results = append(results, r)
			}
		}
	} else {
		for _, key := range args {
			r, err := eng.EvaluateSensor(ctx, key, nil)
			if err != nil {
				return err
			}
			results = append(results, r)
		}
	}

	out := make([]map[string]any, 0, len(results))
	failed := 0
	for _, r := range results {
		entry := map[string]any{"sensor": r.Key}
		for k, v := range printable(r.Main) {
			entry[k] = v
		}
		if !r.Main.Success {
			failed++
		}
		if len(r.Attributes) > 0 {
			attrs := make(map[string]any, len(r.Attributes))
			for name, a := range r.Attributes {
				attrs[name] = printable(a)
			}
			entry["attributes"] = attrs
		}
		out = append(out, entry)
	}

	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	if err := enc.Encode(out); err != nil {
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d sensors failed", failed, len(results))
	}
	return nil
}

// parseSet splits entity_id=value. The value is read as a YAML scalar so
// numbers and booleans keep their type.
func parseSet(kv string) (string, any, error) {
	id, raw, ok := strings.Cut(kv, "=")
	id = strings.TrimSpace(id)
	if !ok || id == "" {
		return "", nil, fmt.Errorf("invalid --set %q (want entity_id=value)", kv)
	}
	var value any
	if err := yaml.Unmarshal([]byte(raw), &value); err != nil {
		return "", nil, fmt.Errorf("invalid --set value for %s: %w", id, err)
	}
	return id, value, nil
}

func printable(r engine.Result) map[string]any {
	m := map[string]any{"success": r.Success}
	if r.Success {
		m["value"] = printValue(r.Value)
		m["family"] = r.Family.String()
		if r.State != types.StateOK {
			m["state"] = r.State.String()
		}
		return m
	}
	m["error_kind"] = r.Kind.String()
	if r.Err != nil {
		m["error"] = r.Err.Error()
	}
	return m
}

func printValue(v any) any {
	switch x := v.(type) {
	case time.Time:
		return x.Format(time.RFC3339)
	case time.Duration:
		return duration.Format(x)
	default:
		return v
	}
}
