package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/solatis/synthkeeper/internal/formula"
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze <formula>",
	Short: "Show the dependencies and routing of a formula",
	Args:  cobra.ExactArgs(1),
	RunE:  runAnalyze,
}

func init() {
	rootCmd.AddCommand(analyzeCmd)
	analyzeCmd.Flags().StringSlice("domains", nil, "additional entity id domains")
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	domains, _ := cmd.Flags().GetStringSlice("domains")
	analysis := formula.NewAnalysisService(domains...)
	a := analysis.Analyze(args[0])
	route := formula.NewRouter(analysis).Route(args[0])

	if !a.Valid {
		if _, err := formula.Parse(route.Inner); err != nil {
			return fmt.Errorf("invalid formula: %w", err)
		}
	}

	metadata := make([]string, 0, len(a.MetadataRefs))
	for _, m := range a.MetadataRefs {
		metadata = append(metadata, m.Ref+"."+m.Key)
	}

	out := map[string]any{
		"valid":               a.Valid,
		"variables":           a.Variables.Sorted(),
		"entity_refs":         a.EntityRefs.Sorted(),
		"metadata_refs":       metadata,
		"aggregates":          a.Aggregates.Sorted(),
		"collection_patterns": a.CollectionPatterns.Sorted(),
		"dependencies":        a.Dependencies.Sorted(),
		"uses_state":          a.HasStateToken,
		"route": map[string]any{
			"family":  route.Family.String(),
			"inner":   route.Inner,
			"wrapped": route.Wrapped,
			"cached":  route.ShouldCache,
		},
	}

	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(out)
}
