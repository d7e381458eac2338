package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/zjrosen/cadre/internal/config"
	"github.com/zjrosen/cadre/internal/plan"
)

var plansClassification string

var plansCmd = &cobra.Command{
	Use:   "plans",
	Short: "List available plan templates",
	Long: `List plan templates as JSON: the built-ins bundled with the daemon plus
any *.md overrides from the user plan directory. A user template with the
same id as a built-in shadows it.

Examples:
  # List every template
  cadre plans

  # Filter by classification
  cadre plans --classification security_scan

  # Parse specific fields with jq
  cadre plans | jq '.[].id'`,
	RunE: runPlans,
}

func init() {
	rootCmd.AddCommand(plansCmd)

	plansCmd.Flags().StringVar(&plansClassification, "classification", "",
		"Filter by classification (simple, security_scan, network_discovery, research, composite)")
}

// planInfo is the JSON listing shape for one template.
type planInfo struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Description    string `json:"description,omitempty"`
	Classification string `json:"classification"`
	Steps          int    `json:"steps"`
	Source         string `json:"source"`
	FilePath       string `json:"file_path,omitempty"`
}

func runPlans(_ *cobra.Command, _ []string) error {
	reg, err := plan.NewRegistry(config.ExpandHome(cfg.Plans.UserDir))
	if err != nil {
		return fmt.Errorf("loading plan templates: %w", err)
	}

	infos := make([]planInfo, 0)
	for _, tpl := range reg.List() {
		if plansClassification != "" && string(tpl.Classification) != plansClassification {
			continue
		}
		infos = append(infos, planInfo{
			ID:             tpl.ID,
			Name:           tpl.Name,
			Description:    tpl.Description,
			Classification: string(tpl.Classification),
			Steps:          len(tpl.Steps),
			Source:         tpl.Source.String(),
			FilePath:       tpl.FilePath,
		})
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(infos)
}
