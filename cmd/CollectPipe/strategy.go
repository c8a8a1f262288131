package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/BTreeMap/CollectPipe/internal/models"
	"github.com/BTreeMap/CollectPipe/internal/store"
)

// definitionFile is the YAML document read by "strategy import".
//
//	strategies:
//	  - name: recupero
//	    initial_prompt: Escribí un saludo para [name]...
//	    rules_by_state:
//	      VERDE: Enviá el link de pago.
//	campaigns:
//	  - name: mayo
//	    strategy: recupero
//	    dataset_id: dst_...
type definitionFile struct {
	Strategies []strategyDef `yaml:"strategies"`
	Campaigns  []campaignDef `yaml:"campaigns"`
}

type strategyDef struct {
	ID            string            `yaml:"id"`
	Name          string            `yaml:"name"`
	InitialPrompt string            `yaml:"initial_prompt"`
	RulesByState  map[string]string `yaml:"rules_by_state"`
}

type campaignDef struct {
	ID        string `yaml:"id"`
	Name      string `yaml:"name"`
	Strategy  string `yaml:"strategy"`
	DatasetID string `yaml:"dataset_id"`
}

// importResult lists what an import saved.
type importResult struct {
	Strategies []models.Strategy `json:"strategies"`
	Campaigns  []models.Campaign `json:"campaigns"`
}

func parseDefinitions(r io.Reader) (*definitionFile, error) {
	var def definitionFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil && err != io.EOF {
		return nil, fmt.Errorf("parse definitions: %w", err)
	}
	return &def, nil
}

// toStrategy validates a definition and converts its rule keys to states.
func (d strategyDef) toStrategy(owner string) (*models.Strategy, error) {
	if d.Name == "" {
		return nil, &models.ValidationError{Field: "name", Reason: "strategy name is required"}
	}
	if d.InitialPrompt == "" {
		return nil, &models.ValidationError{Field: "initial_prompt", Reason: fmt.Sprintf("strategy %q has no initial prompt", d.Name)}
	}
	rules := make(map[models.State]string, len(d.RulesByState))
	for k, v := range d.RulesByState {
		state, err := models.ParseState(k)
		if err != nil {
			return nil, fmt.Errorf("strategy %q rules: %w", d.Name, err)
		}
		rules[state] = v
	}
	return &models.Strategy{ID: d.ID, OwnerID: owner, Name: d.Name, InitialPrompt: d.InitialPrompt, RulesByState: rules}, nil
}

// importDefinitions saves every strategy, then every campaign. A campaign's
// strategy may be the name of a strategy in the same file or a stored ID.
func importDefinitions(ctx context.Context, st store.CatalogStore, owner string, def *definitionFile) (*importResult, error) {
	res := &importResult{Strategies: []models.Strategy{}, Campaigns: []models.Campaign{}}
	byName := make(map[string]string, len(def.Strategies))
	for _, sd := range def.Strategies {
		s, err := sd.toStrategy(owner)
		if err != nil {
			return res, err
		}
		if err := st.SaveStrategy(ctx, s); err != nil {
			return res, fmt.Errorf("save strategy %q: %w", s.Name, err)
		}
		byName[s.Name] = s.ID
		res.Strategies = append(res.Strategies, *s)
	}
	for _, cd := range def.Campaigns {
		strategyID := cd.Strategy
		if id, ok := byName[cd.Strategy]; ok {
			strategyID = id
		}
		c, err := createCampaign(ctx, st, owner, cd.Name, strategyID, cd.DatasetID)
		if err != nil {
			return res, fmt.Errorf("campaign %q: %w", cd.Name, err)
		}
		res.Campaigns = append(res.Campaigns, *c)
	}
	return res, nil
}

func (a *app) strategyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "strategy", Short: "Manage collection strategies"}
	cmd.AddCommand(a.strategyImportCmd())
	cmd.AddCommand(a.strategyListCmd())
	return cmd
}

func (a *app) strategyImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file.yaml>",
		Short: "Import strategies and campaigns from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			def, err := parseDefinitions(f)
			if err != nil {
				return err
			}
			return withStore(a.cfg, func(st store.Store) error {
				res, err := importDefinitions(cmd.Context(), st, a.cfg.Owner, def)
				if err != nil {
					return err
				}
				if a.jsonOutput() {
					return printJSON(cmd.OutOrStdout(), res)
				}
				for _, s := range res.Strategies {
					fmt.Fprintf(cmd.OutOrStdout(), "strategy %s  %s\n", s.ID, s.Name)
				}
				for _, c := range res.Campaigns {
					fmt.Fprintf(cmd.OutOrStdout(), "campaign %s  %s\n", c.ID, c.Name)
				}
				return nil
			})
		},
	}
}

func (a *app) strategyListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List strategies",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(a.cfg, func(st store.Store) error {
				items, err := st.ListStrategies(cmd.Context(), a.cfg.Owner)
				if err != nil {
					return err
				}
				if a.jsonOutput() {
					return printJSON(cmd.OutOrStdout(), items)
				}
				rows := make([]table.Row, 0, len(items))
				for _, s := range items {
					rows = append(rows, table.Row{s.ID, s.Name, len(s.RulesByState), truncate(s.InitialPrompt, 60)})
				}
				renderTable(cmd.OutOrStdout(), table.Row{"ID", "Name", "Rules", "Initial prompt"}, rows)
				return nil
			})
		},
	}
}
