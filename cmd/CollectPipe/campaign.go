package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/BTreeMap/CollectPipe/internal/flow"
	"github.com/BTreeMap/CollectPipe/internal/lockfile"
	"github.com/BTreeMap/CollectPipe/internal/models"
	"github.com/BTreeMap/CollectPipe/internal/store"
)

func (a *app) campaignCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "campaign", Short: "Manage and throw campaigns"}
	cmd.AddCommand(a.campaignCreateCmd())
	cmd.AddCommand(a.campaignListCmd())
	cmd.AddCommand(a.campaignThrowCmd())
	return cmd
}

func (a *app) campaignCreateCmd() *cobra.Command {
	var name, strategyID, datasetID string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an inactive campaign binding a strategy to a dataset",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(a.cfg, func(st store.Store) error {
				c, err := createCampaign(cmd.Context(), st, a.cfg.Owner, name, strategyID, datasetID)
				if err != nil {
					return err
				}
				if a.jsonOutput() {
					return printJSON(cmd.OutOrStdout(), c)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "created campaign %s\n", c.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "campaign name")
	cmd.Flags().StringVar(&strategyID, "strategy", "", "strategy ID")
	cmd.Flags().StringVar(&datasetID, "dataset", "", "dataset ID")
	_ = cmd.MarkFlagRequired("strategy")
	_ = cmd.MarkFlagRequired("dataset")
	return cmd
}

// createCampaign validates the references and saves the campaign.
func createCampaign(ctx context.Context, st store.CatalogStore, owner, name, strategyID, datasetID string) (*models.Campaign, error) {
	strategy, err := st.GetStrategy(ctx, strategyID)
	if err != nil {
		return nil, err
	}
	if strategy == nil {
		return nil, fmt.Errorf("strategy %s: %w", strategyID, models.ErrNotFound)
	}
	ds, err := st.GetDataset(ctx, datasetID)
	if err != nil {
		return nil, err
	}
	if ds == nil {
		return nil, fmt.Errorf("dataset %s: %w", datasetID, models.ErrNotFound)
	}
	if name == "" {
		name = strategy.Name + " / " + ds.Name
	}
	c := &models.Campaign{OwnerID: owner, Name: name, StrategyID: strategy.ID, DatasetID: ds.ID}
	if err := st.SaveCampaign(ctx, c); err != nil {
		return nil, fmt.Errorf("save campaign: %w", err)
	}
	return c, nil
}

func (a *app) campaignListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List campaigns",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(a.cfg, func(st store.Store) error {
				items, err := st.ListCampaigns(cmd.Context(), a.cfg.Owner)
				if err != nil {
					return err
				}
				if a.jsonOutput() {
					return printJSON(cmd.OutOrStdout(), items)
				}
				rows := make([]table.Row, 0, len(items))
				for _, c := range items {
					thrown := ""
					if c.LastThrownAt != nil {
						thrown = c.LastThrownAt.Local().Format(time.DateTime)
					}
					rows = append(rows, table.Row{c.ID, c.Name, c.Status, c.StrategyID, c.DatasetID, thrown})
				}
				renderTable(cmd.OutOrStdout(), table.Row{"ID", "Name", "Status", "Strategy", "Dataset", "Last thrown"}, rows)
				return nil
			})
		},
	}
}

func (a *app) campaignThrowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "throw <campaign-id>",
		Short: "Send the campaign opener to every debtor of its dataset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lock, err := lockfile.AcquireLock(a.cfg.StateDir)
			if err != nil {
				var le *lockfile.LockError
				if errors.As(err, &le) {
					return fmt.Errorf("%w\nuse POST /campaigns/%s/throw on the running server instead", err, args[0])
				}
				return err
			}
			defer lock.Release()

			llm, err := newLLM(a.cfg)
			if err != nil {
				return err
			}
			gw, err := newGateway(cmd.Context(), a.cfg)
			if err != nil {
				return err
			}
			defer gw.Close()

			return withStore(a.cfg, func(st store.Store) error {
				d := flow.NewDispatcher(st, llm, gw.gateway, nil, flow.WithSendConcurrency(a.cfg.SendWorkers))
				report, err := d.Throw(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return a.printReport(cmd, report)
			})
		},
	}
	addProviderFlags(cmd)
	return cmd
}

func (a *app) printReport(cmd *cobra.Command, report *models.DispatchReport) error {
	if a.jsonOutput() {
		return printJSON(cmd.OutOrStdout(), report)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "campaign %s: sent %d, failed %d\n", report.CampaignID, report.Sent, report.Failed)
	if len(report.Errors) == 0 {
		return nil
	}
	rows := make([]table.Row, 0, len(report.Errors))
	for _, e := range report.Errors {
		rows = append(rows, table.Row{e.Phone, e.DebtorID, truncate(e.Error, 80)})
	}
	renderTable(cmd.OutOrStdout(), table.Row{"Phone", "Debtor", "Error"}, rows)
	return nil
}
