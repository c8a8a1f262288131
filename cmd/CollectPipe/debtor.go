package main

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/BTreeMap/CollectPipe/internal/messaging"
	"github.com/BTreeMap/CollectPipe/internal/models"
	"github.com/BTreeMap/CollectPipe/internal/store"
)

func (a *app) debtorCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "debtor", Short: "Inspect debtors"}
	cmd.AddCommand(a.debtorHistoryCmd())
	return cmd
}

func (a *app) debtorHistoryCmd() *cobra.Command {
	var phone string
	cmd := &cobra.Command{
		Use:   "history [debtor-id]",
		Short: "Show a debtor's state and conversation history",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && phone == "" {
				return fmt.Errorf("pass a debtor ID or --phone")
			}
			return withStore(a.cfg, func(st store.Store) error {
				ctx := cmd.Context()
				var debtor *models.Debtor
				var err error
				if len(args) == 1 {
					debtor, err = st.GetDebtorByID(ctx, args[0])
				} else {
					var normalized string
					normalized, err = messaging.NormalizePhone(phone)
					if err != nil {
						return err
					}
					debtor, err = st.GetDebtor(ctx, a.cfg.Owner, normalized)
				}
				if err != nil {
					return err
				}
				if debtor == nil {
					return models.ErrNotFound
				}
				history, err := st.ReadHistory(ctx, debtor.ID)
				if err != nil {
					return err
				}
				if a.jsonOutput() {
					return printJSON(cmd.OutOrStdout(), map[string]any{"debtor": debtor, "history": history})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "debtor %s  phone %s  state %s\n", debtor.ID, debtor.Phone, debtor.State)
				rows := make([]table.Row, 0, len(history))
				for _, m := range history {
					rows = append(rows, table.Row{m.Seq, m.Role, truncate(m.Content, 100)})
				}
				renderTable(cmd.OutOrStdout(), table.Row{"#", "Role", "Content"}, rows)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&phone, "phone", "", "debtor phone number, resolved for --owner")
	return cmd
}
