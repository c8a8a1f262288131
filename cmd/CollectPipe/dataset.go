package main

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/BTreeMap/CollectPipe/internal/flow"
	"github.com/BTreeMap/CollectPipe/internal/messaging"
	"github.com/BTreeMap/CollectPipe/internal/models"
	"github.com/BTreeMap/CollectPipe/internal/store"
)

// textColumns keep their raw text even when they look numeric.
var textColumns = map[string]bool{"dni": true, "email": true, "document": true}

// csvDebtor is one parsed dataset row.
type csvDebtor struct {
	Line  int
	Phone string
	State models.State
	Attrs map[string]any
}

// csvRowError reports a skipped dataset row.
type csvRowError struct {
	Line   int    `json:"line"`
	Reason string `json:"reason"`
}

// datasetImport summarizes a dataset import.
type datasetImport struct {
	Dataset  models.Dataset `json:"dataset"`
	Imported int            `json:"imported"`
	Skipped  []csvRowError  `json:"skipped"`
}

// parseDebtorCSV reads a header row with a phone column and one debtor per
// line. Other columns become attributes; numeric cells are stored as numbers.
// An optional state column sets the initial state.
func parseDebtorCSV(r io.Reader) ([]csvDebtor, []csvRowError, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1
	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil, errors.New("dataset file is empty")
		}
		return nil, nil, fmt.Errorf("read header: %w", err)
	}
	keys := make([]string, len(header))
	phoneCol := -1
	for i, h := range header {
		keys[i] = flow.PlaceholderKey(strings.TrimPrefix(h, "\ufeff"))
		if keys[i] == "phone" || keys[i] == "telefono" {
			phoneCol = i
		}
	}
	if phoneCol < 0 {
		return nil, nil, &models.ValidationError{Field: "header", Reason: "dataset needs a phone column"}
	}

	var rows []csvDebtor
	var skipped []csvRowError
	line := 1
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, nil, fmt.Errorf("line %d: %w", line, err)
		}
		row := csvDebtor{Line: line, Attrs: make(map[string]any)}
		reason := ""
		for i, cell := range rec {
			if i >= len(keys) || keys[i] == "" {
				continue
			}
			cell = strings.TrimSpace(cell)
			switch {
			case i == phoneCol:
				row.Phone = cell
			case cell == "":
			case keys[i] == "state":
				state, perr := models.ParseState(cell)
				if perr != nil {
					reason = perr.Error()
				}
				row.State = state
			default:
				row.Attrs[keys[i]] = cellValue(keys[i], cell)
			}
		}
		if reason == "" && row.Phone == "" {
			reason = "missing phone"
		}
		if reason == "" {
			phone, perr := messaging.NormalizePhone(row.Phone)
			if perr != nil {
				reason = perr.Error()
			}
			row.Phone = phone
		}
		if reason != "" {
			skipped = append(skipped, csvRowError{Line: line, Reason: reason})
			continue
		}
		rows = append(rows, row)
	}
	return rows, skipped, nil
}

func cellValue(key, cell string) any {
	if textColumns[key] {
		return cell
	}
	if f, err := strconv.ParseFloat(cell, 64); err == nil {
		return f
	}
	return cell
}

// importDataset creates the dataset and imports every parsed row into it.
func importDataset(ctx context.Context, st store.Store, owner, name string, rows []csvDebtor) (*models.Dataset, int, error) {
	ds := &models.Dataset{OwnerID: owner, Name: name}
	if err := st.SaveDataset(ctx, ds); err != nil {
		return nil, 0, fmt.Errorf("save dataset: %w", err)
	}
	imported := 0
	for _, row := range rows {
		d, err := st.ImportDebtor(ctx, owner, ds.ID, row.Phone, row.Attrs)
		if err != nil {
			return ds, imported, fmt.Errorf("line %d: import debtor: %w", row.Line, err)
		}
		if row.State != "" {
			if err := st.SetState(ctx, d.ID, row.State); err != nil {
				return ds, imported, fmt.Errorf("line %d: set state: %w", row.Line, err)
			}
		}
		imported++
	}
	return ds, imported, nil
}

func (a *app) datasetCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "dataset", Short: "Manage debtor datasets"}
	cmd.AddCommand(a.datasetImportCmd())
	cmd.AddCommand(a.datasetDebtorsCmd())
	return cmd
}

func (a *app) datasetImportCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "import <file.csv>",
		Short: "Import debtors from a CSV file into a new dataset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			rows, skipped, err := parseDebtorCSV(f)
			if err != nil {
				return err
			}
			if name == "" {
				name = strings.TrimSuffix(filepath.Base(args[0]), filepath.Ext(args[0]))
			}
			return withStore(a.cfg, func(st store.Store) error {
				ds, n, err := importDataset(cmd.Context(), st, a.cfg.Owner, name, rows)
				if err != nil {
					return err
				}
				res := datasetImport{Dataset: *ds, Imported: n, Skipped: skipped}
				if res.Skipped == nil {
					res.Skipped = []csvRowError{}
				}
				if a.jsonOutput() {
					return printJSON(cmd.OutOrStdout(), res)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "dataset %s: imported %d, skipped %d\n", ds.ID, n, len(skipped))
				for _, s := range skipped {
					fmt.Fprintf(cmd.OutOrStdout(), "  line %d: %s\n", s.Line, s.Reason)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "dataset name (defaults to the file name)")
	return cmd
}

func (a *app) datasetDebtorsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "debtors <dataset-id>",
		Short: "List the debtors of a dataset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(a.cfg, func(st store.Store) error {
				debtors, err := st.ListDatasetDebtors(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if a.jsonOutput() {
					return printJSON(cmd.OutOrStdout(), debtors)
				}
				rows := make([]table.Row, 0, len(debtors))
				for _, d := range debtors {
					rows = append(rows, table.Row{d.ID, d.Phone, d.State, len(d.Attributes)})
				}
				renderTable(cmd.OutOrStdout(), table.Row{"ID", "Phone", "State", "Attributes"}, rows)
				return nil
			})
		},
	}
}
