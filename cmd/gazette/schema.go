package main

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/gazette/pkg/datasource"
	"github.com/go-go-golems/gazette/pkg/schema"
	"github.com/go-go-golems/gazette/pkg/stages"
)

func newSchemaCmd() *cobra.Command {
	var (
		dsn          string
		driver       string
		dataSourceID string
		stageName    string
		topK         int
	)

	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Inspect the schema context the pipeline feeds to the model",
	}

	cmd.PersistentFlags().StringVar(&dsn, "dsn", "", "Database DSN (required)")
	cmd.PersistentFlags().StringVar(&driver, "driver", "mysql", "Database driver (mysql, sqlite3)")
	cmd.PersistentFlags().StringVar(&dataSourceID, "datasource", "default", "Data source identifier")
	cmd.PersistentFlags().StringVar(&stageName, "stage", stages.SQLGeneration.String(), "Stage whose context format to use")
	_ = cmd.MarkPersistentFlagRequired("dsn")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "Print the formatted context for every table",
		RunE: func(cmd *cobra.Command, args []string) error {
			stage, err := stages.Parse(stageName)
			if err != nil {
				return err
			}
			provider, cleanup, err := openSchemaProvider(driver, dsn, dataSourceID)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx := cmd.Context()
			metas, err := provider.Tables(ctx)
			if err != nil {
				return err
			}
			docs := make([]*schema.TableSchema, 0, len(metas))
			for _, meta := range metas {
				ts, err := provider.Table(ctx, meta.Name)
				if err != nil {
					return errors.Wrapf(err, "describe %s", meta.Name)
				}
				docs = append(docs, ts)
			}
			fmt.Fprintln(cmd.OutOrStdout(), schema.FormatContext(stage.String(), docs, schema.Extras{}))
			return nil
		},
	}

	searchCmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Retrieve the tables most relevant to a query",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stage, err := stages.Parse(stageName)
			if err != nil {
				return err
			}
			provider, cleanup, err := openSchemaProvider(driver, dsn, dataSourceID)
			if err != nil {
				return err
			}
			defer cleanup()

			docs, err := provider.Retrieve(cmd.Context(), args[0], topK)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), schema.FormatContext(stage.String(), docs, schema.Extras{}))
			return nil
		},
	}
	searchCmd.Flags().IntVar(&topK, "top-k", 5, "Number of tables to retrieve")

	cmd.AddCommand(listCmd, searchCmd)

	return cmd
}

func openSchemaProvider(driver, dsn, dataSourceID string) (*schema.Provider, func(), error) {
	runner, err := datasource.Open(driver, dsn)
	if err != nil {
		return nil, nil, err
	}
	provider := schema.NewProvider(dataSourceID,
		schema.NewSQLFetcher(runner, schema.DialectForDriver(driver)))
	return provider, func() { _ = runner.Close() }, nil
}
