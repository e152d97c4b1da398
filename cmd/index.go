package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"docqa/internal/chromemdb"
	"docqa/internal/config"
	"docqa/internal/models"
)

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Manage vector indexes",
}

var indexCountCmd = &cobra.Command{
	Use:   "count [name]",
	Short: "Show the schema and record count of an index",
	Args:  cobra.ExactArgs(1),
	RunE:  runIndexCount,
}

var indexDeleteCmd = &cobra.Command{
	Use:   "delete [name]",
	Short: "Delete an index and all its records",
	Args:  cobra.ExactArgs(1),
	RunE:  runIndexDelete,
}

var indexExportCmd = &cobra.Command{
	Use:   "export [name] [file]",
	Short: "Export a chromem index to a file",
	Long: `Writes the index and its schema to a file. The file is gzip compressed when
vector_index.compress is set and AES-GCM encrypted when vector_index.encryption_key
is set.`,
	Args: cobra.ExactArgs(2),
	RunE: runIndexExport,
}

var indexImportCmd = &cobra.Command{
	Use:   "import [name] [file]",
	Short: "Import a chromem index from a file",
	Args:  cobra.ExactArgs(2),
	RunE:  runIndexImport,
}

func init() {
	indexCmd.AddCommand(indexCountCmd, indexDeleteCmd, indexExportCmd, indexImportCmd)
	rootCmd.AddCommand(indexCmd)
}

func openIndex(ctx context.Context) (*app, error) {
	return newApp(ctx, cfg, false)
}

func runIndexCount(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openIndex(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	schema, err := a.index.Schema(ctx, args[0])
	if err != nil {
		return err
	}
	n, err := a.index.Count(ctx, args[0])
	if err != nil {
		return err
	}
	cmd.Printf("%s: %d records (dimension %d, %s)\n", schema.Name, n, schema.Dimension, schema.Metric)
	return nil
}

func runIndexDelete(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openIndex(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.index.DeleteIndex(ctx, args[0]); err != nil {
		return err
	}
	cmd.Printf("Deleted index %s\n", args[0])
	return nil
}

func chromemIndex(a *app) (*chromemdb.VectorDBManager, error) {
	m, ok := a.index.(*chromemdb.VectorDBManager)
	if !ok {
		return nil, fmt.Errorf("%w: export and import need the %s backend, configured backend is %s",
			models.ErrConfig, config.BackendChromem, a.cfg.VectorIndex.Backend)
	}
	return m, nil
}

func runIndexExport(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openIndex(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	m, err := chromemIndex(a)
	if err != nil {
		return err
	}
	if err := m.Export(ctx, args[0], args[1]); err != nil {
		return err
	}
	cmd.Printf("Exported index %s to %s\n", args[0], args[1])
	return nil
}

func runIndexImport(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openIndex(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	m, err := chromemIndex(a)
	if err != nil {
		return err
	}
	if err := m.Import(ctx, args[0], args[1]); err != nil {
		return err
	}
	cmd.Printf("Imported index %s from %s\n", args[0], args[1])
	return nil
}
