package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/pagedb/pagedb/internal/engine"
)

// version is stamped by the build.
var version = "dev"

var (
	flagSchema   string
	flagPageSize int
	flagFormat   string
	flagDebug    bool
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pagedb [database]",
		Short: "page-partitioned row store with a write-ahead log",
		Long: "pagedb keeps schemaed rows in fixed-size pages that partition the id\n" +
			"space, with a write-ahead log absorbing mutations between syncs.\n" +
			"Without a subcommand it opens an interactive REPL on the database.",
		Args: cobra.MaximumNArgs(1),
		PersistentPreRun: func(*cobra.Command, []string) {
			if flagDebug {
				logrus.SetLevel(logrus.DebugLevel)
			}
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openFromFlags(args)
			if err != nil {
				return err
			}
			return runREPL(db, flagFormat)
		},
	}

	cmd.PersistentFlags().StringVar(&flagSchema, "schema", "id,u32",
		"column kinds for a new database (comma separated: id,u32,bytes,bool)")
	cmd.PersistentFlags().IntVar(&flagPageSize, "page-size", 0,
		"page size in bytes (default 4096; must match existing files)")
	cmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "enable debug logging")
	cmd.Flags().StringVar(&flagFormat, "format", "table", "output format: table, json, yaml")

	cmd.AddCommand(newServeCmd(), newImportCmd(), newBackupCmd(), newRestoreCmd(), newVersionCmd())
	return cmd
}

// openFromFlags opens the database named by the first positional
// argument, defaulting to "pagedb" in the working directory.
func openFromFlags(args []string) (*engine.DB, error) {
	path := "pagedb"
	if len(args) > 0 {
		path = args[0]
	}
	schema, err := engine.ParseSchema(flagSchema)
	if err != nil {
		return nil, err
	}
	return engine.Open(engine.Config{
		Path:     path,
		Schema:   schema,
		PageSize: flagPageSize,
	})
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the pagedb version",
		Args:  cobra.NoArgs,
		Run: func(*cobra.Command, []string) {
			fmt.Println("pagedb", version)
		},
	}
}
