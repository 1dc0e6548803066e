package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"github.com/agentic-research/arbor/api"
	"github.com/agentic-research/arbor/internal/format"
	"github.com/agentic-research/arbor/internal/logging"
	"github.com/agentic-research/arbor/internal/metadata"
	"github.com/agentic-research/arbor/internal/provider"
	"github.com/spf13/cobra"
)

var (
	dbPath      string
	defPath     string
	sourceName  string
	sidecarPath string
	logLevel    string
	logJSON     bool
)

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&dbPath, "db", "d", "", "Path to the source SQLite database")
	pf.StringVar(&sidecarPath, "sidecar", "", "Path of the class index sidecar (default: temp file)")
	pf.StringVar(&logLevel, "log-level", "", "Enable logging at this level (debug, info, warn, error)")
	pf.BoolVar(&logJSON, "log-json", false, "Log as JSON")
}

var rootCmd = &cobra.Command{
	Use:           "arbor",
	Short:         "Arbor: hierarchies and tree views over query-like data sources",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if logLevel == "" {
			return
		}
		logging.Init(logging.Options{
			Enabled: true,
			Level:   logging.ParseLevel(logLevel),
			Writer:  cmd.ErrOrStderr(),
			JSON:    logJSON,
		})
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// session is an opened source database with its class index and, when a
// hierarchy definition is given, the hierarchy provider.
type session struct {
	db        *sql.DB
	inspector *metadata.SQLiteInspector
	catalog   *metadata.CachedInspector
	hierarchy *provider.Hierarchy
	// provider serves the tree; swapping it changes the search in place.
	provider *provider.HotSwap
}

func openSession(ctx context.Context, withHierarchy bool) (*session, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("--db is required")
	}
	db, err := provider.OpenSQLiteDB(dbPath)
	if err != nil {
		return nil, err
	}
	s := &session{db: db}
	s.inspector, err = metadata.OpenSQLiteInspector(ctx, db, sidecarPath)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.catalog, err = metadata.NewCachedInspector(s.inspector, metadata.DefaultCacheSize)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	if !withHierarchy {
		return s, nil
	}

	if defPath == "" {
		_ = s.Close()
		return nil, fmt.Errorf("--hierarchy is required")
	}
	def, err := api.LoadHierarchyDefinition(defPath)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	s.hierarchy, err = provider.NewHierarchy(def, provider.NewSQLiteSource(db, s.catalog), s.catalog,
		format.Default{}, provider.Options{Source: sourceName})
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	s.provider = provider.NewHotSwap(s.hierarchy)
	logging.Info("session opened", "db", dbPath, "hierarchy", defPath, "levels", len(def.Levels))
	return s, nil
}

// search restricts the served hierarchy to paths; nil lifts the
// restriction.
func (s *session) search(paths []api.SearchPath) {
	s.provider.Swap(s.hierarchy.WithSearch(paths))
}

func (s *session) Close() error {
	if s.inspector != nil {
		_ = s.inspector.Close() // best-effort; the sidecar is derived
	}
	return s.db.Close()
}
