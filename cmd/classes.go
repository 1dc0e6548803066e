package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var classesLike string

func init() {
	classesCmd.Flags().StringVar(&classesLike, "like", "", "Filter derived class names with a SQL LIKE pattern")
	rootCmd.AddCommand(classesCmd)
}

var classesCmd = &cobra.Command{
	Use:   "classes <base-class>",
	Short: "List a class and every class derived from it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer func() { _ = s.Close() }()

		out := cmd.OutOrStdout()
		if classesLike == "" {
			names, err := s.catalog.DerivedClasses(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			for _, name := range names {
				label, err := s.catalog.ClassLabel(cmd.Context(), name)
				if err != nil {
					return err
				}
				if _, err := fmt.Fprintf(out, "%s\t%s\n", name, label); err != nil {
					return err
				}
			}
			return nil
		}

		rows, err := s.inspector.QuerySidecar(cmd.Context(),
			"SELECT derived FROM class_derivations WHERE base = ? AND derived LIKE ? ORDER BY derived",
			args[0], classesLike)
		if err != nil {
			return fmt.Errorf("query class index: %w", err)
		}
		defer func() { _ = rows.Close() }() // safe to ignore
		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				return err
			}
			if _, err := fmt.Fprintln(out, name); err != nil {
				return err
			}
		}
		return rows.Err()
	},
}
