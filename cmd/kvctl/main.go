package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/intellect4all/cowkv/kvenv"
)

var dbPath string

func main() {
	root := &cobra.Command{
		Use:   "kvctl",
		Short: "Inspect and operate on a cowkv database directory",
	}
	root.PersistentFlags().StringVar(&dbPath, "db", "", "path to the database directory (required)")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if dbPath == "" {
			return fmt.Errorf("--db is required")
		}
		return nil
	}

	root.AddCommand(statsCmd(), backupCmd(), getCmd(), putCmd(), compactCmd())

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if err := root.Execute(); err != nil {
		log.Fatal().Err(err).Msg("kvctl failed")
	}
}

func openEnv() (*kvenv.Environment, error) {
	return kvenv.Open(dbPath)
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print environment statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv()
			if err != nil {
				return err
			}
			defer env.Close()
			s := env.Stats()
			fmt.Printf("keys:          %d\n", s.NumKeys)
			fmt.Printf("trees:         %d\n", s.NumTrees)
			fmt.Printf("pages:         %d\n", s.NumPages)
			fmt.Printf("disk size:     %d bytes\n", s.TotalDiskSize)
			fmt.Printf("commits:       %d\n", s.CommitCount)
			fmt.Printf("journal files: %d\n", s.JournalFiles)
			fmt.Printf("free pages:    %d\n", s.FreePages)
			fmt.Printf("write amp:     %.2f\n", s.WriteAmp)
			fmt.Printf("space amp:     %.2f\n", s.SpaceAmp)
			return nil
		},
	}
}

func compactCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "compact",
		Short: "Rebuild the root tree's structural pages and reclaim their space",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv()
			if err != nil {
				return err
			}
			defer env.Close()
			return env.Compact()
		},
	}
}

func backupCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Copy the current data file to a destination path",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv()
			if err != nil {
				return err
			}
			defer env.Close()
			f, err := os.Create(out)
			if err != nil {
				return err
			}
			defer f.Close()
			return env.Backup(f)
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "destination file path (required)")
	cmd.MarkFlagRequired("out")
	return cmd
}

func getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get [key]",
		Short: "Fetch a single key from the root tree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv()
			if err != nil {
				return err
			}
			defer env.Close()
			tx, err := env.NewTransaction(true)
			if err != nil {
				return err
			}
			defer tx.Commit()
			v, err := tx.Get([]byte(args[0]))
			if err != nil {
				return err
			}
			fmt.Println(string(v))
			return nil
		},
	}
}

func putCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "put [key] [value]",
		Short: "Write a single key to the root tree in its own transaction",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv()
			if err != nil {
				return err
			}
			defer env.Close()
			tx, err := env.NewTransaction(false)
			if err != nil {
				return err
			}
			if _, err := tx.Put([]byte(args[0]), []byte(args[1])); err != nil {
				tx.Rollback()
				return err
			}
			return tx.Commit()
		},
	}
}
