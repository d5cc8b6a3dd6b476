package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/hmatsuda/kioku/repl"
)

var (
	dumpCmd = &cobra.Command{
		Use:   "dump",
		Short: "List the extents resident after replay",
		RunE:  dumpRun,
	}

	statCmd = &cobra.Command{
		Use:   "stat",
		Short: "Show cache statistics after replay",
		RunE:  statRun,
	}
)

func init() {
	initEngineFlags(dumpCmd.Flags())
	kiokuCmd.AddCommand(dumpCmd)

	initEngineFlags(statCmd.Flags())
	kiokuCmd.AddCommand(statCmd)
}

func dumpRun(cmd *cobra.Command, args []string) error {
	eng, err := openEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	ses := repl.NewSession(eng, os.Stdout)
	return ses.Run("extents")
}

func statRun(cmd *cobra.Command, args []string) error {
	eng, err := openEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	ses := repl.NewSession(eng, os.Stdout)
	return ses.Run("stats")
}
