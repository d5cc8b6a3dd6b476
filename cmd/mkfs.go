package cmd

import (
	"github.com/spf13/cobra"

	"github.com/hmatsuda/kioku/engine"
)

var (
	mkfsCmd = &cobra.Command{
		Use:   "mkfs",
		Short: "Initialize a fresh store",
		Long: "Initialize a fresh store: journal header, placement cursor, " +
			"and the initial root block. Fails if the store is already initialized.",
		RunE: mkfsRun,
	}
)

func init() {
	initEngineFlags(mkfsCmd.Flags())
	kiokuCmd.AddCommand(mkfsCmd)
}

func mkfsRun(cmd *cobra.Command, args []string) error {
	return engine.Mkfs(store, dataDir)
}
