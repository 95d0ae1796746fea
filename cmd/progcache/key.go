package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gogpu/progcache"
)

func newKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "key <vertex> <fragment>",
		Short: "Print the cache key derived from two stage paths",
		Long: `Print the key a program without an explicit key is stored under. The key
depends on the absolute stage paths only, not on their contents.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := progcache.DeriveKey([]progcache.StageSource{
				{Kind: progcache.StageVertex, Path: args[0]},
				{Kind: progcache.StageFragment, Path: args[1]},
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), key)
			return nil
		},
	}
}
