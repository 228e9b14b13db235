package main

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/burpheart/httpsift/pkg/types"
)

func newFlagsCmd() *cobra.Command {
	var value string

	cmd := &cobra.Command{
		Use:   "flags",
		Short: "List anomaly flags or decode a flag bitmap",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			names := types.SortedFlagNames()
			if value != "" {
				f, ok := types.ParseFlagName(value)
				if !ok {
					return errors.Errorf("invalid flag value %q", value)
				}
				names = f.Names()
			}

			registry := types.FlagRegistry()
			w := cmd.OutOrStdout()
			for _, name := range names {
				if f, ok := registry[name]; ok {
					fmt.Fprintf(w, "%-28s 0x%x\n", name, uint64(f))
					continue
				}
				// Bits without a registered name.
				fmt.Fprintf(w, "%-28s %s\n", "?", name)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&value, "value", "", "Bitmap (0x...) or flag name to decode")
	return cmd
}
