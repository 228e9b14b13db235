package main

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func newProtoCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "proto [flags] files...",
		Short: "List the gRPC methods that proto files make decodable",
		Long:  `Compiles the given .proto files (or the ones from --proto) the same way the traffic commands do and prints every method with its message types.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig(cmd)
			if err != nil {
				return err
			}
			if len(args) > 0 {
				cfg.ProtoFiles = args
			}
			if len(cfg.ProtoFiles) == 0 {
				return errors.New("no proto files given")
			}

			registry, err := loadRegistry(cmd.Context(), cfg)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			methods := registry.Methods()
			if len(methods) == 0 {
				fmt.Fprintln(w, "No services found.")
				return nil
			}
			for _, m := range methods {
				fmt.Fprintf(w, "/%s\n    request:  %s\n    response: %s\n", m.Method, orDash(m.Request), orDash(m.Response))
			}
			return nil
		},
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
