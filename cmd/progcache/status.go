package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/gogpu/progcache"
	"github.com/gogpu/progcache/backend/native"
)

func newStatusCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status [name...]",
		Short: "Show fingerprint and binary state of programs",
		Long: `Report, for each program, its cache key, whether each stage matches its
committed fingerprint, and the stored binary. Nothing is compiled or
written.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, g, args)
		},
	}
}

func runStatus(cmd *cobra.Command, g *globalFlags, names []string) error {
	s, err := openSession(g, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer s.Close()

	programs, err := s.manifest.Select(names...)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	for _, p := range programs {
		st, err := s.cache.Status(p.Request())
		if err != nil {
			failedColor.Fprintf(w, "%s", p.Name)
			fmt.Fprintf(w, ": %v\n", err)
			continue
		}
		printStatus(w, p.Name, st)
	}
	return nil
}

func printStatus(w io.Writer, name string, st *progcache.Status) {
	header := compiledColor
	if st.WouldTrustCache() {
		header = cachedColor
	}
	header.Fprintf(w, "%s", name)
	dimColor.Fprintf(w, " (%s)\n", st.Key)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, ss := range st.Stages {
		state := ss.State.String()
		if ss.Err != nil {
			state += ": " + ss.Err.Error()
		}
		sum := "-"
		if !ss.Fingerprint.IsZero() {
			sum = ss.Fingerprint.Short()
		}
		fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\n", ss.Kind, displayPath(ss.Source), sum, state)
	}

	switch {
	case !st.Supported:
		fmt.Fprintf(tw, "  binary\t-\t-\tunsupported on this device\n")
	case !st.Binary.Exists:
		fmt.Fprintf(tw, "  binary\t%s\t-\tmissing\n", displayPath(st.Binary.Path))
	case st.BinaryErr != nil:
		fmt.Fprintf(tw, "  binary\t%s\t-\tcorrupt: %v\n", displayPath(st.Binary.Path), st.BinaryErr)
	default:
		fmt.Fprintf(tw, "  binary\t%s\t%s\t%d bytes, %s\n",
			displayPath(st.Binary.Path), formatName(st.Binary.Format), st.Binary.Size,
			st.Binary.ModTime.Format("2006-01-02 15:04:05"))
	}
	_ = tw.Flush()
}

func formatName(format uint32) string {
	switch format {
	case native.FormatSPIRVZstd:
		return "spirv+zstd"
	case native.FormatSPIRVLZ4:
		return "spirv+lz4"
	}
	return fmt.Sprintf("%#08x", format)
}
