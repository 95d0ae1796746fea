package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/gogpu/progcache"
)

// errBuildFailed makes the command exit non-zero after printing every
// outcome.
var errBuildFailed = errors.New("progcache: one or more programs failed to build")

func newBuildCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "build [name...]",
		Short: "Build programs from the manifest",
		Long: `Build the named programs, or every program in the manifest when none
are named. Programs whose stages are unchanged load from the cached
binary; the rest are compiled and linked, and their binaries stored.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBuild(cmd, g, args)
		},
	}
}

func runBuild(cmd *cobra.Command, g *globalFlags, names []string) error {
	s, err := openSession(g, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer s.Close()

	programs, err := s.manifest.Select(names...)
	if err != nil {
		return err
	}
	reqs := make([]progcache.Request, len(programs))
	for i, p := range programs {
		reqs[i] = p.Request()
	}

	group := progcache.NewGroup(s.cache,
		progcache.WithFileLock(s.manifest.FileLock),
		progcache.WithJobs(s.manifest.Jobs),
	)
	outcomes, _ := group.BuildAll(cmd.Context(), reqs)

	w := cmd.OutOrStdout()
	released := make(map[*progcache.Program]bool)
	failed := 0
	for i, o := range outcomes {
		name := programs[i].Name
		if o.Err != nil {
			failed++
			failedColor.Fprintf(w, "%-9s", "failed")
			fmt.Fprintf(w, " %s: %v\n", name, o.Err)
			continue
		}
		res := o.Result
		if res.FromCache {
			cachedColor.Fprintf(w, "%-9s", "cached")
			fmt.Fprintf(w, " %s ", name)
			dimColor.Fprintf(w, "(%s)\n", res.Key)
		} else {
			compiledColor.Fprintf(w, "%-9s", "compiled")
			fmt.Fprintf(w, " %s ", name)
			dimColor.Fprintf(w, "(%s; stages %s; link attempts %d)\n",
				res.Key, stageList(res.Compiled), res.LinkAttempts)
		}
		if !released[res.Program] {
			released[res.Program] = true
			res.Program.Release()
		}
	}

	if failed > 0 {
		return fmt.Errorf("%w (%d of %d)", errBuildFailed, failed, len(outcomes))
	}
	return nil
}

func stageList(kinds []progcache.StageKind) string {
	if len(kinds) == 0 {
		return "none"
	}
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = k.String()
	}
	return strings.Join(names, ",")
}
