package cli

import (
	"fmt"
	"io"
	"runtime"
	"runtime/debug"

	"github.com/spf13/cobra"
)

// Version is set at build time with -ldflags "-X".
var Version = "dev"

// VersionInfo describes the running binary.
type VersionInfo struct {
	Version   string `json:"version"`
	GoVersion string `json:"go_version"`
	Revision  string `json:"revision,omitempty"`
	Modified  bool   `json:"modified,omitempty"`
}

// NewVersionCommand creates the version command.
func NewVersionCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			info := readVersionInfo()
			return newFormatter(cmd, rootOpts).Report(info, nil, func(w io.Writer) {
				fmt.Fprintf(w, "quill %s (%s)", info.Version, info.GoVersion)
				if info.Revision != "" {
					fmt.Fprintf(w, " %s", info.Revision)
					if info.Modified {
						fmt.Fprint(w, "+dirty")
					}
				}
				fmt.Fprintln(w)
			})
		},
	}
}

func readVersionInfo() VersionInfo {
	info := VersionInfo{Version: Version, GoVersion: runtime.Version()}
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return info
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			info.Revision = s.Value
		case "vcs.modified":
			info.Modified = s.Value == "true"
		}
	}
	return info
}
