package cli

import (
	"runtime/debug"

	"github.com/admissions-lab/reminder-ab/config"

	"github.com/spf13/cobra"
)

// Version is set at build time with -ldflags "-X ...cli.Version=v1.2.3".
var Version = ""

func newVersionCmd(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			v := version()
			p := rt.printer(cmd)
			if ok, err := p.JSON(map[string]string{"version": v}); ok {
				return err
			}
			p.Line("abtest %s", v)
			return nil
		},
	}
}

// version prefers the linker value, then module build info, then the default.
func version() string {
	if Version != "" {
		return Version
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return config.Defaults().App.Version
}
