// Package hostvfscmd implements the commands of the hostvfs tool.
package hostvfscmd

import (
	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"
	"go.gazette.dev/hostvfs/engine"
	"go.gazette.dev/hostvfs/host"
	mbp "go.gazette.dev/hostvfs/mainboilerplate"
)

const iniFilename = "hostvfs.ini"

var (
	baseCfg = new(struct {
		Engine      engine.Config         `group:"Engine" namespace:"engine" env-namespace:"ENGINE"`
		Log         mbp.LogConfig         `group:"Logging" namespace:"log" env-namespace:"LOG"`
		Diagnostics mbp.DiagnosticsConfig `group:"Debug" namespace:"debug" env-namespace:"DEBUG"`
	})

	// CommandRegistry of hostvfs sub-commands, by parent command name.
	CommandRegistry = mbp.NewCommandRegistry()
)

// startup initializes logging and diagnostics, and returns a started
// Runtime of the configured engine over the host operating system. The
// returned closure should be deferred, to log a panic of the command.
func startup() (*engine.Runtime, func()) {
	mbp.InitLog(baseCfg.Log)
	var onPanic = mbp.InitDiagnosticsAndRecover(baseCfg.Diagnostics)

	var rt, err = engine.NewDriverRuntime(baseCfg.Engine, host.OS())
	mbp.Must(err, "failed to build storage backend")
	mbp.Must(rt.Startup(), "failed to start storage backend")

	return rt, onPanic
}

// shutdown the Runtime, logging any error.
func shutdown(rt *engine.Runtime) {
	if err := rt.Shutdown(); err != nil {
		log.WithField("err", err).Warn("failed to shut down storage backend")
	}
}

func mustAddCmd(cmd *flags.Command, name, short, long string, cfg interface{}) *flags.Command {
	cmd, err := cmd.AddCommand(name, short, long, cfg)
	mbp.Must(err, "failed to add command")
	return cmd
}

// Execute parses configuration and runs the selected command.
func Execute() {
	var parser = flags.NewParser(baseCfg, flags.Default)

	mbp.AddPrintConfigCmd(parser, iniFilename)
	parser.LongDescription = `hostvfs is a tool for checking the storage backend of the embedded SQL engine,
and for inspecting, querying, and backing up its databases.

See --help pages of each sub-command for documentation and usage examples.
Optionally configure hostvfs with a '` + iniFilename + `' file in the current working directory,
or with '~/.config/hostvfs/` + iniFilename + `'. Use the 'print-config' sub-command to inspect
the tool's current configuration.
`
	// "db" only organizes further sub-commands, which register under it.
	_ = mustAddCmd(parser.Command, "db", "Inspect, query, and back up databases", "", &struct{}{})

	mbp.Must(CommandRegistry.AddCommands("", parser.Command, true), "could not add sub-command")
	mbp.MustParseConfig(parser, iniFilename)
}
