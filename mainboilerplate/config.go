package mainboilerplate

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/jessevdk/go-flags"
)

// ConfigRootEnv names an environment variable which, if set, is an
// additional directory searched for INI configuration.
const ConfigRootEnv = "HOSTVFS_CONFIG_ROOT"

// ConfigPaths returns candidate paths of INI file |configName|, in order of
// precedence:
//   - The current working directory.
//   - ~/.config/hostvfs (under the user's $HOME or %UserProfile% directory).
//   - $HOSTVFS_CONFIG_ROOT
func ConfigPaths(configName string) []string {
	var prefixes = []string{"."}

	for _, home := range []string{os.Getenv("HOME"), os.Getenv("UserProfile")} {
		if home != "" {
			prefixes = append(prefixes, filepath.Join(home, ".config", "hostvfs"))
		}
	}
	if root := os.Getenv(ConfigRootEnv); root != "" {
		prefixes = append(prefixes, root)
	}

	var out []string
	for _, prefix := range prefixes {
		out = append(out, filepath.Join(prefix, configName))
	}
	return out
}

// ParseConfigFile parses into the Parser the first of ConfigPaths which
// exists, returning its path, or "" if none do. Options unknown to the
// Parser are ignored.
func ParseConfigFile(parser *flags.Parser, configName string) (string, error) {
	var origOptions = parser.Options
	parser.Options |= flags.IgnoreUnknown
	defer func() { parser.Options = origOptions }()

	var iniParser = flags.NewIniParser(parser)

	for _, path := range ConfigPaths(configName) {
		if err := iniParser.ParseFile(path); err == nil {
			return path, nil
		} else if os.IsNotExist(err) {
			// Pass.
		} else {
			return "", err
		}
	}
	return "", nil
}

// MustParseConfig requires that the Parser parse from the combination of an
// optional INI file, configured environment bindings, and explicit flags.
func MustParseConfig(parser *flags.Parser, configName string) {
	if _, err := ParseConfigFile(parser, configName); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	MustParseArgs(parser)
}

// MustParseArgs requires that Parser be able to ParseArgs without error.
func MustParseArgs(parser *flags.Parser) {
	if _, err := parser.ParseArgs(os.Args[1:]); err != nil {
		var flagErr, ok = err.(*flags.Error)
		if !ok {
			Must(err, "fatal error")
		}

		switch flagErr.Type {
		case flags.ErrDuplicatedFlag, flags.ErrTag, flags.ErrInvalidTag, flags.ErrShortNameTooLong, flags.ErrMarshal:
			// A problem of the parsed configuration types, rather than of input.
			panic(err)

		case flags.ErrCommandRequired:
			// Follow go-flags' "Please specify one command of: ..." with full usage.
			os.Stderr.WriteString("\n")
			parser.WriteHelp(os.Stderr)
			fmt.Fprintf(os.Stderr, "\nVersion %s, built at %s.\n", Version, BuildDate)
			os.Exit(1)

		case flags.ErrHelp:
			if parser.Options&flags.PrintErrors == 0 {
				parser.WriteHelp(os.Stderr)
				fmt.Fprintf(os.Stderr, "\nVersion %s, built at %s.\n", Version, BuildDate)
			}
			os.Exit(0)

		default:
			// go-flags has already printed a message describing the input error.
			os.Exit(1)
		}
	}
}

// AddPrintConfigCmd to the Parser. The "print-config" command writes the
// combined configuration of |configName|, flags, and environment variables
// to stdout in INI format.
func AddPrintConfigCmd(parser *flags.Parser, configName string) {
	_, err := parser.AddCommand("print-config", "Print combined configuration and exit", `
print-config parses the combined configuration from `+configName+`, flags,
and environment variables, and then writes the configuration to stdout in INI format.
`, &printConfig{parser})
	Must(err, "failed to add print-config command")
}

type printConfig struct {
	*flags.Parser `no-flag:"t"`
}

func (p printConfig) Execute([]string) error {
	var ini = flags.NewIniParser(p.Parser)
	ini.Write(os.Stdout, flags.IniIncludeComments|flags.IniCommentDefaults|flags.IniIncludeDefaults)
	return nil
}
