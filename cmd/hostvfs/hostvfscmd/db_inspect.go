package hostvfscmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"golang.org/x/sync/errgroup"
	"go.gazette.dev/hostvfs/dbfile"
	mbp "go.gazette.dev/hostvfs/mainboilerplate"
	"go.gazette.dev/hostvfs/vfs"
	"gopkg.in/yaml.v2"
)

type cmdDBInspect struct {
	Format      string `long:"format" short:"o" choice:"table" choice:"yaml" choice:"json" default:"table" description:"Output format"`
	Concurrency int    `long:"concurrency" default:"8" description:"Maximum number of files inspected concurrently"`
	Args        struct {
		Paths []string `positional-arg-name:"path" required:"1"`
	} `positional-args:"yes"`
}

func init() {
	CommandRegistry.AddCommand("db", "inspect", "Inspect database files", `
Inspect the headers of database files.

Each file is opened read-only through the VFS, classified by its leading bytes
as a database, WAL, rollback journal, empty, or unknown file, and the header
of databases is decoded. Files are inspected concurrently.

Results can be output in a variety of --format options:
yaml:  Prints a YAML document per file.
json:  Prints a JSON object per file, one per line.
table: Prints a humanized table.

Examples:

# Inspect all databases of a directory:
hostvfs db inspect /var/lib/game/saves/*.db

# Print the full header of a database as YAML:
hostvfs db inspect -o yaml /var/lib/game/saves/slot1.db
`, &cmdDBInspect{})
}

// inspection is the outcome of inspecting a file.
type inspection struct {
	Path   string         `json:"path" yaml:"path"`
	Kind   string         `json:"kind" yaml:"kind"`
	Size   int64          `json:"size" yaml:"size"`
	Header *dbfile.Header `json:"header,omitempty" yaml:"header,omitempty"`
	Error  string         `json:"error,omitempty" yaml:"error,omitempty"`
}

func (cmd *cmdDBInspect) Execute([]string) error {
	var rt, onPanic = startup()
	defer onPanic()
	defer shutdown(rt)

	var fs, err = rt.VFS()
	mbp.Must(err, "storage backend isn't ready")

	var out = inspectAll(fs, cmd.Args.Paths, cmd.Concurrency)

	switch cmd.Format {
	case "table":
		mbp.Must(outputInspectTable(out), "failed to render table")
	case "yaml":
		for _, i := range out {
			var b, err = yaml.Marshal(i)
			mbp.Must(err, "failed to encode to yaml")
			fmt.Printf("---\n%s", b)
		}
	case "json":
		var enc = json.NewEncoder(os.Stdout)
		for _, i := range out {
			mbp.Must(enc.Encode(i), "failed to encode to json")
		}
	}
	return nil
}

// inspectAll inspects |paths| with at most |concurrency| in flight,
// returning inspections in the order of |paths|.
func inspectAll(fs vfs.VFS, paths []string, concurrency int) []inspection {
	var out = make([]inspection, len(paths))
	var grp errgroup.Group
	if concurrency > 0 {
		grp.SetLimit(concurrency)
	}

	for i, path := range paths {
		grp.Go(func() error {
			out[i] = inspect(fs, path)
			return nil
		})
	}
	_ = grp.Wait()

	return out
}

func inspect(fs vfs.VFS, path string) (out inspection) {
	out = inspection{Path: path, Kind: dbfile.KindUnknown.String()}

	var f, _, err = fs.Open(path, vfs.OpenReadOnly|vfs.OpenMainDB)
	if err != nil {
		out.Error = err.Error()
		return
	}
	defer f.Close()

	if out.Size, err = f.FileSize(); err != nil {
		out.Error = err.Error()
		return
	}
	kind, err := dbfile.Classify(f)
	if err != nil {
		out.Error = err.Error()
		return
	}
	out.Kind = kind.String()

	if kind == dbfile.KindDatabase {
		if hdr, err := dbfile.ReadHeader(f); err != nil {
			out.Error = err.Error()
		} else {
			out.Header = &hdr
		}
	}
	return
}

func outputInspectTable(out []inspection) error {
	var table = tablewriter.NewWriter(os.Stdout)
	table.Header([]string{"Path", "Kind", "Size", "Page Size", "Pages", "Encoding", "User Version", "Application ID", "Library", "Error"})

	for _, i := range out {
		var row = []string{i.Path, i.Kind, humanize.IBytes(uint64(i.Size))}

		if h := i.Header; h != nil {
			var pages = "<unknown>"
			if h.InHeaderPageCountValid() {
				pages = humanize.Comma(int64(h.PageCount))
			}
			row = append(row,
				humanize.IBytes(uint64(h.PageSize)),
				pages,
				h.TextEncoding.String(),
				fmt.Sprintf("%d", h.UserVersion),
				fmt.Sprintf("%#08x", uint32(h.ApplicationID)),
				h.Version(),
			)
		} else {
			row = append(row, "", "", "", "", "", "")
		}
		if err := table.Append(append(row, i.Error)); err != nil {
			return err
		}
	}
	return table.Render()
}
