// Command storage-cli is the operator surface for the data directory
// format marker described in spec §6: `check` validates without writing,
// `migrate` brings an older layout up to CurrentVersion.
package main

import (
	"fmt"
	"os"

	"github.com/settld/backend/pkg/storageformat"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	dataDir := os.Getenv("MAGIC_LINK_DATA_DIR")
	fs := flagSetFor(os.Args[2:])
	if dir := fs.dataDir; dir != "" {
		dataDir = dir
	}
	if dataDir == "" {
		fmt.Fprintln(os.Stderr, "error: data directory not set (--dir or MAGIC_LINK_DATA_DIR)")
		os.Exit(2)
	}

	switch os.Args[1] {
	case "check":
		m, err := storageformat.Check(dataDir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(storageformat.ExitCode(err))
		}
		fmt.Printf("ok: schemaVersion=%s version=%d writtenAt=%s\n", m.SchemaVersion, m.Version, m.WrittenAt)
		os.Exit(0)
	case "migrate":
		m, err := storageformat.Migrate(dataDir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("migrated: schemaVersion=%s version=%d\n", m.SchemaVersion, m.Version)
		os.Exit(0)
	default:
		usage()
		os.Exit(2)
	}
}

type flags struct {
	dataDir string
}

// flagSetFor does minimal manual parsing of a single --dir flag, avoiding
// flag.FlagSet's subcommand awkwardness for this two-verb CLI.
func flagSetFor(args []string) flags {
	var f flags
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--dir", "-dir":
			if i+1 < len(args) {
				f.dataDir = args[i+1]
				i++
			}
		}
	}
	return f
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: storage-cli <check|migrate> [--dir <data-dir>]")
}
