/*
 * SegmentDB
 *
 * Copyright 2016 Matthias Ladkau. All rights reserved.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

/*
SegmentDB is a storage engine which stores tables column-wise in clusters
of pages. Pages are managed by segments on top of a shared page cache and
data flows through graphs of execution streams.

The segmentdb tool works on a datastore directory:

- load: Load a delimited text file into a table.

- scan: Print the rows of a table.

- index: Print the RIDs of rows with a given column value.

- describe: Print the max field lengths of a delimited text file.

- stats: Print segment, table and cache statistics.
*/
package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/krotik/common/logutil"
	"github.com/krotik/segmentdb/config"
	"github.com/krotik/segmentdb/flatfile"
	"github.com/krotik/segmentdb/tuple"
)

func main() {
	if err := run(os.Args, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

/*
run executes the tool with the given arguments.
*/
func run(args []string, out io.Writer) error {

	// Initialize the default command line parser

	fs := flag.NewFlagSet(args[0], flag.ContinueOnError)
	fs.SetOutput(out)

	configFile := fs.String("config", config.DefaultConfigFile, "Configuration file")

	// Define default usage message

	fs.Usage = func() {

		// Print usage for tool selection

		fmt.Fprintln(out, fmt.Sprintf("Usage of %s [-config file] <command> [options]", args[0]))
		fmt.Fprintln(out)
		fmt.Fprintln(out, "SegmentDB column store")
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Available commands:")
		fmt.Fprintln(out)
		fmt.Fprintln(out, "    load       Load a flat file into a table")
		fmt.Fprintln(out, "    scan       Print the rows of a table")
		fmt.Fprintln(out, "    index      Print the RIDs of matching rows")
		fmt.Fprintln(out, "    describe   Print the max field lengths of a flat file")
		fmt.Fprintln(out, "    stats      Print datastore statistics")
		fmt.Fprintln(out)
		fmt.Fprintln(out, fmt.Sprintf("Use %s <command> -help for more information about a given command.", args[0]))
		fmt.Fprintln(out)
	}

	// Parse the command bit

	if err := fs.Parse(args[1:]); err != nil {
		if err == flag.ErrHelp {
			return nil
		}
		return err
	}

	if fs.NArg() == 0 {
		fs.Usage()
		return nil
	}

	if err := config.LoadConfigFile(*configFile); err != nil {
		return err
	}

	setupLogging(os.Stderr)

	cmd, cmdArgs := fs.Arg(0), fs.Args()[1:]

	switch cmd {
	case "load":
		return runLoad(cmdArgs, out)
	case "scan":
		return runScan(cmdArgs, out)
	case "index":
		return runIndex(cmdArgs, out)
	case "describe":
		return runDescribe(cmdArgs, out)
	case "stats":
		return runStats(cmdArgs, out)
	}

	fs.Usage()

	return fmt.Errorf("Unknown command: %v", cmd)
}

/*
setupLogging adds a log sink for all SegmentDB loggers.
*/
func setupLogging(out io.Writer) {
	logutil.ClearLogSinks()

	level := logutil.StringToLoglevel(config.Str(config.LogLevel))
	if level == "" {
		level = logutil.Info
	}

	logutil.GetLogger("segmentdb").AddLogSink(level, logutil.SimpleFormatter(), out)
}

/*
newCommandFlagSet creates the flag set of a command.
*/
func newCommandFlagSet(name string, usage string, out io.Writer) (*flag.FlagSet, *bool) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(out)

	showHelp := fs.Bool("help", false, "Show this help message")

	fs.Usage = func() {
		fmt.Fprintln(out)
		fmt.Fprintln(out, fmt.Sprintf("Usage of %s [options]", name))
		fmt.Fprintln(out)
		fmt.Fprintln(out, usage)
		fmt.Fprintln(out)
		fs.PrintDefaults()
		fmt.Fprintln(out)
	}

	return fs, showHelp
}

/*
fileFlags are the flags which describe a flat file.
*/
type fileFlags struct {
	file      *string
	columns   *string
	delimiter *string
	quote     *string
	header    *bool
	byName    *bool
	lenient   *bool
	trim      *bool
	scan      *int
	errorMax  *int
}

/*
addFileFlags adds the flat file flags to a flag set.
*/
func addFileFlags(fs *flag.FlagSet) *fileFlags {
	return &fileFlags{
		file:      fs.String("file", "", "Data file (.lz4 and .zst files are decompressed)"),
		columns:   fs.String("columns", "", "Columns e.g. \"id int64 not null, name string(20)\""),
		delimiter: fs.String("delimiter", ",", "Field delimiter"),
		quote:     fs.String("quote", "\"", "Quote character (empty for none)"),
		header:    fs.Bool("header", false, "File has a header row"),
		byName:    fs.Bool("byname", false, "Map columns by header names"),
		lenient:   fs.Bool("lenient", false, "Accept rows with a wrong number of fields"),
		trim:      fs.Bool("trim", false, "Trim unquoted fields"),
		scan:      fs.Int("scan", 0, "Rows to scan when describing (0 for all)"),
		errorMax:  fs.Int("errormax", -1, "Tolerated row errors (negative for no limit)"),
	}
}

/*
params returns the stream parameters of the flat file flags.
*/
func (ff *fileFlags) params() (flatfile.Params, error) {
	p := flatfile.Params{
		DataFilePath:     *ff.file,
		Header:           *ff.header || *ff.byName,
		MapColumnsByName: *ff.byName,
		Lenient:          *ff.lenient,
		Trim:             *ff.trim,
		NumRowsScan:      *ff.scan,
		ErrorMax:         *ff.errorMax,
	}

	if p.DataFilePath == "" {
		return p, fmt.Errorf("No data file given")
	}

	if len(*ff.delimiter) != 1 || len(*ff.quote) > 1 {
		return p, fmt.Errorf("Delimiter and quote must be single characters")
	}

	p.FieldDelimiter = (*ff.delimiter)[0]
	if *ff.quote != "" {
		p.Quote = (*ff.quote)[0]
	}

	if *ff.columns != "" {
		cols, err := tuple.ParseDescriptor(*ff.columns)
		if err != nil {
			return p, err
		}
		p.Columns = cols
	}

	return p, nil
}

/*
withDatastore runs a function on the opened datastore.
*/
func withDatastore(fn func(ds *Datastore) error) error {
	ds, err := OpenDatastore()
	if err != nil {
		return err
	}

	err = fn(ds)

	if cerr := ds.Close(); err == nil {
		err = cerr
	}

	return err
}

/*
runLoad handles the load command.
*/
func runLoad(args []string, out io.Writer) error {
	fs, showHelp := newCommandFlagSet("load", "Load a flat file into a table.", out)

	table := fs.String("table", "", "Table name")
	ff := addFileFlags(fs)

	if err := fs.Parse(args); err != nil || *showHelp {
		if *showHelp {
			fs.Usage()
		}
		return err
	}

	params, err := ff.params()
	if err != nil {
		return err
	} else if *table == "" {
		return fmt.Errorf("No table given")
	}

	return withDatastore(func(ds *Datastore) error {
		return LoadTable(ds, out, *table, params)
	})
}

/*
runScan handles the scan command.
*/
func runScan(args []string, out io.Writer) error {
	fs, showHelp := newCommandFlagSet("scan", "Print the rows of a table.", out)

	table := fs.String("table", "", "Table name")
	withRID := fs.Bool("rid", false, "Print the RID of each row")
	limit := fs.Int("limit", 0, "Max number of rows (0 for all)")

	if err := fs.Parse(args); err != nil || *showHelp {
		if *showHelp {
			fs.Usage()
		}
		return err
	}

	return withDatastore(func(ds *Datastore) error {
		return ScanTable(ds, out, *table, *withRID, *limit)
	})
}

/*
runIndex handles the index command.
*/
func runIndex(args []string, out io.Writer) error {
	fs, showHelp := newCommandFlagSet("index", "Print the RIDs of rows with a given column value.", out)

	table := fs.String("table", "", "Table name")
	column := fs.String("column", "", "Column name")
	value := fs.String("value", "", "Column value")
	from := fs.Uint64("from", 0, "Smallest RID to print")

	if err := fs.Parse(args); err != nil || *showHelp {
		if *showHelp {
			fs.Usage()
		}
		return err
	}

	return withDatastore(func(ds *Datastore) error {
		return IndexTable(ds, out, *table, *column, *value, *from)
	})
}

/*
runDescribe handles the describe command.
*/
func runDescribe(args []string, out io.Writer) error {
	fs, showHelp := newCommandFlagSet("describe", "Print the max field lengths of a flat file.", out)

	ff := addFileFlags(fs)

	if err := fs.Parse(args); err != nil || *showHelp {
		if *showHelp {
			fs.Usage()
		}
		return err
	}

	params, err := ff.params()
	if err != nil {
		return err
	} else if params.Columns == nil {
		return fmt.Errorf("No columns given")
	}

	return withDatastore(func(ds *Datastore) error {
		return DescribeFile(ds, out, params)
	})
}

/*
runStats handles the stats command.
*/
func runStats(args []string, out io.Writer) error {
	fs, showHelp := newCommandFlagSet("stats", "Print datastore statistics.", out)

	if err := fs.Parse(args); err != nil || *showHelp {
		if *showHelp {
			fs.Usage()
		}
		return err
	}

	return withDatastore(func(ds *Datastore) error {
		return PrintStats(ds, out)
	})
}
