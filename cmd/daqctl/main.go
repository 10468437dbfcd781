// Daqctl is the command-line client for a running forcedaqd. It drives the
// recording lifecycle over HTTP, streams live events over WebSocket and
// converts recorded logs, locally or on the daemon.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/large-farva/forcedaq/internal/config"
	"github.com/large-farva/forcedaq/internal/ctl"
	"github.com/large-farva/forcedaq/internal/datafile"
	"github.com/large-farva/forcedaq/internal/logging"
	"github.com/large-farva/forcedaq/internal/reconcile"
)

func main() {
	var (
		host    = pflag.StringP("host", "H", "http://127.0.0.1:8080", "forcedaqd URL (e.g. http://192.168.8.1:8080)")
		jsonOut = pflag.Bool("json", false, "Output raw JSON instead of formatted text")
		filter  = pflag.StringSlice("filter", nil, "Event types to show in watch (e.g. --filter state,drain)")
	)

	// Stop parsing global flags at the first non-flag argument (the command
	// name), so subcommand flags like --bias are not rejected.
	pflag.CommandLine.SetInterspersed(false)
	pflag.Parse()

	if pflag.NArg() < 1 {
		usage()
		os.Exit(2)
	}

	cmd := pflag.Arg(0)
	subArgs := pflag.Args()[1:]

	var err error
	switch cmd {
	// ── Query commands ────────────────────────────────────────────
	case "status":
		err = ctl.Status(*host, *jsonOut)

	case "health":
		err = ctl.Health(*host, *jsonOut)

	case "version":
		err = ctl.VersionInfo(*host, *jsonOut)

	case "config":
		err = ctl.Config(*host, *jsonOut)

	case "sensors":
		err = ctl.Sensors(*host, *jsonOut)

	case "recordings":
		err = ctl.Recordings(*host, *jsonOut)

	// ── Recording commands ────────────────────────────────────────
	case "bias":
		err = ctl.Bias(*host, *jsonOut)

	case "start":
		fs := pflag.NewFlagSet("start", pflag.ContinueOnError)
		determineBias := fs.Bool("bias", false, "Determine the bias before starting")
		_ = fs.Parse(subArgs)
		err = ctl.Start(*host, *determineBias, *jsonOut)

	case "pause":
		err = ctl.Pause(*host, *jsonOut)

	case "marker":
		fs := pflag.NewFlagSet("marker", pflag.ContinueOnError)
		at := fs.Int64("time", -1, "Timer value in ms to stamp the marker with (default: arrival)")
		_ = fs.Parse(subArgs)
		err = ctl.Marker(*host, fs.Arg(0), *at, *jsonOut)

	case "event":
		if len(subArgs) < 1 {
			err = errors.New("event payload required")
			break
		}
		err = ctl.Event(*host, subArgs[0], *jsonOut)

	case "open":
		opts := ctl.OpenOptions{JSON: *jsonOut}
		fs := pflag.NewFlagSet("open", pflag.ContinueOnError)
		fs.StringVar(&opts.Comment, "comment", "", "Comment line written to the header")
		zipped := fs.Bool("zipped", false, "Gzip the log")
		stamp := fs.Bool("timestamp", false, "Insert a timestamp into the filename")
		_ = fs.Parse(subArgs)
		opts.Filename = fs.Arg(0)
		if fs.Changed("zipped") {
			opts.Zipped = zipped
		}
		if fs.Changed("timestamp") {
			opts.TimestampFilename = stamp
		}
		err = ctl.Open(*host, opts)

	case "close":
		err = ctl.Close(*host, *jsonOut)

	case "quit":
		err = ctl.Quit(*host, *jsonOut)

	// ── Conversion ────────────────────────────────────────────────
	case "convert", "pending":
		fs := pflag.NewFlagSet(cmd, pflag.ContinueOnError)
		local := fs.Bool("local", false, "Work on local files instead of the daemon's data root")
		cfgPath := fs.StringP("config", "c", "", "Config TOML for local reconcile settings")
		dir := fs.String("dir", "", "Directory searched for pending logs (default: data.root)")
		overwrite := fs.Bool("overwrite", false, "Replace existing converted files")
		_ = fs.Parse(subArgs)

		cfg := config.Default()
		if *cfgPath != "" {
			if cfg, err = config.Load(*cfgPath); err != nil {
				break
			}
		}
		if *dir == "" {
			*dir = cfg.Data.Root
		}
		if cmd == "pending" {
			err = ctl.Pending(*host, *local, *dir, cfg.Reconcile.Subdir, *jsonOut)
			break
		}
		rc := reconcile.FromConfig(cfg.Reconcile)
		rc.Schema = datafile.SchemaFor(cfg.Columns)
		err = ctl.Convert(*host, ctl.ConvertOptions{
			Paths:     fs.Args(),
			Overwrite: *overwrite,
			Local:     *local,
			Dir:       *dir,
			Reconcile: rc,
			Logger:    logging.New("daqctl", logging.Options{Level: "warn"}),
			JSON:      *jsonOut,
		})

	// ── Live streaming ────────────────────────────────────────────
	case "watch":
		err = ctl.Watch(*host, ctl.WatchOptions{
			Filter: *filter,
			JSON:   *jsonOut,
		})

	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		if !errors.Is(err, ctl.ErrRefused) {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
		os.Exit(1)
	}
}

func usage() {
	fmt.Print(`
  daqctl - forcedaq control CLI

  USAGE
    daqctl [flags] <command> [command-flags]

  COMMANDS (query)
    status          Show daemon state, uptime, and the open log
    health          Check daemon, sensor, and recorder health
    version         Show CLI and daemon version information
    config          Show the daemon's running configuration
    sensors         Show sensor workers and thread priorities
    recordings      List logs in the data root

  COMMANDS (recording)
    open [NAME]     Open a new log
    bias            Determine the bias of every sensor
    start           Start recording
    marker CODE     Insert a marker into the log
    event PAYLOAD   Send an external event through the daemon
    pause           Pause recording and write buffered samples
    close           Close the open log
    quit            Stop acquisition (the API stays up)

  COMMANDS (conversion)
    convert [NAME...]   Reconcile timestamps of recorded logs
    pending             List logs that have not been converted

  COMMANDS (live)
    watch           Stream live events from the daemon (Ctrl-C to stop)

  GLOBAL FLAGS
    -H, --host URL      Daemon base URL (default: http://127.0.0.1:8080)
        --json          Output raw JSON instead of formatted text
        --filter TYPE   Event types to show in watch (comma-separated)

  COMMAND FLAGS
    start:
        --bias              Determine the bias before starting

    marker:
        --time MS           Timer value to stamp the marker with

    open:
        --comment TEXT      Comment line written to the header
        --zipped            Gzip the log
        --timestamp         Insert a timestamp into the filename

    convert, pending:
        --local             Work on local files, no daemon needed
        -c, --config PATH   Config TOML for local reconcile settings
        --dir DIR           Directory searched for pending logs
        --overwrite         Replace existing converted files (convert)

  EXAMPLES
    daqctl status
    daqctl open --comment "subject 4" grip.csv
    daqctl start --bias
    daqctl marker stimulus
    daqctl pause
    daqctl close
    daqctl convert
    daqctl convert --local --dir ./data
    daqctl watch --filter state,drain,event

`)
}
