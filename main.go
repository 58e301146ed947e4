package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/usbguard/usbguard/libusbguard/logs"
	"github.com/usbguard/usbguard/libusbguard/sandbox"
)

// version must be set from the contents of VERSION file by go build's
// -X main.version= option in the Makefile.
var version = "unknown"

// gitCommit will be the hash that the binary was built from
// and will be populated by the Makefile
var gitCommit = ""

const usage = `USB device authorization

usbguard decides which USB devices the kernel may use. The daemon matches
every device against an ordered rule list, authorizes or blocks it through
sysfs and exposes its rules and devices on D-Bus.

The remaining commands are clients of a running daemon, except for
generate-policy which reads sysfs directly.

To start the daemon:

    # usbguard daemon

To allow the device with id 5 until it is detached:

    # usbguard allow-device 5`

func main() {
	app := cli.NewApp()
	app.Name = "usbguard"
	app.Usage = usage

	v := []string{version}

	if gitCommit != "" {
		v = append(v, "commit: "+gitCommit)
	}
	v = append(v, "go: "+runtime.Version())

	major, minor, micro := sandbox.Version()
	if major+minor+micro > 0 {
		v = append(v, fmt.Sprintf("libseccomp: %d.%d.%d", major, minor, micro))
	}
	app.Version = strings.Join(v, "\n")

	app.Flags = []cli.Flag{
		cli.BoolFlag{
			Name:  "debug",
			Usage: "enable debug logging",
		},
		cli.StringFlag{
			Name:  "log",
			Value: "",
			Usage: "set the log file to write usbguard logs to (default is '/dev/stderr')",
		},
		cli.StringFlag{
			Name:  "log-format",
			Value: "text",
			Usage: "set the log format ('text' (default), or 'json')",
		},
		cli.BoolFlag{
			Name:  "log-journal",
			Usage: "also send logs to the systemd journal",
		},
		cli.StringFlag{
			Name:  "bus",
			Value: "system",
			Usage: "D-Bus bus the daemon is reached on ('system' (default), or 'session')",
		},
	}
	app.Commands = []cli.Command{
		daemonCommand,
		listRulesCommand,
		appendRuleCommand,
		removeRuleCommand,
		listDevicesCommand,
		allowDeviceCommand,
		blockDeviceCommand,
		rejectDeviceCommand,
		watchCommand,
		generatePolicyCommand,
	}
	app.Before = func(context *cli.Context) error {
		return configLogrus(context)
	}

	// If the command returns an error, cli takes upon itself to print
	// the error on cli.ErrWriter and exit.
	// Use our own writer here to ensure the log gets sent to the right location.
	cli.ErrWriter = &FatalWriter{cli.ErrWriter}
	if err := app.Run(os.Args); err != nil {
		fatal(err)
	}
}

type FatalWriter struct {
	cliErrWriter io.Writer
}

func (f *FatalWriter) Write(p []byte) (n int, err error) {
	logrus.Error(string(p))
	if !logrusToStderr() {
		return f.cliErrWriter.Write(p)
	}
	return len(p), nil
}

func configLogrus(context *cli.Context) error {
	if context.GlobalBool("debug") {
		logrus.SetLevel(logrus.DebugLevel)
		logrus.SetReportCaller(true)
		// Shorten function and file names reported by the logger, by
		// trimming common "github.com/usbguard/usbguard" prefix.
		// This is only done for text formatter.
		_, file, _, _ := runtime.Caller(0)
		prefix := filepath.Dir(file) + "/"
		logrus.SetFormatter(&logrus.TextFormatter{
			CallerPrettyfier: func(f *runtime.Frame) (string, string) {
				function := strings.TrimPrefix(f.Function, prefix) + "()"
				fileLine := strings.TrimPrefix(f.File, prefix) + ":" + strconv.Itoa(f.Line)
				return function, fileLine
			},
		})
	}

	switch f := context.GlobalString("log-format"); f {
	case "":
		// do nothing
	case "text":
		// do nothing
	case "json":
		logrus.SetFormatter(new(logrus.JSONFormatter))
	default:
		return errors.New("invalid log-format: " + f)
	}

	if file := context.GlobalString("log"); file != "" {
		f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND|os.O_SYNC, 0o644)
		if err != nil {
			return err
		}
		logrus.SetOutput(f)
	}

	if context.GlobalBool("log-journal") {
		hook, err := logs.NewJournalHook("usbguard")
		if err != nil {
			return err
		}
		logrus.AddHook(hook)
	}

	return nil
}
