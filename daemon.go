package main

import (
	gocontext "context"
	"errors"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
	"golang.org/x/sys/unix"

	"github.com/usbguard/usbguard/libusbguard"
	"github.com/usbguard/usbguard/libusbguard/configs"
	"github.com/usbguard/usbguard/libusbguard/dbus"
	"github.com/usbguard/usbguard/libusbguard/logs"
	"github.com/usbguard/usbguard/libusbguard/sandbox"
	"github.com/usbguard/usbguard/libusbguard/uevent"
	"github.com/usbguard/usbguard/libusbguard/utils"
)

var daemonCommand = cli.Command{
	Name:  "daemon",
	Usage: "runs the USB device authorization daemon",
	Description: `The daemon enforces the rule file on every attached and newly inserted
USB device and serves the control interface on D-Bus until it receives
SIGINT or SIGTERM.`,
	Flags: []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Value: configs.DefaultPath,
			Usage: "path to the daemon configuration file",
		},
		cli.StringFlag{
			Name:  "pid-file",
			Value: "",
			Usage: "specify the file to write the process id to",
		},
		cli.BoolFlag{
			Name:  "seccomp",
			Usage: "load a seccomp filter after start-up (overrides the configuration)",
		},
		cli.BoolFlag{
			Name:  "drop-capabilities",
			Usage: "drop all capabilities but CAP_CHOWN and CAP_FOWNER (overrides the configuration)",
		},
		cli.BoolFlag{
			Name:  "landlock",
			Usage: "restrict filesystem access with Landlock (overrides the configuration)",
		},
	},
	Action: func(context *cli.Context) error {
		if err := checkArgs(context, 0, exactArgs); err != nil {
			return err
		}
		config, err := configs.Load(context.String("config"))
		if err != nil {
			return err
		}
		if context.IsSet("seccomp") {
			config.Sandbox.Seccomp = context.Bool("seccomp")
		}
		if context.IsSet("drop-capabilities") {
			config.Sandbox.DropCapabilities = context.Bool("drop-capabilities")
		}
		if context.IsSet("landlock") {
			config.Sandbox.Landlock = context.Bool("landlock")
		}
		if context.GlobalIsSet("bus") {
			config.DBusBus = context.GlobalString("bus")
		}
		pidFile := context.String("pid-file")
		if pidFile != "" {
			if pidFile, err = filepath.Abs(pidFile); err != nil {
				return err
			}
		}
		return runDaemon(config, pidFile)
	},
}

func runDaemon(config *configs.Config, pidFile string) error {
	sysfs := uevent.NewSysfs(config.SysfsRoot)
	if err := sysfs.Check(); err != nil {
		return err
	}
	engine, err := libusbguard.NewFromConfig(config, sysfs)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(gocontext.Background(), unix.SIGINT, unix.SIGTERM)
	defer stop()
	logsDone := logs.ForwardNotifications(ctx, engine.Subscribe())

	src, err := uevent.NewNetlinkSource()
	if err != nil {
		return err
	}
	conn, err := dbus.Connect(config.DBusBus)
	if err != nil {
		src.Close()
		return err
	}
	defer conn.Close()
	acl, err := dbus.NewACL(config.IPCAllowedUsers, config.IPCAllowedGroups)
	if err != nil {
		src.Close()
		return err
	}
	server, err := dbus.Export(conn, engine, acl)
	if err != nil {
		src.Close()
		return err
	}
	serverDone := make(chan error, 1)
	go func() {
		serverDone <- server.Run(ctx)
	}()

	if pidFile != "" {
		if err := utils.WritePidFile(pidFile, os.Getpid()); err != nil {
			src.Close()
			return err
		}
		defer os.Remove(pidFile)
	}

	if err := sandbox.Apply(sandboxOptions(config, pidFile)); err != nil {
		src.Close()
		return err
	}

	if err := engine.Scan(sysfs); err != nil {
		logrus.Warn(err)
	}
	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		logrus.Warnf("unable to notify systemd: %v", err)
	}
	logrus.Info("usbguard daemon ready")

	err = uevent.NewMonitor(src, sysfs, engine).Run(ctx, engine.HandleEvent)
	stop()
	if _, nerr := daemon.SdNotify(false, daemon.SdNotifyStopping); nerr != nil {
		logrus.Debugf("unable to notify systemd: %v", nerr)
	}
	logrus.Info("usbguard daemon stopping")
	return errors.Join(err, <-serverDone, <-logsDone)
}

// sandboxOptions leaves the rule file directory, sysfs and the pid file
// directory writable, and /etc readable for user and group lookups.
func sandboxOptions(config *configs.Config, pidFile string) sandbox.Options {
	opts := sandbox.Options{
		Seccomp:          config.Sandbox.Seccomp,
		DropCapabilities: config.Sandbox.DropCapabilities,
		Landlock:         config.Sandbox.Landlock,
		RWDirs:           []string{config.SysfsRoot},
		RODirs:           []string{"/etc"},
	}
	if config.RuleFile != "" {
		opts.RWDirs = append(opts.RWDirs, filepath.Dir(config.RuleFile))
	}
	if pidFile != "" {
		opts.RWDirs = append(opts.RWDirs, filepath.Dir(pidFile))
	}
	return opts
}
