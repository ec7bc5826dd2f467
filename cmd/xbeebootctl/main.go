// Command xbeebootctl opens an XBeeBoot session against a port spec and
// either pulses the target's reset line (ping) or pipes bytes between stdio
// and the session (pipe), standing in for the avrdude programmer
// integration this transport is designed to be driven by. It sends no
// STK500 bytes of its own.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/davidsainty/xbeeboot/config"
	"github.com/davidsainty/xbeeboot/internal/session"
	"github.com/davidsainty/xbeeboot/routecache"
	"github.com/davidsainty/xbeeboot/serial"
)

type flags struct {
	port         string
	baud         int
	xbeeResetPin int
	configPath   string
	redisAddr    string
	logLevel     string
}

func parseFlags(args []string) (flags, string, error) {
	var f flags
	fs := flag.NewFlagSet("xbeebootctl", flag.ContinueOnError)
	fs.StringVar(&f.port, "port", "", "port spec, e.g. /dev/ttyUSB0 or 0013A20041887766@/dev/ttyUSB0:xbeeresetpin=3")
	fs.IntVar(&f.baud, "baud", 0, "serial baud rate (overrides config default)")
	fs.IntVar(&f.xbeeResetPin, "xbeeresetpin", 0, "remote XBee digital pin wired to reset (overrides config default)")
	fs.StringVar(&f.configPath, "config", "", "path to a JSON5 defaults file")
	fs.StringVar(&f.redisAddr, "redis", "", "redis address for the persistent source-route cache")
	fs.StringVar(&f.logLevel, "log-level", "info", "logrus level: trace, debug, info, warn, error")
	if err := fs.Parse(args); err != nil {
		return flags{}, "", err
	}

	remaining := fs.Args()
	if len(remaining) != 1 {
		return flags{}, "", fmt.Errorf("xbeebootctl: expected exactly one subcommand (ping or pipe), got %v", remaining)
	}
	return f, remaining[0], nil
}

func main() {
	f, subcommand, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	log := logrus.New()
	if level, err := logrus.ParseLevel(f.logLevel); err == nil {
		log.SetLevel(level)
	}

	defaults, err := config.LoadDefaults(f.configPath)
	if err != nil {
		log.WithError(err).Fatal("xbeebootctl: loading config")
	}
	if f.baud != 0 {
		defaults.Baud = &f.baud
	}
	if f.xbeeResetPin != 0 {
		defaults.ResetPin = &f.xbeeResetPin
	}
	if f.redisAddr != "" {
		defaults.RedisAddr = &f.redisAddr
	}

	cfg, err := config.ParsePort(f.port, defaults)
	if err != nil {
		log.WithError(err).Fatal("xbeebootctl: parsing port spec")
	}

	var routes routecache.Cache = routecache.NoOp{}
	if cfg.RedisAddr != "" {
		routes = routecache.NewRedis(cfg.RedisAddr)
	}

	sess, err := session.Open(cfg, &serial.TTY{}, routes, log)
	if err != nil {
		log.WithError(err).Fatal("xbeebootctl: opening session")
	}
	defer sess.Close()

	switch subcommand {
	case "ping":
		if err := sess.ResetTarget(); err != nil {
			log.WithError(err).Fatal("xbeebootctl: ping")
		}
		fmt.Println("ok")
	case "pipe":
		if err := pipe(sess, os.Stdin, os.Stdout); err != nil {
			log.WithError(err).Fatal("xbeebootctl: pipe")
		}
	default:
		log.Fatalf("xbeebootctl: unknown subcommand %q (expected ping or pipe)", subcommand)
	}
}

// pipe copies stdin to the session and the session to stdout concurrently,
// the minimal shape needed to let avrdude's own serial layer talk through
// this transport when wired as its port. It returns once both copies have
// finished, with the first error either of them reported.
func pipe(sess io.ReadWriter, in io.Reader, out io.Writer) error {
	errc := make(chan error, 2)
	go func() {
		_, err := io.Copy(sess, in)
		errc <- err
	}()
	go func() {
		_, err := io.Copy(out, sess)
		errc <- err
	}()
	err1, err2 := <-errc, <-errc
	if err1 != nil {
		return err1
	}
	return err2
}
