// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cli is the main entrypoint for ipout.
package cli

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"
	"netout.dev/netout/ipout/cmd"
	"netout.dev/netout/ipout/config"
	"netout.dev/netout/pkg/log"
	"netout.dev/netout/pkg/tcpip/link/sniffer"
)

// Main is the main entrypoint.
func Main() {
	// Register all commands.
	forEachCmd(subcommands.Register)

	// Register with the main command line.
	config.RegisterFlags(flag.CommandLine)

	// All subcommands must be registered before flag parsing.
	flag.Parse()

	// Create a new Config from the flags.
	conf, err := config.NewFromFlags(flag.CommandLine)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(int(subcommands.ExitUsageError))
	}

	subcommand := flag.CommandLine.Arg(0)
	closer, err := setupLogging(conf, subcommand, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(int(subcommands.ExitUsageError))
	}
	sniffer.LogPackets.Store(conf.Logging.Packets)

	const delimString = `**************** ipout ****************`
	log.Infof(delimString)
	log.Infof("%s, %s, %s, PID %d", runtime.Version(), runtime.GOARCH, runtime.GOOS, os.Getpid())
	log.Infof("Args: %v", os.Args)
	conf.Log()
	log.Infof(delimString)

	// Call the subcommand and pass in the configuration.
	subcmdCode := subcommands.Execute(context.Background(), conf)
	if subcmdCode != subcommands.ExitSuccess {
		log.Warningf("Failure to execute command, err: %v", subcmdCode)
	}
	closer.Close()
	os.Exit(int(subcmdCode))
}

// forEachCmd invokes the passed callback for each command supported by ipout.
func forEachCmd(cb func(cmd subcommands.Command, group string)) {
	// Help and flags commands are generated automatically.
	cb(subcommands.HelpCommand(), "")
	cb(subcommands.FlagsCommand(), "")
	cb(subcommands.CommandsCommand(), "")

	cb(new(cmd.Send), "")
	cb(new(cmd.Routes), "")
	cb(new(cmd.Validate), "")
}

// fileOpts names log files after the command and the start time.
type fileOpts struct {
	command string
	start   time.Time
}

// Build implements log.FileOpts.Build.
func (o fileOpts) Build(logPattern string) string {
	logPattern = strings.ReplaceAll(logPattern, "%COMMAND%", o.command)
	return strings.ReplaceAll(logPattern, "%TIMESTAMP%", o.start.Format("20060102-150405.000000"))
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// setupLogging points the global logger at the configured destination. The
// returned closer releases the log file, if any.
func setupLogging(conf *config.Config, subcommand string, stderr io.Writer) (io.Closer, error) {
	level, err := log.ParseLevel(conf.Logging.Level)
	if err != nil {
		return nil, err
	}

	var out io.Writer = stderr
	var closer io.Closer = nopCloser{}
	if conf.Logging.File != "" {
		// O_APPEND so that the commands of a session share a file.
		f, err := log.OpenFile(conf.Logging.File, os.O_WRONLY|os.O_CREATE|os.O_APPEND, fileOpts{command: subcommand, start: time.Now()})
		if err != nil {
			return nil, err
		}
		out, closer = f, f
	}

	emitter, err := newEmitter(conf.Logging.Format, level, subcommand, out)
	if err != nil {
		closer.Close()
		return nil, err
	}
	log.SetTarget(emitter)
	log.SetLevel(level)
	return closer, nil
}

func newEmitter(format string, level log.Level, subcommand string, w io.Writer) (log.Emitter, error) {
	switch format {
	case config.LogFormatText:
		return log.GoogleEmitter{Emitter: &log.Writer{Next: w}}, nil
	case config.LogFormatJSON:
		return log.JSONEmitter{Writer: &log.Writer{Next: w}}, nil
	case config.LogFormatLogrus:
		l := logrus.New()
		l.SetOutput(w)
		l.SetLevel(log.LogrusLevel(level))
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, DisableColors: true})
		return log.NewLogrusEmitter(l).WithField("command", subcommand), nil
	}
	return nil, fmt.Errorf("invalid log format %q, must be 'text', 'json', or 'logrus'", format)
}
