// Copyright 2020 The gVisor Authors.
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

package config

import (
	"flag"
	"fmt"
	"strconv"
)

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	flagSet.String("config", "", "path to a .toml or .yaml configuration file. Without it, a single loopback NIC is used.")
	flagSet.String("log-level", "", "log level: warning, info (default), or debug.")
	flagSet.String("log-format", "", "log format: text (default), json, or logrus.")
	flagSet.String("log", "", "file path where logs are written, default is stderr.")
	flagSet.Bool("log-packets", false, "log a summary of every transmitted packet.")
	flagSet.String("pcap-log", "", "location of PCAP log file.")
	flagSet.Uint("snaplen", 0, "PCAP snapshot length. Zero keeps the configured value.")
}

// NewFromFlags creates a new Config: the configuration file named by the
// config flag, or Default, with every flag set on the command line applied
// on top.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := Default()
	if f := flagSet.Lookup("config"); f != nil && f.Value.String() != "" {
		var err error
		if conf, err = Load(f.Value.String()); err != nil {
			return nil, err
		}
	}

	var err error
	flagSet.Visit(func(f *flag.Flag) {
		if err != nil {
			return
		}
		v := f.Value.String()
		switch f.Name {
		case "log-level":
			conf.Logging.Level = v
		case "log-format":
			conf.Logging.Format = v
		case "log":
			conf.Logging.File = v
		case "log-packets":
			conf.Logging.Packets, err = strconv.ParseBool(v)
		case "pcap-log":
			conf.PCAP = v
		case "snaplen":
			var n uint64
			if n, err = strconv.ParseUint(v, 10, 32); err == nil && n != 0 {
				conf.SnapLen = uint32(n)
			}
		}
		if err != nil {
			err = fmt.Errorf("flag --%s: %w", f.Name, err)
		}
	})
	if err != nil {
		return nil, err
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}
