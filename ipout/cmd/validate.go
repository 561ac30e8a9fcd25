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

package cmd

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
	"netout.dev/netout/ipout/config"
)

// Validate implements subcommands.Command for the "validate" command.
type Validate struct{}

// Name implements subcommands.Command.Name.
func (*Validate) Name() string {
	return "validate"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Validate) Synopsis() string {
	return "check the configuration and build the network it describes"
}

// Usage implements subcommands.Command.Usage.
func (*Validate) Usage() string {
	return "validate - check the configuration.\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Validate) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Validate) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config.Config)
	if err := validate(conf); err != nil {
		return Errorf("validate: %v", err)
	}
	fmt.Fprintf(os.Stdout, "%d NICs, %d routes: ok\n", len(conf.NICs), len(conf.Routes))
	return subcommands.ExitSuccess
}

// validate checks conf and that the stack accepts it.
func validate(conf *config.Config) error {
	if err := conf.Validate(); err != nil {
		return err
	}
	// Captures are not written while validating.
	c := *conf
	c.PCAP = ""
	n, err := newNetwork(&c)
	if err != nil {
		return err
	}
	n.close()
	return nil
}
