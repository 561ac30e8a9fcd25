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
	"io"
	"os"
	"text/tabwriter"

	"github.com/google/subcommands"
	"netout.dev/netout/ipout/config"
	"netout.dev/netout/pkg/tcpip"
)

// Routes implements subcommands.Command for the "routes" command.
type Routes struct{}

// Name implements subcommands.Command.Name.
func (*Routes) Name() string {
	return "routes"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Routes) Synopsis() string {
	return "print NICs, the route table and the routes resolved for destinations"
}

// Usage implements subcommands.Command.Usage.
func (*Routes) Usage() string {
	return `routes [destination...] - print NICs and routes.

With destinations, the route each of them resolves to is printed as well.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Routes) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (r *Routes) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config.Config)
	if err := r.run(conf, f.Args(), os.Stdout); err != nil {
		return Errorf("routes: %v", err)
	}
	return subcommands.ExitSuccess
}

func (*Routes) run(conf *config.Config, dsts []string, out io.Writer) error {
	n, err := newNetwork(conf)
	if err != nil {
		return err
	}
	defer n.close()

	w := tabwriter.NewWriter(out, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "NIC\tNAME\tMTU\tCAPABILITIES\tOFFLOAD\tADDRESSES")
	for _, nic := range n.stack.NICs() {
		fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\t%v\n", nic.ID(), nic.Name(), nic.MTU(), nic.Capabilities(), nic.ChecksumOffload(), nic.Addresses())
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "ROUTE")
	for _, row := range n.stack.GetRouteTable() {
		fmt.Fprintln(w, row)
	}

	if len(dsts) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "DESTINATION\tKIND\tNIC\tNEXT HOP\tMTU")
	}
	for _, s := range dsts {
		dst := tcpip.ParseAddress(s)
		if dst == "" {
			w.Flush()
			return fmt.Errorf("invalid destination %q", s)
		}
		h, err := n.stack.FindRoute(dst)
		if err != nil {
			fmt.Fprintf(w, "%s\t%s\t\t\t\n", dst, err)
			continue
		}
		if e, ok := n.stack.Route(h); ok {
			mtu := fmt.Sprint(e.MTU)
			if e.LockMTU {
				mtu += " lock"
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", dst, e.Kind, e.NIC.ID(), e.NextHop(), mtu)
		}
		n.stack.ReleaseRoute(h)
	}
	return w.Flush()
}
