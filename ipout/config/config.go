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

// Package config provides basic infrastructure to set configuration settings
// for ipout. Configuration is read from a TOML or YAML file and can be
// overridden by command line flags.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
	"netout.dev/netout/pkg/log"
	"netout.dev/netout/pkg/tcpip"
	"netout.dev/netout/pkg/tcpip/header"
	"netout.dev/netout/pkg/tcpip/stack"
)

// Link kinds.
const (
	// LinkChannel is a capturing link: transmissions are queued and printed.
	LinkChannel = "channel"

	// LinkLoopback turns transmissions around to the local inbox.
	LinkLoopback = "loopback"
)

// Log formats.
const (
	LogFormatText   = "text"
	LogFormatJSON   = "json"
	LogFormatLogrus = "logrus"
)

// Config holds the network and logging configuration of ipout.
type Config struct {
	// Logging configures logging.
	Logging Log `toml:"log" yaml:"log"`

	// DefaultTTL is the TTL of unicast datagrams. Zero keeps the default.
	DefaultTTL uint8 `toml:"default_ttl" yaml:"default_ttl"`

	// NICs are the interfaces of the stack.
	NICs []NIC `toml:"nic" yaml:"nics"`

	// Routes are added in order after all NICs exist.
	Routes []Route `toml:"route" yaml:"routes"`

	// Memberships are joined by the sending endpoint.
	Memberships []Membership `toml:"membership" yaml:"memberships"`

	// RejectBackoff paces reject routes after resolution failures.
	RejectBackoff Backoff `toml:"reject_backoff" yaml:"reject_backoff"`

	// PCAP is the file transmissions are written to. Empty disables
	// capturing.
	PCAP string `toml:"pcap" yaml:"pcap"`

	// SnapLen is the pcap snapshot length.
	SnapLen uint32 `toml:"snaplen" yaml:"snaplen"`
}

// Log configures logging.
type Log struct {
	// Level is one of warning, info or debug.
	Level string `toml:"level" yaml:"level"`

	// Format is one of text, json or logrus.
	Format string `toml:"format" yaml:"format"`

	// File is where logs go. Empty means stderr.
	File string `toml:"file" yaml:"file"`

	// Packets logs a summary of every transmitted packet.
	Packets bool `toml:"packets" yaml:"packets"`
}

// NIC describes one interface.
type NIC struct {
	ID   uint32 `toml:"id" yaml:"id"`
	Name string `toml:"name" yaml:"name"`

	// Link is channel (default) or loopback.
	Link string `toml:"link" yaml:"link"`

	// MTU of a channel link. Loopback links ignore it.
	MTU uint32 `toml:"mtu" yaml:"mtu"`

	// Queue is the number of transmissions a channel link holds.
	Queue int `toml:"queue" yaml:"queue"`

	// Capabilities are broadcast, multicast, point-to-point, loopback,
	// resolution-required, gso and serialize.
	Capabilities []string `toml:"capabilities" yaml:"capabilities"`

	// Offload lists the checksums the link computes: ipv4, tcp and udp.
	Offload []string `toml:"offload" yaml:"offload"`

	// Addresses are in CIDR notation.
	Addresses []string `toml:"addresses" yaml:"addresses"`

	// Peer is the remote end of a point-to-point link.
	Peer string `toml:"peer" yaml:"peer"`

	// Neighbors maps IPv4 addresses to link addresses.
	Neighbors map[string]string `toml:"neighbors" yaml:"neighbors"`
}

// Route describes one route table row.
type Route struct {
	// Destination is in CIDR notation.
	Destination string `toml:"destination" yaml:"destination"`
	Gateway     string `toml:"gateway" yaml:"gateway"`
	NIC         uint32 `toml:"nic" yaml:"nic"`
	MTU         uint32 `toml:"mtu" yaml:"mtu"`
	Lock        bool   `toml:"lock" yaml:"lock"`
	Reject      bool   `toml:"reject" yaml:"reject"`
	Broadcast   bool   `toml:"broadcast" yaml:"broadcast"`
}

// Membership is a multicast group joined on a NIC, or on the NIC owning
// Interface.
type Membership struct {
	Group     string `toml:"group" yaml:"group"`
	NIC       uint32 `toml:"nic" yaml:"nic"`
	Interface string `toml:"interface" yaml:"interface"`
}

// Backoff configures stack.RejectBackoff.
type Backoff struct {
	Initial    time.Duration `toml:"initial" yaml:"initial"`
	Max        time.Duration `toml:"max" yaml:"max"`
	Multiplier float64       `toml:"multiplier" yaml:"multiplier"`
	Jitter     float64       `toml:"jitter" yaml:"jitter"`
}

// Default returns the configuration used without a file: a single loopback
// NIC.
func Default() *Config {
	return &Config{
		Logging: Log{Level: "info", Format: LogFormatText},
		NICs: []NIC{{
			ID:        1,
			Name:      "lo",
			Link:      LinkLoopback,
			Addresses: []string{"127.0.0.1/8"},
		}},
		Routes: []Route{
			{Destination: "127.0.0.0/8", NIC: 1},
			{Destination: "224.0.0.0/4", NIC: 1},
		},
		SnapLen: 65536,
	}
}

// Load reads a configuration file. The format is chosen by extension: .toml,
// or .yaml and .yml.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	conf := &Config{SnapLen: 65536}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		md, err := toml.Decode(string(data), conf)
		if err != nil {
			return nil, fmt.Errorf("parsing %q: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("parsing %q: unknown keys %v", path, undecoded)
		}
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(conf); err != nil {
			return nil, fmt.Errorf("parsing %q: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("unknown configuration format %q, must be .toml, .yaml or .yml", ext)
	}
	if conf.Logging.Format == "" {
		conf.Logging.Format = LogFormatText
	}
	return conf, nil
}

// Validate checks the configuration for errors that would otherwise surface
// only while building the stack.
func (c *Config) Validate() error {
	if _, err := log.ParseLevel(c.Logging.Level); err != nil {
		return err
	}
	switch c.Logging.Format {
	case LogFormatText, LogFormatJSON, LogFormatLogrus:
	default:
		return fmt.Errorf("invalid log format %q, must be %q, %q or %q", c.Logging.Format, LogFormatText, LogFormatJSON, LogFormatLogrus)
	}
	if len(c.NICs) == 0 {
		return fmt.Errorf("no NICs configured")
	}

	ids := make(map[uint32]struct{})
	for i := range c.NICs {
		n := &c.NICs[i]
		if n.ID == 0 {
			return fmt.Errorf("nic %q: id must be positive", n.Name)
		}
		if _, ok := ids[n.ID]; ok {
			return fmt.Errorf("nic %d: duplicate id", n.ID)
		}
		ids[n.ID] = struct{}{}
		if err := n.validate(); err != nil {
			return fmt.Errorf("nic %d: %w", n.ID, err)
		}
	}

	for i, r := range c.Routes {
		if _, err := r.Row(); err != nil {
			return fmt.Errorf("route %d: %w", i, err)
		}
		if _, ok := ids[r.NIC]; !ok {
			return fmt.Errorf("route %d: unknown nic %d", i, r.NIC)
		}
	}

	for i, m := range c.Memberships {
		if g := tcpip.ParseAddress(m.Group); !header.IsV4MulticastAddress(g) {
			return fmt.Errorf("membership %d: %q is not a multicast group", i, m.Group)
		}
		if m.NIC != 0 {
			if _, ok := ids[m.NIC]; !ok {
				return fmt.Errorf("membership %d: unknown nic %d", i, m.NIC)
			}
		}
		if m.Interface != "" && tcpip.ParseAddress(m.Interface) == "" {
			return fmt.Errorf("membership %d: invalid interface address %q", i, m.Interface)
		}
	}

	if b := c.RejectBackoff; b.Max != 0 && b.Max < b.Initial {
		return fmt.Errorf("reject_backoff: max %s is below initial %s", b.Max, b.Initial)
	}
	return nil
}

func (n *NIC) validate() error {
	switch n.Link {
	case "", LinkChannel:
		if n.MTU != 0 && n.MTU < 68 {
			return fmt.Errorf("mtu %d is below the IPv4 minimum of 68", n.MTU)
		}
		if n.Queue < 0 {
			return fmt.Errorf("negative queue length %d", n.Queue)
		}
	case LinkLoopback:
	default:
		return fmt.Errorf("unknown link %q, must be %q or %q", n.Link, LinkChannel, LinkLoopback)
	}
	if _, err := n.LinkCapabilities(); err != nil {
		return err
	}
	if _, err := n.ChecksumOffload(); err != nil {
		return err
	}
	if _, err := n.AddressesWithPrefix(); err != nil {
		return err
	}
	if n.Peer != "" && tcpip.ParseAddress(n.Peer) == "" {
		return fmt.Errorf("invalid peer address %q", n.Peer)
	}
	if _, err := n.NeighborTable(); err != nil {
		return err
	}
	return nil
}

// NeighborTable parses n.Neighbors.
func (n *NIC) NeighborTable() (map[tcpip.Address]tcpip.LinkAddress, error) {
	table := make(map[tcpip.Address]tcpip.LinkAddress, len(n.Neighbors))
	for addr, mac := range n.Neighbors {
		a := tcpip.ParseAddress(addr)
		if a == "" {
			return nil, fmt.Errorf("invalid neighbor address %q", addr)
		}
		linkAddr, err := tcpip.ParseMACAddress(mac)
		if err != nil {
			return nil, fmt.Errorf("neighbor %s: %w", addr, err)
		}
		table[a] = linkAddr
	}
	return table, nil
}

var capabilityNames = map[string]stack.LinkEndpointCapabilities{
	"broadcast":           stack.CapabilityBroadcast,
	"multicast":           stack.CapabilityMulticast,
	"point-to-point":      stack.CapabilityPointToPoint,
	"loopback":            stack.CapabilityLoopback,
	"resolution-required": stack.CapabilityResolutionRequired,
	"gso":                 stack.CapabilityHWGSO,
	"serialize":           stack.CapabilityRequiresSerialization,
}

// LinkCapabilities returns the capabilities named by n.Capabilities.
func (n *NIC) LinkCapabilities() (stack.LinkEndpointCapabilities, error) {
	var caps stack.LinkEndpointCapabilities
	for _, name := range n.Capabilities {
		c, ok := capabilityNames[strings.ToLower(name)]
		if !ok {
			return 0, fmt.Errorf("unknown capability %q", name)
		}
		caps |= c
	}
	return caps, nil
}

// ChecksumOffload returns the checksums named by n.Offload.
func (n *NIC) ChecksumOffload() (stack.ChecksumFlags, error) {
	var flags stack.ChecksumFlags
	for _, name := range n.Offload {
		switch strings.ToLower(name) {
		case "ipv4":
			flags |= stack.ChecksumIPv4
		case "tcp":
			flags |= stack.ChecksumTCP
		case "udp":
			flags |= stack.ChecksumUDP
		default:
			return 0, fmt.Errorf("unknown checksum %q", name)
		}
	}
	return flags, nil
}

// AddressesWithPrefix parses n.Addresses.
func (n *NIC) AddressesWithPrefix() ([]tcpip.AddressWithPrefix, error) {
	addrs := make([]tcpip.AddressWithPrefix, 0, len(n.Addresses))
	for _, s := range n.Addresses {
		addr, prefix, err := ParseCIDR(s)
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, tcpip.AddressWithPrefix{Address: addr, PrefixLen: prefix})
	}
	return addrs, nil
}

// Row converts r to a route table row.
func (r *Route) Row() (tcpip.Route, error) {
	addr, prefix, err := ParseCIDR(r.Destination)
	if err != nil {
		return tcpip.Route{}, err
	}
	subnet, err := tcpip.NewSubnet(addr, tcpip.MaskFromPrefix(prefix))
	if err != nil {
		return tcpip.Route{}, fmt.Errorf("destination %q: %w", r.Destination, err)
	}
	row := tcpip.Route{
		Destination: subnet,
		NIC:         tcpip.NICID(r.NIC),
		MTU:         r.MTU,
		LockMTU:     r.Lock,
		Reject:      r.Reject,
		Broadcast:   r.Broadcast,
	}
	if r.Gateway != "" {
		if row.Gateway = tcpip.ParseAddress(r.Gateway); row.Gateway == "" {
			return tcpip.Route{}, fmt.Errorf("invalid gateway %q", r.Gateway)
		}
	}
	return row, nil
}

// ParseCIDR parses "a.b.c.d/n". A missing prefix means /32.
func ParseCIDR(s string) (tcpip.Address, int, error) {
	addrPart, prefixPart, hasPrefix := strings.Cut(s, "/")
	addr := tcpip.ParseAddress(addrPart)
	if addr == "" {
		return "", 0, fmt.Errorf("invalid address %q", s)
	}
	prefix := 32
	if hasPrefix {
		if _, err := fmt.Sscanf(prefixPart, "%d", &prefix); err != nil || prefix < 0 || prefix > 32 {
			return "", 0, fmt.Errorf("invalid prefix length in %q", s)
		}
	}
	return addr, prefix, nil
}

// StackBackoff converts the configured backoff.
func (b Backoff) StackBackoff() stack.RejectBackoff {
	return stack.RejectBackoff{
		Initial:    b.Initial,
		Max:        b.Max,
		Multiplier: b.Multiplier,
		Jitter:     b.Jitter,
	}
}

// Log prints the configuration at Info level.
func (c *Config) Log() {
	log.Infof("Config:")
	log.Infof("Log: level %s, format %s, packets %t", c.Logging.Level, c.Logging.Format, c.Logging.Packets)
	for _, n := range c.NICs {
		log.Infof("NIC %d %q: link %s, mtu %d, addresses %v", n.ID, n.Name, n.Link, n.MTU, n.Addresses)
	}
	for _, r := range c.Routes {
		log.Infof("Route: %s via %q nic %d", r.Destination, r.Gateway, r.NIC)
	}
}
