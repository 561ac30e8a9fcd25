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

package ipv4

import (
	"strings"

	"netout.dev/netout/pkg/tcpip"
	"netout.dev/netout/pkg/tcpip/buffer"
	"netout.dev/netout/pkg/tcpip/header"
	"netout.dev/netout/pkg/tcpip/stack"
)

// OutputFlags are per-datagram directives for Output.
type OutputFlags uint32

const (
	// RouteToInterface bypasses the route table: the datagram leaves through
	// the NIC the destination is directly attached to, with TTL 1.
	RouteToInterface OutputFlags = 1 << iota

	// AllowBroadcast permits sending to broadcast addresses.
	AllowBroadcast

	// PathMTUDiscovery sets DF unless the route MTU is locked.
	PathMTUDiscovery

	// Forwarding marks a datagram forwarded for another host. Its header is
	// kept as is, identifier included.
	Forwarding

	// Raw marks a datagram whose header was built by the sender. An
	// identifier is assigned only if the header carries none.
	Raw

	// NoIdentifier leaves the identifier untouched.
	NoIdentifier

	// ReportMTU records the path MTU in the endpoint when a datagram is too
	// big and cannot be fragmented.
	ReportMTU
)

func (f OutputFlags) String() string {
	if f == 0 {
		return "none"
	}
	var names []string
	for _, n := range []struct {
		f    OutputFlags
		name string
	}{
		{RouteToInterface, "dontroute"},
		{AllowBroadcast, "broadcast"},
		{PathMTUDiscovery, "pmtudisc"},
		{Forwarding, "forwarding"},
		{Raw, "raw"},
		{NoIdentifier, "noid"},
		{ReportMTU, "reportmtu"},
	} {
		if f&n.f != 0 {
			names = append(names, n.name)
		}
	}
	return strings.Join(names, ",")
}

// plan is where and how a prepared datagram is sent.
type plan struct {
	nic *stack.NIC

	// dst is the address the datagram is transmitted to: the destination
	// or the first hop of a source route.
	dst tcpip.Address

	// route is the route the datagram follows. It is zero for datagrams
	// sent straight to dst on nic.
	route stack.RouteHandle

	mtu       uint32
	multicast bool
	broadcast bool

	// loop is set when a copy of a multicast datagram is delivered locally.
	loop bool

	ttl uint8
	gso bool
}

// Output sends a datagram. It takes over pkt, which must start with an IPv4
// header followed by the transport segment, on success and on failure.
//
// ro is the caller's route cache slot. It is refreshed when it holds no
// usable route to the destination and keeps its route afterwards. A nil ro
// makes Output use a route only for the duration of the call.
//
// opts are spliced into the header. mopts nil means the default multicast
// parameters. ep, if not nil, receives the path MTU of datagrams rejected
// for size when ReportMTU is set.
func (p *Protocol) Output(pkt *stack.PacketBuffer, opts *Options, ro *stack.RouteCache, flags OutputFlags, mopts *MulticastOptions, ep *Endpoint) tcpip.Error {
	if ro == nil {
		ro = &stack.RouteCache{}
		defer p.stack.ReleaseCache(ro)
	}
	err := p.output(pkt, opts, ro, flags, mopts, ep)
	if err != nil && !err.IgnoreStats() {
		p.stack.Stats().IP.OutgoingPacketErrors.Increment()
	}
	return err
}

func (p *Protocol) output(pkt *stack.PacketBuffer, opts *Options, ro *stack.RouteCache, flags OutputFlags, mopts *MulticastOptions, ep *Endpoint) tcpip.Error {
	pl, err := p.prepare(pkt, opts, ro, flags, mopts)
	if err != nil {
		p.dropLog.Debugf("dropping datagram: %s", err)
		pkt.DecRef()
		return err
	}

	if pl.multicast {
		if pl.loop {
			p.loopBack(pkt, pl.nic)
		}
		// TTL 0 keeps the datagram on this host, and so does a loopback
		// NIC, which has nowhere else to send it.
		if pl.ttl == 0 || pl.nic.HasCapability(stack.CapabilityLoopback) {
			pkt.DecRef()
			return nil
		}
	}

	deferSecurity := false
	if sec := p.stack.SecurityTransform(); sec != nil {
		v, err := sec.Output(pkt, pl.nic)
		if v == stack.SecurityConsumed {
			return err
		}
		if err != nil {
			pkt.DecRef()
			return err
		}
		deferSecurity = v == stack.SecurityDefer
	}
	return p.send(pkt, pl, flags, ep, deferSecurity)
}

// prepare runs every step up to the size decision: option insertion, route
// selection, the multicast and broadcast policy, source selection,
// identifier assignment, the filters and checksum negotiation. The caller
// keeps pkt.
func (p *Protocol) prepare(pkt *stack.PacketBuffer, opts *Options, ro *stack.RouteCache, flags OutputFlags, mopts *MulticastOptions) (plan, tcpip.Error) {
	s := p.stack
	stats := &s.Stats().IP
	var pl plan

	hdr, ok := pkt.NetworkHeader()
	if !ok || header.IPVersion(hdr) != header.IPv4Version {
		return pl, &tcpip.ErrMalformedHeader{}
	}
	hlen := int(hdr.HeaderLength())
	fields := hdr.Fields()
	bypass := flags&(Forwarding|Raw) != 0

	finalDst := fields.DstAddr
	if opts.Len() > 0 && pkt.Size()-hlen+header.IPv4MinimumSize+opts.Len() <= MaxTotalSize {
		fields.Options = opts.build(finalDst)
		if opts.FirstHop != "" {
			fields.DstAddr = opts.FirstHop
		}
	}
	if !bypass && fields.TTL == 0 {
		fields.TTL = p.DefaultTTL()
	}

	mo := &defaultMulticastOptions
	if mopts != nil {
		mo = mopts
	}
	dst := fields.DstAddr
	pl.dst = dst
	pl.multicast = header.IsV4MulticastAddress(dst)
	limited := dst == header.IPv4Broadcast
	nextHop := dst
	lockMTU := false

	switch {
	case flags&RouteToInterface != 0:
		nic, ok := s.FindNICForDestination(dst)
		if !ok && (pl.multicast || limited) && mo.NIC != 0 {
			nic, ok = s.NIC(mo.NIC)
		}
		if !ok {
			return pl, &tcpip.ErrNetworkUnreachable{}
		}
		pl.nic, pl.mtu = nic, nic.MTU()
		pl.broadcast = limited || nic.IsSubnetBroadcast(dst)
		fields.TTL = 1
	case (pl.multicast || limited) && mo.NIC != 0:
		nic, ok := s.NIC(mo.NIC)
		if !ok {
			return pl, &tcpip.ErrNetworkUnreachable{}
		}
		pl.nic, pl.mtu = nic, nic.MTU()
		pl.broadcast = limited
	default:
		e, err := s.RefreshRoute(ro, dst)
		if err != nil {
			stats.NoRoute.Increment()
			return pl, err
		}
		pl.nic, pl.mtu, lockMTU = e.NIC, e.MTU, e.LockMTU
		if pl.multicast || limited {
			// Multicast and limited broadcast never go through a gateway.
			pl.broadcast = limited
			break
		}
		pl.route = ro.Handle
		nextHop = e.NextHop()
		pl.broadcast = e.Kind == stack.RouteBroadcast || (!e.Host && e.NIC.IsSubnetBroadcast(dst))
	}

	srcChanged := false
	if pl.multicast {
		if !pl.nic.HasCapability(stack.CapabilityMulticast) {
			return pl, &tcpip.ErrNetworkUnreachable{}
		}
		if flags&RouteToInterface == 0 && !bypass {
			fields.TTL = mo.TTL
		}
		if fields.SrcAddr.Unspecified() {
			fields.SrcAddr = pl.nic.PrimaryAddress()
			srcChanged = true
		}
		pl.ttl = fields.TTL
		pl.loop = mo.Loop && pl.nic.IsInGroup(dst)
	}
	if pl.broadcast {
		if !pl.nic.HasCapability(stack.CapabilityBroadcast) {
			return pl, &tcpip.ErrBadLocalAddress{}
		}
		if flags&AllowBroadcast == 0 {
			stats.BroadcastDenied.Increment()
			return pl, &tcpip.ErrBroadcastDisabled{}
		}
	}

	if fields.SrcAddr.Unspecified() {
		fields.SrcAddr = s.SelectSource(pl.nic, nextHop)
		srcChanged = true
	}
	if fields.SrcAddr.Unspecified() || header.IsV4MulticastAddress(fields.SrcAddr) {
		return pl, &tcpip.ErrBadLocalAddress{}
	}

	size := pkt.Size() - hlen + fields.HeaderLength()
	if size > MaxTotalSize {
		return pl, &tcpip.ErrMessageTooLong{}
	}
	pl.gso = gsoInEffect(pkt, pl.nic)
	if pl.broadcast && !pl.gso && size > int(pl.mtu) {
		return pl, &tcpip.ErrMessageTooLong{}
	}
	if flags&(NoIdentifier|Forwarding) == 0 && !(flags&Raw != 0 && fields.ID != 0) {
		switch {
		case pl.gso:
			fields.ID = p.ids.next(fields.SrcAddr, finalDst, fields.Protocol, pkt.GSOOptions.Segments)
		case size <= header.IPv4MinimumProcessableDatagramSize:
			fields.ID = 0
		default:
			fields.ID = p.ids.next(fields.SrcAddr, finalDst, fields.Protocol, 1)
		}
	}
	if flags&PathMTUDiscovery != 0 && !lockMTU {
		fields.Flags |= header.IPv4FlagDontFragment
	}

	// Serialize the header.
	fields.TotalLength = uint16(size)
	fields.Checksum = 0
	if newLen := fields.HeaderLength(); newLen != hlen {
		h := buffer.NewView(newLen)
		header.IPv4(h).Encode(&fields)
		pkt.ReplaceHeader(hlen, h)
	} else {
		hdr.Encode(&fields)
	}
	if srcChanged {
		if err := seedPseudoHeader(pkt, fields.SrcAddr, finalDst); err != nil {
			return pl, err
		}
	}

	if err := p.runFilters(pkt, pl.nic, flags); err != nil {
		return pl, err
	}
	if err := p.negotiateChecksums(pkt, pl.nic); err != nil {
		return pl, err
	}
	return pl, nil
}

// runFilters offers pkt to every filter in order. The caller keeps pkt.
func (p *Protocol) runFilters(pkt *stack.PacketBuffer, nic *stack.NIC, flags OutputFlags) tcpip.Error {
	filters := p.stack.Filters()
	if len(filters) == 0 {
		return nil
	}
	dir := stack.DirectionOutput
	if flags&Forwarding != 0 {
		dir = stack.DirectionForward
	}
	for _, f := range filters {
		v, err := f.Check(pkt, nic, dir)
		if err != nil {
			return err
		}
		if v == stack.FilterDrop {
			p.stack.Stats().IP.FilterDropped.Increment()
			return &tcpip.ErrNotPermitted{}
		}
	}
	// Filters may have rewritten the datagram.
	hdr, ok := pkt.NetworkHeader()
	if !ok || pkt.Size() > MaxTotalSize {
		return &tcpip.ErrMalformedHeader{}
	}
	hdr.SetTotalLength(uint16(pkt.Size()))
	return nil
}

// send transmits pkt whole, or split into fragments when it does not fit
// the MTU. It takes over pkt.
func (p *Protocol) send(pkt *stack.PacketBuffer, pl plan, flags OutputFlags, ep *Endpoint, deferSecurity bool) tcpip.Error {
	stats := &p.stack.Stats().IP
	if pkt.Size() <= int(pl.mtu) || pl.gso {
		if err := p.transmit(pkt, pl, deferSecurity); err != nil {
			return err
		}
		if pl.multicast {
			stats.MulticastSent.Increment()
		}
		return nil
	}

	hdr, ok := pkt.NetworkHeader()
	if !ok {
		pkt.DecRef()
		return &tcpip.ErrMalformedHeader{}
	}
	if hdr.Flags()&header.IPv4FlagDontFragment != 0 {
		stats.CantFragment.Increment()
		if flags&ReportMTU != 0 && ep != nil {
			ep.errorMTU.Store(pl.mtu)
		}
		p.dropLog.Debugf("datagram of %d bytes to %s exceeds MTU %d with DF set", pkt.Size(), pl.dst, pl.mtu)
		pkt.DecRef()
		return &tcpip.ErrMessageTooLong{}
	}

	frags, err := p.fragment(pkt, pl.mtu)
	if err != nil {
		stats.FragmentationErrors.Increment()
		return err
	}
	// Queue every fragment or none.
	if room, ok := pl.nic.QueueRoom(); ok && room < frags.Len() {
		p.dropLog.Debugf("%s has room for %d of %d fragments", pl.nic, room, frags.Len())
		frags.DecRef()
		return &tcpip.ErrNoBufferSpace{}
	}
	stats.Fragmented.Increment()
	stats.FragmentsCreated.IncrementBy(uint64(frags.Len()))
	for f := frags.PopFront(); f != nil; f = frags.PopFront() {
		if err := p.transmit(f, pl, deferSecurity); err != nil {
			frags.DecRef()
			return err
		}
	}
	if pl.multicast {
		stats.MulticastSent.Increment()
	}
	return nil
}

// transmit hands one datagram or fragment to the route resolver. It takes
// over pkt.
func (p *Protocol) transmit(pkt *stack.PacketBuffer, pl plan, deferSecurity bool) tcpip.Error {
	if deferSecurity {
		if err := p.stack.SecurityTransform().ProcessFragment(pkt, pl.nic); err != nil {
			pkt.DecRef()
			return err
		}
	}
	if err := p.stack.Transmit(pl.nic, pkt, pl.dst, pl.route); err != nil {
		return err
	}
	p.stack.Stats().IP.PacketsSent.Increment()
	return nil
}

// loopBack delivers a copy of the multicast datagram pkt to the local host.
// The copy gets its pending checksums computed, since no link will.
func (p *Protocol) loopBack(pkt *stack.PacketBuffer, nic *stack.NIC) {
	c := pkt.Clone()
	if err := finishChecksums(c); err != nil {
		p.dropLog.Debugf("dropping looped back copy: %s", err)
		c.DecRef()
		return
	}
	p.stack.Stats().IP.LoopedBack.Increment()
	p.stack.DeliverLoopback(nic, c)
}
