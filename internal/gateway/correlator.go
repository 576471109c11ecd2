package gateway

import (
	"context"
	"log/slog"
	"weak"

	"github.com/nvidia/carriergate/internal/carrier"
	"github.com/nvidia/carriergate/internal/executor"
	"github.com/nvidia/carriergate/internal/registry"
)

// inflightRow is one outstanding request: the client's original sequence
// number, the service it was sent to, and a weak handle to the inbound
// session waiting on the response. Using a weak.Pointer here means a
// client disconnecting mid-request does not have to be proactively
// scrubbed out of inflight — resolving a dead handle is just a miss.
type inflightRow struct {
	clientSeq uint32
	serviceID uint32
	inbound   weak.Pointer[InboundSession]
}

// Correlator owns the gateway sequence counter, the inflight request
// table, and the pool of outbound sessions, matching the original's
// listener class minus the accept loop (the Listener owns that).
// Every read-modify-write touching this state runs on a single executor,
// giving the three operations below a total order without an explicit
// lock — directly mirroring the strand discipline spec.md §4.7 requires.
type Correlator struct {
	exec *executor.Executor

	reg      *registry.Registry
	outbound map[uint32]*OutboundSession

	seq      uint64
	inflight map[uint32]inflightRow

	dropOnUpstreamDeath bool
}

func NewCorrelator(reg *registry.Registry, dropOnUpstreamDeath bool) *Correlator {
	return &Correlator{
		exec:                executor.New(256),
		reg:                 reg,
		outbound:            make(map[uint32]*OutboundSession),
		inflight:            make(map[uint32]inflightRow),
		dropOnUpstreamDeath: dropOnUpstreamDeath,
	}
}

// Run starts the correlator's serializing executor and blocks until ctx
// is cancelled. Callers must start this before dialing any outbound
// session or accepting inbound traffic.
func (c *Correlator) Run(ctx context.Context) {
	c.exec.Run(ctx)
}

// dialAll connects to every configured service before the listener starts
// accepting inbound connections, matching the original listener::run()'s
// ordering: all response sessions are live before do_accept() is called.
// A single service failing to dial is logged and skipped, not fatal —
// spec.md §7 treats a missing upstream as a per-request delivery failure,
// not a startup failure.
func (c *Correlator) dialAll() {
	for _, svc := range c.reg.All() {
		ob, err := dialOutbound(svc, c)
		if err != nil {
			slog.Warn("correlator: service unreachable at startup", "service", svc.ID, "error", err)
			continue
		}
		svcID := svc.ID
		executor.Call(c.exec, func() struct{} {
			c.outbound[svcID] = ob
			return struct{}{}
		})
	}
}

// ParseRequest is the inbound-to-outbound half of the rewrite: it looks up
// the envelope's service, allocates a fresh gateway sequence number,
// records the (gateway_seq -> client_seq, service, inbound) row, and
// rewrites env.Seq in place before the caller forwards it upstream. The
// bool return is false when no outbound session serves env.Service, in
// which case env is left untouched and the caller must drop the request.
func (c *Correlator) ParseRequest(env *carrier.Envelope, in *InboundSession) (*OutboundSession, bool) {
	type result struct {
		ob *OutboundSession
		ok bool
	}
	clientSeq := env.Seq
	service := env.Service

	r := executor.Call(c.exec, func() result {
		ob, ok := c.outbound[service]
		if !ok {
			return result{}
		}
		c.seq++
		gatewaySeq := uint32(c.seq)
		c.inflight[gatewaySeq] = inflightRow{
			clientSeq: clientSeq,
			serviceID: service,
			inbound:   weak.Make(in),
		}
		env.Seq = gatewaySeq
		return result{ob: ob, ok: true}
	})
	return r.ob, r.ok
}

// ParseResponse is the outbound-to-inbound half: it looks up the
// envelope's gateway sequence number in the inflight table, restores the
// client's original sequence number, and — if the client is still
// connected — delivers the response. A miss (unknown gateway_seq, or a
// client that has since disconnected) is a silent drop, per spec.md §7.
func (c *Correlator) ParseResponse(env *carrier.Envelope) {
	type result struct {
		clientSeq uint32
		inbound   *InboundSession
		found     bool
	}

	gatewaySeq := env.Seq
	r := executor.Call(c.exec, func() result {
		row, ok := c.inflight[gatewaySeq]
		if !ok {
			return result{}
		}
		delete(c.inflight, gatewaySeq)
		return result{clientSeq: row.clientSeq, inbound: row.inbound.Value(), found: true}
	})

	if !r.found {
		slog.Debug("correlator: response for unknown gateway sequence", "seq", gatewaySeq)
		return
	}
	if r.inbound == nil {
		return // client disconnected while the request was in flight
	}

	env.Seq = r.clientSeq
	r.inbound.deliver(carrier.EncodeBytes(env))
}

// onUpstreamClosed retires a service's outbound session. If
// dropOnUpstreamDeath is set, every client with a request still pending
// against that service is closed immediately instead of hanging until
// its own read times out client-side — SPEC_FULL.md Open Question (a).
func (c *Correlator) onUpstreamClosed(serviceID uint32) {
	type victim struct{ inbound *InboundSession }

	victims := executor.Call(c.exec, func() []victim {
		delete(c.outbound, serviceID)
		if !c.dropOnUpstreamDeath {
			return nil
		}
		var out []victim
		for seq, row := range c.inflight {
			if row.serviceID != serviceID {
				continue
			}
			delete(c.inflight, seq)
			if in := row.inbound.Value(); in != nil {
				out = append(out, victim{inbound: in})
			}
		}
		return out
	})

	for _, v := range victims {
		v.inbound.closeWithCode(1011, "upstream service closed")
	}
}

// forgetInbound is called when a client disconnects. It does not scrub
// the inflight table: a dead weak handle is resolved as a miss in
// ParseResponse, exactly as the original implementation's matching map
// never tracked liveness of the client side of a pending row either.
func (c *Correlator) forgetInbound(*InboundSession) {}

// shutdown closes every outbound session, used during graceful shutdown
// after the listener has stopped accepting; in-flight requests are not
// waited for. It then stops the
// executor's worker itself via Close rather than leaving that to the
// caller cancelling Run's context — Close is what unblocks a concurrent
// Submit/Call instead of leaving it to race the worker goroutine's exit.
func (c *Correlator) shutdown() {
	executor.Call(c.exec, func() struct{} {
		for id, ob := range c.outbound {
			ob.close()
			delete(c.outbound, id)
		}
		return struct{}{}
	})
	c.exec.Close()
}
