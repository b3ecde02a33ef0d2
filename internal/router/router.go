// Package router decodes an inbound S-expression command frame,
// dispatches to the network-operations façade by verb and arity, and
// serializes the reply.
package router

import (
	"github.com/ngcxy/netconfigd/internal/sexpr"
)

// Ops is the subset of internal/netops.Ops the router dispatches to.
type Ops interface {
	Enumerate() string
	Enable(ifname string) string
	Disable(ifname string) string
	DHCPOn(ifname string) string
	DHCPOff(ifname string) string
	SetStatic(ifname, ipv4, prefix, gateway string) string
}

// Status is the subset of status-reporting state surfaced by the
// supplemented "status" verb.
type Status interface {
	StatusLine() string
}

type commandSpec struct {
	arity int // total tokens including the verb
	call  func(r *Router, tokens []string) string
}

// Router holds the closed verb dispatch table described by the wire
// protocol, plus the supplemented status verb.
type Router struct {
	ops    Ops
	status Status

	table map[string]commandSpec
}

// New builds a Router wired to ops (and, for the supplemented "status"
// verb, a status source).
func New(ops Ops, status Status) *Router {
	r := &Router{ops: ops, status: status}
	r.table = map[string]commandSpec{
		"enumerate": {arity: 1, call: func(r *Router, _ []string) string {
			return r.ops.Enumerate()
		}},
		"on": {arity: 2, call: func(r *Router, t []string) string {
			return r.ops.Enable(t[1])
		}},
		"off": {arity: 2, call: func(r *Router, t []string) string {
			return r.ops.Disable(t[1])
		}},
		"dhcpOn": {arity: 2, call: func(r *Router, t []string) string {
			return r.ops.DHCPOn(t[1])
		}},
		"dhcpOff": {arity: 2, call: func(r *Router, t []string) string {
			return r.ops.DHCPOff(t[1])
		}},
		"setStatic": {arity: 5, call: func(r *Router, t []string) string {
			return r.ops.SetStatic(t[1], t[2], t[3], t[4])
		}},
		"status": {arity: 1, call: func(r *Router, _ []string) string {
			if r.status == nil {
				return "error(status unavailable)"
			}
			return r.status.StatusLine()
		}},
	}
	return r
}

// Handle decodes frame, dispatches it, and returns the encoded
// response. A frame that fails to decode at all uses the literal verb
// "error" with body "invalid S-expression format" — the only case
// where the echoed verb is not the original request's verb.
func (r *Router) Handle(frame string) string {
	tokens := sexpr.Decode(frame)
	if len(tokens) == 0 {
		return sexpr.Encode("error", "invalid S-expression format")
	}

	verb := tokens[0]
	spec, ok := r.table[verb]
	if !ok || len(tokens) != spec.arity {
		return sexpr.Encode(verb, "error(unknown command or invalid arguments)")
	}

	body := spec.call(r, tokens)
	return sexpr.Encode(verb, body)
}
