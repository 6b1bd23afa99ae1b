package router

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"estakernel/internal/types"
)

// Dispatcher is an optional policy layer over the base Router: it routes by
// opcode pattern ("accrual.*" prefix matching) and suppresses duplicate
// messages seen within a time window. The base router's FIFO and
// backpressure semantics are untouched underneath.
type Dispatcher struct {
	router      *Router
	routes      []route
	dedupWindow time.Duration
	seen        map[string]time.Time
}

type route struct {
	pattern string
	target  types.ProcessID
}

// Dispatcher errors.
var (
	ErrNoRoute   = errors.New("no route matches opcode")
	ErrDuplicate = errors.New("duplicate message within dedup window")
)

// NewDispatcher wraps a router. A dedupWindow of zero disables
// deduplication.
func NewDispatcher(r *Router, dedupWindow time.Duration) *Dispatcher {
	return &Dispatcher{
		router:      r,
		dedupWindow: dedupWindow,
		seen:        make(map[string]time.Time),
	}
}

// AddRoute binds an opcode pattern to a target process. Patterns are either
// exact opcodes ("accrual.compute") or a prefix wildcard ("accrual.*").
// Routes match in registration order; the first match wins.
func (d *Dispatcher) AddRoute(pattern string, target types.ProcessID) {
	d.routes = append(d.routes, route{pattern: pattern, target: target})
}

// MatchPattern reports whether opcode matches pattern.
func MatchPattern(pattern, opcode string) bool {
	if prefix, ok := strings.CutSuffix(pattern, ".*"); ok {
		return opcode == prefix || strings.HasPrefix(opcode, prefix+".")
	}
	return pattern == opcode
}

// Dispatch resolves the opcode to a target and sends through the base
// router. Duplicates (same source, opcode, and payload) within the dedup
// window fail with ErrDuplicate before any routing happens.
func (d *Dispatcher) Dispatch(source types.ProcessID, opcode string, payload []byte, priority types.Priority, requireAck bool, now time.Time) (Receipt, error) {
	if d.dedupWindow > 0 {
		key := dedupKey(source, opcode, payload)
		if last, ok := d.seen[key]; ok && now.Sub(last) < d.dedupWindow {
			return Receipt{}, ErrDuplicate
		}
		d.seen[key] = now
	}

	for _, rt := range d.routes {
		if MatchPattern(rt.pattern, opcode) {
			return d.router.Send(source, rt.target, opcode, payload, priority, requireAck, now)
		}
	}
	return Receipt{}, ErrNoRoute
}

// PruneSeen drops dedup entries older than the window. Callers run this
// periodically (e.g. once per kernel tick) to bound memory.
func (d *Dispatcher) PruneSeen(now time.Time) int {
	if d.dedupWindow <= 0 {
		return 0
	}
	pruned := 0
	for key, at := range d.seen {
		if now.Sub(at) >= d.dedupWindow {
			delete(d.seen, key)
			pruned++
		}
	}
	return pruned
}

func dedupKey(source types.ProcessID, opcode string, payload []byte) string {
	sum := sha256.Sum256(payload)
	return source.String() + "|" + opcode + "|" + hex.EncodeToString(sum[:8])
}
