// Package router implements the kernel's IPC layer: ordered, acknowledged,
// backpressured mailbox delivery between processes.
//
// The base router is a pure state machine — FIFO mailboxes, overflow
// policies, pending-ack accounting — with an explicit `now` on every
// time-sensitive call. Pattern-based opcode routing and deduplication are a
// separate policy layer (see dispatch.go), not baked into the base.
package router

import (
	"errors"
	"slices"
	"time"

	"estakernel/internal/types"
)

// Envelope is one IPC transmission. Sequence numbers are strictly
// increasing per router instance.
type Envelope struct {
	Seq        uint64
	Source     types.ProcessID
	Target     types.ProcessID
	Opcode     string
	Payload    []byte
	Priority   types.Priority
	Timestamp  time.Time
	RequireAck bool
}

// OverflowPolicy decides what happens when a mailbox is at capacity.
type OverflowPolicy int

const (
	// DropNewest rejects the incoming message with ErrMailboxFull.
	DropNewest OverflowPolicy = iota
	// DropOldest evicts the head of the queue to admit the new message.
	DropOldest
	// BlockSender parks the message; the sender should block until
	// DeliverPending admits it.
	BlockSender
	// NotifySender drops the incoming message without error and flags the
	// receipt so the caller can notify the sender.
	NotifySender
)

// String returns the policy name.
func (p OverflowPolicy) String() string {
	switch p {
	case DropNewest:
		return "drop_newest"
	case DropOldest:
		return "drop_oldest"
	case BlockSender:
		return "block_sender"
	case NotifySender:
		return "notify_sender"
	default:
		return "unknown"
	}
}

// ParseOverflowPolicy converts a config-file policy name.
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch s {
	case "drop_newest":
		return DropNewest, nil
	case "drop_oldest":
		return DropOldest, nil
	case "block_sender":
		return BlockSender, nil
	case "notify_sender":
		return NotifySender, nil
	default:
		return DropNewest, errors.New("unknown overflow policy " + s)
	}
}

// Mailbox is one process's inbound queue. Size never exceeds capacity
// except transiently inside a drop-oldest replacement.
type Mailbox struct {
	Owner    types.ProcessID
	Capacity int
	Policy   OverflowPolicy

	queue   []Envelope
	pending []Envelope // parked sends under BlockSender
}

// Len returns the number of queued messages.
func (m *Mailbox) Len() int { return len(m.queue) }

// PendingLen returns the number of parked (blocked-sender) messages.
func (m *Mailbox) PendingLen() int { return len(m.pending) }

// PendingAck is an outstanding delivery receipt awaiting acknowledgment.
type PendingAck struct {
	Seq      uint64
	Source   types.ProcessID
	Target   types.ProcessID
	SentAt   time.Time
	Deadline time.Time
}

// Outcome classifies what Send did with the message.
type Outcome int

const (
	// OutcomeDelivered means the message was appended to the mailbox.
	OutcomeDelivered Outcome = iota
	// OutcomeDroppedOldest means the head was evicted to admit it.
	OutcomeDroppedOldest
	// OutcomeParked means the message waits for DeliverPending; the
	// sender should block.
	OutcomeParked
	// OutcomeDroppedNotify means the message was dropped and the caller
	// should notify the sender.
	OutcomeDroppedNotify
)

// Receipt reports the result of a successful (non-error) Send.
type Receipt struct {
	Seq     uint64
	Outcome Outcome
	// DroppedSeq is the sequence of the evicted message under DropOldest.
	DroppedSeq uint64
}

// Tagged errors for router operations.
var (
	ErrTargetNotFound  = errors.New("target process has no mailbox")
	ErrProcessNotFound = errors.New("process has no mailbox")
	ErrMailboxFull     = errors.New("mailbox full")
	ErrBackpressure    = errors.New("pending-ack backpressure triggered")
	ErrAlreadyExists   = errors.New("mailbox already registered")
	ErrPendingFull     = errors.New("blocked-sender queue full")
)

// Config bounds router state.
type Config struct {
	// DefaultCapacity is the mailbox capacity used by RegisterProcess
	// when the caller passes zero.
	DefaultCapacity int
	// MaxPendingAcks is the global ceiling on outstanding acknowledgments;
	// require-ack sends at the ceiling fail with ErrBackpressure.
	MaxPendingAcks int
	// AckTimeout is the deadline added to each require-ack send.
	AckTimeout time.Duration
}

// DefaultConfig returns the router defaults.
func DefaultConfig() Config {
	return Config{
		DefaultCapacity: 64,
		MaxPendingAcks:  10000,
		AckTimeout:      5 * time.Second,
	}
}

// Stats counts router activity.
type Stats struct {
	Sent        uint64
	Delivered   uint64
	Dropped     uint64
	Broadcasts  uint64
	AcksCreated uint64
	AcksCleared uint64
	AcksExpired uint64
}

// Router owns every mailbox and the pending-ack table. The pending-ack
// count is maintained incrementally so the backpressure check is O(1).
type Router struct {
	cfg       Config
	mailboxes map[types.ProcessID]*Mailbox
	acks      map[uint64]PendingAck
	ackCount  int
	nextSeq   uint64
	stats     Stats
}

// New creates an empty router.
func New(cfg Config) *Router {
	if cfg.DefaultCapacity <= 0 {
		cfg.DefaultCapacity = DefaultConfig().DefaultCapacity
	}
	if cfg.MaxPendingAcks <= 0 {
		cfg.MaxPendingAcks = DefaultConfig().MaxPendingAcks
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultConfig().AckTimeout
	}
	return &Router{
		cfg:       cfg,
		mailboxes: make(map[types.ProcessID]*Mailbox),
		acks:      make(map[uint64]PendingAck),
	}
}

// RegisterProcess creates a mailbox for pid. capacity zero means the
// configured default.
func (r *Router) RegisterProcess(pid types.ProcessID, capacity int, policy OverflowPolicy) error {
	if _, exists := r.mailboxes[pid]; exists {
		return ErrAlreadyExists
	}
	if capacity <= 0 {
		capacity = r.cfg.DefaultCapacity
	}
	r.mailboxes[pid] = &Mailbox{Owner: pid, Capacity: capacity, Policy: policy}
	return nil
}

// UnregisterProcess removes pid's mailbox and clears any pending acks
// addressed to it.
func (r *Router) UnregisterProcess(pid types.ProcessID) error {
	if _, ok := r.mailboxes[pid]; !ok {
		return ErrProcessNotFound
	}
	delete(r.mailboxes, pid)
	for seq, ack := range r.acks {
		if ack.Target == pid {
			delete(r.acks, seq)
			r.ackCount--
		}
	}
	return nil
}

// Send routes one message to the target mailbox. It fails fast with
// ErrTargetNotFound when no mailbox is registered, and with ErrBackpressure
// when requireAck is set while the pending-ack count is at its ceiling. A
// full mailbox is resolved by the mailbox's overflow policy.
func (r *Router) Send(source, target types.ProcessID, opcode string, payload []byte, priority types.Priority, requireAck bool, now time.Time) (Receipt, error) {
	mb, ok := r.mailboxes[target]
	if !ok {
		return Receipt{}, ErrTargetNotFound
	}
	if requireAck && r.ackCount >= r.cfg.MaxPendingAcks {
		return Receipt{}, ErrBackpressure
	}

	r.nextSeq++
	env := Envelope{
		Seq:        r.nextSeq,
		Source:     source,
		Target:     target,
		Opcode:     opcode,
		Payload:    payload,
		Priority:   priority,
		Timestamp:  now,
		RequireAck: requireAck,
	}
	r.stats.Sent++

	if len(mb.queue) < mb.Capacity {
		r.admit(mb, env, now)
		return Receipt{Seq: env.Seq, Outcome: OutcomeDelivered}, nil
	}

	switch mb.Policy {
	case DropOldest:
		dropped := mb.queue[0]
		mb.queue = mb.queue[1:]
		r.stats.Dropped++
		r.admit(mb, env, now)
		return Receipt{Seq: env.Seq, Outcome: OutcomeDroppedOldest, DroppedSeq: dropped.Seq}, nil
	case BlockSender:
		if len(mb.pending) >= mb.Capacity {
			return Receipt{}, ErrPendingFull
		}
		mb.pending = append(mb.pending, env)
		return Receipt{Seq: env.Seq, Outcome: OutcomeParked}, nil
	case NotifySender:
		r.stats.Dropped++
		return Receipt{Seq: env.Seq, Outcome: OutcomeDroppedNotify}, nil
	default: // DropNewest
		r.stats.Dropped++
		return Receipt{}, ErrMailboxFull
	}
}

// admit appends in FIFO order and creates the pending ack if required.
func (r *Router) admit(mb *Mailbox, env Envelope, now time.Time) {
	mb.queue = append(mb.queue, env)
	r.stats.Delivered++
	if env.RequireAck {
		r.acks[env.Seq] = PendingAck{
			Seq:      env.Seq,
			Source:   env.Source,
			Target:   env.Target,
			SentAt:   now,
			Deadline: now.Add(r.cfg.AckTimeout),
		}
		r.ackCount++
		r.stats.AcksCreated++
	}
}

// Receive pops the head of pid's mailbox. ok is false when the mailbox is
// empty.
func (r *Router) Receive(pid types.ProcessID) (Envelope, bool, error) {
	mb, found := r.mailboxes[pid]
	if !found {
		return Envelope{}, false, ErrProcessNotFound
	}
	if len(mb.queue) == 0 {
		return Envelope{}, false, nil
	}
	env := mb.queue[0]
	mb.queue = mb.queue[1:]
	return env, true, nil
}

// ReceivePriority removes and returns the first message at or above min,
// preserving the relative order of the remainder.
func (r *Router) ReceivePriority(pid types.ProcessID, min types.Priority) (Envelope, bool, error) {
	mb, found := r.mailboxes[pid]
	if !found {
		return Envelope{}, false, ErrProcessNotFound
	}
	for i, env := range mb.queue {
		if env.Priority >= min {
			mb.queue = append(mb.queue[:i], mb.queue[i+1:]...)
			return env, true, nil
		}
	}
	return Envelope{}, false, nil
}

// Acknowledge clears the pending ack for seq. Unknown sequences are not an
// error; the ack may already have timed out.
func (r *Router) Acknowledge(seq uint64) bool {
	if _, ok := r.acks[seq]; !ok {
		return false
	}
	delete(r.acks, seq)
	r.ackCount--
	r.stats.AcksCleared++
	return true
}

// CheckAckTimeouts removes every pending ack whose deadline has passed and
// returns their sequence numbers in ascending order. The router never
// retries; retry or failure handling belongs to the caller.
func (r *Router) CheckAckTimeouts(now time.Time) []uint64 {
	var expired []uint64
	for seq, ack := range r.acks {
		if now.After(ack.Deadline) {
			expired = append(expired, seq)
			delete(r.acks, seq)
			r.ackCount--
			r.stats.AcksExpired++
		}
	}
	slices.Sort(expired)
	return expired
}

// Broadcast fans a message out to every registered mailbox except the
// source's own, without requiring acknowledgment. Targets are visited in
// ascending pid order so sequence assignment is identical across replays.
// Full mailboxes resolve through their own overflow policy; per-target
// failures are skipped.
func (r *Router) Broadcast(source types.ProcessID, opcode string, payload []byte, priority types.Priority, now time.Time) int {
	pids := make([]types.ProcessID, 0, len(r.mailboxes))
	for pid := range r.mailboxes {
		if pid != source {
			pids = append(pids, pid)
		}
	}
	slices.Sort(pids)

	delivered := 0
	for _, pid := range pids {
		if _, err := r.Send(source, pid, opcode, payload, priority, false, now); err == nil {
			delivered++
		}
	}
	r.stats.Broadcasts++
	return delivered
}

// DeliverPending drains pid's blocked-sender parking queue into the
// mailbox while capacity allows, preserving send order. Returns the number
// admitted.
func (r *Router) DeliverPending(pid types.ProcessID, now time.Time) (int, error) {
	mb, ok := r.mailboxes[pid]
	if !ok {
		return 0, ErrProcessNotFound
	}
	admitted := 0
	for len(mb.pending) > 0 && len(mb.queue) < mb.Capacity {
		env := mb.pending[0]
		mb.pending = mb.pending[1:]
		r.admit(mb, env, now)
		admitted++
	}
	return admitted, nil
}

// PendingAckCount returns the outstanding ack count (the O(1) counter).
func (r *Router) PendingAckCount() int {
	return r.ackCount
}

// MailboxLen returns the queue depth of pid's mailbox.
func (r *Router) MailboxLen(pid types.ProcessID) (int, error) {
	mb, ok := r.mailboxes[pid]
	if !ok {
		return 0, ErrProcessNotFound
	}
	return mb.Len(), nil
}

// Registered reports whether pid has a mailbox.
func (r *Router) Registered(pid types.ProcessID) bool {
	_, ok := r.mailboxes[pid]
	return ok
}

// Stats returns a copy of the counters.
func (r *Router) Stats() Stats {
	return r.stats
}
