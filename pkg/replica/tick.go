package replica

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"

	"github.com/QYUbit/cosync/pkg/crdt"
	"github.com/QYUbit/cosync/pkg/entity"
	"github.com/QYUbit/cosync/pkg/events"
	"github.com/QYUbit/cosync/pkg/remap"
	"github.com/QYUbit/cosync/pkg/transport"
)

// Tick runs one synchronization pass. It must not be called concurrently.
func (r *Replica) Tick(ctx context.Context) error {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return ErrClosed
	}

	links := r.snapshot()

	for _, msg := range r.collect() {
		r.broadcast(links, nil, msg)
	}
	// outbound deletes need the network key, so bindings go only after encoding
	for _, e := range r.reg.RemovedEntities() {
		r.mapper.Forget(e)
	}

	var errs []error
	if err := r.flush(ctx, links); err != nil {
		errs = append(errs, err)
	}

	for _, l := range links {
		r.drain(links, l)
	}

	if err := r.flush(ctx, links); err != nil {
		errs = append(errs, err)
	}

	r.reg.ClearDirty()
	r.stats.ticks.Add(1)
	return errors.Join(errs...)
}

// collect stamps every local change since the last tick.
func (r *Replica) collect() []crdt.Message {
	var out []crdt.Message
	for _, c := range r.reg.ComponentIDs() {
		for _, e := range r.reg.DirtyEntities(c) {
			if !r.reg.Has(e, c) {
				if msg, ok := r.state.StampDelete(e, c); ok {
					out = append(out, msg)
				}
				continue
			}

			r.scratch.ResetBuffer()
			if err := r.reg.Serialize(e, c, r.scratch); err != nil {
				r.log.Error("serializing component", "entity", e.String(), "component", uint32(c), "error", err)
				continue
			}
			data := append([]byte(nil), r.scratch.Bytes()...)
			if msg, ok := r.state.Stamp(e, c, data); ok {
				out = append(out, msg)
			}
		}

		for e, data := range r.reg.PendingAppends(c) {
			if msg, ok := r.state.StampAppend(e, c, append([]byte(nil), data...)); ok {
				out = append(out, msg)
			}
		}
	}

	for _, e := range r.reg.RemovedEntities() {
		if msg, ok := r.state.DeleteEntity(e); ok {
			out = append(out, msg)
		}
	}
	return out
}

// broadcast encodes msg for every link except from. Messages that originate here
// carry no origin type, relayed ones carry the type they arrived on.
func (r *Replica) broadcast(links []*link, from *link, msg crdt.Message) {
	origin := ""
	if from != nil {
		origin = from.t.Type()
	}
	for _, l := range links {
		if l == from {
			continue
		}
		r.encode(l, msg, origin)
	}
}

// encode writes the local-form msg into l's send buffer in the variant l speaks.
func (r *Replica) encode(l *link, msg crdt.Message, origin string) {
	wire := msg
	if l.t.Networked() {
		if msg.Kind == crdt.KindAppendValue {
			return
		}
		var err error
		if wire, err = r.mapper.Outbound(msg); err != nil {
			r.log.Warn("mapping outbound message", "transport", l.t.Type(), "message", msg.String(), "error", err)
			return
		}
	}

	if !l.t.Filter(wire.Meta(origin)) {
		return
	}
	if err := crdt.WriteMessage(l.out, wire); err != nil {
		r.log.Warn("encoding message", "transport", l.t.Type(), "message", wire.String(), "error", err)
		return
	}
	r.stats.sent.Add(1)
}

// flush sends every non-empty send buffer, one Send per transport.
func (r *Replica) flush(ctx context.Context, links []*link) error {
	var g errgroup.Group
	for _, l := range links {
		if l.out.RemainingBytes() == 0 {
			continue
		}
		data := append([]byte(nil), l.out.Bytes()...)
		l.out.ResetBuffer()

		t := l.t
		g.Go(func() error {
			if err := t.Send(ctx, data); err != nil {
				r.stats.sendErrors.Add(1)
				r.log.Warn("send failed", "transport", t.Type(), "bytes", len(data), "error", err)
				return transport.ErrTransportSend{Type: t.Type(), Err: err}
			}
			return nil
		})
	}
	return g.Wait()
}

// drain decodes every complete message queued on l. A partial message stays
// buffered until the rest arrives.
func (r *Replica) drain(links []*link, l *link) {
	for _, chunk := range l.take() {
		_, _ = l.in.Write(chunk)
	}

	for crdt.Validate(l.in) {
		h, _ := crdt.PeekHeader(l.in)
		if !h.Type.Known() {
			crdt.ConsumeMessage(l.in)
			r.stats.skipped.Add(1)
			r.log.Debug("skipping unknown message type", "transport", l.t.Type(), "type", uint32(h.Type))
			continue
		}

		msg, err := crdt.ReadMessage(l.in)
		if errors.Is(err, crdt.ErrIncomplete) {
			break
		}
		if err != nil {
			r.stats.skipped.Add(1)
			r.log.Warn("skipping malformed message", "transport", l.t.Type(), "type", h.Type.String(), "error", err)
			continue
		}
		r.handle(links, l, msg)
	}
	l.in.Compact()
}

func (r *Replica) handle(links []*link, l *link, msg crdt.Message) {
	r.stats.received.Add(1)

	if l.t.Networked() != (msg.Network != nil) {
		r.stats.skipped.Add(1)
		r.log.Warn("message variant does not match transport", "transport", l.t.Type(), "message", msg.String())
		return
	}

	fresh := false
	if l.t.Networked() {
		key, _ := msg.NetworkEntity()
		_, known := r.mapper.Lookup(key)

		local, err := r.mapper.Inbound(msg)
		if errors.Is(err, remap.ErrTombstoned) {
			r.stats.outcome(crdt.EntityAlreadyDeleted)
			return
		}
		if err != nil {
			r.log.Warn("mapping inbound message", "transport", l.t.Type(), "message", msg.String(), "error", err)
			return
		}
		fresh = !known
		msg = local
	}

	changed := r.process(links, l, msg, true)

	// children whose parent just got a local id, patched in place of the root
	resolved := r.mapper.TakeResolved()
	if fresh && !changed && len(resolved) == 0 {
		// the entity was allocated for a message that left no state behind
		r.mapper.Unbind(msg.Entity)
		r.reg.DropEntity(msg.Entity)
	}
	for _, patched := range resolved {
		r.process(links, l, patched, false)
	}
}

// process reconciles one local-form message and reports whether it left state for
// msg.Entity behind.
func (r *Replica) process(links []*link, l *link, msg crdt.Message, correct bool) bool {
	origin := l.t.Type()

	if err := r.validate(msg, origin); err != nil {
		return r.reject(links, l, msg, err)
	}

	outcome := r.state.Process(msg)
	r.stats.outcome(outcome)

	switch {
	case outcome.Accepted():
		if err := r.apply(msg); err != nil {
			r.log.Warn("applying message", "transport", origin, "message", msg.String(), "error", err)
		}
		events.Publish(r.bus, events.ComponentApplied{
			Entity:    msg.Entity,
			Component: msg.Component,
			Kind:      msg.Kind,
			Outcome:   outcome,
			Origin:    origin,
		})
		r.broadcast(links, l, msg)

	case outcome == crdt.EntityNowDeleted:
		dropped, ok := r.reg.DropEntity(msg.Entity)
		events.Publish(r.bus, events.EntityDeleted{Entity: msg.Entity, Origin: origin})
		r.broadcast(links, l, msg)
		r.mapper.Forget(msg.Entity)
		if ok && dropped != msg.Entity {
			r.log.Debug("older incarnation dropped", "entity", dropped.String(), "deleted", msg.Entity.String())
			r.mapper.Forget(dropped)
		}

	case outcome.Outdated() && correct:
		if cur, ok := r.state.Current(msg.Entity, msg.Component); ok {
			r.encode(l, cur, "")
		}
	}
	return outcome.Accepted() || outcome == crdt.EntityNowDeleted
}

func (r *Replica) apply(msg crdt.Message) error {
	if msg.Kind == crdt.KindDeleteComponent {
		r.reg.Delete(msg.Entity, msg.Component)
		return nil
	}
	if !r.reg.Claim(msg.Entity) {
		return errEntityUnavailable{Entity: msg.Entity}
	}
	if msg.Kind == crdt.KindAppendValue {
		return r.reg.AppendFromWire(msg.Entity, msg.Component, msg.Data)
	}
	return r.reg.ApplyFromWire(msg.Entity, msg.Component, msg.Data)
}

func (r *Replica) validate(msg crdt.Message, origin string) error {
	if r.role != RoleAuthority {
		return nil
	}
	if msg.Kind == crdt.KindDeleteEntity {
		if r.deleteValidator == nil {
			return nil
		}
		return r.deleteValidator(msg, origin)
	}
	if v, ok := r.validators[msg.Component]; ok {
		return v(msg, origin)
	}
	return nil
}

// reject drops a message the authority refused. With correction enabled the
// authority restamps its own value above the rejected one and sends it to everyone,
// so the sender's local write is overwritten. It reports whether it did so.
func (r *Replica) reject(links []*link, l *link, msg crdt.Message, reason error) bool {
	r.stats.rejected.Add(1)
	r.log.Info("message rejected", "transport", l.t.Type(), "message", msg.String(), "reason", reason)
	events.Publish(r.bus, events.MessageRejected{Message: msg, Origin: l.t.Type(), Reason: reason})

	if !r.correctRejected {
		return false
	}
	switch msg.Kind {
	case crdt.KindPutComponent, crdt.KindDeleteComponent:
	default:
		return false
	}
	if r.state.Tombstones().Deleted(msg.Entity) {
		return false
	}
	fix := r.state.Reassert(msg.Entity, msg.Component, msg.Timestamp)
	r.broadcast(links, nil, fix)
	return true
}

type errEntityUnavailable struct {
	Entity entity.ID
}

func (e errEntityUnavailable) Error() string {
	return "entity " + e.Entity.String() + " cannot be claimed in the registry"
}
