package membership

import (
	"context"
	"errors"
	"slices"
	"strings"

	"github.com/dd0wney/canteen/pkg/logging"
)

// eventLoop applies inbound messages and connection events serially
func (d *Directory) eventLoop(ctx context.Context) {
	defer d.wg.Done()

	msgs := d.transport.Messages()
	conns := d.transport.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			d.handleMessage(ctx, msg)
		case ev, ok := <-conns:
			if !ok {
				return
			}
			d.handleConn(ctx, ev)
		}
	}
}

func (d *Directory) handleMessage(ctx context.Context, msg Message) {
	if msg.Topic != d.cfg.Topic || msg.From == d.transport.LocalID() {
		return
	}

	hb, err := DecodeHeartbeat(msg.Data)
	if d.metrics != nil {
		d.metrics.RecordHeartbeat("received", err)
	}
	if err != nil {
		var de *DecodeError
		if errors.As(err, &de) && d.metrics != nil {
			d.metrics.HeartbeatDecodeErrors.Inc()
		}
		d.logger.Warn("dropping malformed heartbeat", logging.Peer(msg.From), logging.Error(err))
		return
	}

	d.observe(ctx, msg.From, hb.Host)

	if len(hb.Peers) > 0 {
		d.exchange(ctx, hb.Peers)
	}
}

func (d *Directory) handleConn(ctx context.Context, ev ConnEvent) {
	if d.metrics != nil {
		d.metrics.TransportConnections.Set(float64(d.transport.ConnCount()))
	}

	switch ev.Kind {
	case Connected:
		d.logger.Debug("peer connected", logging.Peer(ev.PeerID))
		d.observe(ctx, ev.PeerID, "")
	case Disconnected:
		// Only the pruner removes records
		d.logger.Info("peer disconnected", logging.Peer(ev.PeerID))
		d.logMembers()
	}
}

// observe records a sighting of peerID and emits a join on first sight
func (d *Directory) observe(ctx context.Context, peerID, host string) {
	if peerID == "" || peerID == d.transport.LocalID() {
		return
	}

	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	now := d.clock.Now()

	d.mu.Lock()
	rec, known := d.peers[peerID]
	if !known {
		rec = &PeerRecord{PeerID: peerID, HostAddress: peerID}
		d.peers[peerID] = rec
	}
	rec.LastSeenAt = now
	if host != "" {
		rec.HostAddress = host
	}
	addr := rec.HostAddress
	d.mu.Unlock()

	if known {
		return
	}
	d.emit(ctx, Event{Type: EventJoin, PeerID: peerID, Host: addr, At: now})
	d.logMembers()
}

// prune removes every record silent for at least the TTL and emits a
// leave for each
func (d *Directory) prune(ctx context.Context) {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	now := d.clock.Now()

	d.mu.Lock()
	var removed []PeerRecord
	for id, rec := range d.peers {
		if now.Sub(rec.LastSeenAt) >= d.cfg.PeerTTL {
			removed = append(removed, *rec)
			delete(d.peers, id)
		}
	}
	d.mu.Unlock()

	if len(removed) == 0 {
		return
	}

	slices.SortFunc(removed, func(a, b PeerRecord) int {
		return strings.Compare(a.PeerID, b.PeerID)
	})
	for _, rec := range removed {
		d.logger.Info("pruned silent peer",
			logging.Peer(rec.PeerID),
			logging.Host(rec.HostAddress),
			logging.Duration("silent_for", now.Sub(rec.LastSeenAt)))
		d.emit(ctx, Event{Type: EventLeave, PeerID: rec.PeerID, Host: rec.HostAddress, At: now})
	}
	d.logMembers()
}

// emit queues ev for the dispatcher. Callers hold writeMu so events leave
// in table order.
func (d *Directory) emit(ctx context.Context, ev Event) {
	select {
	case d.events <- ev:
	case <-ctx.Done():
	}
}

// dispatchLoop fans queued events out to subscribers in order
func (d *Directory) dispatchLoop(ctx context.Context) {
	defer d.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-d.events:
			if d.metrics != nil {
				d.metrics.RecordMembershipEvent(string(ev.Type), len(d.Members()))
			}
			if err := d.broker.Publish(ctx, ev); err != nil {
				return
			}
		}
	}
}

func (d *Directory) broadcastLoop(ctx context.Context) {
	defer d.wg.Done()

	ticker := d.clock.NewTicker(d.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			d.broadcast(ctx)
		}
	}
}

// broadcast publishes one heartbeat. Failures are logged and the next
// tick tries again.
func (d *Directory) broadcast(ctx context.Context) {
	hb := Heartbeat{
		Type:      HeartbeatType,
		Host:      d.Host(),
		Timestamp: d.clock.Now().UnixMilli(),
	}
	if _, ok := d.transport.(PeerDialer); ok {
		members := d.Members()
		if len(members) > maxExchangedPeers {
			members = members[:maxExchangedPeers]
		}
		hb.Peers = members
	}

	data, err := hb.Encode()
	if err == nil {
		pubCtx, cancel := context.WithTimeout(ctx, d.cfg.HeartbeatInterval)
		err = d.transport.Publish(pubCtx, d.cfg.Topic, data)
		cancel()
	}

	if d.metrics != nil {
		d.metrics.RecordHeartbeat("sent", err)
	}
	if err != nil && ctx.Err() == nil {
		d.logger.Warn("heartbeat publish failed", logging.Error(err))
	}
}

func (d *Directory) pruneLoop(ctx context.Context) {
	defer d.wg.Done()

	ticker := d.clock.NewTicker(d.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			d.prune(ctx)
		}
	}
}

// exchange dials hosts learned from a peer's heartbeat that this node has
// not seen yet. Each host is dialed at most once.
func (d *Directory) exchange(ctx context.Context, hosts []string) {
	dialer, ok := d.transport.(PeerDialer)
	if !ok {
		return
	}

	self := d.Host()
	known := d.Members()
	for _, h := range hosts {
		if h == self || slices.Contains(known, h) {
			continue
		}
		if _, seen := d.dialed[h]; seen {
			continue
		}
		d.dialed[h] = struct{}{}

		if err := dialer.DialPeer(ctx, h); err != nil {
			d.logger.Debug("peer exchange dial failed", logging.Host(h), logging.Error(err))
			continue
		}
		d.logger.Debug("dialing peer learned by exchange", logging.Host(h))
	}
}

// logMembers logs the current member list
func (d *Directory) logMembers() {
	members := d.Members()
	d.logger.Info("cluster members", logging.Count(len(members)), logging.Strings("members", members))
}
