package main

import (
	"time"

	"acdcd/internal/logger"
	"acdcd/internal/witness"
)

// trigger schedules a confirmation round without blocking.
func (d *Daemon) trigger() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// confirmLoop collects witness receipts for unconfirmed local events and
// publishes the log once every event is confirmed. Failed rounds are retried
// on the confirm interval.
func (d *Daemon) confirmLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.ConfirmInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
		case <-d.wake:
		}

		d.confirm()
	}
}

// confirm runs one confirmation round. Events are confirmed in order; the
// round stops at the first event below its witness threshold.
func (d *Daemon) confirm() {
	d.resolveWitnesses()

	prefix := d.controller.Prefix()

	events, err := d.controller.Events()
	if err != nil {
		logger.Warn("failed to read local log", "error", err)
		return
	}

	for _, se := range events {
		sn := se.Event.Sn

		confirmed, err := d.log.Confirmed(prefix, sn)
		if err != nil {
			logger.Warn("failed to read confirmation", "prefix", prefix, "sn", sn, "error", err)
			return
		}

		if confirmed {
			continue
		}

		state, err := d.log.StateAt(prefix, sn)
		if err != nil {
			logger.Warn("failed to read key state", "prefix", prefix, "sn", sn, "error", err)
			return
		}

		outcome := d.aggregator.Collect(d.ctx, se, state.Witnesses, state.WitnessThreshold, d.cfg.ReceiptTimeout)
		if outcome.Status != witness.ThresholdMet {
			return
		}
	}

	d.publish(prefix)
}

// publish sends the confirmed log to the resolvers when it has grown since
// the last accepted publication.
func (d *Daemon) publish(prefix string) {
	if d.resolver == nil {
		return
	}

	// Reload so the stream carries the receipts gathered this round.
	events, err := d.controller.Events()
	if err != nil || len(events) == 0 {
		return
	}

	last := int64(events[len(events)-1].Event.Sn)
	if last <= d.published {
		return
	}

	start := time.Now()

	ks, err := d.resolver.Publish(d.ctx, events)
	if err != nil {
		logger.Warn("key state publication failed", "prefix", prefix, "sn", last, "error", err)
		return
	}

	d.published = last

	logger.Info("key state published", "prefix", prefix, "sn", ks.Sn, logger.Timed(start))
}

// resolveWitnesses looks up addresses of witnesses configured by prefix only.
func (d *Daemon) resolveWitnesses() {
	d.mu.Lock()
	pending := d.unresolved
	d.unresolved = nil
	d.mu.Unlock()

	if len(pending) == 0 {
		return
	}

	if d.resolver == nil {
		logger.Warn("witness addresses unknown and no resolver configured", "witnesses", pending)
		d.mu.Lock()
		d.unresolved = append(d.unresolved, pending...)
		d.mu.Unlock()
		return
	}

	var remaining []string

	for _, prefix := range pending {
		endpoint, err := d.resolver.WitnessEndpoint(d.ctx, prefix)
		if err != nil {
			logger.Warn("witness address unknown", "witness", prefix, "error", err)
			remaining = append(remaining, prefix)
			continue
		}

		e, err := witness.ParseEndpoint(endpoint)
		if err != nil || e.Prefix != prefix {
			logger.Warn("resolver returned an invalid witness endpoint", "witness", prefix, "endpoint", endpoint)
			remaining = append(remaining, prefix)
			continue
		}

		d.transport.AddEndpoint(e)
		logger.Debug("witness address resolved", "witness", prefix, "addr", e.Addr)
	}

	if len(remaining) > 0 {
		d.mu.Lock()
		d.unresolved = append(d.unresolved, remaining...)
		d.mu.Unlock()
	}
}
