// Package witness gathers witness receipts for key events and implements the
// witness side of the receipt protocol.
package witness

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"acdcd/internal/kel"
	"acdcd/internal/logger"
	"acdcd/internal/signing"
)

// Status is the result of a receipt collection.
type Status int

const (
	// ThresholdNotMet means fewer than the witness threshold receipted the
	// event before the deadline. Gathered receipts are kept for a retry.
	ThresholdNotMet Status = iota

	// ThresholdMet means enough distinct witnesses receipted the event.
	ThresholdMet
)

func (s Status) String() string {
	if s == ThresholdMet {
		return "ThresholdMet"
	}

	return "ThresholdNotMet"
}

// Outcome is the result of Collect.
type Outcome struct {
	Status   Status           // Status reports whether the threshold was reached
	Receipts []signing.Couple // Receipts are the valid receipts held for the event
	Missing  []string         // Missing are witnesses without a receipt
}

// Transport delivers protocol messages to witnesses by prefix.
type Transport interface {
	// Request sends data to witness and returns its answer.
	Request(ctx context.Context, witness string, data []byte) ([]byte, error)

	// Send delivers a one-way message to witness.
	Send(ctx context.Context, witness string, data []byte) error
}

// forwardTimeout bounds the best-effort delivery of receipts after the threshold is met.
const forwardTimeout = 5 * time.Second

// Aggregator collects witness receipts for events of the local log.
type Aggregator struct {
	log       *kel.Log  // log stores events and the receipts gathered for them
	transport Transport // transport reaches the witnesses

	wg sync.WaitGroup // wg tracks receipt forwarding
}

// NewAggregator creates an aggregator over log and transport.
func NewAggregator(log *kel.Log, transport Transport) *Aggregator {
	return &Aggregator{log: log, transport: transport}
}

// Collect requests receipts for se from every witness lacking one and waits
// until threshold distinct witnesses have receipted it or timeout elapses.
// Invalid, duplicate and failed responses are discarded without aborting the
// collection. Receipts are persisted as they arrive so a later call reuses them.
func (a *Aggregator) Collect(ctx context.Context, se *kel.SignedEvent, witnesses []string, threshold int, timeout time.Duration) *Outcome {
	prefix, sn := se.Event.Prefix, se.Event.Sn

	held := make(map[string]signing.Couple, len(witnesses))

	stored, err := a.log.Receipts(prefix, sn)
	if err != nil {
		logger.Warn("failed to read stored receipts", "prefix", prefix, "sn", sn, "error", err)
	}

	for _, c := range stored {
		if slices.Contains(witnesses, c.Witness) {
			held[c.Witness] = c
		}
	}

	if len(held) < threshold {
		a.gather(ctx, se, witnesses, threshold, timeout, held)
	}

	outcome := &Outcome{Status: ThresholdNotMet}

	for _, w := range witnesses {
		if c, ok := held[w]; ok {
			outcome.Receipts = append(outcome.Receipts, c)
		} else {
			outcome.Missing = append(outcome.Missing, w)
		}
	}

	if len(held) < threshold {
		logger.Warn("witness threshold not met",
			"prefix", prefix, "sn", sn,
			"receipts", len(held), "threshold", threshold,
			"missing", len(outcome.Missing),
		)
		return outcome
	}

	outcome.Status = ThresholdMet

	if err := a.log.MarkConfirmed(prefix, sn); err != nil {
		logger.Warn("failed to mark event confirmed", "prefix", prefix, "sn", sn, "error", err)
	}

	logger.Info("witness threshold met", "prefix", prefix, "sn", sn, "receipts", len(held), "threshold", threshold)

	if len(outcome.Receipts) > 0 {
		a.forward(se, outcome.Receipts, witnesses)
	}

	return outcome
}

// gather fans out receipt requests and adds valid receipts to held until the
// threshold is reached, every witness has answered, or the deadline passes.
func (a *Aggregator) gather(ctx context.Context, se *kel.SignedEvent, witnesses []string, threshold int, timeout time.Duration, held map[string]signing.Couple) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var pending []string
	for _, w := range witnesses {
		if _, ok := held[w]; !ok {
			pending = append(pending, w)
		}
	}

	receiptCh := make(chan *signing.Couple, len(pending))

	var wg sync.WaitGroup

	for _, w := range pending {
		wg.Add(1)

		go func(witness string) {
			defer wg.Done()

			c, err := a.requestReceipt(ctx, se, witness)
			if err != nil {
				logger.Debug("no receipt", "witness", witness, "sn", se.Event.Sn, "error", err)
			}

			receiptCh <- c
		}(w)
	}

	go func() {
		wg.Wait()
		close(receiptCh)
	}()

	for {
		select {
		case c, ok := <-receiptCh:
			if !ok {
				return
			}

			if c == nil {
				continue
			}

			if _, dup := held[c.Witness]; dup {
				continue
			}

			if _, err := a.log.AddReceipts(se.Event.Prefix, se.Event.Sn, []signing.Couple{*c}); err != nil {
				logger.Warn("discarding receipt", "witness", c.Witness, "sn", se.Event.Sn, "error", err)
				continue
			}

			held[c.Witness] = *c

			if len(held) >= threshold {
				return
			}

		case <-ctx.Done():
			return
		}
	}
}

// requestReceipt asks one witness for its receipt. A witness that lacks the
// earlier events of the log is sent a replay and asked again.
func (a *Aggregator) requestReceipt(ctx context.Context, se *kel.SignedEvent, witness string) (*signing.Couple, error) {
	unreceipted := &kel.SignedEvent{Event: se.Event, Raw: se.Raw, Sigs: se.Sigs}
	req := EncodeReceiptRequest(unreceipted.Stream())

	for attempt := 0; attempt < 2; attempt++ {
		resp, err := a.transport.Request(ctx, witness, req)
		if err != nil {
			return nil, err
		}

		msgType, err := GetMessageType(resp)
		if err != nil {
			return nil, err
		}

		switch msgType {
		case msgTypeReceipt:
			sig, err := DecodeReceipt(resp)
			if err != nil {
				return nil, err
			}

			return &signing.Couple{Witness: witness, Sig: sig}, nil

		case msgTypeRejected:
			rej, err := DecodeRejection(resp)
			if err != nil {
				return nil, err
			}

			if rej.Reason != reasonOutOfOrder || attempt > 0 {
				return nil, rej
			}

			if err := a.replay(ctx, se, witness); err != nil {
				return nil, fmt.Errorf("replay:\n%w", err)
			}

		default:
			return nil, fmt.Errorf("unexpected message type: 0x%02x", msgType)
		}
	}

	return nil, errors.New("witness still lacks earlier events after replay")
}

// replay sends the events preceding se, with their receipts, to witness.
func (a *Aggregator) replay(ctx context.Context, se *kel.SignedEvent, witness string) error {
	events, err := a.log.Events(se.Event.Prefix)
	if err != nil {
		return err
	}

	var stream []byte
	for _, ev := range events {
		if ev.Event.Sn >= se.Event.Sn {
			break
		}
		stream = append(stream, ev.Stream()...)
	}

	msg, err := EncodeReplay(stream)
	if err != nil {
		return err
	}

	resp, err := a.transport.Request(ctx, witness, msg)
	if err != nil {
		return err
	}

	if msgType, _ := GetMessageType(resp); msgType == msgTypeRejected {
		rej, err := DecodeRejection(resp)
		if err != nil {
			return err
		}
		return rej
	}

	sn, err := DecodeReplayAck(resp)
	if err != nil {
		return err
	}

	logger.Debug("witness caught up", "witness", witness, "sn", sn)

	return nil
}

// forward sends the receipted event to every witness so each holds the
// full receipt set. Delivery is best effort.
func (a *Aggregator) forward(se *kel.SignedEvent, receipts []signing.Couple, witnesses []string) {
	full := &kel.SignedEvent{Event: se.Event, Raw: se.Raw, Sigs: se.Sigs, Receipts: receipts}
	msg := EncodeForward(full.Stream())

	for _, w := range witnesses {
		a.wg.Add(1)

		go func(witness string) {
			defer a.wg.Done()

			ctx, cancel := context.WithTimeout(context.Background(), forwardTimeout)
			defer cancel()

			if err := a.transport.Send(ctx, witness, msg); err != nil {
				logger.Debug("receipt forward failed", "witness", witness, "error", err)
			}
		}(w)
	}
}

// Wait blocks until pending receipt forwards finish.
func (a *Aggregator) Wait() {
	a.wg.Wait()
}
