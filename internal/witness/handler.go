package witness

import (
	"errors"
	"fmt"
	"slices"

	"acdcd/internal/kel"
	"acdcd/internal/logger"
	"acdcd/internal/network"
	"acdcd/internal/signing"
)

// Handler is the witness side of the protocol: it validates events against
// its own copy of each log and receipts the ones it is a witness for.
type Handler struct {
	log    *kel.Log       // log is the witness's copy of controller logs
	signer signing.Signer // signer is the witness key
	prefix string         // prefix is the witness's non-transferable identifier
}

// NewHandler creates a witness handler signing with signer.
func NewHandler(log *kel.Log, signer signing.Signer) *Handler {
	return &Handler{
		log:    log,
		signer: signer,
		prefix: signing.Prefix(signing.CodeNonTransferable, signer.PublicKey()),
	}
}

// Prefix returns the witness identifier.
func (h *Handler) Prefix() string {
	return h.prefix
}

// Register installs the handler on a network node.
func (h *Handler) Register(node *network.Node) {
	node.OnRequest(h.HandleRequest)
	node.OnMessage(h.HandleMessage)
}

// HandleRequest answers a request from a controller.
// Designed to be used as network.Node.OnRequest handler.
func (h *Handler) HandleRequest(_ *network.Peer, data []byte) ([]byte, error) {
	return h.Process(data)
}

// Process answers an encoded request independent of the transport.
func (h *Handler) Process(data []byte) ([]byte, error) {
	msgType, err := GetMessageType(data)
	if err != nil {
		return nil, err
	}

	switch msgType {
	case msgTypeReceiptRequest:
		return h.processReceiptRequest(data[1:]), nil
	case msgTypeReplay:
		return h.processReplay(data)
	}

	return nil, fmt.Errorf("unexpected message type: 0x%02x", msgType)
}

// HandleMessage stores receipts forwarded after an event reached its threshold.
// Designed to be used as network.Node.OnMessage handler.
func (h *Handler) HandleMessage(_ *network.Peer, data []byte) {
	if len(data) == 0 || data[0] != msgTypeForward {
		return
	}

	se, _, err := kel.ParseSignedEvent(data[1:])
	if err != nil {
		logger.Debug("dropping forwarded receipts", "error", err)
		return
	}

	if _, err := h.log.Append(se); err != nil && !errors.Is(err, kel.ErrDuplicate) {
		logger.Debug("dropping forwarded receipts", "prefix", se.Event.Prefix, "sn", se.Event.Sn, "error", err)
	}
}

// processReceiptRequest validates and receipts one event.
func (h *Handler) processReceiptRequest(stream []byte) []byte {
	se, _, err := kel.ParseSignedEvent(stream)
	if err != nil {
		return reject(reasonInvalid, err)
	}

	prefix, sn := se.Event.Prefix, se.Event.Sn

	if se.Event.Type == kel.Rotation {
		state, err := h.log.State(prefix)
		if errors.Is(err, kel.ErrUnknownPrefix) || (err == nil && state.Sn+1 < sn) {
			return reject(reasonOutOfOrder, fmt.Errorf("missing events before sn %d", sn))
		}
	}

	if _, err := h.log.Append(se); err != nil && !errors.Is(err, kel.ErrDuplicate) {
		return reject(reasonInvalid, err)
	}

	state, err := h.log.StateAt(prefix, sn)
	if err != nil {
		return reject(reasonInvalid, err)
	}

	if !slices.Contains(state.Witnesses, h.prefix) {
		return reject(reasonNotWitness, fmt.Errorf("%s is not a witness of %s at sn %d", h.prefix, prefix, sn))
	}

	// Re-receipting a logged event uses the stored event bytes.
	logged, err := h.log.Event(prefix, sn)
	if err != nil {
		return reject(reasonInvalid, err)
	}

	sig := h.signer.Sign(logged.Raw)

	if _, err := h.log.AddReceipts(prefix, sn, []signing.Couple{{Witness: h.prefix, Sig: sig}}); err != nil {
		logger.Warn("failed to store own receipt", "prefix", prefix, "sn", sn, "error", err)
	}

	logger.Debug("event receipted", "prefix", prefix, "sn", sn)

	return EncodeReceipt(sig)
}

// processReplay appends a controller's replayed log.
func (h *Handler) processReplay(data []byte) ([]byte, error) {
	stream, err := DecodeReplay(data)
	if err != nil {
		return nil, fmt.Errorf("decode replay:\n%w", err)
	}

	events, err := kel.ParseStream(stream)
	if err != nil {
		return reject(reasonInvalid, err), nil
	}

	if len(events) == 0 {
		return reject(reasonInvalid, errors.New("empty replay")), nil
	}

	for _, se := range events {
		if _, err := h.log.Append(se); err != nil && !errors.Is(err, kel.ErrDuplicate) {
			return reject(reasonInvalid, fmt.Errorf("replay sn %d:\n%w", se.Event.Sn, err)), nil
		}
	}

	state, err := h.log.State(events[0].Event.Prefix)
	if err != nil {
		return nil, err
	}

	logger.Info("log replayed", "prefix", state.Prefix, "sn", state.Sn, "events", len(events))

	return EncodeReplayAck(state.Sn), nil
}

func reject(reason byte, err error) []byte {
	return EncodeRejection(&Rejection{Reason: reason, Message: err.Error()})
}
