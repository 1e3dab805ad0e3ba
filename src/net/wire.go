package net

import (
	"fmt"

	"github.com/raptrnet/raptr/src/bft"
	"github.com/ugorji/go/codec"
)

// WireEnvelope is the frame written on the wire. The message itself is
// encoded separately and carried as an opaque payload, so the frame decoder
// does not need to know every message type.
type WireEnvelope struct {
	From    bft.NodeID
	Type    bft.MessageType
	Payload []byte
}

// WrapEnvelope converts an Envelope into its wire representation.
func WrapEnvelope(env Envelope) (*WireEnvelope, error) {
	var payload []byte
	enc := codec.NewEncoderBytes(&payload, new(codec.JsonHandle))
	if err := enc.Encode(env.Message); err != nil {
		return nil, err
	}

	return &WireEnvelope{
		From:    env.From,
		Type:    env.Message.Type(),
		Payload: payload,
	}, nil
}

// UnwrapEnvelope decodes the opaque payload back into a typed message.
func UnwrapEnvelope(wire *WireEnvelope) (Envelope, error) {
	var msg bft.Message
	switch wire.Type {
	case bft.ProposeType:
		msg = new(bft.Propose)
	case bft.QcVoteType:
		msg = new(bft.QcVote)
	case bft.CcVoteType:
		msg = new(bft.CcVote)
	case bft.TcVoteType:
		msg = new(bft.TcVote)
	case bft.AdvanceRoundType:
		msg = new(bft.AdvanceRound)
	case bft.FetchReqType:
		msg = new(bft.FetchReq)
	case bft.FetchRespType:
		msg = new(bft.FetchResp)
	default:
		return Envelope{}, fmt.Errorf("unknown message type %d", wire.Type)
	}

	dec := codec.NewDecoderBytes(wire.Payload, new(codec.JsonHandle))
	if err := dec.Decode(msg); err != nil {
		return Envelope{}, err
	}

	return Envelope{From: wire.From, Message: msg}, nil
}
