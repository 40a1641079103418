package service

import (
	"bytes"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/peerctl/internal/protocol"
	"github.com/danmuck/peerctl/internal/protocol/frame"
	"github.com/danmuck/peerctl/internal/reactor"
)

// handshake handles the single message a session accepts before it is
// established. Inbound sessions expect a Handshake, outbound sessions the
// HandshakeAck answering theirs.
func (s *Service) handshake(sess *Session, msg protocol.Message) {
	var (
		hello protocol.Hello
		t     = msg.Type()
	)
	switch m := msg.(type) {
	case protocol.Handshake:
		if sess.Link != reactor.Inbound {
			s.fail(sess, violation(ViolationUnexpectedMessage, "handshake on outbound session"))
			return
		}
		hello = m.Hello
	case protocol.HandshakeAck:
		if sess.Link != reactor.Outbound {
			s.fail(sess, violation(ViolationUnexpectedMessage, "handshake ack on inbound session"))
			return
		}
		hello = m.Hello
	case protocol.Error:
		s.close(sess, &RemoteError{Code: m.Code, Reason: m.Reason}, nil)
		return
	case protocol.Close:
		s.close(sess, ErrPeerClosed, nil)
		return
	default:
		s.fail(sess, violation(ViolationUnexpectedMessage, "%s before handshake", msg.Type()))
		return
	}

	if err := s.checkHello(sess, t, hello); err != nil {
		s.fail(sess, err)
		return
	}
	sess.Node = hello.Node
	sess.Agent = hello.Agent
	if s.policy.IsBlocked(hello.Node) {
		s.close(sess, ErrBlocked, protocol.Error{Code: protocol.CodeBlocked, Reason: "node blocked"})
		return
	}

	if t == frame.TypeHandshake {
		ack := protocol.Sign(frame.TypeHandshakeAck, protocol.Hello{
			Timestamp: s.stamp(),
			Nonce:     hello.Nonce,
			Agent:     s.cfg.Agent,
		}, s.signer)
		s.send(sess, protocol.HandshakeAck{Hello: ack})
	} else {
		s.dials.Established(sess.Addr)
	}
	sess.State = Established
	sess.EstablishedAt = s.now()
	sess.nonce = nil
	log.Info().Msgf("service.Service.handshake established slot=%d remote=%s node=%s agent=%q", sess.Slot, sess.Addr, sess.Node, sess.Agent)
	s.send(sess, s.announcement(sess))
}

func (s *Service) checkHello(sess *Session, t frame.Type, h protocol.Hello) error {
	if h.Version != protocol.Version {
		return violation(ViolationVersionMismatch, "got %d want %d", h.Version, protocol.Version)
	}
	if !protocol.VerifyHello(t, h) {
		return violation(ViolationBadProof, "signature does not verify for %s", h.Node)
	}
	if t == frame.TypeHandshakeAck && !bytes.Equal(h.Nonce, sess.nonce) {
		return violation(ViolationBadProof, "ack does not echo our nonce")
	}
	if h.Node == s.signer.ID() {
		return violation(ViolationSelfConnection, "%s", h.Node)
	}
	return nil
}
