package transport

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/wasession/wire"
)

// ServerJID is the address of the server itself.
const ServerJID = "s.whatsapp.net"

// PingNode builds a keepalive ping.
func PingNode() wire.Node {
	return wire.Node{
		Tag: "iq",
		Attrs: wire.Attrs{
			{Key: "to", Value: ServerJID},
			{Key: "type", Value: "get"},
			{Key: "xmlns", Value: "w:p"},
		},
		Children: []wire.Node{{Tag: "ping"}},
	}
}

// keepAlive pings the server every KeepAliveInterval and closes the session
// with ReasonTimeout when a ping goes unanswered.
func (s *Session) keepAlive() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case <-s.clock.After(s.cfg.KeepAliveInterval):
		}

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			select {
			case <-s.done:
				cancel()
			case <-ctx.Done():
			}
		}()
		_, err := s.Query(ctx, PingNode(), QueryOptions{Timeout: s.cfg.KeepAliveTimeout})
		cancel()

		switch {
		case err == nil:
			continue
		case errors.Is(err, ErrQueryTimeout):
			s.logger.WithFields(logrus.Fields{
				"function": "keepAlive",
			}).Warn("Keepalive ping unanswered")
			s.closeWith(ReasonTimeout, err)
			return
		case s.State() == StateClosed:
			return
		}
	}
}
