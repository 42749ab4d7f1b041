package transport

import (
	"context"
	"fmt"

	"github.com/flynn/noise"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/wasession/crypto"
	wanoise "github.com/opd-ai/wasession/noise"
)

// HandshakeConfig parameterizes the Noise handshake run by Connect. The
// session always acts as initiator.
type HandshakeConfig struct {
	Pattern    wanoise.Pattern
	Suite      string
	Prologue   []byte
	StaticKey  *crypto.KeyPair
	PeerStatic []byte
	VerifyPeer func(remoteStatic, payload []byte) error
	// Payload builds the authenticated payload carried with our static key,
	// given the payload the server sent with its own (nil for IK).
	Payload func(serverPayload []byte) ([]byte, error)
}

// handshakeResult carries the negotiated channel out of performHandshake.
type handshakeResult struct {
	send         *noise.CipherState
	recv         *noise.CipherState
	remoteStatic []byte
	peerPayload  []byte
}

// performHandshake drives an initiator handshake over sock. Cancelling ctx
// closes the socket so a blocked read returns.
func performHandshake(ctx context.Context, sock FrameSocket, cfg HandshakeConfig, logger logrus.FieldLogger) (*handshakeResult, error) {
	hs, err := wanoise.NewHandshake(wanoise.Config{
		Pattern:    cfg.Pattern,
		Suite:      cfg.Suite,
		Role:       wanoise.Initiator,
		Prologue:   cfg.Prologue,
		StaticKey:  cfg.StaticKey,
		PeerStatic: cfg.PeerStatic,
		VerifyPeer: cfg.VerifyPeer,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	stop := context.AfterFunc(ctx, func() { sock.Close() })
	defer stop()

	lastWrite := hs.MessageCount() - 1
	if lastWrite%2 == 1 {
		lastWrite--
	}

	for i := 0; i < hs.MessageCount(); i++ {
		if i%2 == 1 {
			frame, err := sock.ReadFrame()
			if err != nil {
				return nil, contextError(ctx, fmt.Errorf("read handshake message %d: %w", i+1, err))
			}
			if _, err := hs.ReadMessage(frame); err != nil {
				return nil, err
			}
			continue
		}

		var payload []byte
		if i == lastWrite && cfg.Payload != nil {
			if payload, err = cfg.Payload(hs.PeerPayload()); err != nil {
				return nil, fmt.Errorf("build handshake payload: %w", err)
			}
		}
		msg, err := hs.WriteMessage(payload)
		if err != nil {
			return nil, err
		}
		if err := sock.WriteFrame(msg); err != nil {
			return nil, contextError(ctx, fmt.Errorf("write handshake message %d: %w", i+1, err))
		}
	}

	send, recv, err := hs.CipherStates()
	if err != nil {
		return nil, err
	}
	return &handshakeResult{
		send:         send,
		recv:         recv,
		remoteStatic: hs.RemoteStaticKey(),
		peerPayload:  hs.PeerPayload(),
	}, nil
}

func contextError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w (%w)", ctxErr, err)
	}
	return err
}
