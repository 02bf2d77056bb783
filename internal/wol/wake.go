// Package wol sends Wake-on-LAN magic packets and verifies that targets
// actually come up.
package wol

import (
	"context"
	"fmt"
	"net"

	"github.com/mdlayher/wol"
	"github.com/rs/zerolog"
)

// DefaultBroadcast is the magic-packet destination: limited broadcast on
// the discard port.
const DefaultBroadcast = "255.255.255.255:9"

// Waker sends magic packets.
type Waker struct {
	log       zerolog.Logger
	broadcast string
}

// NewWaker creates a Waker aimed at addr; empty addr uses DefaultBroadcast.
func NewWaker(log zerolog.Logger, addr string) *Waker {
	if addr == "" {
		addr = DefaultBroadcast
	}
	return &Waker{
		log:       log.With().Str("component", "wol").Logger(),
		broadcast: addr,
	}
}

// Wake sends one magic packet to the canonicalised MAC.
func (w *Waker) Wake(ctx context.Context, mac string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	target, err := net.ParseMAC(mac)
	if err != nil {
		return fmt.Errorf("parse MAC %q: %w", mac, err)
	}

	client, err := wol.NewClient()
	if err != nil {
		return fmt.Errorf("create WoL client: %w", err)
	}
	defer client.Close()

	if err := client.Wake(w.broadcast, target); err != nil {
		return fmt.Errorf("send magic packet to %s: %w", mac, err)
	}
	w.log.Debug().Str("mac", mac).Str("broadcast", w.broadcast).Msg("magic packet sent")
	return nil
}
