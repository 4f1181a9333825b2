// Package transport moves envelopes between a gadget and its host.
//
// A Channel carries opaque frames tagged with the sender's origin. The
// Adapter sits on top of a Channel: it encodes outbound envelopes with a
// Codec and, on the inbound side, discards every frame whose origin is not
// the trusted host origin before decoding and validating it. Accepted
// envelopes are handed, in arrival order, to the single registered handler.
//
// Three channels are provided:
//
//   - NewMemoryPair: an in-process pair used by tests and embedding hosts
//   - DialWebSocket: a gorilla/websocket client connection
//   - DialSocketIO: a Socket.IO client using the "message" event
//
// Example usage:
//
//	ch, err := transport.DialWebSocket(ctx, "wss://host.example/gadget", transport.WebSocketOptions{})
//	if err != nil {
//	    return err
//	}
//	adapter, err := transport.New(ch, transport.JSONCodec{}, "https://host.example", log)
//	if err != nil {
//	    return err
//	}
//	adapter.OnReceive(func(ctx context.Context, env *types.Envelope) {
//	    // route the envelope
//	})
//	if err := adapter.Start(ctx); err != nil {
//	    return err
//	}
package transport
