package binding

import (
	"context"
	"encoding/json"

	"github.com/myleshyson/lsprotocol-go/protocol"
	"github.com/sourcegraph/jsonrpc2"
)

// handleInitialize runs spec.md §4.6 steps 3–5: start (or await) C5,
// bind the per-client forwarding handlers, then answer the client's
// initialize with C5's capabilities transformed for a downstream client.
func (b *Binding) handleInitialize(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params protocol.InitializeParams
	_ = json.Unmarshal(*req.Params, &params)

	b.mu.Lock()
	b.clientCapabilities = &params.Capabilities
	b.mu.Unlock()

	if _, err := b.client.Start(ctx, params); err != nil {
		b.initializeCh <- err
		_ = conn.ReplyWithError(ctx, req.ID, &jsonrpc2.Error{Code: jsonrpc2.CodeInternalError, Message: err.Error()})
		return
	}

	b.bindHandlers()

	// Start having already succeeded guarantees the registry was built
	// from non-nil capabilities, so TransformForClient cannot return nil
	// here.
	transformed := b.client.Registry().TransformForClient()
	_ = conn.Reply(ctx, req.ID, protocol.InitializeResult{Capabilities: *transformed})

	b.initializeCh <- nil
}

// handleInitialized runs step 6–7: replay every currently-held dynamic
// registration (minus the ones the broker owns itself) to this client.
func (b *Binding) handleInitialized() {
	b.replayRegistrations()
	b.initializedCh <- nil
}

func (b *Binding) replayRegistrations() {
	all := b.client.Registry().Registrations()
	toReplay := make([]protocol.Registration, 0, len(all))
	for _, reg := range all {
		if replaySkip[reg.Method] {
			continue
		}
		toReplay = append(toReplay, reg)
	}
	if len(toReplay) == 0 {
		return
	}
	if err := b.conn.Call(context.Background(), "client/registerCapability", protocol.RegistrationParams{Registrations: toReplay}, nil); err != nil {
		b.log.WithError(err).Debug("binding: registration replay failed")
	}
}
