package tring

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"github.com/privacyresearch/tring/internal/api"
	"github.com/privacyresearch/tring/internal/ffi"
	"github.com/privacyresearch/tring/internal/runtime"
	"github.com/privacyresearch/tring/types"
)

// Origin is reported by VersionInfo as the host of the engine.
const Origin = "Go"

// Bridge is the main entry point to this library.
// You should create one per application identity, hand it the signaling
// messages the application receives and Close it when done. The engine calls
// back into the Application passed to New.
type Bridge struct {
	ep     *api.Endpoint
	engine Engine
	// ownsEngine is set when the bridge loaded the engine itself.
	ownsEngine bool
	log        zerolog.Logger
}

type bridgeOptions struct {
	log        zerolog.Logger
	httpClient HTTPDoer
	self       *uuid.UUID
}

// Option customizes a Bridge.
type Option func(*bridgeOptions)

// WithLogger sets the logger used by the bridge and the engine host. The
// default logger discards everything.
func WithLogger(log zerolog.Logger) Option {
	return func(o *bridgeOptions) { o.log = log }
}

// WithHTTPClient replaces the client used to relay the engine's HTTP requests.
func WithHTTPClient(c HTTPDoer) Option {
	return func(o *bridgeOptions) { o.httpClient = c }
}

// WithSelfUUID registers the local user's UUID right after the endpoint is
// created.
func WithSelfUUID(id uuid.UUID) Option {
	return func(o *bridgeOptions) { o.self = &id }
}

// New creates a new Bridge.
//
// `cfg` selects the engine backend (`native` loads cfg.Engine.LibraryPath,
// `wasm` runs cfg.Engine.WasmPath on wazero) and configures timeouts, buffers
// and the data directory.
// `app` receives the engine's events. It may be nil when the caller only needs
// the engine's synchronous operations.
func New(ctx context.Context, cfg types.Config, app Application, opts ...Option) (*Bridge, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := collect(opts)
	engine, err := openEngine(ctx, cfg, o.log)
	if err != nil {
		return nil, err
	}
	b, err := newBridge(ctx, engine, cfg, app, o)
	if err != nil {
		return nil, multierr.Append(err, engine.Close())
	}
	b.ownsEngine = true
	return b, nil
}

// NewWithEngine creates a Bridge on an engine the caller already loaded. The
// engine stays open after Close; closing it is up to the caller.
func NewWithEngine(ctx context.Context, engine Engine, cfg types.Config, app Application, opts ...Option) (*Bridge, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return newBridge(ctx, engine, cfg, app, collect(opts))
}

func collect(opts []Option) bridgeOptions {
	o := bridgeOptions{log: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func openEngine(ctx context.Context, cfg types.Config, log zerolog.Logger) (Engine, error) {
	switch cfg.Engine.Backend {
	case types.BackendWasm:
		e, err := runtime.Load(ctx, cfg.Engine.WasmPath, runtime.Options{
			Logger:           log.With().Str("backend", types.BackendWasm).Logger(),
			MemoryLimitBytes: cfg.Engine.WasmMemoryLimit.Bytes(),
		})
		if err != nil {
			return nil, err
		}
		return e, nil
	default:
		lib, err := ffi.LoadLibrary(cfg.Engine.LibraryPath)
		if err != nil {
			return nil, fmt.Errorf("could not load engine library: %w", err)
		}
		log.Info().Str("path", lib.Path()).Msg("engine library loaded")
		return lib, nil
	}
}

func newBridge(ctx context.Context, engine Engine, cfg types.Config, app Application, o bridgeOptions) (*Bridge, error) {
	epOpts := api.OptionsFromConfig(cfg)
	epOpts.Logger = o.log
	if o.httpClient != nil {
		epOpts.HTTPClient = o.httpClient
	}
	ep, err := api.Create(ctx, engine, app, epOpts)
	if err != nil {
		return nil, err
	}
	b := &Bridge{ep: ep, engine: engine, log: o.log}
	if o.self != nil {
		if err := ep.SetSelfUUID(ctx, *o.self); err != nil {
			return nil, multierr.Append(err, ep.Close())
		}
	}
	return b, nil
}

// Close releases the native endpoint, stops the worker and, when the bridge
// loaded the engine itself, unloads it. It is safe to call more than once.
func (b *Bridge) Close() error {
	err := b.ep.Close()
	if b.ownsEngine {
		err = multierr.Append(err, b.engine.Close())
		b.ownsEngine = false
	}
	return err
}

// VersionInfo describes the loaded engine.
func (b *Bridge) VersionInfo(ctx context.Context) (string, error) {
	return b.ep.VersionInfo(ctx, Origin)
}

// SetSelfUUID registers the local user with the engine.
func (b *Bridge) SetSelfUUID(ctx context.Context, id uuid.UUID) error {
	return b.ep.SetSelfUUID(ctx, id)
}

// ReceivedOffer passes an offer that arrived over the signaling channel to the
// engine and makes it the active call.
//
// `senderKey` and `receiverKey` are the identity keys of the two parties.
// `ageSec` is how long the message waited in transit.
func (b *Bridge) ReceivedOffer(ctx context.Context, cs CallSession, media MediaType,
	senderKey, receiverKey, opaque []byte, ageSec uint64,
) error {
	return b.ep.ReceivedOffer(ctx, cs, media, senderKey, receiverKey, opaque, ageSec)
}

// ReceivedAnswer passes the callee's answer to the engine.
func (b *Bridge) ReceivedAnswer(ctx context.Context, cs CallSession, senderKey, receiverKey, opaque []byte) error {
	return b.ep.ReceivedAnswer(ctx, cs, senderKey, receiverKey, opaque)
}

// ReceivedOpaqueMessage passes a group call message to the engine.
func (b *Bridge) ReceivedOpaqueMessage(ctx context.Context, sender []byte, senderDevice, localDevice uint32,
	opaque []byte, ageSec uint64,
) error {
	return b.ep.ReceivedOpaqueMessage(ctx, sender, senderDevice, localDevice, opaque, ageSec)
}

// Proceed lets the engine continue an incoming or outgoing call with the
// given TURN credentials and servers.
func (b *Bridge) Proceed(ctx context.Context, callID uint64, iceUser, icePwd, hostname string, ice [][]byte) error {
	return b.ep.Proceed(ctx, callID, iceUser, icePwd, hostname, ice)
}

// ReceivedIce passes remote ICE candidates to the engine.
func (b *Bridge) ReceivedIce(ctx context.Context, callID uint64, senderDevice uint32, ice [][]byte) error {
	return b.ep.ReceivedIce(ctx, callID, senderDevice, ice)
}

func (b *Bridge) AcceptCall(ctx context.Context) error { return b.ep.AcceptCall(ctx) }

func (b *Bridge) IgnoreCall(ctx context.Context) error { return b.ep.IgnoreCall(ctx) }

func (b *Bridge) HangupCall(ctx context.Context) error { return b.ep.HangupCall(ctx) }

// StartOutgoingCall places a call to peerID and returns the call id in use.
func (b *Bridge) StartOutgoingCall(ctx context.Context, callID uint64, peerID string, localDevice uint32, video bool) (uint64, error) {
	return b.ep.StartOutgoingCall(ctx, callID, peerID, localDevice, video)
}

func (b *Bridge) EnableOutgoingAudio(ctx context.Context, enable bool) error {
	return b.ep.EnableOutgoingAudio(ctx, enable)
}

func (b *Bridge) EnableOutgoingVideo(ctx context.Context, enable bool) error {
	return b.ep.EnableOutgoingVideo(ctx, enable)
}

// SendVideoFrame hands a raw local frame to the engine. raw must hold exactly
// one frame of the given size and format.
func (b *Bridge) SendVideoFrame(ctx context.Context, width, height uint32, format PixelFormat, raw []byte) error {
	return b.ep.SendVideoFrame(ctx, width, height, format, raw)
}

// GetRemoteVideoFrame pulls the latest remote frame. It returns nil when the
// engine has none.
func (b *Bridge) GetRemoteVideoFrame(ctx context.Context) (*Frame, error) {
	return b.ep.RemoteVideoFrame(ctx)
}

// NextVideoFrame blocks until the engine pushes a remote frame or ctx is done.
func (b *Bridge) NextVideoFrame(ctx context.Context) (Frame, error) {
	return b.ep.Frames().Pop(ctx)
}

// PollVideoFrame returns a pushed remote frame if one is buffered, without waiting.
func (b *Bridge) PollVideoFrame() (Frame, bool) {
	return b.ep.Frames().TryPop()
}

// PeekGroupCall asks the engine who is in a group call. The answer arrives as
// a peek event and is kept for LastPeekInfo.
func (b *Bridge) PeekGroupCall(ctx context.Context, proof []byte, members []GroupMember) error {
	return b.ep.PeekGroupCall(ctx, proof, members)
}

// CreateGroupCallClient creates, connects and joins a group call client.
//
// `groupID` may be empty, in which case the group of the last ring is used.
// `hkdf` is the secret the media keys are derived from.
func (b *Bridge) CreateGroupCallClient(ctx context.Context, groupID []byte, sfuURL string, hkdf []byte) (int32, error) {
	return b.ep.CreateGroupCallClient(ctx, groupID, sfuURL, hkdf)
}

func (b *Bridge) SetGroupBandwidth(ctx context.Context, clientID int32, mode BandwidthMode) error {
	return b.ep.SetGroupBandwidth(ctx, clientID, mode)
}

// GetCallLinkBytes returns the root key of a call link. When the engine does
// not answer in time the result is empty and err is nil.
func (b *Bridge) GetCallLinkBytes(ctx context.Context, link string) ([]byte, error) {
	key, err := b.ep.CallLinkBytes(ctx, link)
	if api.IsTimeout(err) {
		b.log.Warn().Err(err).Msg("call link not parsed in time")
		return []byte{}, nil
	}
	return key, err
}

// ParseCallLink is GetCallLinkBytes returning a TimeoutError instead of an
// empty key.
func (b *Bridge) ParseCallLink(ctx context.Context, link string) ([]byte, error) {
	return b.ep.CallLinkBytes(ctx, link)
}

// LastPeekInfo returns the most recent peek result.
func (b *Bridge) LastPeekInfo() (PeekInfo, bool, error) {
	return b.ep.Peeks().Latest()
}

// ClientPeekInfo returns the last peek result reported for a group client.
func (b *Bridge) ClientPeekInfo(clientID int32) (PeekInfo, bool, error) {
	return b.ep.Peeks().Client(clientID)
}

// PeekResults returns every stored answer to a peek request, by request id.
func (b *Bridge) PeekResults() (map[uint32]PeekInfo, error) {
	peeks := b.ep.Peeks()
	ids, err := peeks.Requests()
	if err != nil {
		return nil, err
	}
	out := make(map[uint32]PeekInfo, len(ids))
	for _, id := range ids {
		info, ok, err := peeks.Request(id)
		if err != nil {
			return nil, fmt.Errorf("peek request %d: %w", id, err)
		}
		if ok {
			out[id] = info
		}
	}
	return out, nil
}

// ActiveCall returns the 1:1 call in progress.
func (b *Bridge) ActiveCall() (CallSession, bool) { return b.ep.ActiveCall() }

// GroupClient returns the group call client in use.
func (b *Bridge) GroupClient() (GroupCallClient, bool) { return b.ep.GroupClient() }
