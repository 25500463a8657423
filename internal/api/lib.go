package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"
	"go.uber.org/multierr"

	"github.com/privacyresearch/tring/internal/ffi"
	"github.com/privacyresearch/tring/types"
)

// DefaultFrameCapacity is the size of the buffer remote frames are pulled into.
const DefaultFrameCapacity = 5_000_000

// Options configure an Endpoint.
type Options struct {
	InitMessage     string
	IceForm         string
	CallLinkTimeout time.Duration
	FrameCapacity   uint64
	MaxBuffer       uint64
	// DataDir holds the exclusive lock and a persistent peek store. Empty
	// means no lock and an in-memory store.
	DataDir     string
	DataBackend string
	HTTPClient  HTTPDoer
	Logger      zerolog.Logger
}

// OptionsFromConfig maps a bridge configuration to endpoint options.
func OptionsFromConfig(cfg types.Config) Options {
	return Options{
		InitMessage:     cfg.Engine.InitMessage,
		IceForm:         cfg.Engine.IceForm,
		CallLinkTimeout: cfg.Timeouts.CallLink,
		FrameCapacity:   uint64(cfg.Video.FrameCapacity.Bytes()),
		MaxBuffer:       uint64(cfg.Codec.MaxBuffer.Bytes()),
		DataDir:         cfg.Data.BaseDir,
		DataBackend:     cfg.Data.Backend,
		HTTPClient:      &http.Client{Timeout: cfg.HTTP.Timeout},
		Logger:          zerolog.Nop(),
	}
}

// Endpoint owns one native call endpoint and everything that serves it.
type Endpoint struct {
	engine ffi.Engine
	codec  *Codec
	app    types.Application
	opts   Options
	log    zerolog.Logger

	h       atomic.Int64
	session *session
	acks    *acker
	exec    *Executor
	frames  *FrameQueue
	links   *oneshots
	relay   *relay
	peeks   *PeekStore
	lock    *os.File
	closed  atomic.Bool

	// ctx is handed to executor tasks and cancelled by Close
	ctx  context.Context
	stop context.CancelFunc
}

// Create initializes the engine and creates the native endpoint. The callback
// table is complete before the engine sees it, so no event can arrive at a
// missing slot.
func Create(ctx context.Context, engine ffi.Engine, app types.Application, opts Options) (*Endpoint, error) {
	if app == nil {
		app = types.NopApplication{}
	}
	if opts.CallLinkTimeout <= 0 {
		opts.CallLinkTimeout = 2 * time.Second
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	if opts.FrameCapacity == 0 {
		opts.FrameCapacity = DefaultFrameCapacity
	}

	e := &Endpoint{
		engine:  engine,
		codec:   NewCodec(engine.Memory(), opts.MaxBuffer),
		app:     app,
		opts:    opts,
		log:     opts.Logger,
		session: newSession(),
		frames:  NewFrameQueue(),
		links:   &oneshots{},
	}
	e.acks = newAcker(engine, e.session, e.log)
	e.relay = &relay{client: opts.HTTPClient, log: e.log, respond: e.receivedHTTPResponse}

	if opts.DataDir != "" {
		lock, err := lockDataDir(opts.DataDir)
		if err != nil {
			return nil, err
		}
		e.lock = lock
	}
	var err error
	if opts.DataDir != "" && opts.DataBackend != "" && opts.DataBackend != types.StoreMemDB {
		e.peeks, err = OpenPeekStore(opts.DataBackend, opts.DataDir)
	} else {
		e.peeks = NewMemPeekStore()
	}
	if err != nil {
		e.releaseLock()
		return nil, err
	}
	e.ctx, e.stop = context.WithCancel(context.Background())
	e.exec = NewExecutor(e.log)

	if err := e.init(ctx); err != nil {
		e.stop()
		e.exec.Close()
		_ = e.peeks.Close()
		e.releaseLock()
		return nil, err
	}
	return e, nil
}

func (e *Endpoint) init(ctx context.Context) error {
	arena := e.codec.NewArena()
	defer e.release(arena)

	msg, err := arena.EncodeString(e.opts.InitMessage)
	if err != nil {
		return err
	}
	res, err := e.engine.InitRingRTC(ctx, msg)
	if err != nil {
		return fmt.Errorf("initRingRTC: %w", err)
	}
	e.log.Debug().Int64("result", res).Msg("engine initialized")

	h, err := e.engine.CreateCallEndpoint(ctx, e.slots())
	if err != nil {
		return fmt.Errorf("createCallEndpoint: %w", err)
	}
	if h == 0 {
		return types.NativeCallFailure{Call: "createCallEndpoint", Result: 0}
	}
	e.h.Store(int64(h))
	e.acks.bind(ctx, h)
	e.log.Info().Int64("endpoint", int64(h)).Msg("call endpoint created")
	return nil
}

func (e *Endpoint) handle() ffi.Handle { return ffi.Handle(e.h.Load()) }

// Handle returns the native endpoint handle.
func (e *Endpoint) Handle() ffi.Handle { return e.handle() }

func (e *Endpoint) release(a *Arena) {
	if err := a.Release(); err != nil {
		e.log.Warn().Err(err).Msg("could not release call arena")
	}
}

func (e *Endpoint) releaseLock() error {
	if e.lock == nil {
		return nil
	}
	err := e.lock.Close()
	e.lock = nil
	return err
}

// Close cancels queued engine calls, drains the executor and releases the
// native endpoint, the peek store and the data directory lock. It must not run
// concurrently with other calls.
func (e *Endpoint) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.stop()
	e.exec.Close()
	e.acks.unbind()
	var err error
	if h := e.handle(); h != 0 {
		err = multierr.Append(err, e.engine.ReleaseCallEndpoint(context.Background(), h))
		e.h.Store(0)
	}
	err = multierr.Append(err, e.peeks.Close())
	err = multierr.Append(err, e.releaseLock())
	return err
}

// Acknowledged returns the number of events acknowledged to the engine.
func (e *Endpoint) Acknowledged() uint64 { return e.acks.count() }

// Frames returns the queue the video slot fills.
func (e *Endpoint) Frames() *FrameQueue { return e.frames }

// ActiveCall returns the call session most recently made active.
func (e *Endpoint) ActiveCall() (types.CallSession, bool) { return e.session.activeCall() }

// GroupClient returns the group call client, if one was created.
func (e *Endpoint) GroupClient() (types.GroupCallClient, bool) { return e.session.groupClient() }

// LocalGroupID returns the group id learnt from the last ring update.
func (e *Endpoint) LocalGroupID() []byte { return e.session.localGroupID() }

// Peeks returns the peek store.
func (e *Endpoint) Peeks() *PeekStore { return e.peeks }

// VersionInfo describes the engine.
func (e *Endpoint) VersionInfo(ctx context.Context, origin string) (string, error) {
	return ffi.VersionInfo(ctx, e.engine, origin)
}

func (e *Endpoint) SetSelfUUID(ctx context.Context, id uuid.UUID) error {
	arena := e.codec.NewArena()
	defer e.release(arena)

	p, err := arena.EncodeUUID(id)
	if err != nil {
		return err
	}
	_, err = e.engine.SetSelfUUID(ctx, e.handle(), p)
	return err
}

// ReceivedOffer hands an incoming offer to the engine and makes its call active.
func (e *Endpoint) ReceivedOffer(ctx context.Context, cs types.CallSession, media types.MediaType,
	senderKey, receiverKey, opaque []byte, ageSec uint64,
) error {
	e.session.setCall(cs)
	arena := e.codec.NewArena()
	defer e.release(arena)

	peer, err := arena.EncodeString(cs.PeerID)
	if err != nil {
		return err
	}
	sk, err := arena.EncodeBuffer(senderKey)
	if err != nil {
		return err
	}
	rk, err := arena.EncodeBuffer(receiverKey)
	if err != nil {
		return err
	}
	op, err := arena.EncodeBuffer(opaque)
	if err != nil {
		return err
	}
	_, err = e.engine.ReceivedOffer(ctx, e.handle(), peer, cs.CallID, int32(media),
		cs.SenderDeviceID, cs.ReceiverDeviceID, sk, rk, op, ageSec)
	return err
}

// ReceivedAnswer hands an answer to the engine and makes its call active.
func (e *Endpoint) ReceivedAnswer(ctx context.Context, cs types.CallSession, senderKey, receiverKey, opaque []byte) error {
	e.session.setCall(cs)
	arena := e.codec.NewArena()
	defer e.release(arena)

	peer, err := arena.EncodeString(cs.PeerID)
	if err != nil {
		return err
	}
	sk, err := arena.EncodeBuffer(senderKey)
	if err != nil {
		return err
	}
	rk, err := arena.EncodeBuffer(receiverKey)
	if err != nil {
		return err
	}
	op, err := arena.EncodeBuffer(opaque)
	if err != nil {
		return err
	}
	_, err = e.engine.ReceivedAnswer(ctx, e.handle(), peer, cs.CallID, cs.SenderDeviceID, sk, rk, op)
	return err
}

func (e *Endpoint) ReceivedOpaqueMessage(ctx context.Context, sender []byte, senderDevice, localDevice uint32,
	opaque []byte, ageSec uint64,
) error {
	arena := e.codec.NewArena()
	defer e.release(arena)

	s, err := arena.EncodeBuffer(sender)
	if err != nil {
		return err
	}
	op, err := arena.EncodeBuffer(opaque)
	if err != nil {
		return err
	}
	_, err = e.engine.ReceivedOpaqueMessage(ctx, e.handle(), s, senderDevice, localDevice, op, ageSec)
	return err
}

// Proceed enables outgoing audio and lets the engine continue the call with
// the given ICE server credentials.
func (e *Endpoint) Proceed(ctx context.Context, callID uint64, iceUser, icePwd, hostname string, ice [][]byte) error {
	arena := e.codec.NewArena()
	defer e.release(arena)

	user, err := arena.EncodeString(iceUser)
	if err != nil {
		return err
	}
	pwd, err := arena.EncodeString(icePwd)
	if err != nil {
		return err
	}
	host, err := arena.EncodeString(hostname)
	if err != nil {
		return err
	}
	rows, err := arena.EncodeBuffer2D(ice)
	if err != nil {
		return err
	}
	h := e.handle()
	if _, err := e.engine.SetOutgoingAudioEnabled(ctx, h, true); err != nil {
		return err
	}
	_, err = e.engine.ProceedCall(ctx, h, callID, int32(types.BandwidthHigh), 0, user, pwd, host, rows)
	return err
}

func (e *Endpoint) ReceivedIce(ctx context.Context, callID uint64, senderDevice uint32, ice [][]byte) error {
	arena := e.codec.NewArena()
	defer e.release(arena)

	rows, err := arena.EncodeBuffer2D(ice)
	if err != nil {
		return err
	}
	return e.engine.ReceivedIce(ctx, e.handle(), callID, senderDevice, rows)
}

// AcceptCall selects the first audio input, enables outgoing audio and accepts the active call.
func (e *Endpoint) AcceptCall(ctx context.Context) error {
	h := e.handle()
	if _, err := e.engine.SetAudioInput(ctx, h, 0); err != nil {
		return err
	}
	if _, err := e.engine.SetOutgoingAudioEnabled(ctx, h, true); err != nil {
		return err
	}
	_, err := e.engine.AcceptCall(ctx, h, e.session.activeCallID())
	return err
}

func (e *Endpoint) IgnoreCall(ctx context.Context) error {
	_, err := e.engine.IgnoreCall(ctx, e.handle(), e.session.activeCallID())
	return err
}

// HangupCall ends the 1:1 call, or leaves the group call when a group client exists.
func (e *Endpoint) HangupCall(ctx context.Context) error {
	if !e.session.hasGroupClient() {
		_, err := e.engine.HangupCall(ctx, e.handle())
		return err
	}
	_, err := e.engine.Disconnect(ctx, e.handle(), uint32(e.session.groupClientID()))
	return err
}

// StartOutgoingCall selects the first audio devices and starts a call that
// becomes the active one. It returns callID.
func (e *Endpoint) StartOutgoingCall(ctx context.Context, callID uint64, peerID string, localDevice uint32, video bool) (uint64, error) {
	arena := e.codec.NewArena()
	defer e.release(arena)

	peer, err := arena.EncodeString(peerID)
	if err != nil {
		return 0, err
	}
	h := e.handle()
	if _, err := e.engine.SetAudioInput(ctx, h, 0); err != nil {
		return 0, err
	}
	if _, err := e.engine.SetAudioOutput(ctx, h, 0); err != nil {
		return 0, err
	}
	e.session.setCall(types.CallSession{CallID: callID, PeerID: peerID, ReceiverDeviceID: localDevice})
	if _, err := e.engine.CreateOutgoingCall(ctx, h, peer, video, localDevice, int64(callID)); err != nil {
		return 0, err
	}
	return callID, nil
}

func (e *Endpoint) EnableOutgoingAudio(ctx context.Context, enable bool) error {
	var err error
	if !e.session.hasGroupClient() {
		_, err = e.engine.SetOutgoingAudioEnabled(ctx, e.handle(), enable)
	} else {
		_, err = e.engine.SetOutgoingAudioMuted(ctx, e.handle(), uint32(e.session.groupClientID()), !enable)
	}
	return err
}

func (e *Endpoint) EnableOutgoingVideo(ctx context.Context, enable bool) error {
	var err error
	if !e.session.hasGroupClient() {
		_, err = e.engine.SetOutgoingVideoEnabled(ctx, e.handle(), enable)
	} else {
		_, err = e.engine.SetOutgoingVideoMuted(ctx, e.handle(), uint32(e.session.groupClientID()), !enable)
	}
	return err
}

// SendVideoFrame hands one outgoing frame to the engine. raw must hold at
// least the number of bytes the engine reads for the pixel format.
func (e *Endpoint) SendVideoFrame(ctx context.Context, width, height uint32, format types.PixelFormat, raw []byte) error {
	if need := format.FrameSize(width, height); uint64(len(raw)) < need {
		return types.EncodingError{
			Op:  "video frame",
			Msg: fmt.Sprintf("%dx%d frame in format %d needs %d bytes, got %d", width, height, format, need, len(raw)),
		}
	}
	arena := e.codec.NewArena()
	defer e.release(arena)

	p, err := arena.EncodeBuffer(raw)
	if err != nil {
		return err
	}
	_, err = e.engine.SendVideoFrame(ctx, e.handle(), width, height, int32(format), p)
	return err
}

// RemoteVideoFrame pulls the next remote frame. It returns nil when the engine has none.
func (e *Endpoint) RemoteVideoFrame(ctx context.Context) (*types.Frame, error) {
	capacity := e.opts.FrameCapacity
	arena := e.codec.NewArena()
	defer e.release(arena)

	buf, err := arena.Alloc(capacity)
	if err != nil {
		return nil, err
	}
	res, err := e.engine.FillRemoteVideoFrame(ctx, e.handle(), buf, capacity)
	if err != nil {
		return nil, err
	}
	if res == 0 {
		return nil, nil
	}
	width, height := uint32(res>>16), uint32(res&0xffff)
	n := uint64(width) * uint64(height) * 4
	if n > capacity {
		return nil, types.BoundsError{Ptr: uint64(buf), Length: n, Limit: capacity}
	}
	data, err := e.codec.DecodeRaw(buf, n)
	if err != nil {
		return nil, err
	}
	return &types.Frame{Width: width, Height: height, PixelFormat: types.PixelRGBA, Data: data}, nil
}

func (e *Endpoint) PeekGroupCall(ctx context.Context, proof []byte, members []types.GroupMember) error {
	ser, err := types.EncodeGroupMembers(members)
	if err != nil {
		return err
	}
	arena := e.codec.NewArena()
	defer e.release(arena)

	mp, err := arena.EncodeBuffer(proof)
	if err != nil {
		return err
	}
	gm, err := arena.EncodeBuffer(ser)
	if err != nil {
		return err
	}
	_, err = e.engine.PeekGroupCall(ctx, e.handle(), mp, gm)
	return err
}

// CreateGroupCallClient creates, connects and joins a group call client. The
// group id learnt from the last ring update takes precedence over groupID.
func (e *Endpoint) CreateGroupCallClient(ctx context.Context, groupID []byte, sfuURL string, hkdf []byte) (int32, error) {
	if local := e.session.localGroupID(); local != nil {
		groupID = local
	}
	arena := e.codec.NewArena()
	defer e.release(arena)

	gid, err := arena.EncodeBuffer(groupID)
	if err != nil {
		return 0, err
	}
	url, err := arena.EncodeString(sfuURL)
	if err != nil {
		return 0, err
	}
	extra, err := arena.EncodeBuffer(hkdf)
	if err != nil {
		return 0, err
	}
	h := e.handle()
	res, err := e.engine.CreateGroupCallClient(ctx, h, gid, url, extra)
	if err != nil {
		return 0, err
	}
	if res <= 0 {
		return 0, types.NativeCallFailure{Call: "createGroupCallClient", Result: res}
	}
	clientID := int32(res)
	e.session.setGroupClient(types.GroupCallClient{ClientID: clientID, GroupID: groupID, SFUURL: sfuURL, HKDF: hkdf})
	e.log.Info().Int32("client_id", clientID).Msg("group call client created")

	cid := uint32(clientID)
	steps := []struct {
		name string
		call func() (int64, error)
	}{
		{"setOutgoingAudioMuted", func() (int64, error) { return e.engine.SetOutgoingAudioMuted(ctx, h, cid, true) }},
		{"setOutgoingVideoMuted", func() (int64, error) { return e.engine.SetOutgoingVideoMuted(ctx, h, cid, true) }},
		{"setDataMode", func() (int64, error) { return e.engine.SetDataMode(ctx, h, cid, int32(types.BandwidthNormal)) }},
		{"group_connect", func() (int64, error) { return e.engine.GroupConnect(ctx, h, cid) }},
		{"requestVideo", func() (int64, error) { return e.engine.RequestVideo(ctx, h, cid, 1) }},
		{"setOutgoingAudioMuted", func() (int64, error) { return e.engine.SetOutgoingAudioMuted(ctx, h, cid, false) }},
		{"setOutgoingVideoMuted", func() (int64, error) { return e.engine.SetOutgoingVideoMuted(ctx, h, cid, false) }},
		{"setDataMode", func() (int64, error) { return e.engine.SetDataMode(ctx, h, cid, int32(types.BandwidthNormal)) }},
		{"join", func() (int64, error) { return e.engine.Join(ctx, h, cid) }},
	}
	for _, step := range steps {
		if _, err := step.call(); err != nil {
			return clientID, fmt.Errorf("%s: %w", step.name, err)
		}
	}
	return clientID, nil
}

func (e *Endpoint) SetGroupBandwidth(ctx context.Context, clientID int32, mode types.BandwidthMode) error {
	_, err := e.engine.SetDataMode(ctx, e.handle(), uint32(clientID), int32(mode))
	return err
}

// CallLinkBytes parses a call link into its root key bytes. The engine
// answers through a callback; without an answer within the configured timeout
// a TimeoutError is returned and a later answer is discarded.
func (e *Endpoint) CallLinkBytes(ctx context.Context, link string) ([]byte, error) {
	arena := e.codec.NewArena()
	defer e.release(arena)

	url, err := arena.EncodeCString(link)
	if err != nil {
		return nil, err
	}
	id, g := e.links.start()
	if err := e.engine.ParseCallLinkRootKey(ctx, url, id, e.onCallLink); err != nil {
		e.links.cancel(id)
		return nil, fmt.Errorf("parseCallLinkRootKey: %w", err)
	}
	key, err := e.links.wait(ctx, id, g, "parseCallLinkRootKey", e.opts.CallLinkTimeout)
	if err != nil {
		return nil, err
	}
	if key == nil {
		return []byte{}, nil
	}
	return key, nil
}

// IsTimeout reports whether err is a TimeoutError.
func IsTimeout(err error) bool {
	var te types.TimeoutError
	return errors.As(err, &te)
}

func (e *Endpoint) setMembershipProof(ctx context.Context, clientID int32, token []byte) error {
	arena := e.codec.NewArena()
	defer e.release(arena)

	p, err := arena.EncodeBuffer(token)
	if err != nil {
		return err
	}
	_, err = e.engine.SetMembershipProof(ctx, e.handle(), uint32(clientID), p)
	return err
}

func (e *Endpoint) setGroupMembers(ctx context.Context, clientID int32, members []types.GroupMember) error {
	ser, err := types.EncodeGroupMembers(members)
	if err != nil {
		return err
	}
	arena := e.codec.NewArena()
	defer e.release(arena)

	p, err := arena.EncodeBuffer(ser)
	if err != nil {
		return err
	}
	_, err = e.engine.SetGroupMembers(ctx, e.handle(), uint32(clientID), p)
	return err
}

func (e *Endpoint) receivedHTTPResponse(ctx context.Context, requestID, status uint32, body []byte) error {
	arena := e.codec.NewArena()
	defer e.release(arena)

	p, err := arena.EncodeBuffer(body)
	if err != nil {
		return err
	}
	_, err = e.engine.ReceivedHTTPResponse(ctx, e.handle(), requestID, status, p)
	return err
}
