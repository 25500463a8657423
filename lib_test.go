package tring

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/privacyresearch/tring/internal/api/testengine"
	"github.com/privacyresearch/tring/types"
)

const testLink = "mcsm-mqxp-hbpd-sbbq-tzhs-fxcp-qzpx-bzkx"

var testLinkKey = []byte{113, 199, 122, 233, 80, 146, 192, 10, 223, 92, 62, 25, 175, 158, 15, 110}

type statusApp struct {
	types.NopApplication

	mu       sync.Mutex
	statuses []CallStatus
}

func (a *statusApp) StatusCallback(s CallStatus) {
	a.mu.Lock()
	a.statuses = append(a.statuses, s)
	a.mu.Unlock()
}

func (a *statusApp) Statuses() []CallStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]CallStatus(nil), a.statuses...)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Timeouts.CallLink = 50 * time.Millisecond
	return cfg
}

func withBridge(t *testing.T, eng *testengine.Engine, app Application, opts ...Option) *Bridge {
	t.Helper()
	b, err := NewWithEngine(context.Background(), eng, testConfig(), app, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, b.Close())
		require.NoError(t, eng.Close())
	})
	return b
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Engine.Backend = "jvm"
	_, err := New(context.Background(), cfg, nil)
	require.ErrorContains(t, err, "unknown engine backend")

	_, err = NewWithEngine(context.Background(), testengine.New(), cfg, nil)
	require.ErrorContains(t, err, "unknown engine backend")
}

func TestNew_MissingEngine(t *testing.T) {
	cfg := testConfig()
	cfg.Engine.LibraryPath = filepath.Join(t.TempDir(), "libmissing.so")
	_, err := New(context.Background(), cfg, nil)
	require.ErrorContains(t, err, "could not load engine library")

	cfg.Engine.Backend = types.BackendWasm
	cfg.Engine.WasmPath = filepath.Join(t.TempDir(), "missing.wasm")
	_, err = New(context.Background(), cfg, nil)
	require.ErrorContains(t, err, "could not read engine module")
}

func TestBridge_VersionAndSelf(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	eng := testengine.New()
	self := uuid.MustParse("11111111-2222-3333-4444-555555555555")
	b := withBridge(t, eng, nil, WithSelfUUID(self), WithLogger(zerolog.Nop()))

	v, err := b.VersionInfo(context.Background())
	require.NoError(t, err)
	require.Equal(t, "tring engine v1 using Go", v)

	require.Equal(t, []string{"initRingRTC", "createCallEndpoint", "setSelfUuid", "getVersion"}, eng.Names())
	require.Equal(t, []any{self[:]}, eng.Find("setSelfUuid")[0].Args)
}

func TestBridge_CallFlow(t *testing.T) {
	ctx := context.Background()
	eng := testengine.New()
	app := &statusApp{}
	b := withBridge(t, eng, app)

	cs := CallSession{CallID: 0x1234, PeerID: "peer", SenderDeviceID: 2, ReceiverDeviceID: 1}
	require.NoError(t, b.ReceivedOffer(ctx, cs, types.MediaVideo, []byte("sk"), []byte("rk"), []byte("offer"), 3))
	active, ok := b.ActiveCall()
	require.True(t, ok)
	require.Equal(t, cs, active)

	require.NoError(t, b.Proceed(ctx, cs.CallID, "user", "pwd", "turn.example.org", [][]byte{[]byte("turn:1")}))
	require.NoError(t, b.ReceivedIce(ctx, cs.CallID, 2, [][]byte{[]byte("candidate")}))
	require.NoError(t, b.AcceptCall(ctx))
	require.NoError(t, b.EnableOutgoingAudio(ctx, true))
	require.NoError(t, b.EnableOutgoingVideo(ctx, false))

	eng.EmitStatus(ctx, cs.CallID, 1, types.StatusIncoming, 0)
	require.Eventually(t, func() bool { return len(app.Statuses()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, cs.CallID, app.Statuses()[0].CallID)

	require.NoError(t, b.HangupCall(ctx))
	for _, name := range []string{"receivedOffer", "proceedCall", "receivedIce", "acceptCall",
		"setOutgoingVideoEnabled", "signalMessageSent", "hangupCall"} {
		assert.Len(t, eng.Find(name), 1, name)
	}
	// proceed and accept switch audio on as well
	assert.Len(t, eng.Find("setOutgoingAudioEnabled"), 3)
}

func TestBridge_VideoFrames(t *testing.T) {
	ctx := context.Background()
	eng := testengine.New()
	b := withBridge(t, eng, nil)

	require.NoError(t, b.SendVideoFrame(ctx, 2, 2, types.PixelI420, make([]byte, 8)))

	f, err := b.GetRemoteVideoFrame(ctx)
	require.NoError(t, err)
	require.Nil(t, f)

	eng.EmitVideoFrame(ctx, 2, 1, []byte{1, 2, 3, 4, 5, 6, 7, 8})
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	frame, err := b.NextVideoFrame(ctx)
	require.NoError(t, err)
	require.Equal(t, uint32(2), frame.Width)
	require.Equal(t, uint32(1), frame.Height)
	require.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, frame.Data)
}

func TestBridge_PollVideoFrame(t *testing.T) {
	eng := testengine.New()
	b := withBridge(t, eng, nil)

	_, ok := b.PollVideoFrame()
	require.False(t, ok)

	eng.EmitVideoFrame(context.Background(), 1, 1, []byte{9, 9, 9, 9})
	frame, ok := b.PollVideoFrame()
	require.True(t, ok)
	require.Equal(t, []byte{9, 9, 9, 9}, frame.Data)
	_, ok = b.PollVideoFrame()
	require.False(t, ok)
}

func TestBridge_NextVideoFrameHonoursContext(t *testing.T) {
	b := withBridge(t, testengine.New(), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := b.NextVideoFrame(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBridge_GroupCall(t *testing.T) {
	ctx := context.Background()
	eng := testengine.New()
	b := withBridge(t, eng, nil)

	members := []GroupMember{{UserID: uuid.UUID{1}, MemberID: make([]byte, types.MemberIDSize)}}
	require.NoError(t, b.PeekGroupCall(ctx, []byte("proof"), members))

	id, err := b.CreateGroupCallClient(ctx, []byte("group"), "https://sfu.example.org", []byte("hkdf"))
	require.NoError(t, err)
	require.Equal(t, int32(7), id)
	client, ok := b.GroupClient()
	require.True(t, ok)
	require.Equal(t, "https://sfu.example.org", client.SFUURL)

	require.NoError(t, b.SetGroupBandwidth(ctx, id, types.BandwidthLow))
	modes := eng.Find("setDataMode")
	require.Len(t, modes, 3)
	require.Equal(t, []any{uint32(7), int32(types.BandwidthLow)}, modes[2].Args)

	_, ok, err = b.LastPeekInfo()
	require.NoError(t, err)
	require.False(t, ok)
	_, ok, err = b.ClientPeekInfo(id)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestBridge_PeekResults(t *testing.T) {
	ctx := context.Background()
	eng := testengine.New()
	b := withBridge(t, eng, nil)

	results, err := b.PeekResults()
	require.NoError(t, err)
	require.Empty(t, results)

	member := uuid.UUID{0xaa}
	peek := func(requestID byte, devices byte) []byte {
		out := []byte{0, 0, 0, requestID, 0, 0, 0, 1}
		out = append(out, member[:]...)
		out = append(out, 0, 0, 0, 0, 1, 'e', 0)
		return append(out, 0, 0, 0, 0, 0, 0, 0, devices)
	}
	eng.EmitGeneric(ctx, types.OpPeekResult, peek(5, 1))
	eng.EmitGeneric(ctx, types.OpPeekResult, peek(2, 3))

	results, err = b.PeekResults()
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, []uuid.UUID{member}, results[5].JoinedMembers)
	assert.Equal(t, "e", results[5].EraID)
	assert.Equal(t, uint64(1), results[5].DeviceCount)
	assert.Equal(t, uint64(3), results[2].DeviceCount)

	latest, ok, err := b.LastPeekInfo()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(3), latest.DeviceCount)
}

func TestBridge_CallLinkBytes(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	eng := testengine.New()
	eng.CallLinkKey = testLinkKey
	b := withBridge(t, eng, nil)

	key, err := b.GetCallLinkBytes(context.Background(), testLink)
	require.NoError(t, err)
	require.Equal(t, testLinkKey, key)

	key, err = b.ParseCallLink(context.Background(), testLink)
	require.NoError(t, err)
	require.Equal(t, testLinkKey, key)
}

func TestBridge_CallLinkTimeout(t *testing.T) {
	b := withBridge(t, testengine.New(), nil)

	start := time.Now()
	key, err := b.GetCallLinkBytes(context.Background(), testLink)
	require.NoError(t, err)
	require.NotNil(t, key)
	require.Empty(t, key)
	assert.Less(t, time.Since(start), time.Second)

	_, err = b.ParseCallLink(context.Background(), testLink)
	require.True(t, IsTimeout(err), "got %v", err)
}

func TestBridge_CloseTwice(t *testing.T) {
	eng := testengine.New()
	b, err := NewWithEngine(context.Background(), eng, testConfig(), nil)
	require.NoError(t, err)
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
	require.Len(t, eng.Find("releaseCallEndpoint"), 1)
	require.NoError(t, eng.Close())
}
