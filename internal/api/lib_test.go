package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/privacyresearch/tring/internal/api/testengine"
	"github.com/privacyresearch/tring/internal/ffi"
	"github.com/privacyresearch/tring/types"
)

// recordingApp records every application callback in one ordered log.
type recordingApp struct {
	types.NopApplication

	mu       sync.Mutex
	log      []string
	statuses []types.CallStatus
	answers  [][]byte
	offers   [][]byte
	ice      [][][]byte
	rings    []types.RingUpdate
	messages []types.SendCallMessageRequest
	peeks    []types.PeekInfo
	devices  [][]uint32
	conns    []types.ConnectionStateChange

	token   []byte
	members []types.GroupMember
	asked   [][]byte
}

func (a *recordingApp) note(s string) {
	a.mu.Lock()
	a.log = append(a.log, s)
	a.mu.Unlock()
}

func (a *recordingApp) Log() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.log...)
}

func (a *recordingApp) StatusCallback(s types.CallStatus) {
	a.mu.Lock()
	a.statuses = append(a.statuses, s)
	a.mu.Unlock()
	a.note("status")
}

func (a *recordingApp) AnswerCallback(opaque []byte) {
	a.mu.Lock()
	a.answers = append(a.answers, opaque)
	a.mu.Unlock()
	a.note("answer")
}

func (a *recordingApp) OfferCallback(opaque []byte) {
	a.mu.Lock()
	a.offers = append(a.offers, opaque)
	a.mu.Unlock()
	a.note("offer")
}

func (a *recordingApp) IceUpdateCallback(c [][]byte) {
	a.mu.Lock()
	a.ice = append(a.ice, c)
	a.mu.Unlock()
	a.note("ice")
}

func (a *recordingApp) GroupCallUpdateRing(groupID []byte, ringID int64, sender []byte, status byte) {
	a.mu.Lock()
	a.rings = append(a.rings, types.RingUpdate{GroupID: groupID, RingID: ringID, Sender: sender, Status: status})
	a.mu.Unlock()
	a.note("ring")
}

func (a *recordingApp) RequestGroupMembershipToken(groupID []byte) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.asked = append(a.asked, groupID)
	return a.token
}

func (a *recordingApp) RequestGroupMemberInfo(groupID []byte) []types.GroupMember {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.asked = append(a.asked, groupID)
	return a.members
}

func (a *recordingApp) SendOpaqueCallMessage(recipient uuid.UUID, message []byte, urgency int32) {
	a.mu.Lock()
	a.messages = append(a.messages, types.SendCallMessageRequest{Recipient: recipient, Message: message})
	a.mu.Unlock()
	a.note("message")
}

func (a *recordingApp) ReceivedGroupCallPeekForRingingCheck(info types.PeekInfo) {
	a.mu.Lock()
	a.peeks = append(a.peeks, info)
	a.mu.Unlock()
	a.note("peek")
}

func (a *recordingApp) UpdateRemoteDevices(ids []uint32) {
	a.mu.Lock()
	a.devices = append(a.devices, ids)
	a.mu.Unlock()
	a.note("devices")
}

func (a *recordingApp) ConnectionStateChanged(clientID, state int32) {
	a.mu.Lock()
	a.conns = append(a.conns, types.ConnectionStateChange{ClientID: clientID, State: state})
	a.mu.Unlock()
	a.note("connection")
}

func testOptions() Options {
	opts := OptionsFromConfig(types.DefaultConfig())
	opts.CallLinkTimeout = 200 * time.Millisecond
	return opts
}

func newTestEndpoint(t *testing.T, eng *testengine.Engine, app types.Application, opts Options) *Endpoint {
	t.Helper()
	ep, err := Create(context.Background(), eng, app, opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, ep.Close())
		require.NoError(t, eng.Close())
	})
	return ep
}

// settle waits until every task queued on the executor so far has run.
func settle(t *testing.T, ep *Endpoint) {
	t.Helper()
	done := make(chan struct{})
	require.True(t, ep.exec.Submit(func() { close(done) }))
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("executor did not drain")
	}
}

func TestCreate_InitializesEngine(t *testing.T) {
	eng := testengine.New()
	ep := newTestEndpoint(t, eng, nil, testOptions())

	require.Equal(t, testengine.DefaultHandle, ep.Handle())
	require.Equal(t, []string{"initRingRTC", "createCallEndpoint"}, eng.Names())
	require.Equal(t, []any{"Hello from Go"}, eng.Find("initRingRTC")[0].Args)

	n, _ := eng.Mem.Live()
	require.Zero(t, n, "init arena must be released")
}

func TestCreate_ZeroHandleFails(t *testing.T) {
	eng := testengine.New()
	eng.Handle = 0
	_, err := Create(context.Background(), eng, nil, testOptions())
	var nf types.NativeCallFailure
	require.True(t, errors.As(err, &nf))
	require.Equal(t, "createCallEndpoint", nf.Call)
}

func TestCreate_AcksBeforeBindAreFlushed(t *testing.T) {
	eng := testengine.New()
	eng.OnCreate = func(cb *ffi.Callbacks) {
		cb.Status(context.Background(), 5, 6, types.StatusIncoming, int32(types.MediaAudio))
	}
	app := &recordingApp{}
	newTestEndpoint(t, eng, app, testOptions())

	require.Equal(t, []string{"status"}, app.Log())
	acks := eng.Find("signalMessageSent")
	require.Len(t, acks, 1)
	require.Equal(t, testengine.DefaultHandle, acks[0].Args[0])
}

func TestSlots_OneAckPerEvent(t *testing.T) {
	ctx := context.Background()
	eng := testengine.New()
	app := &recordingApp{}
	eng.OnSignal = func(ffi.Handle, uint64) { app.note("ack") }
	ep := newTestEndpoint(t, eng, app, testOptions())

	eng.EmitStatus(ctx, 1, 2, 30, 0)
	eng.EmitAnswer(ctx, []byte("answer"))
	eng.EmitOffer(ctx, []byte("offer"))
	eng.EmitIce(ctx, []byte("candidate"))
	eng.EmitGeneric(ctx, types.OpConnectionStateChange, []byte{0, 0, 0, 1, 0, 0, 0, 2})
	eng.EmitVideoFrame(ctx, 2, 1, []byte{1, 2, 3, 4, 5, 6, 7, 8})

	require.Equal(t, []string{
		"status", "ack",
		"answer", "ack",
		"offer", "ack",
		"ice", "ack",
		"connection", "ack",
		"ack", // the video frame goes to the queue, not the application
	}, app.Log())
	require.Equal(t, uint64(6), eng.Signals())
	require.Equal(t, uint64(6), ep.Acknowledged())
	require.Equal(t, 1, ep.Frames().Len())
}

func TestSlots_AckOnFailedDecodeAndPanic(t *testing.T) {
	ctx := context.Background()
	eng := testengine.New()
	app := &panickingApp{}
	newTestEndpoint(t, eng, app, testOptions())

	// unknown opcode
	eng.EmitGeneric(ctx, 99, []byte{1})
	// truncated payload
	eng.EmitGeneric(ctx, types.OpRingUpdate, []byte{0, 0})
	// descriptor outside any allocation
	eng.EmitGenericRaw(ctx, types.OpRingUpdate, 0xdead0000)
	// handler panics
	eng.EmitAnswer(ctx, []byte("boom"))

	require.Equal(t, uint64(4), eng.Signals())
}

type panickingApp struct{ types.NopApplication }

func (panickingApp) AnswerCallback([]byte) { panic("application bug") }

func TestSlots_PayloadCopiedBeforeAck(t *testing.T) {
	ctx := context.Background()
	eng := testengine.New()
	eng.ScribbleOnSignal = true
	app := &recordingApp{}
	newTestEndpoint(t, eng, app, testOptions())

	eng.EmitOffer(ctx, []byte("opaque offer"))
	eng.EmitIce(ctx, []byte("candidate"))

	require.Equal(t, [][]byte{[]byte("opaque offer")}, app.offers)
	require.Equal(t, [][][]byte{{[]byte("candidate")}}, app.ice)
}

func TestSlots_AckCarriesActiveCall(t *testing.T) {
	ctx := context.Background()
	eng := testengine.New()
	ep := newTestEndpoint(t, eng, nil, testOptions())

	require.NoError(t, ep.ReceivedAnswer(ctx, types.CallSession{CallID: 77, PeerID: "peer"}, nil, nil, []byte("a")))
	eng.EmitStatus(ctx, 77, 1, 20, 0)

	acks := eng.Find("signalMessageSent")
	require.Len(t, acks, 1)
	require.Equal(t, uint64(77), acks[0].Args[1])
}

func TestSlots_IceList(t *testing.T) {
	ctx := context.Background()
	eng := testengine.New()
	app := &recordingApp{}
	opts := testOptions()
	opts.IceForm = types.IceFormList
	newTestEndpoint(t, eng, app, opts)

	rows := [][]byte{[]byte("c1"), []byte("c2"), []byte("c3")}
	eng.EmitIceList(ctx, rows)
	require.Equal(t, [][][]byte{rows}, app.ice)
}

func TestGeneric_RingUpdateSetsLocalGroup(t *testing.T) {
	ctx := context.Background()
	eng := testengine.New()
	app := &recordingApp{}
	ep := newTestEndpoint(t, eng, app, testOptions())

	eng.EmitGeneric(ctx, types.OpRingUpdate, []byte{0, 0, 0, 3, 'A', 'B', 'C', 0, 0, 0, 0, 0, 0, 0, 0x7b, 'x', 'y', 1})
	require.Equal(t, []types.RingUpdate{{GroupID: []byte("ABC"), RingID: 123, Sender: []byte("xy"), Status: 1}}, app.rings)
	require.Equal(t, []byte("ABC"), ep.LocalGroupID())
}

func TestGeneric_SendCallMessage(t *testing.T) {
	ctx := context.Background()
	eng := testengine.New()
	app := &recordingApp{}
	newTestEndpoint(t, eng, app, testOptions())

	payload := []byte{0, 0, 0, 0, 0, 0, 0, 1, 0, 0, 0, 0, 0, 0, 0, 2, 0, 0, 0, 2, 'h', 'i'}
	eng.EmitGeneric(ctx, types.OpSendCallMessage, payload)
	require.Len(t, app.messages, 1)
	require.Equal(t, uuid.UUID{7: 1, 15: 2}, app.messages[0].Recipient)
	require.Equal(t, []byte("hi"), app.messages[0].Message)
}

func TestGeneric_MembershipAndMembersGoThroughExecutor(t *testing.T) {
	ctx := context.Background()
	eng := testengine.New()
	member := types.GroupMember{UserID: uuid.UUID{1}, MemberID: make([]byte, types.MemberIDSize)}
	app := &recordingApp{token: []byte("token"), members: []types.GroupMember{member}}
	ep := newTestEndpoint(t, eng, app, testOptions())

	eng.EmitGeneric(ctx, types.OpRingUpdate, []byte{0, 0, 0, 1, 'G', 0, 0, 0, 0, 0, 0, 0, 1, 0})
	eng.EmitGeneric(ctx, types.OpMembershipProof, []byte{0, 0, 0, 4})
	eng.EmitGeneric(ctx, types.OpGroupMembers, []byte{0, 0, 0, 4})
	settle(t, ep)

	proofs := eng.Find("setMembershipProof")
	require.Len(t, proofs, 1)
	require.Equal(t, []any{uint32(4), []byte("token")}, proofs[0].Args)

	sets := eng.Find("setGroupMembers")
	require.Len(t, sets, 1)
	ser, err := types.EncodeGroupMembers(app.members)
	require.NoError(t, err)
	require.Equal(t, []any{uint32(4), ser}, sets[0].Args)

	app.mu.Lock()
	defer app.mu.Unlock()
	require.Equal(t, [][]byte{[]byte("G"), []byte("G")}, app.asked)
}

func TestGeneric_PeekEvents(t *testing.T) {
	ctx := context.Background()
	eng := testengine.New()
	app := &recordingApp{}
	ep := newTestEndpoint(t, eng, app, testOptions())

	info := samplePeek(4)
	body := encodePeekInfo(info)
	eng.EmitGeneric(ctx, types.OpPeekChanged, append([]byte{0, 0, 0, 1}, body...))
	require.Empty(t, app.peeks)
	stored, ok, err := ep.Peeks().Client(1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, info, stored)

	eng.EmitGeneric(ctx, types.OpPeekResult, append([]byte{0, 0, 0, 8}, body...))
	require.Equal(t, []types.PeekInfo{info}, app.peeks)
	_, ok, err = ep.Peeks().Request(8)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestGeneric_RemoteDevicesRequestVideo(t *testing.T) {
	ctx := context.Background()
	eng := testengine.New()
	app := &recordingApp{}
	ep := newTestEndpoint(t, eng, app, testOptions())

	eng.EmitGeneric(ctx, types.OpRemoteDevicesChanged, []byte{0, 0, 0, 7, 0, 0, 0, 2, 0, 0, 0, 11, 0, 0, 0, 12})
	settle(t, ep)

	require.Equal(t, [][]uint32{{11, 12}}, app.devices)
	reqs := eng.Find("requestVideo")
	require.Len(t, reqs, 2)
	require.Equal(t, []any{uint32(7), uint32(11)}, reqs[0].Args)
	require.Equal(t, []any{uint32(7), uint32(12)}, reqs[1].Args)
}

func TestGeneric_HTTPRelay(t *testing.T) {
	ctx := context.Background()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("sfu says hi"))
	}))
	defer srv.Close()

	eng := testengine.New()
	opts := testOptions()
	opts.HTTPClient = srv.Client()
	ep := newTestEndpoint(t, eng, nil, opts)

	eng.EmitGeneric(ctx, types.OpHTTPRequest, encodeHTTPRequest(types.HTTPRequest{
		RequestID: 31, Method: types.MethodGet, URL: srv.URL,
	}))
	settle(t, ep)

	resp := eng.Find("receivedHttpResponse")
	require.Len(t, resp, 1)
	require.Equal(t, []any{uint32(31), uint32(http.StatusOK), []byte("sfu says hi")}, resp[0].Args)
}

func TestGeneric_HTTPRelayUndecodableIsRejected(t *testing.T) {
	ctx := context.Background()
	eng := testengine.New()
	ep := newTestEndpoint(t, eng, nil, testOptions())

	// request 9 with a url length running past the payload
	eng.EmitGeneric(ctx, types.OpHTTPRequest, []byte{0, 0, 0, 9, byte(types.MethodGet), 0, 0, 0, 40, 'h'})
	// too short to carry a request id
	eng.EmitGeneric(ctx, types.OpHTTPRequest, []byte{0, 0})
	settle(t, ep)

	resp := eng.Find("receivedHttpResponse")
	require.Len(t, resp, 1)
	require.Equal(t, []any{uint32(9), types.RelayFailureStatus, []byte{}}, resp[0].Args)
	require.Equal(t, uint64(2), ep.Acknowledged())
}

func TestOneToOneCallFlow(t *testing.T) {
	ctx := context.Background()
	eng := testengine.New()
	ep := newTestEndpoint(t, eng, nil, testOptions())

	cs := types.CallSession{CallID: 42, PeerID: "peer-uuid", SenderDeviceID: 1, ReceiverDeviceID: 2}
	require.NoError(t, ep.ReceivedOffer(ctx, cs, types.MediaVideo, []byte("sk"), []byte("rk"), []byte("offer"), 3))
	active, ok := ep.ActiveCall()
	require.True(t, ok)
	require.Equal(t, cs, active)

	require.NoError(t, ep.Proceed(ctx, 42, "user", "pwd", "host", [][]byte{[]byte("turn:1"), []byte("turn:2")}))
	require.NoError(t, ep.ReceivedIce(ctx, 42, 1, [][]byte{[]byte("cand")}))
	require.NoError(t, ep.AcceptCall(ctx))
	require.NoError(t, ep.EnableOutgoingVideo(ctx, true))
	require.NoError(t, ep.HangupCall(ctx))

	require.Equal(t, []string{
		"initRingRTC", "createCallEndpoint",
		"receivedOffer",
		"setOutgoingAudioEnabled", "proceedCall",
		"receivedIce",
		"setAudioInput", "setOutgoingAudioEnabled", "acceptCall",
		"setOutgoingVideoEnabled",
		"hangupCall",
	}, eng.Names())

	offer := eng.Find("receivedOffer")[0]
	require.Equal(t, []any{"peer-uuid", uint64(42), int32(1), uint32(1), uint32(2),
		[]byte("sk"), []byte("rk"), []byte("offer"), uint64(3)}, offer.Args)

	proceed := eng.Find("proceedCall")[0]
	require.Equal(t, []any{uint64(42), int32(2), int32(0), "user", "pwd", "host",
		[][]byte{[]byte("turn:1"), []byte("turn:2")}}, proceed.Args)
	require.Equal(t, []any{uint64(42)}, eng.Find("acceptCall")[0].Args)

	n, _ := eng.Mem.Live()
	require.Zero(t, n, "every call arena must be released")
}

func TestStartOutgoingCall(t *testing.T) {
	ctx := context.Background()
	eng := testengine.New()
	ep := newTestEndpoint(t, eng, nil, testOptions())

	id, err := ep.StartOutgoingCall(ctx, 9001, "callee", 3, true)
	require.NoError(t, err)
	require.Equal(t, uint64(9001), id)
	require.Equal(t, []any{"callee", true, uint32(3), int64(9001)}, eng.Find("createOutgoingCall")[0].Args)
	require.Equal(t, []any{uint16(0)}, eng.Find("setAudioInput")[0].Args)
	require.Equal(t, []any{uint16(0)}, eng.Find("setAudioOutput")[0].Args)

	require.NoError(t, ep.IgnoreCall(ctx))
	require.Equal(t, []any{uint64(9001)}, eng.Find("ignoreCall")[0].Args)
}

func TestGroupCallClientLifecycle(t *testing.T) {
	ctx := context.Background()
	eng := testengine.New()
	ep := newTestEndpoint(t, eng, nil, testOptions())

	id, err := ep.CreateGroupCallClient(ctx, []byte("group"), "https://sfu", []byte("hkdf"))
	require.NoError(t, err)
	require.Equal(t, int32(7), id)

	calls := eng.Calls()[2:]
	names := make([]string, len(calls))
	for i, c := range calls {
		names[i] = c.Name
	}
	require.Equal(t, []string{
		"createGroupCallClient",
		"setOutgoingAudioMuted", "setOutgoingVideoMuted", "setDataMode",
		"group_connect", "requestVideo",
		"setOutgoingAudioMuted", "setOutgoingVideoMuted", "setDataMode",
		"join",
	}, names)
	require.Equal(t, []any{[]byte("group"), "https://sfu", []byte("hkdf")}, calls[0].Args)
	require.Equal(t, []any{uint32(7), true}, calls[1].Args)
	require.Equal(t, []any{uint32(7), int32(2)}, calls[3].Args)
	require.Equal(t, []any{uint32(7), uint32(1)}, calls[5].Args)
	require.Equal(t, []any{uint32(7), false}, calls[6].Args)

	// with a group client, toggles mute and hangup disconnects
	require.NoError(t, ep.EnableOutgoingAudio(ctx, false))
	require.Equal(t, []any{uint32(7), true}, eng.Find("setOutgoingAudioMuted")[2].Args)
	require.NoError(t, ep.SetGroupBandwidth(ctx, 7, types.BandwidthLow))
	require.Equal(t, []any{uint32(7), int32(1)}, eng.Find("setDataMode")[2].Args)
	require.NoError(t, ep.HangupCall(ctx))
	require.Equal(t, []any{uint32(7)}, eng.Find("disconnect")[0].Args)
	require.Empty(t, eng.Find("hangupCall"))

	g, ok := ep.GroupClient()
	require.True(t, ok)
	require.Equal(t, "https://sfu", g.SFUURL)
}

func TestGroupCallClient_PrefersLocalGroup(t *testing.T) {
	ctx := context.Background()
	eng := testengine.New()
	ep := newTestEndpoint(t, eng, nil, testOptions())

	eng.EmitGeneric(ctx, types.OpRingUpdate, []byte{0, 0, 0, 2, 'L', 'G', 0, 0, 0, 0, 0, 0, 0, 1, 0})
	_, err := ep.CreateGroupCallClient(ctx, []byte("ignored"), "https://sfu", nil)
	require.NoError(t, err)
	require.Equal(t, []byte("LG"), eng.Find("createGroupCallClient")[0].Args[0])
}

func TestGroupCallClient_Failure(t *testing.T) {
	eng := testengine.New()
	eng.ClientID = 0
	ep := newTestEndpoint(t, eng, nil, testOptions())

	_, err := ep.CreateGroupCallClient(context.Background(), []byte("g"), "https://sfu", nil)
	var nf types.NativeCallFailure
	require.True(t, errors.As(err, &nf))
	_, ok := ep.GroupClient()
	require.False(t, ok)
	require.Empty(t, eng.Find("join"))
}

func TestVideoFrames(t *testing.T) {
	ctx := context.Background()
	eng := testengine.New()
	ep := newTestEndpoint(t, eng, nil, testOptions())

	err := ep.SendVideoFrame(ctx, 4, 2, types.PixelNV12, make([]byte, 16))
	var ee types.EncodingError
	require.True(t, errors.As(err, &ee), "nv12 needs w*h*4 bytes")
	require.NoError(t, ep.SendVideoFrame(ctx, 4, 2, types.PixelI420, make([]byte, 16)))
	require.Equal(t, []any{uint32(4), uint32(2), int32(0), make([]byte, 16)}, eng.Find("sendVideoFrame")[0].Args)

	f, err := ep.RemoteVideoFrame(ctx)
	require.NoError(t, err)
	require.Nil(t, f)

	data := make([]byte, 3*2*4)
	for i := range data {
		data[i] = byte(i)
	}
	eng.PushFrame(testengine.RemoteFrame{Width: 3, Height: 2, Data: data})
	f, err = ep.RemoteVideoFrame(ctx)
	require.NoError(t, err)
	require.Equal(t, &types.Frame{Width: 3, Height: 2, PixelFormat: types.PixelRGBA, Data: data}, f)
	require.Equal(t, []any{uint64(DefaultFrameCapacity)}, eng.Find("fillRemoteVideoFrame")[0].Args)
}

func TestRemoteVideoFrame_TooLarge(t *testing.T) {
	eng := testengine.New()
	opts := testOptions()
	opts.FrameCapacity = 16
	ep := newTestEndpoint(t, eng, nil, opts)

	eng.PushFrame(testengine.RemoteFrame{Width: 4, Height: 4, Data: make([]byte, 16)})
	_, err := ep.RemoteVideoFrame(context.Background())
	var be types.BoundsError
	require.True(t, errors.As(err, &be))
}

func TestPeekGroupCall(t *testing.T) {
	eng := testengine.New()
	ep := newTestEndpoint(t, eng, nil, testOptions())

	members := []types.GroupMember{{UserID: uuid.UUID{9}, MemberID: make([]byte, types.MemberIDSize)}}
	require.NoError(t, ep.PeekGroupCall(context.Background(), []byte("proof"), members))
	ser, _ := types.EncodeGroupMembers(members)
	require.Equal(t, []any{[]byte("proof"), ser}, eng.Find("peekGroupCall")[0].Args)

	bad := []types.GroupMember{{UserID: uuid.UUID{9}, MemberID: []byte{1}}}
	require.Error(t, ep.PeekGroupCall(context.Background(), nil, bad))
}

const (
	testLink = "mcsm-mqxp-hbpd-sbbq-tzhs-fxcp-qzpx-bzkx"
)

var testLinkKey = []byte{113, 199, 122, 233, 80, 146, 192, 10, 223, 92, 62, 25, 175, 158, 15, 110}

func TestCallLinkBytes_Success(t *testing.T) {
	eng := testengine.New()
	eng.CallLinkKey = testLinkKey
	eng.CallLinkDelay = 10 * time.Millisecond
	ep := newTestEndpoint(t, eng, nil, testOptions())

	key, err := ep.CallLinkBytes(context.Background(), testLink)
	require.NoError(t, err)
	require.Equal(t, testLinkKey, key)

	parse := eng.Find("parseCallLinkRootKey")
	require.Len(t, parse, 1)
	require.Equal(t, testLink+"\x00", parse[0].Args[0])
	require.Zero(t, ep.links.pending())
}

func TestCallLinkBytes_Timeout(t *testing.T) {
	eng := testengine.New()
	opts := testOptions()
	opts.CallLinkTimeout = 50 * time.Millisecond
	ep := newTestEndpoint(t, eng, nil, opts)

	start := time.Now()
	_, err := ep.CallLinkBytes(context.Background(), testLink)
	require.True(t, IsTimeout(err), "got %v", err)
	assert.Less(t, time.Since(start), 2*time.Second)
	require.Zero(t, ep.links.pending())
}

func TestCallLinkBytes_LateAnswerDiscarded(t *testing.T) {
	eng := testengine.New()
	eng.CallLinkKey = testLinkKey
	eng.CallLinkDelay = 100 * time.Millisecond
	opts := testOptions()
	opts.CallLinkTimeout = 10 * time.Millisecond
	ep := newTestEndpoint(t, eng, nil, opts)

	_, err := ep.CallLinkBytes(context.Background(), testLink)
	require.True(t, IsTimeout(err))
	eng.Wait()
	require.Zero(t, ep.links.pending())
}

func TestSetSelfUUIDAndOpaqueMessage(t *testing.T) {
	ctx := context.Background()
	eng := testengine.New()
	ep := newTestEndpoint(t, eng, nil, testOptions())

	self := uuid.MustParse("11111111-2222-3333-4444-555555555555")
	require.NoError(t, ep.SetSelfUUID(ctx, self))
	require.Equal(t, []any{self[:]}, eng.Find("setSelfUuid")[0].Args)

	require.NoError(t, ep.ReceivedOpaqueMessage(ctx, []byte("sender"), 1, 2, []byte("msg"), 5))
	require.Equal(t, []any{[]byte("sender"), uint32(1), uint32(2), []byte("msg"), uint64(5)},
		eng.Find("receivedOpaqueMessage")[0].Args)

	v, err := ep.VersionInfo(ctx, "test")
	require.NoError(t, err)
	require.Equal(t, "tring engine v1 using test", v)
}

func TestDataDirLock(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")
	opts := testOptions()
	opts.DataDir = dir
	opts.DataBackend = types.StoreGoLevelDB

	eng := testengine.New()
	ep := newTestEndpoint(t, eng, nil, opts)
	_, err := os.Stat(filepath.Join(dir, "exclusive.lock"))
	require.NoError(t, err)

	_, err = Create(context.Background(), testengine.New(), nil, opts)
	require.ErrorContains(t, err, "exclusive.lock")

	require.NoError(t, ep.Close())
	ep2, err := Create(context.Background(), testengine.New(), nil, opts)
	require.NoError(t, err)
	require.NoError(t, ep2.Close())
}

func TestClose(t *testing.T) {
	eng := testengine.New()
	ep, err := Create(context.Background(), eng, nil, testOptions())
	require.NoError(t, err)

	require.NoError(t, ep.Close())
	require.NoError(t, ep.Close())
	rel := eng.Find("releaseCallEndpoint")
	require.Len(t, rel, 1)
	require.Equal(t, testengine.DefaultHandle, rel[0].Args[0])
}

func TestClose_DropsLateAcks(t *testing.T) {
	eng := testengine.New()
	app := &recordingApp{}
	ep, err := Create(context.Background(), eng, app, testOptions())
	require.NoError(t, err)
	require.NoError(t, ep.Close())

	eng.EmitStatus(context.Background(), 1, 2, types.StatusIncoming, 0)
	require.Equal(t, []string{"status"}, app.Log())
	require.Empty(t, eng.Find("signalMessageSent"))
	require.Zero(t, ep.Acknowledged())
	require.NoError(t, eng.Close())
}

func TestClose_CancelsQueuedRelay(t *testing.T) {
	hit := make(chan struct{})
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(hit)
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	eng := testengine.New()
	opts := testOptions()
	opts.HTTPClient = &http.Client{Timeout: time.Minute}
	ep := newTestEndpoint(t, eng, nil, opts)

	eng.EmitGeneric(context.Background(), types.OpHTTPRequest, encodeHTTPRequest(types.HTTPRequest{
		RequestID: 3, Method: types.MethodGet, URL: srv.URL,
	}))
	select {
	case <-hit:
	case <-time.After(5 * time.Second):
		t.Fatal("relayed request never reached the server")
	}

	start := time.Now()
	require.NoError(t, ep.Close())
	assert.Less(t, time.Since(start), 5*time.Second)

	resp := eng.Find("receivedHttpResponse")
	require.Len(t, resp, 1)
	require.Equal(t, []any{uint32(3), types.RelayFailureStatus, []byte{}}, resp[0].Args)
}
