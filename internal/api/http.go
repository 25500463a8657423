package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/privacyresearch/tring/types"
)

// HTTPDoer performs relayed requests. *http.Client satisfies it.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// DecodeHTTPRequest decodes the payload of an HTTP request event. Engines
// write the body length prefix for every method; a body sent with GET or
// DELETE is skipped.
func DecodeHTTPRequest(payload []byte) (types.Event, error) {
	r := newReader("http request", payload)
	req := types.HTTPRequest{RequestID: r.u32(), Method: types.HTTPMethod(r.u8())}
	req.URL = string(r.take(uint64(r.u32())))
	block := r.take(uint64(r.u32()))
	if r.err != nil {
		return nil, r.err
	}
	if req.Method > types.MethodDelete {
		return nil, types.EncodingError{Op: r.op, Msg: fmt.Sprintf("unknown method byte %d", req.Method)}
	}
	headers, err := ParseHeaderBlock(block)
	if err != nil {
		return nil, err
	}
	req.Headers = headers
	switch {
	case req.Method.HasBody():
		req.Body = r.bytes(r.u64())
	case r.remaining() > 0:
		r.take(r.u64())
	}
	return req, r.done()
}

// httpRequestID returns the request id of a payload that did not decode, so
// the request can still be answered.
func httpRequestID(payload []byte) (uint32, bool) {
	if len(payload) < 4 {
		return 0, false
	}
	return payloadOrder.Uint32(payload), true
}

// ParseHeaderBlock reads (keyLen, key, valLen, val) entries until the block is exhausted.
func ParseHeaderBlock(block []byte) ([]types.HTTPHeader, error) {
	r := newReader("http headers", block)
	var headers []types.HTTPHeader
	for r.remaining() > 0 && r.err == nil {
		name := string(r.take(uint64(r.u32())))
		value := string(r.take(uint64(r.u32())))
		headers = append(headers, types.HTTPHeader{Name: name, Value: value})
	}
	if r.err != nil {
		return nil, r.err
	}
	return headers, nil
}

// relayResponder reports the outcome of a relayed request to the engine.
type relayResponder func(ctx context.Context, requestID, status uint32, body []byte) error

// relay serves HTTP requests the engine asks for.
type relay struct {
	client  HTTPDoer
	log     zerolog.Logger
	respond relayResponder
}

// serve performs req and reports the response. When no response could be
// obtained it reports RelayFailureStatus with an empty body so the engine
// does not wait for an answer that never comes.
func (h *relay) serve(ctx context.Context, req types.HTTPRequest) {
	status, body, err := h.do(ctx, req)
	if err != nil {
		fail := types.RelayFailure{RequestID: req.RequestID, URL: req.URL, Err: err}
		h.log.Warn().Err(fail).Str("method", req.Method.String()).Msg("relayed request failed")
		status, body = types.RelayFailureStatus, nil
	}
	h.report(ctx, req.RequestID, status, body)
}

// reject answers a request that could not be performed at all.
func (h *relay) reject(ctx context.Context, requestID uint32, err error) {
	h.log.Warn().Err(err).Uint32("request_id", requestID).Msg("rejecting relayed request")
	h.report(ctx, requestID, types.RelayFailureStatus, nil)
}

func (h *relay) report(ctx context.Context, requestID, status uint32, body []byte) {
	if err := h.respond(ctx, requestID, status, body); err != nil {
		h.log.Error().Err(err).Uint32("request_id", requestID).Msg("could not report http response")
	}
}

func (h *relay) do(ctx context.Context, req types.HTTPRequest) (uint32, []byte, error) {
	var body io.Reader
	if req.Method.HasBody() {
		body = bytes.NewReader(req.Body)
	}
	hreq, err := http.NewRequestWithContext(ctx, req.Method.String(), req.URL, body)
	if err != nil {
		return 0, nil, err
	}
	for _, hd := range req.Headers {
		hreq.Header.Add(hd.Name, hd.Value)
	}
	resp, err := h.client.Do(hreq)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("read response body: %w", err)
	}
	h.log.Debug().Uint32("request_id", req.RequestID).Int("status", resp.StatusCode).Int("bytes", len(data)).Msg("relayed request done")
	return uint32(resp.StatusCode), data, nil
}
