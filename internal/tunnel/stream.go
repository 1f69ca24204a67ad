package tunnel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aether-proxy/aether-agent/internal/dnscache"
	"github.com/aether-proxy/aether-agent/internal/protocol"
	"github.com/aether-proxy/aether-agent/internal/state"
)

// responseBodyChunkSize bounds a single ResponseBody sub-frame.
const responseBodyChunkSize = 32 * 1024

// streamSendTimeout bounds a single frame's handoff to the writer; the
// stream is abandoned rather than waiting forever on a congested writer.
const streamSendTimeout = 30 * time.Second

// handleStream implements the per-request lifecycle (§4.6): assemble the
// body, validate the target, call upstream, and stream the response back as
// frames on out. bodyCh is closed by the dispatcher when the stream's body
// is complete or the controller aborted it.
func handleStream(ctx context.Context, streamID uint32, meta protocol.RequestMeta,
	bodyCh <-chan protocol.Frame, out chan<- protocol.Frame,
	client *http.Client, resolver dnscache.Resolver, cache *dnscache.Cache,
	server *state.ServerContext, logger *zap.Logger) {

	start := time.Now()
	// correlation_id threads through structured logs for this request; it has
	// no wire representation and is unrelated to the frame-level stream_id.
	logger = logger.With(zap.String("correlation_id", uuid.NewString()), zap.Uint32("stream_id", streamID))
	server.IncActiveConnections()
	defer func() {
		server.DecActiveConnections()
		server.Metrics.RecordRequest(time.Since(start).Nanoseconds())
	}()

	body, aborted := assembleBody(bodyCh)
	if aborted {
		return
	}

	host, port, err := splitHostPort(meta.URL)
	if err != nil {
		sendStreamError(ctx, out, streamID, "invalid target: "+sanitizeURL(meta.URL), logger)
		return
	}

	dnsStart := time.Now()
	allowed := server.DynamicConfig.Load().AllowedPorts
	if _, err := dnscache.ValidateTarget(ctx, resolver, cache, host, port, allowed); err != nil {
		server.Metrics.RecordDNSFailure()
		sendStreamError(ctx, out, streamID, "target blocked: "+err.Error(), logger)
		return
	}

	reqTimeout := time.Duration(meta.Timeout) * time.Second
	if reqTimeout <= 0 {
		reqTimeout = protocol.DefaultRequestTimeoutSecs * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, reqTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, meta.Method, meta.URL, bytes.NewReader(body))
	if err != nil {
		sendStreamError(ctx, out, streamID, "upstream error: "+err.Error(), logger)
		return
	}
	for k, v := range meta.Headers {
		if strings.EqualFold(k, "host") {
			continue
		}
		req.Header.Set(k, v)
	}

	upstreamStart := time.Now()
	resp, err := client.Do(req)
	dnsMs := upstreamStart.Sub(dnsStart).Milliseconds()
	if err != nil {
		server.Metrics.RecordStreamError()
		sendStreamError(ctx, out, streamID, categorizeUpstreamError(err), logger)
		return
	}
	defer resp.Body.Close()
	ttfbMs := time.Since(upstreamStart).Milliseconds()

	bodySize, err := streamResponse(ctx, streamID, resp, out, dnsMs, ttfbMs, upstreamStart, logger)
	if err != nil {
		server.Metrics.RecordStreamError()
		logger.Warn("stream: body read failed", zap.Error(err))
		sendStreamError(ctx, out, streamID, "upstream error: body read failed", logger)
		return
	}
	_ = bodySize
}

func assembleBody(bodyCh <-chan protocol.Frame) (body []byte, aborted bool) {
	var parts [][]byte
	for frame := range bodyCh {
		switch frame.MsgType {
		case protocol.MsgStreamError:
			return nil, true
		case protocol.MsgStreamEnd:
			return joinParts(parts), false
		case protocol.MsgRequestBody:
			payload, err := protocol.DecompressIfGzip(frame)
			if err == nil && len(payload) > 0 {
				parts = append(parts, payload)
			}
			if frame.IsEndStream() {
				return joinParts(parts), false
			}
		}
	}
	// Channel closed by dispatcher without a terminal frame: controller
	// aborted or the session is shutting down.
	return joinParts(parts), false
}

func joinParts(parts [][]byte) []byte {
	total := 0
	for _, p := range parts {
		total += len(p)
	}
	if total == 0 {
		return nil
	}
	out := make([]byte, 0, total)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func splitHostPort(rawURL string) (string, uint16, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", 0, err
	}
	host := u.Hostname()
	if host == "" {
		return "", 0, errors.New("tunnel: empty host")
	}
	portStr := u.Port()
	if portStr == "" {
		if u.Scheme == "http" {
			return host, 80, nil
		}
		return host, 443, nil
	}
	p, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return "", 0, err
	}
	return host, uint16(p), nil
}

// sanitizeURL strips scheme/authority/path, leaving only the hostname, so
// error messages sent to the controller never leak query-string credentials.
func sanitizeURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "<unparseable>"
	}
	return u.Hostname()
}

func categorizeUpstreamError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "upstream timeout"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "upstream timeout"
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return "upstream connect error: " + opErr.Err.Error()
	}
	// *url.Error's text embeds the full request URL; report only the cause.
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		err = urlErr.Err
	}
	return "upstream error: " + err.Error()
}

// streamResponse sends exactly one ResponseHeaders frame (with the
// synthesized timing header, body_size reflecting Content-Length when the
// upstream declared one, -1 otherwise), then the body sliced into
// responseBodyChunkSize frames, then a single terminating StreamEnd.
func streamResponse(ctx context.Context, streamID uint32, resp *http.Response, out chan<- protocol.Frame,
	dnsMs, ttfbMs int64, upstreamStart time.Time, logger *zap.Logger) (int, error) {

	headers := make([]protocol.HeaderPair, 0, len(resp.Header)+1)
	for name, values := range resp.Header {
		for _, v := range values {
			headers = append(headers, protocol.HeaderPair{name, v})
		}
	}

	timing := protocol.ProxyTiming{
		DNSMs:      dnsMs,
		TTFBMs:     ttfbMs,
		UpstreamMs: time.Since(upstreamStart).Milliseconds(),
		BodySize:   int(resp.ContentLength),
		Mode:       "tunnel",
	}
	timingJSON, _ := json.Marshal(timing)
	headers = append(headers, protocol.HeaderPair{"x-proxy-timing", string(timingJSON)})
	if err := sendFrame(ctx, out, protocol.New(streamID, protocol.MsgResponseHeaders, 0, mustMarshalResponseMeta(resp.StatusCode, headers))); err != nil {
		return 0, err
	}

	buf := make([]byte, responseBodyChunkSize)
	bodySize := 0
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			bodySize += n
			if err := sendFrame(ctx, out, protocol.New(streamID, protocol.MsgResponseBody, 0, chunk)); err != nil {
				return bodySize, err
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return bodySize, readErr
		}
	}

	return bodySize, sendFrame(ctx, out, protocol.New(streamID, protocol.MsgStreamEnd, protocol.FlagEndStream, nil))
}

func mustMarshalResponseMeta(status int, headers []protocol.HeaderPair) []byte {
	meta := protocol.ResponseMeta{Status: uint16(status), Headers: headers}
	data, _ := json.Marshal(meta)
	return data
}

func sendStreamError(ctx context.Context, out chan<- protocol.Frame, streamID uint32, message string, logger *zap.Logger) {
	frame := protocol.New(streamID, protocol.MsgStreamError, protocol.FlagEndStream, []byte(message))
	if err := sendFrame(ctx, out, frame); err != nil {
		logger.Warn("stream: failed to deliver stream error", zap.Uint32("stream_id", streamID), zap.Error(err))
	}
}

// sendFrame enforces the per-frame backpressure deadline (§4.6 step 6).
func sendFrame(ctx context.Context, out chan<- protocol.Frame, frame protocol.Frame) error {
	select {
	case out <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(streamSendTimeout):
		return errors.New("tunnel: stream send timed out")
	}
}

