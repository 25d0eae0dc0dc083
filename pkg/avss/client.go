package avss

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/anura-project/anura-go/pkg/log"
	"github.com/anura-project/anura-go/pkg/wire"
)

// DefaultControlPointTimeout is the control-point request deadline used
// when a caller doesn't specify one.
const DefaultControlPointTimeout = 2 * time.Second

// PrepareUpgradeTimeout is the extended deadline prepare_upgrade needs,
// since the node may be erasing flash before it can respond.
const PrepareUpgradeTimeout = 30 * time.Second

// programNackIdle is how long program_transfer waits for a NACK before
// assuming the node is in sync and advancing the write pointer.
const programNackIdle = 40 * time.Millisecond

// programNackCoalesce is how long program_transfer waits after seeing one
// NACK before resuming writes, to coalesce a burst of NACKs into one
// resync.
const programNackCoalesce = 100 * time.Millisecond

// defaultATTMTU is the attribute MTU assumed when a caller doesn't specify
// one for a firmware transfer.
const defaultATTMTU = 243

type reportSubscriber struct {
	ch    chan any
	parse bool
}

// Session is one AVSS client session: control-point request/response,
// segmented report reassembly, firmware transfer, and report fan-out,
// driven over a Channel. A Session is created bound to exactly one Channel
// and lives for that channel's connection.
type Session struct {
	channel Channel
	logger  log.Logger
	connID  string

	cpMu sync.Mutex // serializes control-point requests

	segMu       sync.Mutex // guards report reassembly state
	buf         *reportBuffer
	nextSegNum  byte
	synchronize bool // true once a FIRST segment has been seen

	subMu       sync.Mutex
	subscribers map[*reportSubscriber]struct{}

	progMu   sync.Mutex // serializes firmware transfers
	nackMu   sync.Mutex
	nackCh   chan uint32
	hasNacks bool
}

// NewSession creates a Session bound to channel. Call Connect before using
// it.
func NewSession(channel Channel) *Session {
	return &Session{
		channel:     channel,
		logger:      log.NoopLogger{},
		subscribers: make(map[*reportSubscriber]struct{}),
	}
}

// SetLogger installs a protocol logger. connID tags every logged event.
func (s *Session) SetLogger(logger log.Logger, connID string) {
	if logger == nil {
		logger = log.NoopLogger{}
	}
	s.logger = logger
	s.connID = connID
}

// Connect opens the underlying channel and begins delivering reports and
// program notifications to this session.
func (s *Session) Connect(ctx context.Context) error {
	return s.channel.Connect(ctx, s)
}

// Disconnect tears down the underlying channel.
func (s *Session) Disconnect() error {
	return s.channel.Disconnect()
}

// Disconnected is closed once the session's channel disconnects.
func (s *Session) Disconnected() <-chan struct{} {
	return s.channel.Disconnected()
}

// HandleReportSegment implements Sink. It reassembles report segments,
// delivering each finished Report to every subscriber.
func (s *Session) HandleReportSegment(segment []byte) {
	frame, err := wire.DecodeSegment(segment)
	if err != nil {
		s.logEvent(log.LayerAVSS, log.CategoryError, err.Error())
		return
	}

	s.segMu.Lock()
	if frame.First {
		if s.buf != nil {
			s.logEvent(log.LayerAVSS, log.CategoryError, "report aborted: new FIRST segment arrived mid-record")
		}
		s.buf = newReportBuffer()
		s.nextSegNum = frame.Number
		s.synchronize = true
	}

	if s.buf == nil {
		// Not yet synchronized to the stream; wait for the next FIRST.
		s.segMu.Unlock()
		return
	}

	if frame.Number == s.nextSegNum {
		s.buf.append(frame.Payload)
		s.nextSegNum = (s.nextSegNum + 1) & wire.SegmentNumberMask
	} else {
		s.logEvent(log.LayerAVSS, log.CategoryError,
			fmt.Sprintf("expected segment %d but got %d, resynchronizing", s.nextSegNum, frame.Number))
		s.buf = nil
		s.segMu.Unlock()
		return
	}

	var report *Report
	if frame.Last {
		r := s.buf.finish()
		report = &r
		s.buf = nil
	}
	s.segMu.Unlock()

	if report != nil {
		s.deliverReport(*report)
	}
}

func (s *Session) deliverReport(report Report) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for sub := range s.subscribers {
		var item any = report
		if sub.parse {
			parsed, ok := report.Parse()
			if !ok {
				s.logEvent(log.LayerAVSS, log.CategoryError, "unknown report type skipped in reports generator")
				continue
			}
			item = parsed
		}
		s.offer(sub, item)
	}
}

// offer performs a bounded, drop-oldest-on-full send: protocol dispatch
// never blocks on a slow consumer.
func (s *Session) offer(sub *reportSubscriber, item any) {
	select {
	case sub.ch <- item:
		return
	default:
	}
	select {
	case <-sub.ch:
	default:
	}
	select {
	case sub.ch <- item:
	default:
	}
}

// Reports subscribes to reassembled reports. When parse is true, each item
// is the report's typed record; when false, it is the raw Report. The
// returned cancel function must be called to release the subscription.
func (s *Session) Reports(parse bool) (ch <-chan any, cancel func()) {
	sub := &reportSubscriber{ch: make(chan any, 64), parse: parse}

	s.subMu.Lock()
	s.subscribers[sub] = struct{}{}
	s.subMu.Unlock()

	var once sync.Once
	cancelFn := func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subscribers, sub)
			s.subMu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancelFn
}

// HandleProgramNotify implements Sink. data is a raw program notification
// frame (u32-LE offset, or the abort sentinel).
func (s *Session) HandleProgramNotify(data []byte) {
	offset, err := wire.DecodeProgramNotify(data)
	if err != nil {
		s.logEvent(log.LayerAVSS, log.CategoryError, err.Error())
		return
	}
	s.nackMu.Lock()
	ch := s.nackCh
	s.nackMu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- offset:
	default:
	}
}

// request sends a control-point request and returns the decoded response
// frame. A bare OK status response is returned as is (Opcode ==
// OpResponseCode); any other status code is returned as an error.
func (s *Session) request(ctx context.Context, opcode wire.Opcode, arg any, timeout time.Duration) (*wire.ControlResponse, error) {
	s.cpMu.Lock()
	defer s.cpMu.Unlock()

	frame, err := wire.EncodeControlRequest(opcode, arg)
	if err != nil {
		return nil, fmt.Errorf("avss: encode request %s: %w", opcode, err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	respFrame, err := s.channel.RequestRaw(reqCtx, frame, timeout)
	if err != nil {
		if reqCtx.Err() != nil {
			return nil, ErrControlPointTimeout
		}
		return nil, err
	}

	resp, err := wire.DecodeControlResponse(respFrame)
	if err != nil {
		return nil, err
	}

	if resp.Opcode == wire.OpResponseCode {
		if resp.RequestOpcode != opcode {
			s.logEvent(log.LayerAVSS, log.CategoryError,
				fmt.Sprintf("request opcode mismatch: got %s expected %s", resp.RequestOpcode, opcode))
		}
		if !resp.ResponseCode.IsSuccess() {
			return nil, controlPointErrorFromCode(resp.ResponseCode)
		}
		return resp, nil
	}
	return resp, nil
}

func (s *Session) typedRequest(ctx context.Context, opcode wire.Opcode, arg any, timeout time.Duration, out any) error {
	resp, err := s.request(ctx, opcode, arg, timeout)
	if err != nil {
		return err
	}
	if resp.Opcode == wire.OpResponseCode {
		return fmt.Errorf("%w: expected a typed response, got bare status", ErrProtocolError)
	}
	if err := wire.UnmarshalRecord(resp.Body, out); err != nil {
		return fmt.Errorf("%w: decode response body: %v", ErrProtocolError, err)
	}
	return nil
}

func (s *Session) logEvent(layer log.Layer, category log.Category, message string) {
	s.logger.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: s.connID,
		Direction:    log.DirectionIn,
		Layer:        layer,
		Category:     category,
		Error:        &log.ErrorEventData{Layer: layer, Message: message},
	})
}

// Typed control-point methods. Each maps directly to an AVSS opcode per
// the table below.

func (s *Session) ReportSnippet(ctx context.Context, count int, autoResume bool) error {
	_, err := s.request(ctx, wire.OpReportSnippet, wire.ReportSnippetArgs{Count: count, AutoResume: autoResume}, DefaultControlPointTimeout)
	return err
}

func (s *Session) ReportCapture(ctx context.Context, count int, autoResume bool) error {
	_, err := s.request(ctx, wire.OpReportCapture, wire.ReportCaptureArgs{Count: count, AutoResume: autoResume}, DefaultControlPointTimeout)
	return err
}

func (s *Session) ReportAggregates(ctx context.Context, count int, autoResume bool) error {
	_, err := s.request(ctx, wire.OpReportAggregates, wire.ReportAggregatesArgs{Count: count, AutoResume: autoResume}, DefaultControlPointTimeout)
	return err
}

// ReportHealth requests count health reports. A nil count requests the
// legacy "active" behavior (count: true), matching older firmware's
// dual signature.
func (s *Session) ReportHealth(ctx context.Context, count *int) error {
	var arg wire.ReportHealthArgs
	if count != nil {
		arg.Count = int64(*count)
	} else {
		arg.Count = true
	}
	_, err := s.request(ctx, wire.OpReportHealth, arg, DefaultControlPointTimeout)
	return err
}

// ReportHealthActive requests continuous health reporting (the legacy
// boolean-active signature), ignoring any count.
func (s *Session) ReportHealthActive(ctx context.Context, active bool) error {
	_, err := s.request(ctx, wire.OpReportHealth, wire.ReportHealthArgs{Count: active}, DefaultControlPointTimeout)
	return err
}

func (s *Session) ReportSettings(ctx context.Context, current, pending bool) error {
	_, err := s.request(ctx, wire.OpReportSettings, wire.ReportSettingsArgs{Current: current, Pending: pending}, DefaultControlPointTimeout)
	return err
}

func (s *Session) ApplySettings(ctx context.Context, persist bool) (wire.ApplySettingsResponse, error) {
	var resp wire.ApplySettingsResponse
	err := s.typedRequest(ctx, wire.OpApplySettings, wire.ApplySettingsArgs{Persist: persist}, DefaultControlPointTimeout, &resp)
	return resp, err
}

func (s *Session) PrepareUpgrade(ctx context.Context, image, size int) error {
	_, err := s.request(ctx, wire.OpPrepareUpgrade, wire.PrepareUpgradeArgs{Image: image, Size: size}, PrepareUpgradeTimeout)
	return err
}

func (s *Session) ApplyUpgrade(ctx context.Context) error {
	_, err := s.request(ctx, wire.OpApplyUpgrade, wire.ApplyUpgradeArgs{}, DefaultControlPointTimeout)
	return err
}

func (s *Session) ConfirmUpgrade(ctx context.Context, image int) error {
	_, err := s.request(ctx, wire.OpConfirmUpgrade, wire.ConfirmUpgradeArgs{Image: image}, DefaultControlPointTimeout)
	return err
}

func (s *Session) Reboot(ctx context.Context) error {
	_, err := s.request(ctx, wire.OpReboot, nil, DefaultControlPointTimeout)
	return err
}

func (s *Session) GetVersion(ctx context.Context) (wire.GetVersionResponse, error) {
	var resp wire.GetVersionResponse
	err := s.typedRequest(ctx, wire.OpGetVersion, nil, DefaultControlPointTimeout, &resp)
	return resp, err
}

// WriteSettings writes settings given by readable name (mapped to numeric
// tags via wire.SettingsFromReadable).
func (s *Session) WriteSettings(ctx context.Context, settings map[string]any) (wire.WriteSettingsResponse, error) {
	tagged, err := wire.SettingsFromReadable(settings)
	if err != nil {
		return wire.WriteSettingsResponse{}, err
	}
	var resp wire.WriteSettingsResponse
	err = s.typedRequest(ctx, wire.OpWriteSettings, tagged, DefaultControlPointTimeout, &resp)
	return resp, err
}

func (s *Session) ResetSettings(ctx context.Context) error {
	_, err := s.request(ctx, wire.OpResetSettings, nil, DefaultControlPointTimeout)
	return err
}

func (s *Session) TestThroughput(ctx context.Context, duration int) error {
	_, err := s.request(ctx, wire.OpTestThroughput, wire.TestThroughputArgs{Duration: duration}, DefaultControlPointTimeout)
	return err
}

func (s *Session) Deactivate(ctx context.Context, key int) error {
	_, err := s.request(ctx, wire.OpDeactivate, wire.DeactivateArgs{Key: key}, DefaultControlPointTimeout)
	return err
}

func (s *Session) GetFirmwareInfo(ctx context.Context) (wire.GetFirmwareInfoResponse, error) {
	var resp wire.GetFirmwareInfoResponse
	err := s.typedRequest(ctx, wire.OpGetFirmwareInfo, nil, DefaultControlPointTimeout, &resp)
	return resp, err
}

func (s *Session) ResetReport(ctx context.Context) error {
	_, err := s.request(ctx, wire.OpResetReport, nil, DefaultControlPointTimeout)
	return err
}

func (s *Session) WriteSettingsV2(ctx context.Context, settings map[string]any, resetDefaults, apply bool) (wire.WriteSettingsV2Response, error) {
	tagged, err := wire.SettingsFromReadable(settings)
	if err != nil {
		return wire.WriteSettingsV2Response{}, err
	}
	var resp wire.WriteSettingsV2Response
	err = s.typedRequest(ctx, wire.OpWriteSettingsV2, wire.WriteSettingsV2Args{
		Settings:      tagged,
		ResetDefaults: resetDefaults,
		Apply:         apply,
	}, DefaultControlPointTimeout, &resp)
	return resp, err
}

func (s *Session) TriggerMeasurement(ctx context.Context, durationMS int) error {
	_, err := s.request(ctx, wire.OpTriggerMeasurement, wire.TriggerMeasurementArgs{DurationMS: durationMS}, DefaultControlPointTimeout)
	return err
}

// ProgramTransfer streams image to the node's Program characteristic,
// honoring device-driven NACK backpressure. attMTU
// defaults to 243 if zero.
func (s *Session) ProgramTransfer(ctx context.Context, image []byte, attMTU int) error {
	if attMTU == 0 {
		attMTU = defaultATTMTU
	}
	chunkSize := attMTU - 3 - 4

	s.progMu.Lock()
	defer s.progMu.Unlock()

	nackCh := make(chan uint32, 16)
	s.nackMu.Lock()
	s.nackCh = nackCh
	s.nackMu.Unlock()
	defer func() {
		s.nackMu.Lock()
		s.nackCh = nil
		s.nackMu.Unlock()
	}()

	offset := 0
	for offset < len(image) {
		var err error
		offset, err = drainNacks(ctx, nackCh, offset)
		if err != nil {
			return err
		}

		end := offset + chunkSize
		if end > len(image) {
			end = len(image)
		}
		frame := wire.EncodeProgramFrame(uint32(offset), image[offset:end])
		if err := s.channel.ProgramWrite(ctx, frame); err != nil {
			return err
		}
		offset = end

		s.logger.Log(log.Event{
			Timestamp:    time.Now(),
			ConnectionID: s.connID,
			Direction:    log.DirectionOut,
			Layer:        log.LayerAVSS,
			Category:     log.CategoryMessage,
			Message: &log.MessageEvent{
				Type:    log.MessageTypeRequest,
				Payload: fmt.Sprintf("%d/%d (%.0f%%)", offset, len(image), float64(offset)*100/float64(len(image))),
			},
		})
	}
	return nil
}

// drainNacks opportunistically waits up to programNackIdle for a NACK
// offset notification, adopting each one it sees (after coalescing a
// possible burst with a programNackCoalesce pause) until 40ms pass with
// none, at which point it assumes the node is in sync and returns the
// (possibly rewound) offset to resume writing from.
func drainNacks(ctx context.Context, nackCh chan uint32, offset int) (int, error) {
	for {
		select {
		case <-ctx.Done():
			return offset, ctx.Err()
		case v, ok := <-nackCh:
			if !ok {
				return offset, nil
			}
			if v == wire.ProgramAbortOffset {
				return offset, ErrTransferAborted
			}
			offset = int(v)
			select {
			case <-ctx.Done():
				return offset, ctx.Err()
			case <-time.After(programNackCoalesce):
			}
		case <-time.After(programNackIdle):
			return offset, nil
		}
	}
}
