package ads

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"adslink/logging"
)

// NotifyMode selects how the server decides when to push a sample (spec
// section 6).
type NotifyMode uint32

const (
	NoTrans        NotifyMode = 0
	ClientCycle    NotifyMode = 1
	ClientOnChange NotifyMode = 2
	ServerCycle    NotifyMode = 3
	ServerOnChange NotifyMode = 4
)

// notifyAttribs is the 32-byte AddNotification request body following the
// (group, offset) pair: length, transmission mode, max delay, cycle time
// (all 100ns units where applicable), and 16 reserved bytes.
type notifyAttribs struct {
	Length    uint32
	Mode      NotifyMode
	MaxDelay  uint32
	CycleTime uint32
}

func (a notifyAttribs) encode() []byte {
	buf := make([]byte, 32)
	binary.LittleEndian.PutUint32(buf[0:4], a.Length)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(a.Mode))
	binary.LittleEndian.PutUint32(buf[8:12], a.MaxDelay)
	binary.LittleEndian.PutUint32(buf[12:16], a.CycleTime)
	// buf[16:32] reserved, left zero
	return buf
}

const notifyBufferLimit = 256 // per-handle buffered-sample cap before overflow

// Sample is one decoded notification delivery for a subscribed symbol.
type Sample struct {
	Handle    uint32
	Timestamp time.Time
	Data      []byte
}

// Subscription is the caller's handle on a live notification stream (spec's
// NotificationSubscription entity). Samples() delivers decoded samples;
// Cancel() tears it down.
type Subscription struct {
	Handle uint32
	Group  uint32
	Offset uint32
	Length uint32
	Mode   NotifyMode
	Port   uint16

	engine *notifyEngine

	mu        sync.Mutex
	buf       []Sample
	overflow  bool
	samplesCh chan struct{} // signalled on new data / overflow
}

// push buffers one sample for this handle. When notifyBufferLimit samples
// are already buffered, the oldest is dropped and the overflow flag is set.
func (s *Subscription) push(raw Sample) {
	s.mu.Lock()
	if len(s.buf) >= notifyBufferLimit {
		s.buf = s.buf[1:]
		s.overflow = true
	}
	s.buf = append(s.buf, raw)
	s.mu.Unlock()

	select {
	case s.samplesCh <- struct{}{}:
	default:
	}
}

// Next blocks until a sample is available, the context is done, or the
// connection is lost. It does not report overflow; Overflowed reports
// whether older samples were dropped.
func (s *Subscription) Next(ctx context.Context) (Sample, error) {
	for {
		s.mu.Lock()
		if len(s.buf) > 0 {
			sample := s.buf[0]
			s.buf = s.buf[1:]
			s.mu.Unlock()
			return sample, nil
		}
		s.mu.Unlock()

		select {
		case <-s.samplesCh:
			continue
		case <-ctx.Done():
			return Sample{}, newTimeoutError("ads.Subscription.Next")
		case <-s.engine.client.closed:
			return Sample{}, newTransportError("ads.Subscription.Next", ErrConnectionLost)
		}
	}
}

// Overflowed reports and clears the overflow flag (spec's side-channel
// counter, simplified to a sticky-until-read flag).
func (s *Subscription) Overflowed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	o := s.overflow
	s.overflow = false
	return o
}

// Cancel sends DeleteNotification and removes the local subscription.
func (s *Subscription) Cancel(ctx context.Context) error {
	return s.engine.cancel(ctx, s)
}

// notifyEngine is C7: it owns the handle table and decodes delivery frames
// handed to it by the receiver loop (C3).
type notifyEngine struct {
	client *Client

	mu   sync.Mutex
	subs map[uint32]*Subscription
}

func newNotifyEngine(c *Client) *notifyEngine {
	return &notifyEngine{client: c, subs: make(map[uint32]*Subscription)}
}

// Subscribe issues AddDeviceNotification for (group, offset, length) with
// the given transmission policy and returns a live Subscription.
func (e *notifyEngine) Subscribe(ctx context.Context, targetPort uint16, group, offset, length uint32, mode NotifyMode, cycleTime time.Duration) (*Subscription, error) {
	attribs := notifyAttribs{
		Length:    length,
		Mode:      mode,
		MaxDelay:  uint32(cycleTime / 100),
		CycleTime: uint32(cycleTime / 100),
	}

	reqPayload := append(readRequestPayload(group, offset, 0)[:8], attribs.encode()...)
	payload, err := e.client.sendRequest(ctx, "ads.AddNotification", targetPort, CmdAddDeviceNotify, reqPayload)
	if err != nil {
		return nil, err
	}
	if len(payload) < 4 {
		return nil, newProtocolError("ads.AddNotification", errShortPayload)
	}
	handle := binary.LittleEndian.Uint32(payload)

	sub := &Subscription{
		Handle:    handle,
		Group:     group,
		Offset:    offset,
		Length:    length,
		Mode:      mode,
		Port:      targetPort,
		engine:    e,
		samplesCh: make(chan struct{}, 1),
	}

	e.mu.Lock()
	e.subs[handle] = sub
	e.mu.Unlock()

	logging.DebugLog("notify", "subscribed handle=%d group=0x%X offset=0x%X", handle, group, offset)
	return sub, nil
}

func (e *notifyEngine) cancel(ctx context.Context, sub *Subscription) error {
	e.mu.Lock()
	delete(e.subs, sub.Handle)
	e.mu.Unlock()

	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, sub.Handle)
	_, err := e.client.sendRequest(ctx, "ads.DeleteNotification", sub.Port, CmdDeleteDeviceNotify, buf)
	return err
}

// deliver parses a notification-stream payload (spec section 4.3 step 4 and
// 4.7): length(4), stamp count(4), then per stamp a FILETIME timestamp(8)
// and sample count(4), then per sample a handle(4), size(4), and data.
// Decoding failures on one sample are logged and skipped rather than
// treated as fatal, per the resolved Open Question in DESIGN.md.
func (e *notifyEngine) deliver(payload []byte) {
	if len(payload) < 8 {
		logging.DebugError("notify", "deliver", errShortPayload)
		return
	}
	stampCount := binary.LittleEndian.Uint32(payload[4:8])
	off := 8

	for i := uint32(0); i < stampCount; i++ {
		if off+12 > len(payload) {
			logging.DebugError("notify", "deliver", errShortPayload)
			return
		}
		filetime := binary.LittleEndian.Uint64(payload[off : off+8])
		sampleCount := binary.LittleEndian.Uint32(payload[off+8 : off+12])
		off += 12

		ts := filetimeToTime(filetime)

		for j := uint32(0); j < sampleCount; j++ {
			if off+8 > len(payload) {
				logging.DebugError("notify", "deliver", errShortPayload)
				return
			}
			handle := binary.LittleEndian.Uint32(payload[off : off+4])
			size := binary.LittleEndian.Uint32(payload[off+4 : off+8])
			off += 8
			if off+int(size) > len(payload) {
				logging.DebugError("notify", "deliver", errShortPayload)
				return
			}
			data := append([]byte{}, payload[off:off+int(size)]...)
			off += int(size)

			e.mu.Lock()
			sub, ok := e.subs[handle]
			e.mu.Unlock()
			if !ok {
				continue // unknown/cancelled handle, drop the sample
			}
			sub.push(Sample{Handle: handle, Timestamp: ts, Data: data})
		}
	}
}

// connectionLost resolves every live subscription and empties the table,
// mirroring the pending-request teardown in transport.go.
func (e *notifyEngine) connectionLost() {
	e.mu.Lock()
	subs := e.subs
	e.subs = make(map[uint32]*Subscription)
	e.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.samplesCh <- struct{}{}:
		default:
		}
	}
}

// filetimeToTime converts a Windows FILETIME (100ns intervals since
// 1601-01-01) to time.Time.
func filetimeToTime(ft uint64) time.Time {
	const filetimeEpochDiffSeconds = 11644473600
	sec := int64(ft/10_000_000) - filetimeEpochDiffSeconds
	nsec := int64(ft%10_000_000) * 100
	return time.Unix(sec, nsec).UTC()
}

var errShortPayload = errors.New("short notification payload")
