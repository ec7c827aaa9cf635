package ledger

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/ethereum/go-ethereum/log"
)

// Transport exchanges raw APDUs with a device. The response includes the
// trailing status word.
type Transport interface {
	Exchange(ctx context.Context, apdu []byte) ([]byte, error)
	Close() error
}

// TransportType selects how to reach the device
type TransportType int

const (
	TransportHID TransportType = iota
	TransportWebUSB
	TransportSpeculos
)

// HID report framing
const (
	ReportSize = 64

	channel   uint16 = 0x0101
	tagAPDU   byte   = 0x05
	headerLen        = 5 // channel, tag, sequence
)

var ErrClosed = errors.New("ledger: transport closed")

// deviceResponse is a reassembled reply or the error that ended the stream
type deviceResponse struct {
	reply []byte
	err   error
}

// HIDTransport speaks the 64 byte report framing over a HID interface, a
// WebUSB endpoint pair or an emulated device.
type HIDTransport struct {
	device io.ReadWriteCloser
	queue  chan *deviceResponse
	done   chan struct{}
	logger log.Logger

	mu    sync.Mutex
	stale int // replies of cancelled exchanges still to be dropped

	closeOnce sync.Once
}

// NewHIDTransport starts listening for replies on device
func NewHIDTransport(device io.ReadWriteCloser, logger log.Logger) *HIDTransport {
	if logger == nil {
		logger = log.Root()
	}
	t := &HIDTransport{
		device: device,
		queue:  make(chan *deviceResponse, 1),
		done:   make(chan struct{}),
		logger: logger,
	}
	go listenForReports(device, t.queue, t.done, logger)
	return t
}

// FrameAPDU splits an APDU into HID reports, zero padded to ReportSize
func FrameAPDU(apdu []byte) [][]byte {
	var (
		reports [][]byte
		seq     uint16
	)
	payload := make([]byte, 2+len(apdu))
	binary.BigEndian.PutUint16(payload, uint16(len(apdu)))
	copy(payload[2:], apdu)

	for len(payload) > 0 {
		chunk := make([]byte, ReportSize)
		binary.BigEndian.PutUint16(chunk, channel)
		chunk[2] = tagAPDU
		binary.BigEndian.PutUint16(chunk[3:], seq)
		n := copy(chunk[headerLen:], payload)
		payload = payload[n:]
		reports = append(reports, chunk)
		seq++
	}
	return reports
}

// ReadFramed reassembles one message from a stream of HID reports
func ReadFramed(in io.Reader) ([]byte, error) {
	chunk := make([]byte, ReportSize)
	var (
		reply []byte
		total int
	)
	for seq := uint16(0); ; seq++ {
		if _, err := io.ReadFull(in, chunk); err != nil {
			return nil, err
		}
		if binary.BigEndian.Uint16(chunk) != channel || chunk[2] != tagAPDU {
			return nil, fmt.Errorf("ledger: invalid report header %x", chunk[:headerLen])
		}
		if got := binary.BigEndian.Uint16(chunk[3:]); got != seq {
			return nil, fmt.Errorf("ledger: report out of sequence, expected %d got %d", seq, got)
		}
		payload := chunk[headerLen:]
		if seq == 0 {
			total = int(binary.BigEndian.Uint16(payload))
			reply = make([]byte, 0, total)
			payload = payload[2:]
		}
		if left := total - len(reply); left > len(payload) {
			reply = append(reply, payload...)
		} else {
			return append(reply, payload[:left]...), nil
		}
	}
}

// WriteFramed frames and writes a message
func WriteFramed(out io.Writer, msg []byte) error {
	for _, report := range FrameAPDU(msg) {
		if _, err := out.Write(report); err != nil {
			return err
		}
	}
	return nil
}

// listenForReports passively reads replies until the device fails or closes.
// Once done is closed nobody reads out anymore, so pending sends are dropped.
func listenForReports(in io.Reader, out chan<- *deviceResponse, done <-chan struct{}, logger log.Logger) {
	defer close(out)
	for {
		reply, err := ReadFramed(in)
		resp := &deviceResponse{reply: reply}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				logger.Debug("Unable to read report from device", "err", err)
			}
			resp = &deviceResponse{err: err}
		}
		select {
		case out <- resp:
		case <-done:
			return
		}
		if err != nil {
			return
		}
	}
}

// Exchange implements Transport
func (t *HIDTransport) Exchange(ctx context.Context, apdu []byte) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for ; t.stale > 0; t.stale-- {
		if _, err := t.receive(ctx); err != nil {
			return nil, err
		}
	}
	if err := WriteFramed(t.device, apdu); err != nil {
		return nil, err
	}
	resp, err := t.receive(ctx)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		t.stale++
	}
	return resp, err
}

func (t *HIDTransport) receive(ctx context.Context) ([]byte, error) {
	select {
	case r, ok := <-t.queue:
		if !ok {
			return nil, ErrClosed
		}
		if r.err != nil {
			if errors.Is(r.err, io.EOF) {
				return nil, ErrClosed
			}
			return nil, r.err
		}
		return r.reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close implements Transport
func (t *HIDTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		err = t.device.Close()
	})
	return err
}
