package ledger

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
)

var ErrReplayMismatch = errors.New("ledger: replayed response differs from record")

// Record is a log of APDU exchanges, hex encoded
type Record struct {
	Exchanges []LogMsg `json:"exchanges"`
}

// LogMsg is one exchange. An empty response is not checked on replay.
type LogMsg struct {
	Command  string `json:"command"`
	Response string `json:"response,omitempty"`
}

// Recorder is a Transport that logs every exchange
type Recorder struct {
	Transport

	mu     sync.Mutex
	record Record
}

// NewRecorder records the exchanges made over t
func NewRecorder(t Transport) *Recorder {
	return &Recorder{Transport: t}
}

// Exchange implements Transport
func (r *Recorder) Exchange(ctx context.Context, apdu []byte) ([]byte, error) {
	resp, err := r.Transport.Exchange(ctx, apdu)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.record.Exchanges = append(r.record.Exchanges, LogMsg{
		Command:  hex.EncodeToString(apdu),
		Response: hex.EncodeToString(resp),
	})
	r.mu.Unlock()
	return resp, nil
}

// Record returns a copy of the exchanges so far
func (r *Recorder) Record() Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Record{Exchanges: append([]LogMsg(nil), r.record.Exchanges...)}
}

// Replay plays a list of commands back to the device and checks the replies
// against the recorded ones
func Replay(ctx context.Context, t Transport, r Record) error {
	for i, msg := range r.Exchanges {
		if msg.Command == "" {
			continue
		}
		cmd, err := hex.DecodeString(msg.Command)
		if err != nil {
			return fmt.Errorf("ledger: exchange %d: %w", i, err)
		}
		resp, err := t.Exchange(ctx, cmd)
		if err != nil {
			return fmt.Errorf("ledger: exchange %d: %w", i, err)
		}
		if msg.Response == "" {
			continue
		}
		want, err := hex.DecodeString(msg.Response)
		if err != nil {
			return fmt.Errorf("ledger: exchange %d: %w", i, err)
		}
		if !bytes.Equal(want, resp) {
			return fmt.Errorf("%w: exchange %d: got %x want %x", ErrReplayMismatch, i, resp, want)
		}
	}
	return nil
}
