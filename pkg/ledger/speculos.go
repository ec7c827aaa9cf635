package ledger

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
)

// DefaultSpeculosAddr is the APDU port of a local Speculos
const DefaultSpeculosAddr = "127.0.0.1:9999"

// SpeculosTransport sends length prefixed APDUs to the Speculos APDU server
type SpeculosTransport struct {
	conn   net.Conn
	logger log.Logger
	mu     sync.Mutex
}

// DialSpeculos connects to a running Speculos
func DialSpeculos(ctx context.Context, addr string, logger log.Logger) (*SpeculosTransport, error) {
	if addr == "" {
		addr = DefaultSpeculosAddr
	}
	if logger == nil {
		logger = log.Root()
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("ledger: dialing speculos: %w", err)
	}
	logger.Debug("Connected to speculos", "addr", addr)
	return &SpeculosTransport{conn: conn, logger: logger}, nil
}

// Exchange implements Transport
func (s *SpeculosTransport) Exchange(ctx context.Context, apdu []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		s.conn.SetDeadline(deadline)
	} else {
		s.conn.SetDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() {
		s.conn.SetDeadline(time.Now())
	})
	defer stop()

	req := binary.BigEndian.AppendUint32(nil, uint32(len(apdu)))
	if _, err := s.conn.Write(append(req, apdu...)); err != nil {
		return nil, s.wrap(ctx, err)
	}
	var size [4]byte
	if _, err := io.ReadFull(s.conn, size[:]); err != nil {
		return nil, s.wrap(ctx, err)
	}
	resp := make([]byte, binary.BigEndian.Uint32(size[:])+2)
	if _, err := io.ReadFull(s.conn, resp); err != nil {
		return nil, s.wrap(ctx, err)
	}
	return resp, nil
}

func (s *SpeculosTransport) wrap(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// Close implements Transport
func (s *SpeculosTransport) Close() error {
	return s.conn.Close()
}
