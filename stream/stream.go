// Package stream moves JPEG-compressed frames from the detection worker to the
// web server, one frame per UDP datagram. The payload is preceded by a fixed
// header so the receiver can reject stray traffic on the port.
package stream

import (
	"encoding/binary"
	"net"
	"sync"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"
)

const (
	// frameMagic marks a datagram as one of ours ("HVF1").
	frameMagic = 0x48564631

	headerSize = 8

	// MaxFrameSize is the biggest JPEG payload that fits a single datagram with
	// our header. Bigger frames are dropped by the sender, matching the socket
	// buffer the original transport used.
	MaxFrameSize = 65536 - headerSize

	readTimeout = time.Second
)

// Sender pushes JPEG frames at a receiver address.
type Sender struct {
	conn   net.Conn
	logger golog.Logger

	mu  sync.Mutex
	seq uint32
}

// NewSender connects a UDP socket toward the given receiver address.
func NewSender(address string, logger golog.Logger) (*Sender, error) {
	conn, err := net.Dial("udp", address)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot reach frame receiver at %s", address)
	}
	if udpConn, ok := conn.(*net.UDPConn); ok {
		if err := udpConn.SetWriteBuffer(MaxFrameSize + headerSize); err != nil {
			logger.Debugw("could not grow send buffer", "error", err)
		}
	}
	return &Sender{conn: conn, logger: logger}, nil
}

// SendJPEG transmits one encoded frame. Frames too big for a datagram are
// dropped with a warning rather than failing the pipeline.
func (s *Sender) SendJPEG(jpegBytes []byte) error {
	if len(jpegBytes) > MaxFrameSize {
		s.logger.Warnw("dropping frame too large for a datagram", "size", len(jpegBytes))
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	packet := make([]byte, headerSize+len(jpegBytes))
	binary.BigEndian.PutUint32(packet[0:4], frameMagic)
	binary.BigEndian.PutUint32(packet[4:8], s.seq)
	copy(packet[headerSize:], jpegBytes)
	_, err := s.conn.Write(packet)
	return err
}

// Close closes the socket.
func (s *Sender) Close() error {
	return s.conn.Close()
}

// Receiver listens for frames and keeps only the newest one.
type Receiver struct {
	conn   *net.UDPConn
	logger golog.Logger

	mu     sync.RWMutex
	latest []byte
	seq    uint32

	closed                  chan struct{}
	activeBackgroundWorkers sync.WaitGroup
}

// NewReceiver binds the given UDP address and starts the receive loop.
func NewReceiver(address string, logger golog.Logger) (*Receiver, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot listen for frames on %s", address)
	}
	r := &Receiver{
		conn:   conn,
		logger: logger,
		closed: make(chan struct{}),
	}
	r.activeBackgroundWorkers.Add(1)
	goutils.ManagedGo(r.receiveLoop, r.activeBackgroundWorkers.Done)
	return r, nil
}

// Addr returns the bound address, useful when listening on port 0.
func (r *Receiver) Addr() net.Addr {
	return r.conn.LocalAddr()
}

func (r *Receiver) receiveLoop() {
	buf := make([]byte, MaxFrameSize+headerSize)
	for {
		select {
		case <-r.closed:
			return
		default:
		}
		// short deadline so Close is honored promptly
		if err := r.conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			r.logger.Errorw("cannot set read deadline", "error", err)
			return
		}
		n, _, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			select {
			case <-r.closed:
			default:
				r.logger.Errorw("frame receive error", "error", err)
			}
			return
		}
		if n < headerSize || binary.BigEndian.Uint32(buf[0:4]) != frameMagic {
			continue
		}
		seq := binary.BigEndian.Uint32(buf[4:8])
		frame := make([]byte, n-headerSize)
		copy(frame, buf[headerSize:n])

		r.mu.Lock()
		// drop reordered datagrams; signed difference tolerates wraparound
		if r.latest == nil || int32(seq-r.seq) > 0 {
			r.latest = frame
			r.seq = seq
		}
		r.mu.Unlock()
	}
}

// Latest returns the newest frame payload and its sequence number. ok is false
// until the first frame arrives.
func (r *Receiver) Latest() (frame []byte, seq uint32, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.latest, r.seq, r.latest != nil
}

// Close stops the receive loop and closes the socket.
func (r *Receiver) Close() error {
	close(r.closed)
	err := r.conn.Close()
	r.activeBackgroundWorkers.Wait()
	return err
}
