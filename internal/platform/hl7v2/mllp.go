package hl7v2

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	// MLLPStartBlock is the MLLP start-of-message byte (VT / vertical tab).
	MLLPStartBlock = 0x0B

	// MLLPEndBlock is the MLLP end-of-message byte (FS / file separator).
	MLLPEndBlock = 0x1C

	// MLLPCarriageReturn is the trailing CR after the end block.
	MLLPCarriageReturn = 0x0D

	// mllpMaxMessageSize is the maximum buffer size for a single MLLP message (1 MB).
	mllpMaxMessageSize = 1 << 20

	// mllpReadTimeout is the read deadline applied to each connection.
	mllpReadTimeout = 30 * time.Second

	mllpWriteTimeout = 10 * time.Second
)

// MessageHandler receives the raw bytes of each framed message together with
// its parsed form. A nil error is acknowledged with AA, anything else with AE.
type MessageHandler func(ctx context.Context, raw []byte, msg *Message) error

// MLLPServer listens for HL7v2 messages over MLLP/TCP.
type MLLPServer struct {
	addr     string
	handler  MessageHandler
	logger   zerolog.Logger
	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
}

// NewMLLPServer creates a new MLLP server that will listen on the given
// address and dispatch messages to handler.
func NewMLLPServer(addr string, handler MessageHandler, logger zerolog.Logger) *MLLPServer {
	ctx, cancel := context.WithCancel(context.Background())
	return &MLLPServer{
		addr:    addr,
		handler: handler,
		logger:  logger.With().Str("component", "mllp").Logger(),
		ctx:     ctx,
		cancel:  cancel,
		conns:   make(map[net.Conn]struct{}),
	}
}

// Start begins listening for connections. It is non-blocking: the accept loop
// runs in a background goroutine.
func (s *MLLPServer) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("mllp: failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop()
	}()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("MLLP listener started")
	return nil
}

// Stop closes the listener and every open connection, cancels in-flight
// handlers and waits for all goroutines to finish.
func (s *MLLPServer) Stop() error {
	s.cancel()

	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}

	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return err
}

// Addr returns the listener address string. This is especially useful when the
// server was started with port 0 (OS-assigned port).
func (s *MLLPServer) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

func (s *MLLPServer) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error().Err(err).Msg("accept failed")
			return
		}

		s.trackConn(conn, true)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.trackConn(conn, false)
			defer conn.Close()
			s.handleConnection(conn)
		}()
	}
}

func (s *MLLPServer) trackConn(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

// handleConnection answers every frame on conn until the peer hangs up,
// the connection sits idle past the read timeout, or the server stops.
func (s *MLLPServer) handleConnection(conn net.Conn) {
	r := bufio.NewReaderSize(conn, 4096)
	for s.ctx.Err() == nil {
		conn.SetReadDeadline(time.Now().Add(mllpReadTimeout))
		raw, err := ReadFrame(r, mllpMaxMessageSize)
		if err != nil {
			if errors.Is(err, ErrFrameTooLarge) {
				s.logger.Warn().Str("remote", conn.RemoteAddr().String()).Msg("message exceeds max size, closing connection")
			}
			return
		}
		s.processMessage(conn, raw)
	}
}

func (s *MLLPServer) processMessage(conn net.Conn, raw []byte) {
	msg, err := Parse(raw)
	if err != nil {
		s.logger.Warn().Err(err).Msg("unparseable message dropped")
		return
	}

	ackCode := "AA"
	if err := s.handler(s.ctx, raw, msg); err != nil {
		ackCode = "AE"
		s.logger.Error().Err(err).Str("control_id", msg.ControlID).Msg("message rejected")
	} else {
		s.logger.Info().Str("control_id", msg.ControlID).Str("type", msg.Type).Msg("message accepted")
	}

	framed := FrameMessage(SerializeMessage(GenerateACK(msg, ackCode)))
	conn.SetWriteDeadline(time.Now().Add(mllpWriteTimeout))
	if _, err := conn.Write(framed); err != nil {
		s.logger.Error().Err(err).Msg("ack write failed")
	}
}

// ---------------------------------------------------------------------------
// MLLP framing helpers
// ---------------------------------------------------------------------------

// FrameMessage wraps raw HL7v2 bytes in MLLP framing:
//
//	<0x0B> + message + <0x1C><0x0D>
func FrameMessage(data []byte) []byte {
	frame := make([]byte, 0, len(data)+3)
	frame = append(frame, MLLPStartBlock)
	frame = append(frame, data...)
	frame = append(frame, MLLPEndBlock, MLLPCarriageReturn)
	return frame
}

// ErrFrameTooLarge is returned by ReadFrame when a frame outgrows its limit.
var ErrFrameTooLarge = errors.New("mllp: frame exceeds size limit")

// ReadFrame returns the payload of the next MLLP frame in r. Bytes before
// the start block are discarded. An end block not followed by CR is part
// of the payload.
func ReadFrame(r *bufio.Reader, limit int) ([]byte, error) {
	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b == MLLPStartBlock {
			break
		}
	}

	var msg []byte
	for {
		chunk, err := r.ReadSlice(MLLPEndBlock)
		msg = append(msg, chunk...)
		if len(msg) > limit {
			return nil, ErrFrameTooLarge
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if err != nil {
			return nil, err
		}

		next, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		if next == MLLPCarriageReturn {
			return msg[:len(msg)-1], nil
		}
		r.UnreadByte()
	}
}

// ---------------------------------------------------------------------------
// ACK generation
// ---------------------------------------------------------------------------

// GenerateACK creates an HL7v2 ACK message for the given incoming message.
// ackCode should be "AA" (accept), "AE" (error), or "AR" (reject).
//
// The ACK swaps the sending and receiving application/facility from the
// original message and references the original control ID in MSA-2.
func GenerateACK(incoming *Message, ackCode string) *Message {
	trigger := ""
	if parts := strings.SplitN(incoming.Type, "^", 2); len(parts) == 2 {
		trigger = parts[1]
	}

	now := time.Now().UTC()
	timestamp := now.Format(hl7TimeLayout)
	controlID := "ACK" + now.Format("20060102150405.000")
	version := incoming.Version
	if version == "" {
		version = hl7Version
	}

	ack := &Message{
		Type:         "ACK^" + trigger,
		ControlID:    controlID,
		Version:      version,
		Timestamp:    now,
		SendingApp:   incoming.ReceivingApp,
		SendingFac:   incoming.ReceivingFac,
		ReceivingApp: incoming.SendingApp,
		ReceivingFac: incoming.SendingFac,
	}

	msh := Segment{
		Name: "MSH",
		Fields: []Field{
			textField("|"),              // MSH-1
			textField("^~\\&"),          // MSH-2
			textField(ack.SendingApp),   // MSH-3
			textField(ack.SendingFac),   // MSH-4
			textField(ack.ReceivingApp), // MSH-5
			textField(ack.ReceivingFac), // MSH-6
			textField(timestamp),        // MSH-7
			textField(""),               // MSH-8 (security)
			parseField(ack.Type),        // MSH-9
			textField(controlID),        // MSH-10
			textField("P"),              // MSH-11
			textField(version),          // MSH-12
		},
	}

	msa := Segment{
		Name: "MSA",
		Fields: []Field{
			textField(ackCode),            // MSA-1
			textField(incoming.ControlID), // MSA-2
		},
	}

	ack.Segments = []Segment{msh, msa}
	return ack
}

func textField(v string) Field {
	return Field{Value: v, Components: []string{v}}
}

// SerializeMessage converts a Message back into raw HL7v2 bytes with \r
// segment separators.
func SerializeMessage(msg *Message) []byte {
	segments := make([]string, 0, len(msg.Segments))
	for _, seg := range msg.Segments {
		segments = append(segments, serializeSegment(seg))
	}
	return []byte(strings.Join(segments, "\r"))
}

func serializeSegment(seg Segment) string {
	if seg.Name == "MSH" {
		// Fields[0] is the separator itself; the rest follow MSH|.
		if len(seg.Fields) < 2 {
			return "MSH|"
		}
		parts := make([]string, 0, len(seg.Fields)-1)
		for i := 1; i < len(seg.Fields); i++ {
			parts = append(parts, seg.Fields[i].Value)
		}
		return "MSH|" + strings.Join(parts, "|")
	}

	parts := make([]string, len(seg.Fields))
	for i, f := range seg.Fields {
		parts[i] = f.Value
	}
	return seg.Name + "|" + strings.Join(parts, "|")
}
