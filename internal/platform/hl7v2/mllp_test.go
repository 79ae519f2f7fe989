package hl7v2

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
)

// testADT is a minimal ADT^A01 message used across MLLP tests.
var testADT = "MSH|^~\\&|SendApp|SendFac|RecvApp|RecvFac|20240115120000||ADT^A01|MSG001|P|2.5.1\rPID|||12345||Smith^John||19800101|M"

func acceptAll(context.Context, []byte, *Message) error { return nil }

func newTestServer(t *testing.T, h MessageHandler) *MLLPServer {
	t.Helper()
	s := NewMLLPServer("127.0.0.1:0", h, zerolog.Nop())
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	return s
}

func dial(t *testing.T, s *MLLPServer) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", s.Addr(), 2*time.Second)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	return conn
}

// =========== Framing Tests ===========

func TestFrameMessage(t *testing.T) {
	raw := []byte("MSH|^~\\&|A|B|||20240115||ADT^A01|C1|P|2.5.1")
	framed := FrameMessage(raw)

	if framed[0] != MLLPStartBlock {
		t.Errorf("expected first byte 0x0B, got 0x%02X", framed[0])
	}
	if framed[len(framed)-2] != MLLPEndBlock {
		t.Errorf("expected second-to-last byte 0x1C, got 0x%02X", framed[len(framed)-2])
	}
	if framed[len(framed)-1] != MLLPCarriageReturn {
		t.Errorf("expected last byte 0x0D, got 0x%02X", framed[len(framed)-1])
	}

	inner := framed[1 : len(framed)-2]
	if !bytes.Equal(inner, raw) {
		t.Errorf("inner bytes do not match original")
	}
}

func TestReadFrame(t *testing.T) {
	frame := func(s string) string { return string(FrameMessage([]byte(s))) }
	tests := []struct {
		name    string
		input   string
		want    []string
		wantErr error
	}{
		{"single", frame("MSH|test"), []string{"MSH|test"}, io.EOF},
		{"two back to back", frame("MSG_ONE") + frame("MSG_TWO"), []string{"MSG_ONE", "MSG_TWO"}, io.EOF},
		{"leading noise", "\r\nnoise" + frame("MSH|x"), []string{"MSH|x"}, io.EOF},
		{"end block inside payload", frame("A\x1cB"), []string{"A\x1cB"}, io.EOF},
		{"no start block", "no start block here", nil, io.EOF},
		{"truncated", "\x0bMSH|partial", nil, io.EOF},
		{"too large", frame(strings.Repeat("x", 64)), nil, ErrFrameTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := bufio.NewReaderSize(strings.NewReader(tt.input), 16)
			var got []string
			var err error
			for {
				var msg []byte
				msg, err = ReadFrame(r, 32)
				if err != nil {
					break
				}
				got = append(got, string(msg))
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("final err = %v, want %v", err, tt.wantErr)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("frames mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

// =========== ACK Tests ===========

func TestGenerateACK_AA(t *testing.T) {
	msg := parseTestMessage(t, testADT)
	ack := GenerateACK(msg, "AA")

	if ack.SendingApp != "RecvApp" {
		t.Errorf("expected SendingApp 'RecvApp', got %q", ack.SendingApp)
	}
	if ack.SendingFac != "RecvFac" {
		t.Errorf("expected SendingFac 'RecvFac', got %q", ack.SendingFac)
	}
	if ack.ReceivingApp != "SendApp" {
		t.Errorf("expected ReceivingApp 'SendApp', got %q", ack.ReceivingApp)
	}
	if ack.ReceivingFac != "SendFac" {
		t.Errorf("expected ReceivingFac 'SendFac', got %q", ack.ReceivingFac)
	}

	msa := ack.GetSegment("MSA")
	if msa == nil {
		t.Fatal("expected MSA segment in ACK")
	}
	if msa.GetField(1) != "AA" {
		t.Errorf("expected MSA-1 'AA', got %q", msa.GetField(1))
	}
	if msa.GetField(2) != "MSG001" {
		t.Errorf("expected MSA-2 'MSG001', got %q", msa.GetField(2))
	}
}

func TestGenerateACK_AE(t *testing.T) {
	msg := parseTestMessage(t, testADT)
	ack := GenerateACK(msg, "AE")

	msa := ack.GetSegment("MSA")
	if msa == nil {
		t.Fatal("expected MSA segment in ACK")
	}
	if msa.GetField(1) != "AE" {
		t.Errorf("expected MSA-1 'AE', got %q", msa.GetField(1))
	}
}

func TestGenerateACK_PreservesControlID(t *testing.T) {
	msg := parseTestMessage(t, testADT)
	ack := GenerateACK(msg, "AA")

	msa := ack.GetSegment("MSA")
	if msa == nil {
		t.Fatal("expected MSA segment in ACK")
	}

	// MSA-2 must contain the original message's control ID.
	if msa.GetField(2) != msg.ControlID {
		t.Errorf("expected MSA-2 to be %q, got %q", msg.ControlID, msa.GetField(2))
	}
}

// =========== Server Integration Tests ===========

func TestMLLPServer_StartStop(t *testing.T) {
	s := newTestServer(t, acceptAll)
	if s.Addr() == "" {
		t.Fatal("Addr() returned empty string")
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
}

func TestMLLPServer_ReceiveMessage(t *testing.T) {
	received := make(chan []byte, 1)
	s := newTestServer(t, func(_ context.Context, raw []byte, msg *Message) error {
		if msg.ControlID != "MSG001" {
			t.Errorf("expected control ID 'MSG001', got %q", msg.ControlID)
		}
		received <- raw
		return nil
	})
	defer s.Stop()

	conn := dial(t, s)
	defer conn.Close()

	if _, err := conn.Write(FrameMessage([]byte(testADT))); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	select {
	case raw := <-received:
		if string(raw) != testADT {
			t.Errorf("handler got %q, want the unframed message", raw)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestMLLPServer_SendsACK(t *testing.T) {
	s := newTestServer(t, acceptAll)
	defer s.Stop()

	conn := dial(t, s)
	defer conn.Close()

	if _, err := conn.Write(FrameMessage([]byte(testADT))); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	ack := parseTestMessage(t, string(readMLLPResponse(t, conn, 5*time.Second)))
	msa := ack.GetSegment("MSA")
	if msa == nil {
		t.Fatal("ACK missing MSA segment")
	}
	if msa.GetField(1) != "AA" {
		t.Errorf("expected MSA-1 'AA', got %q", msa.GetField(1))
	}
	if msa.GetField(2) != "MSG001" {
		t.Errorf("expected MSA-2 'MSG001', got %q", msa.GetField(2))
	}
}

func TestMLLPServer_HandlerErrorSendsAE(t *testing.T) {
	s := newTestServer(t, func(context.Context, []byte, *Message) error {
		return errors.New("store unavailable")
	})
	defer s.Stop()

	conn := dial(t, s)
	defer conn.Close()

	if _, err := conn.Write(FrameMessage([]byte(testADT))); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	ack := parseTestMessage(t, string(readMLLPResponse(t, conn, 5*time.Second)))
	msa := ack.GetSegment("MSA")
	if msa == nil {
		t.Fatal("ACK missing MSA segment")
	}
	if msa.GetField(1) != "AE" {
		t.Errorf("expected MSA-1 'AE', got %q", msa.GetField(1))
	}
}

func TestMLLPServer_DecodesIPS(t *testing.T) {
	got := make(chan string, 1)
	s := newTestServer(t, func(_ context.Context, raw []byte, _ *Message) error {
		rec, err := DecodeIPS(raw)
		if err != nil {
			return err
		}
		got <- rec.FamilyName
		return nil
	})
	defer s.Stop()

	conn := dial(t, s)
	defer conn.Close()

	if _, err := conn.Write(FrameMessage([]byte(testADT))); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	readMLLPResponse(t, conn, 5*time.Second)

	select {
	case family := <-got:
		if family != "Smith" {
			t.Errorf("expected family 'Smith', got %q", family)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for decode")
	}
}

func TestMLLPServer_MultipleMessages(t *testing.T) {
	var mu sync.Mutex
	var received []string

	s := newTestServer(t, func(_ context.Context, _ []byte, msg *Message) error {
		mu.Lock()
		received = append(received, msg.ControlID)
		mu.Unlock()
		return nil
	})
	defer s.Stop()

	conn := dial(t, s)
	defer conn.Close()

	msg1 := "MSH|^~\\&|A|B|C|D|20240115120000||MDM^T01|CTRL1|P|2.3\rPID|||111||One^First||19900101|M"
	if _, err := conn.Write(FrameMessage([]byte(msg1))); err != nil {
		t.Fatalf("Write msg1 failed: %v", err)
	}
	readMLLPResponse(t, conn, 5*time.Second)

	msg2 := "MSH|^~\\&|A|B|C|D|20240115120001||MDM^T01|CTRL2|P|2.3\rPID|||222||Two^Second||19910202|F"
	if _, err := conn.Write(FrameMessage([]byte(msg2))); err != nil {
		t.Fatalf("Write msg2 failed: %v", err)
	}
	readMLLPResponse(t, conn, 5*time.Second)

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(received))
	}
	if received[0] != "CTRL1" || received[1] != "CTRL2" {
		t.Errorf("unexpected control IDs %v", received)
	}
}

func TestMLLPServer_MultipleConnections(t *testing.T) {
	var mu sync.Mutex
	var received []string

	s := newTestServer(t, func(_ context.Context, _ []byte, msg *Message) error {
		mu.Lock()
		received = append(received, msg.ControlID)
		mu.Unlock()
		return nil
	})
	defer s.Stop()

	var wg sync.WaitGroup
	for i, ctrlID := range []string{"CONN1", "CONN2"} {
		wg.Add(1)
		go func(idx int, id string) {
			defer wg.Done()

			conn, err := net.DialTimeout("tcp", s.Addr(), 2*time.Second)
			if err != nil {
				t.Errorf("Dial failed for conn %d: %v", idx, err)
				return
			}
			defer conn.Close()

			msg := "MSH|^~\\&|A|B|C|D|20240115120000||MDM^T01|" + id + "|P|2.3\rPID|||999||Test^User||19850101|M"
			if _, err := conn.Write(FrameMessage([]byte(msg))); err != nil {
				t.Errorf("Write failed for conn %d: %v", idx, err)
				return
			}
			readMLLPResponse(t, conn, 5*time.Second)
		}(i, ctrlID)
	}

	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 2 {
		t.Fatalf("expected 2 messages from 2 connections, got %d", len(received))
	}
}

// =========== Helpers ===========

// parseTestMessage is a test helper that parses an HL7v2 string and fails
// the test on error.
func parseTestMessage(t *testing.T, raw string) *Message {
	t.Helper()
	msg, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("failed to parse test message: %v", err)
	}
	return msg
}

// readMLLPResponse reads one MLLP-framed response from conn.
func readMLLPResponse(t *testing.T, conn net.Conn, timeout time.Duration) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(timeout))
	msg, err := ReadFrame(bufio.NewReader(conn), mllpMaxMessageSize)
	if err != nil {
		t.Fatalf("error reading MLLP response: %v", err)
	}
	return msg
}
