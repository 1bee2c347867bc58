package http

import (
	"bufio"
	"bytes"
	"net"
	"testing"
)

func TestComputeAccept(t *testing.T) {
	// Known vector from RFC 6455 section 1.3.
	got := computeAccept("dGhlIHNhbXBsZSBub25jZQ==")
	want := "s3pPLMBiTxaQ9kYGzzhZRbK+xOo="
	if got != want {
		t.Fatalf("computeAccept: got %q, want %q", got, want)
	}
}

func TestWriteFrameShortPayload(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	ws := &wsServerConn{conn: server, w: bufio.NewWriter(server)}

	done := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 64)
		n, _ := client.Read(buf)
		done <- buf[:n]
	}()

	if err := ws.Send([]byte("hello")); err != nil {
		t.Fatalf("send: %v", err)
	}
	frame := <-done

	want := append([]byte{0x80 | opText, 5}, []byte("hello")...)
	if !bytes.Equal(frame, want) {
		t.Fatalf("frame mismatch: got % x, want % x", frame, want)
	}
}

func TestWriteFrameExtendedLength(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	ws := &wsServerConn{conn: server, w: bufio.NewWriter(server)}
	payload := bytes.Repeat([]byte{0xAB}, 300)

	done := make(chan []byte, 1)
	go func() {
		collected := make([]byte, 0, 512)
		buf := make([]byte, 1024)
		for len(collected) < 4+len(payload) {
			n, err := client.Read(buf)
			collected = append(collected, buf[:n]...)
			if err != nil {
				break
			}
		}
		done <- collected
	}()

	if err := ws.writeFrame(opText, payload); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	frame := <-done

	if len(frame) != 4+len(payload) {
		t.Fatalf("expected %d bytes, got %d", 4+len(payload), len(frame))
	}
	if frame[0] != 0x80|opText || frame[1] != 126 {
		t.Fatalf("bad header: % x", frame[:2])
	}
	if int(frame[2])<<8|int(frame[3]) != len(payload) {
		t.Fatalf("bad extended length: % x", frame[2:4])
	}
	if !bytes.Equal(frame[4:], payload) {
		t.Fatalf("payload mismatch")
	}
}
