package gdbserial

import (
	"net"
	"testing"
	"time"
)

func readClientPacket(t *testing.T, conn net.Conn, r *reader) string {
	t.Helper()
	for {
		if payload, _, ok := r.next(); ok {
			return payload
		}
		buf := make([]byte, 4096)
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		n, err := conn.Read(buf)
		if err != nil {
			t.Fatalf("reading from server: %v", err)
		}
		r.feed(buf[:n])
	}
}

func TestServerHandshakeAndResume(t *testing.T) {
	client, serverSide := net.Pipe()
	defer client.Close()
	defer serverSide.Close()

	s := &Server{conn: serverSide, ackRequired: true, contThread: -1, queryThread: -1}

	reqCh := make(chan Request, 1)
	errCh := make(chan error, 1)
	go func() {
		req, err := s.GetRequest()
		if err != nil {
			errCh <- err
			return
		}
		reqCh <- req
	}()

	var cr reader

	if _, err := client.Write(EncodePacket("qSupported")); err != nil {
		t.Fatal(err)
	}
	if got := readClientPacket(t, client, &cr); got != "QStartNoAckMode+;QNonStop+" {
		t.Fatalf("qSupported reply 1 = %q", got)
	}
	if got := readClientPacket(t, client, &cr); got != "QNonStop+" {
		t.Fatalf("qSupported reply 2 = %q", got)
	}

	if _, err := client.Write(EncodePacket("QStartNoAckMode")); err != nil {
		t.Fatal(err)
	}
	if got := readClientPacket(t, client, &cr); got != "OK" {
		t.Fatalf("QStartNoAckMode reply = %q", got)
	}

	if _, err := client.Write(EncodePacket("QNonStop:1")); err != nil {
		t.Fatal(err)
	}
	if got := readClientPacket(t, client, &cr); got != "OK" {
		t.Fatalf("QNonStop reply = %q", got)
	}

	if _, err := client.Write(EncodePacket("vCont;c")); err != nil {
		t.Fatal(err)
	}
	if got := readClientPacket(t, client, &cr); got != "OK" {
		t.Fatalf("vCont;c reply = %q", got)
	}

	select {
	case err := <-errCh:
		t.Fatalf("GetRequest returned error: %v", err)
	case req := <-reqCh:
		if req.Kind != ReqContinue {
			t.Fatalf("request kind = %s, want continue", req.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for resume request")
	}

	// A second GetRequest call must return the pending resume request
	// again; it only polls the connection for an interrupt byte and reads
	// no new packet.
	pending, err := s.GetRequest()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pending.Kind != ReqContinue {
		t.Fatalf("pending request kind = %s, want continue", pending.Kind)
	}

	go func() {
		s.NotifyStop(3, sigTrap)
	}()
	buf := make([]byte, 4096)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := client.Read(buf)
	if err != nil {
		t.Fatalf("reading notify_stop: %v", err)
	}
	got := string(buf[:n])
	if got[0] != '%' {
		t.Fatalf("notify_stop packet = %q, want leading %%", got)
	}
	if want := "%Stop:T05thread:3;#"; got[:len(want)] != want {
		t.Fatalf("notify_stop packet = %q, want prefix %q", got, want)
	}
}

func TestServerAllStopResumeWithoutNonStopIsFatal(t *testing.T) {
	client, serverSide := net.Pipe()
	defer client.Close()
	defer serverSide.Close()

	s := &Server{conn: serverSide, ackRequired: false, contThread: -1, queryThread: -1}

	errCh := make(chan error, 1)
	go func() {
		_, err := s.GetRequest()
		errCh <- err
	}()

	if _, err := client.Write(EncodePacket("c")); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-errCh:
		if _, ok := err.(*FatalError); !ok {
			t.Fatalf("expected *FatalError, got %T: %v", err, err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for fatal error")
	}
}

func TestServerIsThreadAlive(t *testing.T) {
	client, serverSide := net.Pipe()
	defer client.Close()
	defer serverSide.Close()

	s := &Server{conn: serverSide, ackRequired: false, contThread: -1, queryThread: -1}

	reqCh := make(chan Request, 1)
	go func() {
		req, _ := s.GetRequest()
		reqCh <- req
	}()

	if _, err := client.Write(EncodePacket("T7")); err != nil {
		t.Fatal(err)
	}

	select {
	case req := <-reqCh:
		if req.Kind != ReqIsThreadAlive || req.Thread != 7 {
			t.Fatalf("unexpected request: %+v", req)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for is-thread-alive request")
	}

	if err := s.ReplyIsThreadAlive(true); err != nil {
		t.Fatal(err)
	}
	var cr reader
	if got := readClientPacket(t, client, &cr); got != "OK" {
		t.Fatalf("ReplyIsThreadAlive reply = %q", got)
	}
}

func TestServerGetOffsets(t *testing.T) {
	client, serverSide := net.Pipe()
	defer client.Close()
	defer serverSide.Close()

	s := &Server{conn: serverSide, ackRequired: false, contThread: -1, queryThread: -1}

	reqCh := make(chan Request, 1)
	go func() {
		req, _ := s.GetRequest()
		reqCh <- req
	}()

	if _, err := client.Write(EncodePacket("qOffsets")); err != nil {
		t.Fatal(err)
	}

	select {
	case req := <-reqCh:
		if req.Kind != ReqGetOffsets {
			t.Fatalf("unexpected request: %+v", req)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for get-offsets request")
	}

	if err := s.ReplyGetOffsets(0x1000, 0x2000, 0x3000); err != nil {
		t.Fatal(err)
	}
	var cr reader
	if got, want := readClientPacket(t, client, &cr), "Text=1000;Data=2000;Bss=3000"; got != want {
		t.Fatalf("ReplyGetOffsets reply = %q, want %q", got, want)
	}
}

func TestServerGetCurrentThreadAndThreadList(t *testing.T) {
	client, serverSide := net.Pipe()
	defer client.Close()
	defer serverSide.Close()

	s := &Server{conn: serverSide, ackRequired: false, contThread: -1, queryThread: -1}

	reqCh := make(chan Request, 1)
	go func() {
		req, _ := s.GetRequest()
		reqCh <- req
	}()

	if _, err := client.Write(EncodePacket("qC")); err != nil {
		t.Fatal(err)
	}

	select {
	case req := <-reqCh:
		if req.Kind != ReqGetCurrentThread {
			t.Fatalf("unexpected request: %+v", req)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for qC request")
	}

	if err := s.ReplyGetCurrentThread(5); err != nil {
		t.Fatal(err)
	}
	var cr reader
	if got, want := readClientPacket(t, client, &cr), "QC5"; got != want {
		t.Fatalf("ReplyGetCurrentThread reply = %q, want %q", got, want)
	}

	reqCh = make(chan Request, 1)
	go func() {
		req, _ := s.GetRequest()
		reqCh <- req
	}()

	if _, err := client.Write(EncodePacket("qfThreadInfo")); err != nil {
		t.Fatal(err)
	}

	select {
	case req := <-reqCh:
		if req.Kind != ReqGetThreadList {
			t.Fatalf("unexpected request: %+v", req)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for qfThreadInfo request")
	}

	if err := s.ReplyGetThreadList([]int{5, 7}); err != nil {
		t.Fatal(err)
	}
	if got, want := readClientPacket(t, client, &cr), "m5,7"; got != want {
		t.Fatalf("ReplyGetThreadList reply 1 = %q, want %q", got, want)
	}
	if got, want := readClientPacket(t, client, &cr), "l"; got != want {
		t.Fatalf("ReplyGetThreadList reply 2 = %q, want %q", got, want)
	}
}

func TestServerInterruptWhilePending(t *testing.T) {
	client, serverSide := net.Pipe()
	defer client.Close()
	defer serverSide.Close()

	s := &Server{conn: serverSide, ackRequired: false, nonStop: true, contThread: -1, queryThread: -1}

	reqCh := make(chan Request, 1)
	errCh := make(chan error, 1)
	go func() {
		req, err := s.GetRequest()
		if err != nil {
			errCh <- err
			return
		}
		reqCh <- req
	}()

	if _, err := client.Write(EncodePacket("vCont;c")); err != nil {
		t.Fatal(err)
	}

	var req Request
	select {
	case err := <-errCh:
		t.Fatalf("unexpected error: %v", err)
	case req = <-reqCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for continue request")
	}
	if req.Kind != ReqContinue {
		t.Fatalf("request kind = %s, want continue", req.Kind)
	}
	var cr reader
	if got := readClientPacket(t, client, &cr); got != "OK" {
		t.Fatalf("vCont;c reply = %q", got)
	}

	go func() {
		client.Write([]byte{0x03})
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		var err error
		req, err = s.GetRequest()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if req.Kind == ReqInterrupt {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for pending interrupt to surface")
		}
	}
}

func TestServerSetAndRemoveBreakpoint(t *testing.T) {
	client, serverSide := net.Pipe()
	defer client.Close()
	defer serverSide.Close()

	s := &Server{conn: serverSide, ackRequired: false, contThread: -1, queryThread: -1}

	reqCh := make(chan Request, 1)
	go func() {
		req, _ := s.GetRequest()
		reqCh <- req
	}()

	if _, err := client.Write(EncodePacket("Z0,400000,1")); err != nil {
		t.Fatal(err)
	}

	select {
	case req := <-reqCh:
		if req.Kind != ReqSetBreak || req.Break != BreakSoftware || req.Addr != 0x400000 || req.Len != 1 {
			t.Fatalf("unexpected request: %+v", req)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for set-break request")
	}

	if err := s.ReplyBreak(true); err != nil {
		t.Fatal(err)
	}
	var cr reader
	if got := readClientPacket(t, client, &cr); got != "OK" {
		t.Fatalf("ReplyBreak reply = %q", got)
	}
}
