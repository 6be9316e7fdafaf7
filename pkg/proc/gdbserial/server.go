// Package gdbserial implements the Remote-Debug Server (spec.md §4.G): a
// single-client TCP server speaking the standard remote-serial-debug packet
// protocol, translating packets into a thin Request structure a replay
// driver consumes.
package gdbserial

import (
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/cgjones/rr/pkg/logflags"
)

// maxBindProbe bounds how many consecutive ports Listen tries before giving
// up (spec.md §7 "Fatal configuration" includes "bind failure after full
// probe range").
const maxBindProbe = 100

// RegValue is one register's value as raw target-byte-order bytes, or
// undefined.
type RegValue struct {
	Bytes   []byte
	Defined bool
}

// Server is the single-client GDB remote-serial-debug protocol engine.
type Server struct {
	ln   net.Listener
	conn net.Conn
	r    reader

	ackRequired bool // true until QStartNoAckMode negotiated
	nonStop     bool

	pending     *Request // the last unanswered resume request, if any
	contThread  int
	queryThread int
}

// NewServer returns an unconnected Server.
func NewServer() *Server {
	return &Server{ackRequired: true, contThread: -1, queryThread: -1}
}

// Listen binds to addr, probing successive ports starting at port if the
// requested one is taken (spec.md §4.G "optionally bind-probe ports
// starting at a caller-supplied port").
func (s *Server) Listen(addr string, port int) error {
	for i := 0; i < maxBindProbe; i++ {
		ln, err := net.Listen("tcp", net.JoinHostPort(addr, strconv.Itoa(port+i)))
		if err == nil {
			s.ln = ln
			logflags.GdbWireLogger().WithField("addr", ln.Addr().String()).Info("listening for debugger")
			return nil
		}
	}
	return &FatalError{Reason: fmt.Sprintf("no free port in [%d, %d)", port, port+maxBindProbe)}
}

// Accept blocks for the single debugger client this server serves.
func (s *Server) Accept() error {
	conn, err := s.ln.Accept()
	if err != nil {
		return err
	}
	s.conn = conn
	return nil
}

func (s *Server) writePacket(payload string) error {
	logflags.GdbWireLogger().Debugf("-> %s", payload)
	_, err := s.conn.Write(EncodePacket(payload))
	return err
}

func (s *Server) writeAsyncPacket(payload string) error {
	logflags.GdbWireLogger().Debugf("~> %s", payload)
	_, err := s.conn.Write(EncodeAsyncPacket(payload))
	return err
}

func (s *Server) writeAck() error {
	if s.ackRequired {
		_, err := s.conn.Write([]byte("+"))
		return err
	}
	return nil
}

// readPacket blocks on the socket until one full packet is available,
// acking it (unless no-ack mode is in force) and returning its payload.
// An out-of-band interrupt byte is reported as payload "\x03".
func (s *Server) readPacket() (string, error) {
	for {
		if payload, interrupted, ok := s.r.next(); ok {
			if interrupted {
				return "\x03", nil
			}
			if err := s.writeAck(); err != nil {
				return "", err
			}
			logflags.GdbWireLogger().Debugf("<- %s", payload)
			return payload, nil
		}
		buf := make([]byte, 4096)
		n, err := s.conn.Read(buf)
		if err != nil {
			return "", err
		}
		s.r.feed(buf[:n])
	}
}

// pollInterrupt non-blockingly checks whether an out-of-band interrupt byte
// is already available on the socket or already buffered, feeding anything
// it reads into s.r without consuming it, so readPacket's normal framing
// still drains it afterward (spec.md §4.G: "if no new bytes are
// available" the pending resume request is returned unchanged).
func (s *Server) pollInterrupt() (bool, error) {
	if err := s.conn.SetReadDeadline(time.Now()); err != nil {
		return false, err
	}
	defer s.conn.SetReadDeadline(time.Time{})

	buf := make([]byte, 4096)
	n, err := s.conn.Read(buf)
	if n > 0 {
		s.r.feed(buf[:n])
	}
	if err != nil {
		if ne, ok := err.(net.Error); !ok || !ne.Timeout() {
			return false, err
		}
	}
	return s.r.peekInterrupt(), nil
}

// GetRequest returns the next request the driver must act on (spec.md
// §4.G "Suspension model"): if a resume request is already pending,
// GetRequest checks for an already-available out-of-band interrupt byte
// without blocking and surfaces it if present; otherwise it returns the
// pending request again. With nothing pending it blocks reading and
// answering packets internally until one surfaces a Request.
func (s *Server) GetRequest() (Request, error) {
	if s.pending != nil {
		interrupted, err := s.pollInterrupt()
		if err != nil {
			return Request{}, err
		}
		if interrupted {
			return Request{Kind: ReqInterrupt}, nil
		}
		req := *s.pending
		return req, nil
	}
	for {
		payload, err := s.readPacket()
		if err != nil {
			return Request{}, err
		}
		if payload == "\x03" {
			return Request{Kind: ReqInterrupt}, nil
		}
		req, handled, err := s.dispatch(payload)
		if err != nil {
			return Request{}, err
		}
		if !handled {
			if req.IsResume() {
				s.pending = &req
			}
			return req, nil
		}
	}
}

// dispatch answers "internal" queries itself and translates everything
// else into a Request (spec.md §4.G). handled is true when dispatch fully
// answered the packet and no Request should be surfaced.
func (s *Server) dispatch(payload string) (Request, bool, error) {
	if payload == "" {
		return Request{}, true, nil
	}
	switch payload[0] {
	case 'q':
		return s.handleQueryRequest(payload[1:])
	case 'Q':
		return Request{}, true, s.handleSet(payload[1:])
	case 'H':
		return Request{}, true, s.handleSetThread(payload[1:])
	case 'g':
		return Request{Kind: ReqGetRegs, Thread: s.queryThread}, false, nil
	case 'p':
		n, _ := strconv.ParseInt(payload[1:], 16, 32)
		return Request{Kind: ReqGetReg, RegNum: int(n), Thread: s.queryThread}, false, nil
	case 'm':
		addr, length := parseAddrLen(payload[1:])
		return Request{Kind: ReqGetMem, Addr: addr, Len: length}, false, nil
	case 'G', 'M', 'X', 'P':
		// Memory/register writes: unsupported, always answered empty,
		// since accepting one could cause replay divergence (spec.md
		// §4.G, §7).
		return Request{}, true, s.writePacket("")
	case 'z', 'Z':
		return s.handleBreak(payload)
	case '?':
		return Request{Kind: ReqGetStopReason}, false, nil
	case 'c', 's':
		return s.handleLegacyResume(payload)
	case 'T':
		tid, _ := strconv.ParseInt(payload[1:], 16, 32)
		return Request{Kind: ReqIsThreadAlive, Thread: int(tid)}, false, nil
	case 'v':
		return s.handleVPacket(payload[1:])
	case 'D', 'k':
		s.writePacket("OK")
		s.conn.Close()
		return Request{}, true, fmt.Errorf("gdbserial: client requested %s", payload)
	default:
		return Request{}, true, s.writePacket("")
	}
}

// handleQueryRequest intercepts the 'q' queries that the registry, not the
// server itself, must answer (spec.md §4.G: qOffsets, qC, qfThreadInfo/
// qsThreadInfo) and surfaces them as Requests; everything else is still
// answered internally by handleQuery.
func (s *Server) handleQueryRequest(rest string) (Request, bool, error) {
	name, _ := splitNameArgs(rest)
	switch name {
	case "Offsets":
		return Request{Kind: ReqGetOffsets}, false, nil
	case "C":
		return Request{Kind: ReqGetCurrentThread}, false, nil
	case "fThreadInfo", "sThreadInfo":
		return Request{Kind: ReqGetThreadList}, false, nil
	default:
		return Request{}, true, s.handleQuery(rest)
	}
}

func parseAddrLen(s string) (uintptr, int) {
	parts := strings.SplitN(s, ",", 2)
	addr, _ := strconv.ParseUint(parts[0], 16, 64)
	length := 0
	if len(parts) == 2 {
		n, _ := strconv.ParseUint(parts[1], 16, 32)
		length = int(n)
	}
	return uintptr(addr), length
}

func (s *Server) handleQuery(rest string) error {
	name, args := splitNameArgs(rest)
	switch {
	case name == "Supported":
		if err := s.writePacket("QStartNoAckMode+;QNonStop+"); err != nil {
			return err
		}
		return s.writePacket("QNonStop+")
	case name == "Attached":
		return s.writePacket("1")
	case name == "Symbol":
		return s.writePacket("OK")
	case name == "TStatus":
		return s.writePacket("")
	case strings.HasPrefix(name, "ThreadExtraInfo"):
		return s.writePacket(hex.EncodeToString([]byte("tracee")))
	default:
		_ = args
		return s.writePacket("")
	}
}

func (s *Server) handleSet(rest string) error {
	name, args := splitNameArgs(rest)
	switch name {
	case "StartNoAckMode":
		if err := s.writePacket("OK"); err != nil {
			return err
		}
		s.ackRequired = false
		return nil
	case "NonStop":
		if args != "1" {
			return &FatalError{Reason: fmt.Sprintf("QNonStop only supports enabling non-stop, got %q", args)}
		}
		s.nonStop = true
		return s.writePacket("OK")
	default:
		return s.writePacket("")
	}
}

func splitNameArgs(s string) (name, args string) {
	if i := strings.IndexByte(s, ':'); i >= 0 {
		return s[:i], s[i+1:]
	}
	return s, ""
}

func (s *Server) handleSetThread(rest string) error {
	// Hc<tid> sets the continue thread; Hg<tid> sets the query thread.
	if len(rest) < 2 {
		return s.writePacket("")
	}
	kind := rest[0]
	tid, _ := strconv.ParseInt(rest[1:], 16, 32)
	switch kind {
	case 'c':
		s.contThread = int(tid)
	case 'g':
		s.queryThread = int(tid)
	}
	return s.writePacket("OK")
}

func (s *Server) handleBreak(payload string) (Request, bool, error) {
	set := payload[0] == 'Z'
	rest := payload[1:]
	parts := strings.SplitN(rest, ",", 3)
	if len(parts) < 3 {
		return Request{}, true, s.writePacket("")
	}
	kindNum, _ := strconv.Atoi(parts[0])
	addr, _ := strconv.ParseUint(parts[1], 16, 64)
	length, _ := strconv.ParseUint(parts[2], 16, 32)

	var bk BreakKind
	switch kindNum {
	case 0:
		bk = BreakSoftware
	case 1:
		bk = BreakHardware
	case 2:
		bk = BreakWatchWrite
	case 3:
		bk = BreakWatchRead
	case 4:
		bk = BreakWatchAccess
	default:
		return Request{}, true, s.writePacket("")
	}

	req := Request{Addr: uintptr(addr), Len: int(length), Break: bk}
	if set {
		req.Kind = ReqSetBreak
	} else {
		req.Kind = ReqRemoveBreak
	}
	return req, false, nil
}

func (s *Server) handleLegacyResume(payload string) (Request, bool, error) {
	if !s.nonStop {
		return Request{}, false, &FatalError{Reason: fmt.Sprintf("all-stop resume request %q without QNonStop negotiated", payload)}
	}
	if err := s.writePacket("OK"); err != nil {
		return Request{}, false, err
	}
	kind := ReqContinue
	if payload[0] == 's' {
		kind = ReqStep
	}
	return Request{Kind: kind, Thread: s.contThread}, false, nil
}

func (s *Server) handleVPacket(rest string) (Request, bool, error) {
	switch {
	case rest == "Cont?":
		return Request{}, true, s.writePacket("vCont;c;s;t")
	case rest == "Stopped":
		// No queued stop replies beyond the one notify_* already sent.
		return Request{}, true, s.writePacket("OK")
	case strings.HasPrefix(rest, "Cont;"):
		if !s.nonStop {
			return Request{}, false, &FatalError{Reason: fmt.Sprintf("all-stop resume request %q without QNonStop negotiated", rest)}
		}
		action := rest[len("Cont;"):]
		if err := s.writePacket("OK"); err != nil {
			return Request{}, false, err
		}
		switch {
		case strings.HasPrefix(action, "c"):
			return Request{Kind: ReqContinue, Thread: s.contThread}, false, nil
		case strings.HasPrefix(action, "s"):
			return Request{Kind: ReqStep, Thread: s.contThread}, false, nil
		case strings.HasPrefix(action, "t"):
			return Request{Kind: ReqInterrupt, Thread: s.contThread}, false, nil
		default:
			return Request{}, true, nil
		}
	default:
		return Request{}, true, s.writePacket("")
	}
}

// --- Replies, consumed by a replay driver after GetRequest surfaces work. ---

func encodeReg(v RegValue) string {
	if !v.Defined {
		return strings.Repeat("x", len(v.Bytes)*2)
	}
	return hex.EncodeToString(v.Bytes)
}

// ReplyGetRegs answers a ReqGetRegs request with the concatenated encoding
// of every register, in the architecture's fixed order.
func (s *Server) ReplyGetRegs(regs []RegValue) error {
	s.clearPending()
	var b strings.Builder
	for _, r := range regs {
		b.WriteString(encodeReg(r))
	}
	return s.writePacket(b.String())
}

// ReplyGetReg answers a ReqGetReg request.
func (s *Server) ReplyGetReg(v RegValue) error {
	s.clearPending()
	return s.writePacket(encodeReg(v))
}

// ReplyGetMem answers a ReqGetMem request with the hex-encoded bytes read,
// or an E01 error reply if the read failed.
func (s *Server) ReplyGetMem(data []byte, ok bool) error {
	s.clearPending()
	if !ok {
		return s.writePacket("E01")
	}
	return s.writePacket(hex.EncodeToString(data))
}

// ReplyBreak answers a ReqSetBreak/ReqRemoveBreak request.
func (s *Server) ReplyBreak(ok bool) error {
	s.clearPending()
	if ok {
		return s.writePacket("OK")
	}
	return s.writePacket("E01")
}

// ReplyGetCurrentThread answers a ReqGetCurrentThread request.
func (s *Server) ReplyGetCurrentThread(tid int) error {
	s.clearPending()
	return s.writePacket(fmt.Sprintf("QC%x", tid))
}

// ReplyGetThreadList answers a ReqGetThreadList request.
func (s *Server) ReplyGetThreadList(tids []int) error {
	s.clearPending()
	strs := make([]string, len(tids))
	for i, t := range tids {
		strs[i] = fmt.Sprintf("%x", t)
	}
	if err := s.writePacket("m" + strings.Join(strs, ",")); err != nil {
		return err
	}
	return s.writePacket("l")
}

// ReplyIsThreadAlive answers a ReqIsThreadAlive request.
func (s *Server) ReplyIsThreadAlive(alive bool) error {
	s.clearPending()
	if alive {
		return s.writePacket("OK")
	}
	return s.writePacket("E01")
}

// ReplyGetStopReason answers a ReqGetStopReason request with a synchronous
// stop reply for the given thread/signal.
func (s *Server) ReplyGetStopReason(thread, sig int) error {
	s.clearPending()
	return s.writeStopReply(false, "", thread, sig)
}

// ReplyGetOffsets answers a ReqGetOffsets request.
func (s *Server) ReplyGetOffsets(text, data, bss uintptr) error {
	s.clearPending()
	return s.writePacket(fmt.Sprintf("Text=%x;Data=%x;Bss=%x", text, data, bss))
}

func (s *Server) clearPending() { s.pending = nil }

// writeStopReply emits T<hex-sig>thread:<hex-tid>; either synchronously or
// as an async notification (spec.md §4.G).
func (s *Server) writeStopReply(async bool, prefix string, thread, sig int) error {
	gdbSig, err := ToGDBSignum(sig)
	if err != nil {
		return err
	}
	payload := fmt.Sprintf("%sT%02xthread:%x;", prefix, gdbSig, thread)
	if async {
		return s.writeAsyncPacket(payload)
	}
	return s.writePacket(payload)
}

// NotifyStop answers a previously pending resume request with an
// asynchronous stop-reply packet (spec.md §4.G).
func (s *Server) NotifyStop(thread, sig int) error {
	s.clearPending()
	return s.writeStopReply(true, "Stop:", thread, sig)
}

// NotifyExitCode answers a pending resume request with a process-exit
// notification.
func (s *Server) NotifyExitCode(code int) error {
	s.clearPending()
	return s.writeAsyncPacket(fmt.Sprintf("Stop:W%02x", code))
}

// NotifyExitSignal answers a pending resume request with a
// killed-by-signal notification.
func (s *Server) NotifyExitSignal(sig int) error {
	s.clearPending()
	gdbSig, err := ToGDBSignum(sig)
	if err != nil {
		return err
	}
	return s.writeAsyncPacket(fmt.Sprintf("Stop:X%02x", gdbSig))
}

// Close tears down the client connection and listener.
func (s *Server) Close() error {
	if s.conn != nil {
		s.conn.Close()
	}
	if s.ln != nil {
		return s.ln.Close()
	}
	return nil
}
