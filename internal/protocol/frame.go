package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// Sentinel error classes. Transport and decode failures are fatal to a
// link: the caller is expected to tear the link down rather than retry the
// individual call, per spec.
var (
	ErrTransportClosed = errors.New("protocol: transport closed")
	ErrShortRead       = errors.New("protocol: short read")
	ErrRightsTruncated = errors.New("protocol: fd rights truncated")
	ErrDecode          = errors.New("protocol: decode error")
)

// headerPrefixSize is the length, in bytes, of the fixed cmd/bytestream/
// size/num_fds prefix that begins every frame.
const headerPrefixSize = 4 + 4 + 8 + 4

// maxData1Size is the largest encoded size1 of any command's structured
// data1 payload (SyncSysmemPayload: 3 arrays of MaxFDs uint64s).
const maxData1Size = 3 * MaxFDs * 8

// data1Size returns the encoded byte length of cmd's structured data1
// payload, or 0 if cmd carries no data1 (either no payload at all, or its
// payload travels as a byte-stream Data2 instead).
func data1Size(cmd Command) int {
	switch cmd {
	case CmdSyncSysmem:
		return maxData1Size
	case CmdBarRead, CmdBarWrite:
		return 8 + 8 + 4 + 1 // Addr, Val, Size, Memory
	case CmdSetIRQFD:
		return 4 // Intx
	default:
		return 0
	}
}

// WriteMessage encodes msg and sends it over conn.
//
// The header (cmd, bytestream, size, num_fds) plus any inline data1
// payload travel in a single sendmsg call together with msg.FDs as
// SCM_RIGHTS ancillary data, so a peer can never observe the header
// without its fds. If msg.ByteStream is true and Data2 is non-empty, a
// second sendmsg carries it.
//
// WriteMessage does not close msg.FDs. On success the peer holds its own
// duplicates of them; either way the caller still owns its copies and
// closes them when it no longer needs them. After a failed call the caller
// should treat the link as dead.
func WriteMessage(conn *net.UnixConn, msg *Message) error {
	if len(msg.FDs) > MaxFDs {
		return fmt.Errorf("protocol: encode %s: num_fds %d exceeds max %d", msg.Cmd, len(msg.FDs), MaxFDs)
	}

	var data1 []byte
	var size uint64
	switch {
	case msg.ByteStream:
		size = uint64(len(msg.Data2))
	case data1Size(msg.Cmd) > 0:
		buf := new(bytes.Buffer)
		if err := binary.Write(buf, binary.LittleEndian, msg.Data1); err != nil {
			return fmt.Errorf("protocol: encode %s data1: %w", msg.Cmd, err)
		}
		data1 = buf.Bytes()
		size = uint64(len(data1))
	}

	// Built fresh every call, so there is no stale buffer content to leak
	// into the unused portion of the frame.
	head := make([]byte, 0, headerPrefixSize+len(data1))
	head = binary.LittleEndian.AppendUint32(head, uint32(msg.Cmd))
	head = binary.LittleEndian.AppendUint32(head, boolToFlag(msg.ByteStream))
	head = binary.LittleEndian.AppendUint64(head, size)
	head = binary.LittleEndian.AppendUint32(head, uint32(len(msg.FDs)))
	head = append(head, data1...)

	var oob []byte
	if len(msg.FDs) > 0 {
		oob = syscall.UnixRights(msg.FDs...)
	}

	if _, _, err := conn.WriteMsgUnix(head, oob, nil); err != nil {
		return fmt.Errorf("protocol: send %s header: %w", msg.Cmd, err)
	}

	if msg.ByteStream && len(msg.Data2) > 0 {
		if _, _, err := conn.WriteMsgUnix(msg.Data2, nil, nil); err != nil {
			return fmt.Errorf("protocol: send %s payload: %w", msg.Cmd, err)
		}
	}
	return nil
}

func boolToFlag(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

// ReadMessage receives one frame from conn: a recvmsg for exactly the
// fixed header prefix and its out-of-band fds, then a read of exactly the
// inline data1 bytes (if any), or a second recvmsg for the byte-stream
// payload when the header says bytestream=1. No read goes past the end of
// this frame, so the bytes of the frame behind it stay on the socket.
//
// Any short read, EOF, or control-message truncation is reported as a
// fatal error (ErrTransportClosed, ErrShortRead, or ErrRightsTruncated
// wrapped in); the caller must fail the whole link, not just this call.
func ReadMessage(conn *net.UnixConn) (*Message, error) {
	buf := make([]byte, headerPrefixSize+maxData1Size)
	oob := make([]byte, syscall.CmsgSpace(MaxFDs*4))

	n, oobn, flags, _, err := conn.ReadMsgUnix(buf[:headerPrefixSize], oob)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransportClosed, err)
	}
	if n == 0 {
		return nil, ErrTransportClosed
	}
	if n < headerPrefixSize {
		return nil, fmt.Errorf("%w: got %d header bytes, want at least %d", ErrShortRead, n, headerPrefixSize)
	}
	if flags&unix.MSG_CTRUNC != 0 {
		return nil, fmt.Errorf("%w: control buffer too small", ErrRightsTruncated)
	}

	cmd := Command(binary.LittleEndian.Uint32(buf[0:4]))
	byteStream := binary.LittleEndian.Uint32(buf[4:8]) != 0
	size := binary.LittleEndian.Uint64(buf[8:16])
	numFDs := binary.LittleEndian.Uint32(buf[16:20])

	if !cmd.Valid() {
		return nil, fmt.Errorf("%w: unknown command %d", ErrDecode, uint32(cmd))
	}
	if numFDs > MaxFDs {
		return nil, fmt.Errorf("%w: num_fds %d exceeds max %d", ErrDecode, numFDs, MaxFDs)
	}

	fds, err := parseRights(oob[:oobn])
	if err != nil {
		return nil, err
	}
	if len(fds) != int(numFDs) {
		closeAll(fds)
		return nil, fmt.Errorf("%w: header declared %d fds, got %d", ErrRightsTruncated, numFDs, len(fds))
	}

	msg := &Message{Cmd: cmd, ByteStream: byteStream, FDs: fds}

	if !byteStream {
		want := data1Size(cmd)
		if want == 0 {
			return msg, nil
		}
		if _, err := io.ReadFull(conn, buf[headerPrefixSize:headerPrefixSize+want]); err != nil {
			closeAll(fds)
			return nil, fmt.Errorf("%w: %s data1 truncated: %v", ErrShortRead, cmd, err)
		}
		data1, derr := decodeData1(cmd, buf[headerPrefixSize:headerPrefixSize+want])
		if derr != nil {
			closeAll(fds)
			return nil, derr
		}
		msg.Data1 = data1
		return msg, nil
	}

	if size == 0 {
		return msg, nil
	}
	data2 := make([]byte, size)
	got, _, _, _, err := conn.ReadMsgUnix(data2, nil)
	if err != nil {
		closeAll(fds)
		return nil, fmt.Errorf("%w: %v", ErrTransportClosed, err)
	}
	if uint64(got) != size {
		closeAll(fds)
		return nil, fmt.Errorf("%w: %s payload: got %d want %d", ErrShortRead, cmd, got, size)
	}
	msg.Data2 = data2
	return msg, nil
}

// decodeData1 interprets raw as the structured payload cmd expects.
func decodeData1(cmd Command, raw []byte) (any, error) {
	r := bytes.NewReader(raw)
	switch cmd {
	case CmdSyncSysmem:
		var p SyncSysmemPayload
		if err := binary.Read(r, binary.LittleEndian, &p); err != nil {
			return nil, fmt.Errorf("%w: sync_sysmem: %v", ErrDecode, err)
		}
		return &p, nil
	case CmdBarRead, CmdBarWrite:
		var p BarAccessPayload
		if err := binary.Read(r, binary.LittleEndian, &p); err != nil {
			return nil, fmt.Errorf("%w: bar_access: %v", ErrDecode, err)
		}
		return &p, nil
	case CmdSetIRQFD:
		var p SetIRQFDPayload
		if err := binary.Read(r, binary.LittleEndian, &p); err != nil {
			return nil, fmt.Errorf("%w: set_irqfd: %v", ErrDecode, err)
		}
		return &p, nil
	default:
		return nil, nil
	}
}

// parseRights extracts the SCM_RIGHTS file descriptors from a raw
// ancillary-data buffer returned by ReadMsgUnix.
func parseRights(oob []byte) ([]int, error) {
	if len(oob) == 0 {
		return nil, nil
	}
	scms, err := syscall.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, fmt.Errorf("%w: parse control message: %v", ErrRightsTruncated, err)
	}
	var fds []int
	for _, scm := range scms {
		rights, err := syscall.ParseUnixRights(&scm)
		if err != nil {
			closeAll(fds)
			return nil, fmt.Errorf("%w: parse rights: %v", ErrRightsTruncated, err)
		}
		fds = append(fds, rights...)
	}
	return fds, nil
}

func closeAll(fds []int) {
	for _, fd := range fds {
		_ = unix.Close(fd)
	}
}

// EncodeConfigAccess packs p as the data2 byte-stream payload for CONF_READ
// and CONF_WRITE.
func EncodeConfigAccess(p ConfigAccessPayload) []byte {
	buf := new(bytes.Buffer)
	buf.Grow(12)
	_ = binary.Write(buf, binary.LittleEndian, p)
	return buf.Bytes()
}

// DecodeConfigAccess unpacks the data2 byte-stream payload of a CONF_READ
// or CONF_WRITE message.
func DecodeConfigAccess(raw []byte) (ConfigAccessPayload, error) {
	var p ConfigAccessPayload
	if len(raw) < 12 {
		return p, fmt.Errorf("%w: conf_data: got %d bytes want 12", ErrDecode, len(raw))
	}
	r := bytes.NewReader(raw)
	if err := binary.Read(r, binary.LittleEndian, &p); err != nil {
		return p, fmt.Errorf("%w: conf_data: %v", ErrDecode, err)
	}
	return p, nil
}
