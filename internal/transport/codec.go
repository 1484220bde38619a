package transport

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/feellmoose/allocbench/internal/alloc"
)

// Frame layout: 4-byte big-endian body length, 1 flag byte, body.
// A compressed body starts with the 4-byte decoded length.
const (
	headerSize    = 5
	rawLenSize    = 4
	protocolMajor = 1

	flagGreeting   byte = 1 << 0
	flagCompressed byte = 1 << 1
)

func putHeader(h []byte, n int, flags byte) {
	binary.BigEndian.PutUint32(h, uint32(n))
	h[4] = flags
}

func parseHeader(h []byte) (int, byte) {
	return int(binary.BigEndian.Uint32(h)), h[4]
}

var (
	encoderPool = sync.Pool{
		New: func() interface{} {
			enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest), zstd.WithEncoderConcurrency(1))
			return enc
		},
	}
	decoderPool = sync.Pool{
		New: func() interface{} {
			dec, _ := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
			return dec
		},
	}
	scratchPool = sync.Pool{
		New: func() interface{} {
			b := make([]byte, 0, 64*1024)
			return &b
		},
	}
)

// compress returns the compressed body for data, or nil when compression
// does not shrink it. The result must be handed back with putScratch.
func compress(data []byte) *[]byte {
	enc := encoderPool.Get().(*zstd.Encoder)
	defer encoderPool.Put(enc)

	bp := scratchPool.Get().(*[]byte)
	buf := append((*bp)[:0], 0, 0, 0, 0)
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	buf = enc.EncodeAll(data, buf)
	*bp = buf
	if len(buf) >= len(data) {
		putScratch(bp)
		return nil
	}
	return bp
}

func putScratch(bp *[]byte) {
	if cap(*bp) > 4*1024*1024 {
		return
	}
	*bp = (*bp)[:0]
	scratchPool.Put(bp)
}

// decompressInto decodes a compressed body into a message from a.
func decompressInto(a alloc.Allocator, body []byte, maxSize int) (*alloc.Msg, error) {
	if len(body) < rawLenSize {
		return nil, fmt.Errorf("%w: short compressed frame", ErrProtocol)
	}
	rawLen := int(binary.BigEndian.Uint32(body))
	if rawLen > maxSize {
		return nil, fmt.Errorf("%w: %d bytes decoded (max %d)", ErrFrameTooLarge, rawLen, maxSize)
	}
	dec := decoderPool.Get().(*zstd.Decoder)
	defer decoderPool.Put(dec)

	msg := a.Allocate(rawLen)
	out, err := dec.DecodeAll(body[rawLenSize:], msg.Bytes()[:0])
	if err != nil {
		_ = msg.Release()
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if len(out) != rawLen {
		_ = msg.Release()
		return nil, fmt.Errorf("%w: decoded %d bytes, header said %d", ErrProtocol, len(out), rawLen)
	}
	copy(msg.Bytes(), out)
	return msg, nil
}

// readBody reads an n-byte body from r into a message from a.
func readBody(r io.Reader, a alloc.Allocator, n int, flags byte, maxSize int) (*alloc.Msg, error) {
	if flags&flagCompressed == 0 {
		msg := a.Allocate(n)
		if _, err := io.ReadFull(r, msg.Bytes()); err != nil {
			_ = msg.Release()
			return nil, err
		}
		return msg, nil
	}
	bp := scratchPool.Get().(*[]byte)
	defer putScratch(bp)
	if cap(*bp) < n {
		*bp = make([]byte, n)
	}
	body := (*bp)[:n]
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return decompressInto(a, body, maxSize)
}

// greeting is exchanged once per connection before any message frame.
type greeting struct {
	socketType SocketType
	identity   string
	version    int
}

func encodeGreeting(g greeting) ([]byte, error) {
	st, err := structpb.NewStruct(map[string]interface{}{
		"socket_type": g.socketType.String(),
		"identity":    g.identity,
		"version":     g.version,
	})
	if err != nil {
		return nil, err
	}
	body, err := proto.MarshalOptions{Deterministic: true}.Marshal(st)
	if err != nil {
		return nil, err
	}
	frame := make([]byte, headerSize+len(body))
	putHeader(frame, len(body), flagGreeting)
	copy(frame[headerSize:], body)
	return frame, nil
}

func decodeGreeting(body []byte) (greeting, error) {
	st := &structpb.Struct{}
	if err := proto.Unmarshal(body, st); err != nil {
		return greeting{}, fmt.Errorf("%w: bad greeting: %v", ErrProtocol, err)
	}
	fields := st.GetFields()
	t, ok := ParseSocketType(fields["socket_type"].GetStringValue())
	if !ok {
		return greeting{}, fmt.Errorf("%w: greeting without socket type", ErrProtocol)
	}
	return greeting{
		socketType: t,
		identity:   fields["identity"].GetStringValue(),
		version:    int(fields["version"].GetNumberValue()),
	}, nil
}

// readGreeting reads one greeting frame from r.
func readGreeting(r io.Reader) (greeting, error) {
	var h [headerSize]byte
	if _, err := io.ReadFull(r, h[:]); err != nil {
		return greeting{}, err
	}
	n, flags := parseHeader(h[:])
	if flags&flagGreeting == 0 {
		return greeting{}, fmt.Errorf("%w: expected greeting", ErrProtocol)
	}
	if n > 64*1024 {
		return greeting{}, fmt.Errorf("%w: greeting of %d bytes", ErrProtocol, n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return greeting{}, err
	}
	return decodeGreeting(body)
}
