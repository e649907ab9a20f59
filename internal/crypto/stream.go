package crypto

import (
	"bufio"
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// ChunkSize is the plaintext size of every chunk except the last one.
	ChunkSize = 64 * 1024

	streamMagic      = "ABS1"
	streamHeaderSize = len(streamMagic) + NonceSize
)

var ErrBadStreamHeader = errors.New("not an abus encrypted stream")

// streamNonce xors the chunk counter into the last 8 bytes of the base nonce.
func streamNonce(base []byte, counter uint64, dst []byte) []byte {
	copy(dst, base)
	var c [8]byte
	binary.BigEndian.PutUint64(c[:], counter)
	for i := 0; i < 8; i++ {
		dst[NonceSize-8+i] ^= c[i]
	}
	return dst
}

func chunkAD(ad []byte, final bool, dst []byte) []byte {
	dst = append(dst[:0], ad...)
	if final {
		return append(dst, 1)
	}
	return append(dst, 0)
}

// Writer encrypts a stream in fixed size chunks. Close must be called to
// seal the final chunk; without it the stream is rejected as truncated.
type Writer struct {
	w       io.Writer
	aead    cipher.AEAD
	base    []byte
	ad      []byte
	adBuf   []byte
	nonce   []byte
	buf     []byte
	out     []byte
	counter uint64
	closed  bool
}

// NewWriter writes the stream header to w and returns a Writer sealing with key.
// additionalData binds the stream to its name (digest or run).
func NewWriter(w io.Writer, key, additionalData []byte) (*Writer, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	base, err := GenerateRandom(NonceSize)
	if err != nil {
		return nil, err
	}
	if _, err := io.WriteString(w, streamMagic); err != nil {
		return nil, err
	}
	if _, err := w.Write(base); err != nil {
		return nil, err
	}
	return &Writer{
		w:     w,
		aead:  aead,
		base:  base,
		ad:    append([]byte(nil), additionalData...),
		nonce: make([]byte, NonceSize),
		buf:   make([]byte, 0, ChunkSize),
		out:   make([]byte, 0, ChunkSize+TagSize),
	}, nil
}

func (sw *Writer) seal(final bool) error {
	sw.adBuf = chunkAD(sw.ad, final, sw.adBuf)
	nonce := streamNonce(sw.base, sw.counter, sw.nonce)
	sw.out = sw.aead.Seal(sw.out[:0], nonce, sw.buf, sw.adBuf)
	if _, err := sw.w.Write(sw.out); err != nil {
		return err
	}
	sw.counter++
	sw.buf = sw.buf[:0]
	return nil
}

// Write buffers p, sealing full chunks only once more data follows them so the
// last chunk can always carry the final flag.
func (sw *Writer) Write(p []byte) (int, error) {
	if sw.closed {
		return 0, errors.New("write to closed stream")
	}
	n := 0
	for len(p) > 0 {
		if len(sw.buf) == ChunkSize {
			if err := sw.seal(false); err != nil {
				return n, err
			}
		}
		c := copy(sw.buf[len(sw.buf):ChunkSize], p)
		sw.buf = sw.buf[:len(sw.buf)+c]
		p = p[c:]
		n += c
	}
	return n, nil
}

// Close seals the final chunk. It does not close the underlying writer.
func (sw *Writer) Close() error {
	if sw.closed {
		return nil
	}
	sw.closed = true
	err := sw.seal(true)
	ClearBytes(sw.buf[:cap(sw.buf)])
	return err
}

// Reader decrypts a stream produced by Writer.
type Reader struct {
	r       *bufio.Reader
	aead    cipher.AEAD
	base    []byte
	ad      []byte
	adBuf   []byte
	nonce   []byte
	in      []byte
	plain   []byte
	pos     int
	counter uint64
	done    bool
}

// NewReader reads and checks the stream header from r.
func NewReader(r io.Reader, key, additionalData []byte) (*Reader, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	br := bufio.NewReaderSize(r, ChunkSize+TagSize+1)
	header := make([]byte, streamHeaderSize)
	if _, err := io.ReadFull(br, header); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadStreamHeader, err)
	}
	if string(header[:len(streamMagic)]) != streamMagic {
		return nil, ErrBadStreamHeader
	}
	return &Reader{
		r:     br,
		aead:  aead,
		base:  header[len(streamMagic):],
		ad:    append([]byte(nil), additionalData...),
		nonce: make([]byte, NonceSize),
		in:    make([]byte, ChunkSize+TagSize),
	}, nil
}

func (sr *Reader) next() error {
	n, err := io.ReadFull(sr.r, sr.in)
	final := false
	switch {
	case errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF):
		final = true
	case err != nil:
		return err
	default:
		if _, perr := sr.r.Peek(1); errors.Is(perr, io.EOF) {
			final = true
		}
	}
	if n < TagSize {
		return ErrInvalidCiphertext
	}

	sr.adBuf = chunkAD(sr.ad, final, sr.adBuf)
	nonce := streamNonce(sr.base, sr.counter, sr.nonce)
	plain, err := sr.aead.Open(sr.plain[:0], nonce, sr.in[:n], sr.adBuf)
	if err != nil {
		return ErrAuthFailed
	}
	sr.plain = plain
	sr.pos = 0
	sr.counter++
	sr.done = final
	return nil
}

func (sr *Reader) Read(p []byte) (int, error) {
	for sr.pos == len(sr.plain) {
		if sr.done {
			return 0, io.EOF
		}
		if err := sr.next(); err != nil {
			return 0, err
		}
	}
	n := copy(p, sr.plain[sr.pos:])
	sr.pos += n
	return n, nil
}
