package vcrypto

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/halvorsen/vtsd/internal/bytebuf"
	"github.com/halvorsen/vtsd/internal/intcodec"
	"github.com/halvorsen/vtsd/internal/verr"
)

// MaxPlaintextLen is the largest plaintext a single framed message may
// carry (spec.md §4.5): the wire length prefix is a 16-bit "len-1"
// field.
const MaxPlaintextLen = 0x10000

// PadProvider supplies the n bytes of padding appended to a frame so
// its total length (length-prefix + payload + MAC) lands on a cipher
// block boundary. The default, randomPad, matches the teacher's
// practice of never emitting a predictable frame; tests may inject a
// zero-filled provider for deterministic golden vectors.
type PadProvider func(n int) ([]byte, error)

func randomPad(n int) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("%w: %v", verr.ErrCrypto, err)
	}
	return b, nil
}

// MessageEncrypter frames and encrypts a sequence of plaintext
// messages for one direction of a VTS connection (spec.md §4.5). Each
// call to Encrypt consumes the next counter value, so the MAC binds
// message order and a single instance must never be shared across
// goroutines without external synchronization.
type MessageEncrypter struct {
	enc     Transform
	mac     HashAlgo
	macKey  []byte
	counter uint64
	pad     PadProvider
}

// NewMessageEncrypter builds an encrypter over an already-keyed block
// cipher Transform (in encrypt mode) and MAC hash/key.
func NewMessageEncrypter(enc Transform, mac HashAlgo, macKey []byte) *MessageEncrypter {
	return &MessageEncrypter{enc: enc, mac: mac, macKey: macKey, pad: randomPad}
}

// SetPadProvider overrides the default random padding, for tests.
func (e *MessageEncrypter) SetPadProvider(p PadProvider) { e.pad = p }

// Encrypt frames, MACs, pads and encrypts one plaintext message,
// returning the ciphertext frame ready to write to the wire.
func (e *MessageEncrypter) Encrypt(plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("%w: empty plaintext not allowed", verr.ErrProtocol)
	}
	if len(plaintext) > MaxPlaintextLen {
		return nil, fmt.Errorf("%w: plaintext too long", verr.ErrProtocol)
	}
	lenMinus1 := len(plaintext) - 1
	lenBytes := []byte{byte(lenMinus1 >> 8), byte(lenMinus1)}

	unpadded := 2 + len(plaintext) + e.mac.Size()
	bs := e.enc.BlockSize()
	padLen := 0
	if rem := unpadded % bs; rem != 0 {
		padLen = bs - rem
	}
	pad, err := e.pad(padLen)
	if err != nil {
		return nil, err
	}

	macInput := make([]byte, 0, 8+len(lenBytes)+len(plaintext)+len(pad))
	macInput = append(macInput, counterPrefix(e.counter)...)
	macInput = append(macInput, lenBytes...)
	macInput = append(macInput, plaintext...)
	macInput = append(macInput, pad...)
	digest := e.mac.HMAC(e.macKey, macInput)

	frame := make([]byte, 0, unpadded+len(pad))
	frame = append(frame, lenBytes...)
	frame = append(frame, plaintext...)
	frame = append(frame, pad...)
	frame = append(frame, digest...)

	e.counter++
	return e.enc.Process(frame)
}

// counterPrefix encodes a per-direction message counter as the
// minimal positive-integer big-endian prefix used in the MAC input
// (spec.md §4.5 "implicit per-direction counter in the MAC"), the
// same posint encoding intcodec.PosIntToBytes uses elsewhere on the
// wire.
func counterPrefix(counter uint64) []byte {
	return intcodec.PosIntToBytes(new(big.Int).SetUint64(counter))
}

// decoderState is the framed-message decoder's explicit state machine
// (spec.md §9 design note: model protocol decoders as an explicit
// state enum rather than re-entrant parsing).
type decoderState int

const (
	stateNeedLen decoderState = iota
	stateNeedBody
	stateDone
	stateError
)

// MessageDecrypter reassembles and authenticates framed messages from
// a possibly-fragmented ciphertext stream arriving over time.
type MessageDecrypter struct {
	dec     Transform
	mac     HashAlgo
	macKey  []byte
	counter uint64

	state       decoderState
	cipherBuf   *bytebuf.Buffer
	plainBuf    *bytebuf.Buffer
	bodyLen     int // unpadded frame length once known (length prefix + plaintext + MAC)
	result      []byte
	err         error
}

// NewMessageDecrypter builds a decrypter over an already-keyed block
// cipher Transform (in decrypt mode) and MAC hash/key.
func NewMessageDecrypter(dec Transform, mac HashAlgo, macKey []byte) *MessageDecrypter {
	return &MessageDecrypter{
		dec: dec, mac: mac, macKey: macKey,
		state:     stateNeedLen,
		cipherBuf: bytebuf.New(),
		plainBuf:  bytebuf.New(),
	}
}

// Feed appends newly-arrived ciphertext bytes and advances the state
// machine as far as possible. Call Done/Result after each Feed.
func (d *MessageDecrypter) Feed(data []byte) error {
	if d.state == stateError {
		return d.err
	}
	d.cipherBuf.Append(data)
	bs := d.dec.BlockSize()

	for {
		switch d.state {
		case stateNeedLen:
			// The 2-byte length prefix lives inside the first
			// encrypted block(s); decrypt one block at a time as soon
			// as it is available, accumulating plaintext, until we
			// have at least 2 bytes to read the length prefix from.
			if d.plainBuf.Len() >= 2 {
				lenField := d.plainBuf.Peek(2)
				msgLen := (int(lenField[0])<<8 | int(lenField[1])) + 1
				d.bodyLen = 2 + msgLen + d.mac.Size()
				d.state = stateNeedBody
				continue
			}
			if !d.decryptNextBlock(bs) {
				return nil
			}
		case stateNeedBody:
			total := d.bodyLen
			if rem := total % bs; rem != 0 {
				total += bs - rem
			}
			if d.plainBuf.Len() >= total {
				if err := d.finish(total); err != nil {
					d.fail(err)
					return err
				}
				return nil
			}
			if !d.decryptNextBlock(bs) {
				return nil
			}
		case stateDone:
			return nil
		case stateError:
			return d.err
		}
	}
}

// decryptNextBlock consumes one ciphertext block if available and
// appends its plaintext to plainBuf, reporting whether it made
// progress.
func (d *MessageDecrypter) decryptNextBlock(bs int) bool {
	if d.cipherBuf.Len() < bs {
		return false
	}
	block := d.cipherBuf.Pop(bs)
	plain, err := d.dec.Process(block)
	if err != nil {
		d.fail(fmt.Errorf("%w: %v", verr.ErrCrypto, err))
		return false
	}
	d.plainBuf.Append(plain)
	return true
}

func (d *MessageDecrypter) finish(total int) error {
	frame := d.plainBuf.Pop(total)
	lenField := frame[:2]
	msgLen := (int(lenField[0])<<8 | int(lenField[1])) + 1
	plaintext := frame[2 : 2+msgLen]
	tail := frame[2+msgLen:]
	padLen := len(tail) - d.mac.Size()
	pad := tail[:padLen]
	gotMAC := tail[padLen:]

	macInput := make([]byte, 0, 8+2+msgLen+padLen)
	macInput = append(macInput, counterPrefix(d.counter)...)
	macInput = append(macInput, lenField...)
	macInput = append(macInput, plaintext...)
	macInput = append(macInput, pad...)
	wantMAC := d.mac.HMAC(d.macKey, macInput)
	if !hmacEqual(wantMAC, gotMAC) {
		return fmt.Errorf("%w: message authentication failed", verr.ErrAuth)
	}

	d.counter++
	d.result = append([]byte(nil), plaintext...)
	d.state = stateDone
	return nil
}

func (d *MessageDecrypter) fail(err error) {
	d.state = stateError
	d.err = err
}

// Done reports whether a complete, authenticated message is ready.
func (d *MessageDecrypter) Done() bool { return d.state == stateDone }

// Failed reports whether the decoder has entered a terminal error
// state (e.g. bad MAC); the instance must be discarded.
func (d *MessageDecrypter) Failed() bool { return d.state == stateError }

// Result returns the decoded plaintext and resets the decoder to
// accept the next frame. It panics if Done() is false.
func (d *MessageDecrypter) Result() []byte {
	if d.state != stateDone {
		panic("vcrypto: Result called before a message completed")
	}
	r := d.result
	d.result = nil
	d.bodyLen = 0
	d.state = stateNeedLen
	return r
}

func hmacEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var v byte
	for i := range a {
		v |= a[i] ^ b[i]
	}
	return v == 0
}
