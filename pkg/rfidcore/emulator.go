package rfidcore

import (
	"context"
	"encoding/binary"
	"log/slog"
)

// EmulatorState is one of the twelve tag-emulation states of spec.md
// §4.7.
type EmulatorState int

const (
	EmulatorNoField EmulatorState = iota
	EmulatorIdle
	EmulatorHalted
	EmulatorSelect1
	EmulatorSelect2
	EmulatorSelect3
	EmulatorWork
	EmulatorAuth1
	EmulatorWriteBl2
	EmulatorIntregInc
	EmulatorIntregDec
	EmulatorIntregRest
)

// EmulatorConfig selects a card personality: UID length/bytes, ATQA,
// SAK values, keys, and the two attack-relevant run options
// (FLAG_NR_AR_ATTACK, RANDOM_NONCE).
type EmulatorConfig struct {
	UID             []byte // 4, 7, or 10 bytes
	ATQA            [2]byte
	SAKIntermediate byte // returned after a non-terminal cascade SELECT
	SAKFinal        byte // returned after the terminal cascade SELECT

	DefaultKeyA uint64
	DefaultKeyB uint64
	SectorKeys  map[int][2]uint64 // optional per-sector override, [KeyA, KeyB]

	FixedNonce      *uint32 // nil => derive a fresh nonce per AUTH from the tick counter
	NrArAttack      bool
	RandomNonceMode bool
	ExitAfterNReads int // 0 = unlimited

	FieldThreshold float64 // normalized 0..1; default 0.3
	FieldLossTicks uint32  // sustained-low duration before NOFIELD; default ~50ms
}

func (c *EmulatorConfig) keyFor(sector int, kt KeyType) uint64 {
	if ks, ok := c.SectorKeys[sector]; ok {
		return ks[kt]
	}
	if kt == KeyB {
		return c.DefaultKeyB
	}
	return c.DefaultKeyA
}

// Emulator implements the tag-emulation state machine of spec.md §4.7:
// ATQA/UID/SAK/ATS responses, and for the MIFARE 1K personality the
// CRYPTO1 auth handshake, encrypted block commands, and the two
// nonce-collection attack modes.
type Emulator struct {
	cfg    EmulatorConfig
	tx     *Transceiver
	fabric Fabric

	state     EmulatorState
	memory    [64][16]byte
	crypto    *Crypto1State
	collector *NonceCollector

	cuid        uint32
	authSector  int
	authKeyType KeyType
	nt          uint32
	nonceState  uint32

	pendingBlock  int
	valueRegister uint32
	numReads      int

	fieldLowSince *uint32
	finished      bool

	logger *slog.Logger
}

// NewEmulator returns an emulator starting in NOFIELD, waiting for the
// field strength ADC to cross cfg.FieldThreshold. Debug-level logging
// traces state transitions and attack rounds the same way
// pkg/ntag424's auth/settings code traces APDU exchanges; it goes to
// slog.Default() unless WithLogger overrides it.
func NewEmulator(cfg EmulatorConfig, tx *Transceiver, fabric Fabric, collector *NonceCollector) *Emulator {
	if cfg.FieldThreshold == 0 {
		cfg.FieldThreshold = 0.3
	}
	if cfg.FieldLossTicks == 0 {
		cfg.FieldLossTicks = 5300 // ~50ms at fc/16
	}
	return &Emulator{cfg: cfg, tx: tx, fabric: fabric, state: EmulatorNoField, collector: collector, logger: slog.Default()}
}

// WithLogger overrides the emulator's logger, for tests that want to
// capture trace output or silence it.
func (e *Emulator) WithLogger(logger *slog.Logger) *Emulator {
	e.logger = logger
	return e
}

// State returns the emulator's current state, for tests and trace
// annotation.
func (e *Emulator) State() EmulatorState { return e.state }

// NumReads returns the count of successful READ commands served.
func (e *Emulator) NumReads() int { return e.numReads }

// Finished reports whether ExitAfterNReads has been reached.
func (e *Emulator) Finished() bool { return e.finished }

// Memory exposes block n (0..63) for test setup/inspection.
func (e *Emulator) Memory(block int) *[16]byte { return &e.memory[block] }

// Run drives the emulator until ctx is cancelled, a BUFFER_OVERRUN
// occurs, or ExitAfterNReads is reached.
func (e *Emulator) Run(ctx context.Context) error {
	for !e.finished {
		if err := e.tick(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (e *Emulator) tick(ctx context.Context) error {
	if e.state == EmulatorNoField {
		return e.waitForField(ctx)
	}
	if err := e.checkField(ctx); err != nil {
		return err
	}
	if e.state == EmulatorNoField {
		return nil
	}
	return e.receiveAndHandle(ctx)
}

func (e *Emulator) waitForField(ctx context.Context) error {
	var sum float64
	for i := 0; i < 32; i++ {
		select {
		case <-ctx.Done():
			return wrapErr(KindButtonCancel, ctx.Err())
		default:
		}
		v, err := e.fabric.FieldStrength()
		if err != nil {
			return err
		}
		sum += v
	}
	if sum/32 >= e.cfg.FieldThreshold {
		e.logger.Debug("field detected, entering IDLE", "state", e.state)
		e.state = EmulatorIdle
		e.fieldLowSince = nil
	}
	return nil
}

// checkField implements the ≥50ms field-loss rule: a NOFIELD
// transition destroys any CRYPTO1 session, matching spec.md §7's
// FIELD_LOST recovery.
func (e *Emulator) checkField(ctx context.Context) error {
	v, err := e.fabric.FieldStrength()
	if err != nil {
		return err
	}
	tick := e.fabric.Ticks()
	if v < e.cfg.FieldThreshold {
		if e.fieldLowSince == nil {
			t := tick
			e.fieldLowSince = &t
		} else if tick-*e.fieldLowSince >= e.cfg.FieldLossTicks {
			e.logger.Debug("field lost, destroying crypto session", "state", e.state)
			e.state = EmulatorNoField
			e.crypto = nil
			e.fieldLowSince = nil
		}
		return nil
	}
	e.fieldLowSince = nil
	return nil
}

func (e *Emulator) receiveAndHandle(ctx context.Context) error {
	raw := e.state == EmulatorIdle || e.state == EmulatorHalted ||
		e.state == EmulatorSelect1 || e.state == EmulatorSelect2 || e.state == EmulatorSelect3
	var dec *MillerDecoder
	if raw {
		dec = NewMillerDecoderRaw()
	} else {
		dec = NewMillerDecoder()
	}
	frame, err := e.tx.ReceiveFromReader(ctx, dec)
	if err != nil {
		if IsTimeout(err) || IsKind(err, KindDecoderDesync) {
			return nil
		}
		return err
	}
	return e.handleFrame(ctx, frame)
}

func lastBitOne(frame *Frame) bool {
	bits := frame.FullBits()
	if bits == 0 {
		return false
	}
	byteIdx, bitIdx := (bits-1)/8, uint((bits-1)%8)
	if byteIdx >= len(frame.Data) {
		return false
	}
	return (frame.Data[byteIdx]>>bitIdx)&1 == 1
}

func (e *Emulator) respond(ctx context.Context, data []byte, skipParity bool, readerLastBit uint32, wide bool) error {
	enc := NewTagEncoder()
	symbols := enc.EncodeFrame(data, skipParity)
	_, err := e.tx.TagTransmit(ctx, readerLastBit, symbols, wide)
	return err
}

func (e *Emulator) respondShort(ctx context.Context, nibble byte, readerLastBit uint32, wide bool) error {
	enc := NewTagEncoder()
	symbols := enc.EncodeShortResponse(nibble)
	_, err := e.tx.TagTransmit(ctx, readerLastBit, symbols, wide)
	return err
}

// nack sends the 4-bit NACK (0x05, or XORed with a keystream nibble
// once authenticated) of spec.md Invariant 4.
func (e *Emulator) nack(ctx context.Context, readerLastBit uint32, wide bool) error {
	nibble := byte(0x05)
	if e.crypto != nil {
		nibble ^= e.crypto.KeystreamNibble()
	}
	return e.respondShort(ctx, nibble, readerLastBit, wide)
}

func (e *Emulator) handleFrame(ctx context.Context, frame *Frame) error {
	wide := lastBitOne(frame)
	lastBit := frame.EndTime
	data := frame.Data

	switch e.state {
	case EmulatorIdle, EmulatorHalted:
		return e.handleIdleOrHalted(ctx, data, frame, lastBit, wide)
	case EmulatorSelect1:
		return e.handleSelect(ctx, 1, data, frame, lastBit, wide)
	case EmulatorSelect2:
		return e.handleSelect(ctx, 2, data, frame, lastBit, wide)
	case EmulatorSelect3:
		return e.handleSelect(ctx, 3, data, frame, lastBit, wide)
	case EmulatorWork:
		return e.handleWork(ctx, data, lastBit, wide)
	case EmulatorAuth1:
		return e.handleAuth1(ctx, data, lastBit, wide)
	case EmulatorWriteBl2:
		return e.handleWriteBl2(ctx, data, lastBit, wide)
	case EmulatorIntregInc, EmulatorIntregDec:
		return e.handleIntreg(ctx, data)
	}
	return nil
}

func (e *Emulator) handleIdleOrHalted(ctx context.Context, data []byte, frame *Frame, lastBit uint32, wide bool) error {
	if frame.BitLength != 7 || len(data) == 0 {
		return nil
	}
	cmd := data[0]
	if e.state == EmulatorHalted && cmd == 0x26 {
		return nil // REQA ignored while HALTED; only WUPA wakes it
	}
	if cmd != 0x26 && cmd != 0x52 {
		return nil
	}
	e.crypto = nil
	if err := e.respond(ctx, e.cfg.ATQA[:], false, lastBit, wide); err != nil {
		return err
	}
	e.state = EmulatorSelect1
	return nil
}

func (e *Emulator) cascadeLevels() int {
	switch len(e.cfg.UID) {
	case 7:
		return 2
	case 10:
		return 3
	default:
		return 1
	}
}

// cascadeFragment returns the 5-byte (4 UID/CT bytes + BCC) response
// for cascade level, prefixing the literal 0x88 cascade tag on every
// non-terminal level (spec.md §3).
func (e *Emulator) cascadeFragment(level int) []byte {
	start := (level - 1) * 3
	var uidPart []byte
	if level < e.cascadeLevels() {
		uidPart = append([]byte{0x88}, e.cfg.UID[start:start+3]...)
	} else {
		uidPart = append([]byte{}, e.cfg.UID[start:start+4]...)
	}
	bcc := uidPart[0] ^ uidPart[1] ^ uidPart[2] ^ uidPart[3]
	return append(uidPart, bcc)
}

func emulatorSelectState(level int) EmulatorState {
	switch level {
	case 2:
		return EmulatorSelect2
	case 3:
		return EmulatorSelect3
	default:
		return EmulatorSelect1
	}
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// depacketize9 un-groups a raw bit capture into data bytes, assuming
// every group of 9 bits is 8 data bits followed by one (unchecked)
// parity bit — the framing a normally-parity-protected command uses.
// Returns ok=false if the bit count isn't a multiple of 9.
func depacketize9(bits []byte) (data []byte, ok bool) {
	if len(bits) == 0 || len(bits)%9 != 0 {
		return nil, false
	}
	n := len(bits) / 9
	data = make([]byte, n)
	for i := 0; i < n; i++ {
		var b byte
		for j := 0; j < 8; j++ {
			b |= bits[i*9+j] << uint(j)
		}
		data[i] = b
	}
	return data, true
}

// handleSelect handles both SELECT_ALL (NVB=0x20, 16 raw bits) and the
// final SELECT (NVB=0x70, 9 full bytes including CRC-A) for one
// cascade level. With exactly one emulator present, spec.md's
// Invariant 2/3 guarantee the reader never needs bitwise anticollision
// against this tag, so those two are the only frames this state sees.
func (e *Emulator) handleSelect(ctx context.Context, level int, data []byte, frame *Frame, lastBit uint32, wide bool) error {
	cascadeCmd := cascadeCommands[level-1]
	bits := unpackBitsLSB(data, frame.BitLength)

	if frame.BitLength == 16 {
		cmd := packBitsLSB(bits[0:8])
		nvb := packBitsLSB(bits[8:16])
		if cmd != cascadeCmd || nvb != 0x20 {
			return nil
		}
		return e.respond(ctx, e.cascadeFragment(level), true, lastBit, wide)
	}

	full, ok := depacketize9(bits)
	if !ok || len(full) < 4 || !CheckCRCA(full) {
		return nil
	}
	if full[0] != cascadeCmd || full[1] != 0x70 {
		return nil
	}
	frag := e.cascadeFragment(level)
	if !bytesEqual(full[2:2+len(frag)], frag) {
		return nil
	}

	if level < e.cascadeLevels() {
		e.state = emulatorSelectState(level + 1)
		return e.respond(ctx, []byte{e.cfg.SAKIntermediate}, false, lastBit, wide)
	}
	e.cuid = binary.BigEndian.Uint32(e.cfg.UID[len(e.cfg.UID)-4:])
	e.state = EmulatorWork
	e.logger.Debug("SELECT complete, entering WORK", "cuid", e.cuid)
	return e.respond(ctx, []byte{e.cfg.SAKFinal}, false, lastBit, wide)
}

// currentNonce returns cfg.FixedNonce when the run is configured for a
// fixed nonce; otherwise it derives a pseudo-random one by stepping the
// tick-counter-seeded PRNG state a tick-dependent number of times, the
// "per run configuration" choice spec.md §4.7 leaves open.
func (e *Emulator) currentNonce() uint32 {
	if e.cfg.FixedNonce != nil {
		return *e.cfg.FixedNonce
	}
	t := e.fabric.Ticks()
	return PRNGSuccessor(t&0xFFFF, int(t%31)+1)
}

func (e *Emulator) handleWork(ctx context.Context, data []byte, lastBit uint32, wide bool) error {
	plain := data
	if e.crypto != nil {
		plain = e.crypto.EncryptBytes(data)
	}
	if len(plain) == 0 {
		return nil
	}

	switch plain[0] {
	case 0x50:
		if len(plain) >= 2 && plain[1] == 0x00 {
			e.state = EmulatorHalted
			e.crypto = nil
		}
		return nil
	case 0x60, 0x61:
		return e.handleAuthStart(ctx, plain, lastBit, wide)
	case 0x30:
		return e.handleRead(ctx, plain, lastBit, wide)
	case 0xA0:
		return e.handleWriteStart(ctx, plain, lastBit, wide)
	case 0xC1, 0xC0, 0xC2:
		return e.handleValueCmdStart(ctx, plain, lastBit, wide)
	case 0xB0:
		return e.handleTransfer(ctx, plain, lastBit, wide)
	default:
		return e.nack(ctx, lastBit, wide)
	}
}

func (e *Emulator) handleAuthStart(ctx context.Context, plain []byte, lastBit uint32, wide bool) error {
	if len(plain) < 2 {
		return e.nack(ctx, lastBit, wide)
	}
	block := int(plain[1])
	sector := block / 4
	kt := KeyA
	if plain[0] == 0x61 {
		kt = KeyB
	}
	key := e.cfg.keyFor(sector, kt)
	e.nt = e.currentNonce()
	e.crypto = InitCrypto1Session(key, e.cuid, e.nt)
	e.authSector = sector
	e.authKeyType = kt
	e.state = EmulatorAuth1
	e.logger.Debug("AUTH1 started", "sector", sector, "key_type", kt, "nt", e.nt)

	var ntBytes [4]byte
	binary.LittleEndian.PutUint32(ntBytes[:], e.nt)
	return e.respond(ctx, ntBytes[:], false, lastBit, wide)
}

func (e *Emulator) handleAuth1(ctx context.Context, data []byte, lastBit uint32, wide bool) error {
	if len(data) != 8 {
		e.state = EmulatorIdle
		e.crypto = nil
		return nil
	}
	nrCipher := binary.LittleEndian.Uint32(data[0:4])
	arCipher := binary.LittleEndian.Uint32(data[4:8])
	authNt := e.nt

	if e.cfg.NrArAttack && e.collector != nil {
		e.collector.Record(e.cuid, byte(e.authSector), e.authKeyType, e.nt, nrCipher, arCipher)
		if !e.collector.InMoebius() && e.collector.StandardFull() {
			e.collector.EnterMoebius()
			// Reseed for the *next* AUTH1 round only; this round's
			// ar was computed by the reader against authNt and must
			// still be validated against that value.
			e.nt = MoebiusNonce(e.nt, e.cfg.RandomNonceMode, func() uint32 { return e.currentNonce() })
			e.logger.Debug("nonce collector entering Moebius half", "nt", e.nt)
		}
	}

	e.crypto.StepWord(nrCipher, true)
	arPlain := arCipher ^ e.crypto.KeystreamWord()
	if arPlain != PRNGSuccessor(authNt, 64) {
		e.logger.Debug("AUTH1 ar mismatch, reverting to IDLE", "sector", e.authSector)
		e.state = EmulatorIdle
		e.crypto = nil
		return nil
	}

	resp := PRNGSuccessor(authNt, 96) ^ e.crypto.KeystreamWord()
	var out [4]byte
	binary.LittleEndian.PutUint32(out[:], resp)
	e.state = EmulatorWork
	e.logger.Debug("AUTH1 succeeded", "sector", e.authSector)
	return e.respond(ctx, out[:], false, lastBit, wide)
}

func (e *Emulator) authedForBlock(block int) bool {
	return e.crypto != nil && block/4 == e.authSector && block < 64
}

func (e *Emulator) handleRead(ctx context.Context, plain []byte, lastBit uint32, wide bool) error {
	if len(plain) < 2 {
		return e.nack(ctx, lastBit, wide)
	}
	block := int(plain[1])
	if !e.authedForBlock(block) {
		return e.nack(ctx, lastBit, wide)
	}
	payload := AppendCRCA(append([]byte{}, e.memory[block][:]...))
	out := e.crypto.EncryptBytes(payload)
	e.numReads++
	if err := e.respond(ctx, out, false, lastBit, wide); err != nil {
		return err
	}
	if e.cfg.ExitAfterNReads > 0 && e.numReads >= e.cfg.ExitAfterNReads {
		e.finished = true
	}
	return nil
}

func (e *Emulator) handleWriteStart(ctx context.Context, plain []byte, lastBit uint32, wide bool) error {
	if len(plain) < 2 {
		return e.nack(ctx, lastBit, wide)
	}
	block := int(plain[1])
	if !e.authedForBlock(block) {
		return e.nack(ctx, lastBit, wide)
	}
	e.pendingBlock = block
	e.state = EmulatorWriteBl2
	return e.respondShort(ctx, 0x0A, lastBit, wide)
}

func (e *Emulator) handleWriteBl2(ctx context.Context, data []byte, lastBit uint32, wide bool) error {
	plain := e.crypto.EncryptBytes(data)
	if len(plain) != 18 || !CheckCRCA(plain) {
		e.state = EmulatorIdle
		e.crypto = nil
		return nil
	}
	copy(e.memory[e.pendingBlock][:], plain[:16])
	e.state = EmulatorWork
	return e.respondShort(ctx, 0x0A, lastBit, wide)
}

func validValueBlock(b []byte) bool {
	if len(b) != 16 {
		return false
	}
	v1 := binary.LittleEndian.Uint32(b[0:4])
	v2 := binary.LittleEndian.Uint32(b[4:8])
	v3 := binary.LittleEndian.Uint32(b[8:12])
	if v2 != ^v1 || v3 != v1 {
		return false
	}
	return b[12] == b[14] && b[13] == ^b[12] && b[15] == b[13]
}

func writeValueBlock(b []byte, value uint32, addr byte) {
	binary.LittleEndian.PutUint32(b[0:4], value)
	binary.LittleEndian.PutUint32(b[4:8], ^value)
	binary.LittleEndian.PutUint32(b[8:12], value)
	b[12], b[13], b[14], b[15] = addr, ^addr, addr, ^addr
}

func (e *Emulator) handleValueCmdStart(ctx context.Context, plain []byte, lastBit uint32, wide bool) error {
	if len(plain) < 2 {
		return e.nack(ctx, lastBit, wide)
	}
	block := int(plain[1])
	if !e.authedForBlock(block) || !validValueBlock(e.memory[block][:]) {
		return e.nack(ctx, lastBit, wide)
	}
	e.pendingBlock = block
	e.valueRegister = binary.LittleEndian.Uint32(e.memory[block][0:4])
	switch plain[0] {
	case 0xC1:
		e.state = EmulatorIntregInc
	case 0xC0:
		e.state = EmulatorIntregDec
	case 0xC2:
		e.state = EmulatorWork // RESTORE takes no value argument frame
	}
	return e.respondShort(ctx, 0x0A, lastBit, wide)
}

// handleIntreg consumes the 4-byte signed delta frame that follows an
// INC/DEC ACK; per the real protocol it produces no response, holding
// the updated value in the register until a TRANSFER commits it.
func (e *Emulator) handleIntreg(ctx context.Context, data []byte) error {
	plain := e.crypto.EncryptBytes(data)
	if len(plain) != 6 || !CheckCRCA(plain) {
		e.state = EmulatorWork
		return nil
	}
	delta := binary.LittleEndian.Uint32(plain[0:4])
	if e.state == EmulatorIntregInc {
		e.valueRegister += delta
	} else {
		e.valueRegister -= delta
	}
	e.state = EmulatorWork
	return nil
}

func (e *Emulator) handleTransfer(ctx context.Context, plain []byte, lastBit uint32, wide bool) error {
	if len(plain) < 2 {
		return e.nack(ctx, lastBit, wide)
	}
	block := int(plain[1])
	if !e.authedForBlock(block) {
		return e.nack(ctx, lastBit, wide)
	}
	writeValueBlock(e.memory[block][:], e.valueRegister, byte(block))
	return e.respondShort(ctx, 0x0A, lastBit, wide)
}
