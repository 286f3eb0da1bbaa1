package rfidcore

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ddrummond/rfidcore/internal/config"
)

// drainWritten pops everything fabric.written has accumulated since the
// last call and decodes it as one tag response frame (with the
// Manchester pre-sync idle samples a real fabric would have supplied
// around it).
func drainWritten(t *testing.T, fabric *fakeFabric, raw bool) *Frame {
	t.Helper()
	written := fabric.written
	fabric.written = nil

	var dec *ManchesterDecoder
	if raw {
		dec = NewManchesterDecoderRaw()
	} else {
		dec = NewManchesterDecoder()
	}
	var tick uint32
	var last *Frame
	for i := 0; i < 2; i++ {
		f, err := dec.ProcessSample(0x00, tick)
		assert.NoError(t, err)
		assert.Nil(t, f)
		tick++
	}
	for _, sym := range written {
		f, err := dec.ProcessSample(sym, tick)
		assert.NoError(t, err)
		tick++
		if f != nil {
			last = f
		}
	}
	return last
}

func newTestEmulator(cfg EmulatorConfig, collector *NonceCollector) (*Emulator, *fakeFabric) {
	fabric := newFakeFabric(nil)
	tx := NewTransceiver(fabric, config.DefaultTimingConfig())
	return NewEmulator(cfg, tx, fabric, collector), fabric
}

func TestEmulatorAuthAndReadRoundTrip(t *testing.T) {
	const key = uint64(0xFFFFFFFFFFFF)
	uid := []byte{0x04, 0x11, 0x22, 0x33}
	cuid := binary.BigEndian.Uint32(uid)
	fixedNonce := uint32(0xC0FFEE00)

	cfg := EmulatorConfig{
		UID:         uid,
		ATQA:        [2]byte{0x04, 0x00},
		SAKFinal:    0x08,
		DefaultKeyA: key,
		FixedNonce:  &fixedNonce,
	}
	emu, fabric := newTestEmulator(cfg, nil)
	emu.state = EmulatorWork
	emu.cuid = cuid
	blockData := [16]byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15}
	*emu.Memory(0) = blockData

	ctx := context.Background()

	// AUTH start: reader sends {0x60, block 0}, unencrypted.
	err := emu.handleFrame(ctx, &Frame{Data: []byte{0x60, 0x00}, BitLength: 16, EndTime: 1000})
	assert.NoError(t, err)
	assert.Equal(t, EmulatorAuth1, emu.State())

	ntFrame := drainWritten(t, fabric, false)
	assert.NotNil(t, ntFrame)
	assert.Len(t, ntFrame.Data, 4)
	nt := binary.LittleEndian.Uint32(ntFrame.Data)
	assert.Equal(t, fixedNonce, nt)

	readerCrypto := InitCrypto1Session(key, cuid, nt)
	nr := uint32(0x13243546)
	ks1 := readerCrypto.StepWord(nr, false)
	nrCipher := nr ^ ks1
	arPlain := PRNGSuccessor(nt, 64)
	ks2 := readerCrypto.KeystreamWord()
	arCipher := arPlain ^ ks2

	var authResp [8]byte
	binary.LittleEndian.PutUint32(authResp[0:4], nrCipher)
	binary.LittleEndian.PutUint32(authResp[4:8], arCipher)

	err = emu.handleFrame(ctx, &Frame{Data: authResp[:], BitLength: 64, EndTime: 2000})
	assert.NoError(t, err)
	assert.Equal(t, EmulatorWork, emu.State(), "a valid {nr,ar} completes AUTH1 and returns to WORK")

	tagRespFrame := drainWritten(t, fabric, false)
	assert.NotNil(t, tagRespFrame)
	assert.Len(t, tagRespFrame.Data, 4)
	ks3 := readerCrypto.KeystreamWord()
	gotResp := binary.LittleEndian.Uint32(tagRespFrame.Data) ^ ks3
	assert.Equal(t, PRNGSuccessor(nt, 96), gotResp, "tag's {at} must equal suc2(nt)")

	// READ block 0, encrypted under the now-shared crypto1 keystream.
	readCipher := readerCrypto.EncryptBytes([]byte{0x30, 0x00})
	err = emu.handleFrame(ctx, &Frame{Data: readCipher, BitLength: 16, EndTime: 3000})
	assert.NoError(t, err)
	assert.Equal(t, 1, emu.NumReads())

	readRespFrame := drainWritten(t, fabric, false)
	assert.NotNil(t, readRespFrame)
	plain := readerCrypto.EncryptBytes(readRespFrame.Data)
	assert.True(t, CheckCRCA(plain))
	assert.Equal(t, blockData[:], plain[:16])
}

func TestEmulatorRejectsWrongAr(t *testing.T) {
	const key = uint64(0xAAAAAAAAAAAA)
	uid := []byte{0x04, 0x99, 0x88, 0x77}
	cuid := binary.BigEndian.Uint32(uid)
	nt := uint32(0x11223344)

	cfg := EmulatorConfig{UID: uid, DefaultKeyA: key, FixedNonce: &nt}
	emu, _ := newTestEmulator(cfg, nil)
	emu.state = EmulatorWork
	emu.cuid = cuid

	ctx := context.Background()
	assert.NoError(t, emu.handleFrame(ctx, &Frame{Data: []byte{0x60, 0x00}, BitLength: 16, EndTime: 1000}))
	assert.Equal(t, EmulatorAuth1, emu.State())

	// Garbage {nr,ar}: StepWord will desync the LFSR, so the derived ar
	// can never match PRNGSuccessor(nt,64).
	junk := make([]byte, 8)
	assert.NoError(t, emu.handleFrame(ctx, &Frame{Data: junk, BitLength: 64, EndTime: 2000}))
	assert.Equal(t, EmulatorIdle, emu.State(), "a failed AUTH1 check drops back to IDLE")
}

func TestEmulatorNrArAttackFeedsCollector(t *testing.T) {
	const key = uint64(0x010203040506)
	uid := []byte{0x04, 0x01, 0x02, 0x03}
	cuid := binary.BigEndian.Uint32(uid)
	nt := uint32(0xDEADBEEF)

	collector := NewNonceCollector()
	cfg := EmulatorConfig{UID: uid, DefaultKeyA: key, FixedNonce: &nt, NrArAttack: true}
	emu, _ := newTestEmulator(cfg, collector)
	emu.state = EmulatorWork
	emu.cuid = cuid

	ctx := context.Background()
	assert.NoError(t, emu.handleFrame(ctx, &Frame{Data: []byte{0x60, 0x00}, BitLength: 16, EndTime: 1000}))

	readerCrypto := InitCrypto1Session(key, cuid, nt)
	nr := uint32(0x0A0B0C0D)
	nrCipher := nr ^ readerCrypto.StepWord(nr, false)
	arCipher := PRNGSuccessor(nt, 64) ^ readerCrypto.KeystreamWord()
	var authResp [8]byte
	binary.LittleEndian.PutUint32(authResp[0:4], nrCipher)
	binary.LittleEndian.PutUint32(authResp[4:8], arCipher)

	assert.NoError(t, emu.handleFrame(ctx, &Frame{Data: authResp[:], BitLength: 64, EndTime: 2000}))

	recs := collector.StandardRecords()
	assert.True(t, recs[0].haveFirst)
	assert.Equal(t, nrCipher, recs[0].Nr)
}

func TestEmulatorIncDecTransferCommitsOnTransferOnly(t *testing.T) {
	const key = uint64(0x0)
	uid := []byte{0x04, 0x00, 0x00, 0x00}
	cuid := binary.BigEndian.Uint32(uid)
	nt := uint32(1)

	cfg := EmulatorConfig{UID: uid, DefaultKeyA: key, FixedNonce: &nt}
	emu, _ := newTestEmulator(cfg, nil)
	emu.state = EmulatorWork
	emu.cuid = cuid

	readerCrypto := InitCrypto1Session(key, cuid, nt)
	emu.crypto = InitCrypto1Session(key, cuid, nt)
	emu.authSector = 0
	emu.authKeyType = KeyA

	writeValueBlock(emu.Memory(0)[:], 100, 0)

	ctx := context.Background()
	incCipher := readerCrypto.EncryptBytes([]byte{0xC1, 0x00})
	assert.NoError(t, emu.handleFrame(ctx, &Frame{Data: incCipher, BitLength: 16, EndTime: 1000}))
	assert.Equal(t, EmulatorIntregInc, emu.State())

	deltaPlain := AppendCRCA([]byte{10, 0, 0, 0})
	deltaCipher := readerCrypto.EncryptBytes(deltaPlain)
	assert.NoError(t, emu.handleFrame(ctx, &Frame{Data: deltaCipher, BitLength: 48}))
	assert.Equal(t, EmulatorWork, emu.State())
	assert.Equal(t, uint32(110), emu.valueRegister, "INC must update the register immediately")
	assert.Equal(t, uint32(100), binary.LittleEndian.Uint32(emu.Memory(0)[0:4]), "but not commit to memory until TRANSFER")

	transferCipher := readerCrypto.EncryptBytes([]byte{0xB0, 0x00})
	assert.NoError(t, emu.handleFrame(ctx, &Frame{Data: transferCipher, BitLength: 16}))
	assert.Equal(t, uint32(110), binary.LittleEndian.Uint32(emu.Memory(0)[0:4]), "TRANSFER commits the register to the block")
}

func TestEmulatorFieldLossDestroysCryptoSession(t *testing.T) {
	cfg := EmulatorConfig{UID: []byte{0x04, 0, 0, 0}, FieldLossTicks: 5}
	emu, fabric := newTestEmulator(cfg, nil)
	emu.state = EmulatorWork
	emu.crypto = InitCrypto1Session(0, 0, 0)

	fabric.fieldStrength = 0.0
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		assert.NoError(t, emu.checkField(ctx))
	}
	assert.Equal(t, EmulatorNoField, emu.State())
	assert.Nil(t, emu.crypto)
}
