package rfidcore

// NonceCollectorSize is K from spec.md §3: the number of distinct
// (sector, keytype) slots collected per half.
const NonceCollectorSize = 7

// KeyType distinguishes MIFARE Classic key A from key B.
type KeyType byte

const (
	KeyA KeyType = 0
	KeyB KeyType = 1
)

// NonceRecord is one slot of the reader-attack nonce collector:
// spec.md §3's (cuid, sector, keytype, nt, nr, ar, nt₂, nr₂, ar₂).
type NonceRecord struct {
	CUID    uint32
	Sector  byte
	KeyType KeyType
	Nt      uint32
	Nr      uint32
	Ar      uint32
	Nt2     uint32
	Nr2     uint32
	Ar2     uint32

	haveFirst  bool
	haveSecond bool
}

// Complete reports whether this slot has collected both the first and
// second distinct session.
func (r NonceRecord) Complete() bool { return r.haveSecond }

// NonceCollector implements spec.md §4.7's FLAG_NR_AR_ATTACK: a
// standard half and a Moebius half, each NonceCollectorSize slots
// indexed by (sector, keytype), recording two distinct (nr,ar)
// sessions per slot before the half is considered full.
type NonceCollector struct {
	standard  [NonceCollectorSize]NonceRecord
	moebius   [NonceCollectorSize]NonceRecord
	inMoebius bool
}

// NewNonceCollector returns an empty collector, starting on the
// standard half.
func NewNonceCollector() *NonceCollector { return &NonceCollector{} }

func completeCount(half *[NonceCollectorSize]NonceRecord) int {
	n := 0
	for _, r := range half {
		if r.haveSecond {
			n++
		}
	}
	return n
}

// StandardFull reports whether every standard-half slot has collected
// two sessions.
func (c *NonceCollector) StandardFull() bool { return completeCount(&c.standard) == NonceCollectorSize }

// MoebiusFull reports whether every Moebius-half slot has collected
// two sessions.
func (c *NonceCollector) MoebiusFull() bool { return completeCount(&c.moebius) == NonceCollectorSize }

// InMoebius reports whether the collector has switched to the
// Moebius half.
func (c *NonceCollector) InMoebius() bool { return c.inMoebius }

// Finished reports whether the whole attack is complete: both halves
// full (spec.md §8's "after exactly 2K AUTH1 visits split evenly...
// the collector is full and finished=true").
func (c *NonceCollector) Finished() bool { return c.inMoebius && c.MoebiusFull() }

// Record handles one AUTH1 visit under FLAG_NR_AR_ATTACK: it records
// (cuid, sector, keytype, nt, nr, ar) into the first free slot whose
// (sector, keytype) matches, or into the first free slot of the
// current half if none matches yet; a second distinct (nr, ar) for an
// already-occupied slot completes it. The caller switches nonce
// generation to MoebiusNonce once StandardFull reports true and then
// calls EnterMoebius.
func (c *NonceCollector) Record(cuid uint32, sector byte, kt KeyType, nt, nr, ar uint32) {
	half := &c.standard
	if c.inMoebius {
		half = &c.moebius
	}
	for i := range half {
		rec := &half[i]
		if rec.haveFirst && rec.Sector == sector && rec.KeyType == kt {
			if !rec.haveSecond && (rec.Nr != nr || rec.Ar != ar) {
				rec.Nt2, rec.Nr2, rec.Ar2 = nt, nr, ar
				rec.haveSecond = true
			}
			return
		}
	}
	for i := range half {
		rec := &half[i]
		if !rec.haveFirst {
			*rec = NonceRecord{CUID: cuid, Sector: sector, KeyType: kt, Nt: nt, Nr: nr, Ar: ar, haveFirst: true}
			return
		}
	}
}

// EnterMoebius switches subsequent Record calls to the Moebius half.
// A no-op once already switched.
func (c *NonceCollector) EnterMoebius() { c.inMoebius = true }

// StandardRecords and MoebiusRecords expose the collected slots to the
// host for key recovery.
func (c *NonceCollector) StandardRecords() [NonceCollectorSize]NonceRecord { return c.standard }
func (c *NonceCollector) MoebiusRecords() [NonceCollectorSize]NonceRecord  { return c.moebius }

// MoebiusNonce derives the tag nonce used for the Moebius half's
// sessions. spec.md §9's Open Questions leaves unresolved whether the
// source's "nt = nt*7" re-seed is deliberate decorrelation or an
// artefact; both paths are kept as explicit, selectable behavior
// rather than guessed intent: randomNonceMode selects PRNG reseed via
// reseed, otherwise the nt*7 multiplication is used.
func MoebiusNonce(nt uint32, randomNonceMode bool, reseed func() uint32) uint32 {
	if randomNonceMode && reseed != nil {
		return reseed() & 0xFFFF
	}
	return (nt * 7) & 0xFFFF
}
