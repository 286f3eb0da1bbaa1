/*
Package rfidcore implements the software protocol core for an ISO/IEC
14443 Type A radio front-end: the Miller and Manchester line decoders,
the reader- and tag-side symbol encoders, a timed transceiver, the
reader selection/anticollision/RATS state machine, a MIFARE Classic 1K
tag emulator with a CRYPTO1 session, a sniffer, and the two MIFARE
Classic nonce-collection attacks (darkside and the nr/ar reader attack
against the emulator).

The package never talks to real radio hardware. Everything it needs
from the outside world — a stream of demodulated sample bytes, a
free-running tick counter, a field-strength reading, status LEDs — is
expressed as the Fabric interface in fabric.go. Concrete adapters for
real hardware live in sibling packages (pkg/hwfabric); tests use an
in-memory fabric.

# Sessions, not singletons

Everything that the original firmware kept as process-wide global state
(the decoder, the encoder's output buffer, the timing clock) is owned
by values the caller constructs instead: decoders and encoders, a
Transceiver for the timing state, and a ReaderSession, Emulator or
Sniffer per mode. They are cheap to construct and are reinitialised at
every mode change by the caller, not by package state.
*/
package rfidcore
