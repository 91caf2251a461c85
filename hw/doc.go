// Package hw defines the hardware-facing constants for the gdrv core:
// device generations, capability flags, the command-processor packet
// format, and the register file addressed by state emission.
//
// Everything in this package is pure data. Behavioral differences
// between device generations are expressed exclusively through the
// Caps bitset so that no other package ever branches on a chip name.
package hw
