package kobject

import (
	"encoding/binary"
	"fmt"
)

// Label is the kernel-visible invocation method number. Values and names
// must be preserved exactly: the monitor's replay loop dispatches on them.
type Label int

const (
	LabelUntypedRetype Label = iota + 1
	LabelTCBSetSchedParams
	LabelTCBSetSpace
	LabelTCBSetIPCBuffer
	LabelTCBResume
	LabelTCBWriteRegisters
	LabelTCBBindNotification
	LabelCNodeMint
	LabelCNodeCopy
	LabelCNodeMutate
	LabelIRQIssueIRQHandler
	LabelIRQIssueIRQHandlerTrigger
	LabelIRQSetIRQHandler
	LabelSchedControlConfigureFlags
	LabelASIDPoolAssign
	// Per-architecture page-table/page operations share one label value per
	// concept; the architecture is implicit in the invocation's ObjectType
	// field, matching the kernel's own per-arch syscall numbering scheme.
	LabelPageTableMap
	LabelPageMap
	LabelVCPUSetTcb
)

// Msg is the architecture-neutral shape every Invocation reduces to before
// encoding: a label, one service cap, an ordered list of extra (cap)
// arguments, and an ordered list of plain integer arguments, plus an
// optional repeat block. EncodeMsg is the single generic operation over this
// metadata — no reflection is involved anywhere in this package; each
// concrete Invocation type is responsible for producing its own Msg and for
// validating repeat field names against its own known fields.
type Msg struct {
	Label     Label
	Service   uint64
	ExtraCaps []uint64
	Args      []uint64

	Repeat             int // 0 or 1 means "no repeat"
	RepeatServiceDelta uint64
	RepeatCapDeltas    []uint64 // same length as ExtraCaps
	RepeatArgDeltas    []uint64 // same length as Args
}

// messageInfoTag packs the label/caps/extra_caps/length fields per spec
// §4.D: label<<12 | caps_field<<9 | extra_caps_field<<7 | length_field,
// with bit widths 50/3/2/7. If repeatCount > 1 its count-minus-one is
// shifted into bits [32..).
func messageInfoTag(label Label, caps, extraCaps, length, repeatCount int) uint64 {
	if label >= (1 << 50) {
		panic("kobject: label overflows 50 bits")
	}
	if caps >= 8 {
		panic("kobject: caps field overflows 3 bits")
	}
	if extraCaps >= 4 {
		panic("kobject: extra_caps field overflows 2 bits")
	}
	if length >= 0x80 {
		panic("kobject: length field overflows 7 bits")
	}
	tag := uint64(label)<<12 | uint64(caps)<<9 | uint64(extraCaps)<<7 | uint64(length)
	if repeatCount > 1 {
		tag |= uint64(repeatCount-1) << 32
	}
	return tag
}

// EncodeMsg serializes m to the native-endian word stream spec §4.D
// describes: msg-info-tag, service-cap, extra-cap-1..n, arg-1..m, and — if a
// repeat block is present — a second tag-less group of (service-delta,
// cap-deltas, arg-deltas).
func EncodeMsg(m Msg) []byte {
	tag := messageInfoTag(m.Label, 0, len(m.ExtraCaps), len(m.Args), m.Repeat)

	words := make([]uint64, 0, 2+len(m.ExtraCaps)+len(m.Args))
	words = append(words, tag, m.Service)
	words = append(words, m.ExtraCaps...)
	words = append(words, m.Args...)

	if m.Repeat > 1 {
		if len(m.RepeatCapDeltas) != len(m.ExtraCaps) {
			panic("kobject: RepeatCapDeltas length mismatch")
		}
		if len(m.RepeatArgDeltas) != len(m.Args) {
			panic("kobject: RepeatArgDeltas length mismatch")
		}
		words = append(words, m.RepeatServiceDelta)
		words = append(words, m.RepeatCapDeltas...)
		words = append(words, m.RepeatArgDeltas...)
	}

	buf := make([]byte, 8*len(words))
	for i, w := range words {
		binary.LittleEndian.PutUint64(buf[i*8:], w)
	}
	return buf
}

// DecodeMsg is EncodeMsg's inverse, used by the invocation-encoding
// round-trip test (spec §8). It recovers the label, service, extra caps,
// args, and — when the repeat count encoded in the tag is > 1 — the repeat
// deltas. nExtraCaps and nArgs must be supplied by the caller because they
// are a property of the invocation's static shape, not recoverable from the
// tag's length/extra_caps fields alone once repeat deltas are appended
// (those fields are still present and are used to cross-check).
func DecodeMsg(data []byte, nExtraCaps, nArgs int) (Msg, error) {
	need := 8 * (2 + nExtraCaps + nArgs)
	if len(data) < need {
		return Msg{}, fmt.Errorf("kobject: short invocation buffer: have %d bytes, need at least %d", len(data), need)
	}
	words := make([]uint64, len(data)/8)
	for i := range words {
		words[i] = binary.LittleEndian.Uint64(data[i*8:])
	}
	tag := words[0]
	label := Label(tag >> 12 & ((1 << 50) - 1))
	extraCapsField := int(tag >> 7 & 0x3)
	lengthField := int(tag & 0x7f)
	if extraCapsField != nExtraCaps || lengthField != nArgs {
		return Msg{}, fmt.Errorf("kobject: tag shape (%d extra caps, %d args) does not match expected (%d, %d)",
			extraCapsField, lengthField, nExtraCaps, nArgs)
	}
	repeatCount := int(tag>>32) + 1
	if tag>>32 == 0 {
		repeatCount = 0
	}

	m := Msg{
		Label:   label,
		Service: words[1],
	}
	idx := 2
	m.ExtraCaps = append(m.ExtraCaps, words[idx:idx+nExtraCaps]...)
	idx += nExtraCaps
	m.Args = append(m.Args, words[idx:idx+nArgs]...)
	idx += nArgs

	if repeatCount > 1 {
		if len(words) < idx+1+nExtraCaps+nArgs {
			return Msg{}, fmt.Errorf("kobject: truncated repeat block")
		}
		m.Repeat = repeatCount
		m.RepeatServiceDelta = words[idx]
		idx++
		m.RepeatCapDeltas = append(m.RepeatCapDeltas, words[idx:idx+nExtraCaps]...)
		idx += nExtraCaps
		m.RepeatArgDeltas = append(m.RepeatArgDeltas, words[idx:idx+nArgs]...)
		idx += nArgs
	}
	return m, nil
}

// Invocation is implemented by every concrete invocation record. ToMsg
// reduces the strongly-typed record to the generic Msg shape EncodeMsg
// consumes; no invocation needs to know how encoding works, and encoding
// never needs to know about a concrete invocation type.
type Invocation interface {
	ToMsg() Msg
}

// Encode is the convenience wrapper most callers use.
func Encode(inv Invocation) []byte {
	return EncodeMsg(inv.ToMsg())
}

// unknownRepeatField panics with the contract violation spec §4.D names:
// "fields named in the delta map must exist on the invocation type".
func unknownRepeatField(invocationType, field string) {
	panic(fmt.Sprintf("kobject: %s has no field %q to repeat", invocationType, field))
}
