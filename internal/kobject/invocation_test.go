package kobject

import (
	"reflect"
	"testing"

	"sysbuilder/internal/engine"
)

// TestMessageInfoTagLayout checks the exact bit layout spec §4.D requires:
// label<<12 | caps<<9 | extra_caps<<7 | length, with a repeat count packed
// into bits [32..).
func TestMessageInfoTagLayout(t *testing.T) {
	tag := messageInfoTag(LabelTCBResume, 0, 2, 3, 0)
	want := uint64(LabelTCBResume)<<12 | 0<<9 | 2<<7 | 3
	if tag != want {
		t.Fatalf("tag = 0x%x, want 0x%x", tag, want)
	}

	tag = messageInfoTag(LabelUntypedRetype, 0, 1, 6, 4)
	want = uint64(LabelUntypedRetype)<<12 | 1<<7 | 6
	want |= uint64(4-1) << 32
	if tag != want {
		t.Fatalf("repeat tag = 0x%x, want 0x%x", tag, want)
	}
}

// TestEncodeDecodeRoundTrip covers spec §8: for every invocation type,
// encoding then decoding yields the original label, service, extra caps,
// args, and (if set) repeat count and deltas.
func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		inv  Invocation
	}{
		{"UntypedRetype", NewUntypedRetype(engine.AArch64, 0x10, TCB, 0, 0x20, 1, 32, 5, 1)},
		{"TCBSetSchedParams", &TCBSetSchedParams{TCB: 1, Authority: 2, MCP: 100, Priority: 100, SchedContext: 3, FaultEP: 4}},
		{"TCBSetSpace", &TCBSetSpace{TCB: 1, FaultEP: 2, CSpaceRoot: 3, CSpaceGuard: 0x10, VSpaceRoot: 4}},
		{"TCBSetIPCBuffer", &TCBSetIPCBuffer{TCB: 1, BufferVA: 0x1000, BufferCap: 5}},
		{"TCBResume", &TCBResume{TCB: 1}},
		{"TCBBindNotification", &TCBBindNotification{TCB: 1, Notification: 6}},
		{"CNodeMint", NewCNodeMint(1, 10, 64, 2, 0, 0, RightsAll, 0x42)},
		{"IRQIssueIRQHandlerTrigger", &IRQIssueIRQHandlerTrigger{IRQControl: 4, IRQ: 37, Trigger: 1, DestRoot: 1, DestIndex: 138, DestDepth: 64}},
		{"IRQHandlerSetNotification", &IRQHandlerSetNotification{IRQHandler: 7, Notification: 8}},
		{"SchedControlConfigureFlags", &SchedControlConfigureFlags{SchedControl: 9, SchedContext: 3, Budget: 1000, Period: 1000, ExtraRefills: 0, Badge: 0x100, Flags: 0}},
		{"ASIDPoolAssign", NewASIDPoolAssign(6, 4)},
		{"PageTableMap", NewPageTableMap(PageTable, 10, 4, 0x400000, 3)},
		{"PageMap", NewPageMap(10, 4, 0x400000, RightsRead, 3)},
		{"VCPUSetTcb", &VCPUSetTcb{VCPU: 11, TCB: 1}},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			m := c.inv.ToMsg()
			data := EncodeMsg(m)
			got, err := DecodeMsg(data, len(m.ExtraCaps), len(m.Args))
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if got.Label != m.Label {
				t.Errorf("label = %v, want %v", got.Label, m.Label)
			}
			if got.Service != m.Service {
				t.Errorf("service = %v, want %v", got.Service, m.Service)
			}
			if !reflect.DeepEqual(got.ExtraCaps, m.ExtraCaps) {
				t.Errorf("extra caps = %v, want %v", got.ExtraCaps, m.ExtraCaps)
			}
			if !reflect.DeepEqual(got.Args, m.Args) {
				t.Errorf("args = %v, want %v", got.Args, m.Args)
			}
		})
	}
}

func TestEncodeDecodeRoundTripWithRepeat(t *testing.T) {
	inv := NewUntypedRetype(engine.AArch64, 0x10, SmallPage, 0, 0x20, 1, 32, 0, 1)
	inv.Repeat(4, map[string]uint64{"node_offset": 1, "untyped": 0x1000})

	m := inv.ToMsg()
	data := EncodeMsg(m)
	got, err := DecodeMsg(data, len(m.ExtraCaps), len(m.Args))
	if err != nil {
		t.Fatal(err)
	}
	if got.Repeat != 4 {
		t.Fatalf("repeat count = %d, want 4", got.Repeat)
	}
	if got.RepeatServiceDelta != 0x1000 {
		t.Fatalf("repeat service delta = 0x%x, want 0x1000", got.RepeatServiceDelta)
	}
	wantArgDeltas := []uint64{0, 0, 0, 0, 1, 0}
	if !reflect.DeepEqual(got.RepeatArgDeltas, wantArgDeltas) {
		t.Fatalf("repeat arg deltas = %v, want %v", got.RepeatArgDeltas, wantArgDeltas)
	}
}

func TestRepeatUnknownFieldPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for unknown repeat field")
		}
	}()
	inv := NewASIDPoolAssign(1, 2)
	inv.Repeat(3, map[string]uint64{"not_a_field": 1})
}

func TestArchObjectCodeTranslation(t *testing.T) {
	if SmallPage.ArchCode(engine.AArch64) != 10 {
		t.Fatalf("AArch64 SmallPage code wrong")
	}
	if SmallPage.ArchCode(engine.RISCV64) != 8 {
		t.Fatalf("RISCV64 SmallPage code wrong")
	}
	if VSpace.ArchCode(engine.AArch64) != 9 {
		t.Fatalf("AArch64 VSpace code wrong")
	}
	if VSpace.ArchCode(engine.RISCV64) != 10 {
		t.Fatalf("RISCV64 VSpace code wrong")
	}
	if TCB.ArchCode(engine.X86_64) != int(TCB) {
		t.Fatalf("X86_64 TCB should pass through unchanged")
	}
}

func TestRegisterWordOrder(t *testing.T) {
	r := ARM64Regs{PC: 1, SP: 2, SPSR: 3, X0: 4}
	w := r.Words()
	if w[0] != 1 || w[1] != 2 || w[2] != 3 || w[3] != 4 {
		t.Fatalf("unexpected ARM64 register order: %v", w[:4])
	}

	rv := RISCV64Regs{PC: 1, RA: 2, SP: 3, GP: 4}
	wv := rv.Words()
	if wv[0] != 1 || wv[1] != 2 || wv[2] != 3 || wv[3] != 4 {
		t.Fatalf("unexpected RISC-V register order: %v", wv[:4])
	}
}

func TestTCBWriteRegistersEncoding(t *testing.T) {
	regs := ARM64Regs{PC: 0x41000, X0: 7}
	inv := &TCBWriteRegisters{TCB: 1, Resume: true, Regs: regs.Words()}
	m := inv.ToMsg()
	if len(m.Args) != 2+len(regs.Words()) {
		t.Fatalf("arg vector length mismatch")
	}
	if m.Args[0] != 1 { // flags=0, resume=1
		t.Fatalf("header word = %d, want 1", m.Args[0])
	}
	if m.Args[1] != uint64(len(regs.Words())) {
		t.Fatalf("register count word wrong")
	}
	if m.Args[2] != 0x41000 {
		t.Fatalf("pc register not in expected position")
	}
}
