package gdt

import "testing"

func TestSelectors(t *testing.T) {
	if SelKernelCode != 0x08 || SelKernelData != 0x10 {
		t.Fatal("kernel selectors moved")
	}
	if SelUserCode != 0x1B || SelUserData != 0x23 {
		t.Fatal("user selectors moved")
	}
	if SelectorDPL(SelKernelCode) != 0 {
		t.Error("kernel code selector RPL != 0")
	}
	if SelectorDPL(SelUserCode) != 3 || SelectorDPL(SelUserData) != 3 {
		t.Error("user selector RPL != 3")
	}
}

func TestDescriptorEncode(t *testing.T) {
	table := New()

	tests := []struct {
		name     string
		selector uint16
		want     uint64
	}{
		// The classic flat-model encodings.
		{"ring0 code", SelKernelCode, 0x00CF9A000000FFFF},
		{"ring0 data", SelKernelData, 0x00CF92000000FFFF},
		{"ring3 code", SelUserCode, 0x00CFFA000000FFFF},
		{"ring3 data", SelUserData, 0x00CFF2000000FFFF},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := table.DescriptorFor(tt.selector).Encode()
			if err != nil {
				t.Fatalf("Encode() error = %v", err)
			}
			if raw != tt.want {
				t.Errorf("Encode() = 0x%016X, want 0x%016X", raw, tt.want)
			}
		})
	}

	// The null descriptor encodes to zero.
	raw, err := table.Entry(0).Encode()
	if err != nil || raw != 0 {
		t.Errorf("null descriptor = 0x%016X err=%v, want 0", raw, err)
	}
}

func TestTSS(t *testing.T) {
	tss := NewTSS()
	if tss.SS0 != SelKernelData {
		t.Fatalf("SS0 = 0x%x, want kernel data selector", tss.SS0)
	}
	tss.SetKernelStack(0xD0104000)
	if tss.ESP0 != 0xD0104000 {
		t.Fatalf("ESP0 = 0x%x", tss.ESP0)
	}
	if tss.Loaded() {
		t.Fatal("TSS loaded before ltr")
	}
	tss.Load()
	if !tss.Loaded() {
		t.Fatal("TSS not loaded after ltr")
	}
}
