package hooks

import (
	"errors"
	"sync"
	"testing"
	"unicode/utf16"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"

	"wincell/internal/policy"
)

var testLogger = logrus.WithField("source", "test")

func wide(s string) *uint16 {
	units := append(utf16.Encode([]rune(s)), 0)
	return &units[0]
}

func mustDecode(t *testing.T, p *uint16) string {
	t.Helper()
	s, ok := decodeWide(p)
	if !ok {
		t.Fatalf("decodeWide failed")
	}
	return s
}

func counter(outcome string) float64 {
	return testutil.ToFloat64(hookCalls.WithLabelValues(outcome))
}

func testRegister(redirects ...policy.PathRedirect) *Register {
	reg := &Register{}
	reg.Swap("c1", redirects)
	return reg
}

func TestDispatchRedirects(t *testing.T) {
	reg := testRegister(policy.PathRedirect{Original: `C:\Users\me\AppData`, Redirected: `D:\c1\AppData`})
	before := counter(outcomeRedirected)

	in := wide(`C:\Users\me\AppData\Roaming\app.ini`)
	out := dispatch(reg, in, testLogger)

	if out == in {
		t.Fatal("expected a new buffer for a redirected path")
	}
	if got := mustDecode(t, out); got != `D:\c1\AppData\Roaming\app.ini` {
		t.Errorf("redirected path = %q", got)
	}
	if got := counter(outcomeRedirected) - before; got != 1 {
		t.Errorf("redirected counter delta = %v, want 1", got)
	}
}

func TestDispatchPassthrough(t *testing.T) {
	reg := testRegister(policy.PathRedirect{Original: `C:\Users\me\AppData`, Redirected: `D:\c1\AppData`})

	tests := []struct {
		name string
		in   *uint16
	}{
		{"nil", nil},
		{"empty", wide("")},
		{"no match", wide(`E:\games\save.dat`)},
		{"component boundary", wide(`C:\Users\me\AppDataOld\x`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := counter(outcomePassthrough)
			if out := dispatch(reg, tt.in, testLogger); out != tt.in {
				t.Errorf("dispatch returned a different pointer")
			}
			if got := counter(outcomePassthrough) - before; got != 1 {
				t.Errorf("passthrough counter delta = %v, want 1", got)
			}
		})
	}
}

func TestDispatchFailsOpen(t *testing.T) {
	t.Run("unpaired surrogate", func(t *testing.T) {
		reg := testRegister(policy.PathRedirect{Original: `C:\`, Redirected: `D:\`})
		buf := []uint16{'C', ':', '\\', 0xD800, 'a', 0}
		before := counter(outcomeFailOpen)

		if out := dispatch(reg, &buf[0], testLogger); out != &buf[0] {
			t.Errorf("dispatch did not forward the original pointer")
		}
		if got := counter(outcomeFailOpen) - before; got != 1 {
			t.Errorf("failopen counter delta = %v, want 1", got)
		}
	})

	t.Run("lone low surrogate", func(t *testing.T) {
		reg := testRegister()
		buf := []uint16{0xDC00, 0}
		if out := dispatch(reg, &buf[0], testLogger); out != &buf[0] {
			t.Errorf("dispatch did not forward the original pointer")
		}
	})

	t.Run("unencodable target", func(t *testing.T) {
		reg := testRegister(policy.PathRedirect{Original: `C:\data`, Redirected: "D:\\bad\x00dir"})
		in := wide(`C:\data\file.txt`)
		before := counter(outcomeFailOpen)

		if out := dispatch(reg, in, testLogger); out != in {
			t.Errorf("dispatch did not forward the original pointer")
		}
		if got := counter(outcomeFailOpen) - before; got != 1 {
			t.Errorf("failopen counter delta = %v, want 1", got)
		}
	})

	t.Run("too long", func(t *testing.T) {
		buf := make([]uint16, maxWidePath+2)
		for i := range buf[:len(buf)-1] {
			buf[i] = 'a'
		}
		if _, ok := decodeWide(&buf[0]); ok {
			t.Errorf("decodeWide accepted %d units", len(buf)-1)
		}
	})
}

func TestDecodeWide(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"ascii", `C:\Windows\win.ini`},
		{"bmp", `C:\Users\José\données`},
		{"astral", `C:\tmp\🙂.txt`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := mustDecode(t, wide(tt.in)); got != tt.in {
				t.Errorf("decodeWide = %q, want %q", got, tt.in)
			}
		})
	}
}

func TestEncodeWide(t *testing.T) {
	if _, err := encodeWide("a\x00b"); !errors.Is(err, errEmbeddedNUL) {
		t.Errorf("encodeWide with NUL: err = %v", err)
	}
	if _, err := encodeWide("a\xffb"); err == nil {
		t.Error("encodeWide accepted invalid UTF-8")
	}

	p, err := encodeWide(`C:\tmp\🙂`)
	if err != nil {
		t.Fatalf("encodeWide failed: %v", err)
	}
	if got := mustDecode(t, p); got != `C:\tmp\🙂` {
		t.Errorf("encodeWide round trip = %q", got)
	}
}

func TestRegisterSwap(t *testing.T) {
	reg := &Register{}
	redirects := []policy.PathRedirect{
		{Original: `C:\a`, Redirected: `D:\a`},
		{Original: `C:\b`, Redirected: `D:\b`},
	}

	v1 := reg.Swap("c1", redirects)
	first := reg.Snapshot()
	v2 := reg.Swap("c1", redirects)
	second := reg.Snapshot()

	if v2 != v1+1 {
		t.Errorf("versions = %d, %d; want consecutive", v1, v2)
	}
	if diff := cmp.Diff(first.Redirects, second.Redirects); diff != "" {
		t.Errorf("reapplying changed redirects (-first +second):\n%s", diff)
	}

	// The register owns its copy.
	redirects[0].Redirected = `Z:\mutated`
	if got, _ := reg.Resolve(`C:\a\x`); got != `D:\a\x` {
		t.Errorf("Resolve after caller mutation = %q", got)
	}

	reg.Swap("c2", nil)
	if got, ok := reg.Resolve(`C:\a\x`); ok || got != `C:\a\x` {
		t.Errorf("Resolve after replacing policy = (%q, %v)", got, ok)
	}
	if got := reg.Snapshot().ContainerID; got != "c2" {
		t.Errorf("ContainerID = %q, want c2", got)
	}
}

func TestRegisterConcurrentAccess(t *testing.T) {
	reg := testRegister(policy.PathRedirect{Original: `C:\a`, Redirected: `D:\a`})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				got, ok := reg.Resolve(`C:\a\f`)
				if ok && got != `D:\a\f` && got != `E:\a\f` {
					t.Errorf("Resolve = %q", got)
					return
				}
			}
		}()
	}
	for j := 0; j < 50; j++ {
		target := `D:\a`
		if j%2 == 1 {
			target = `E:\a`
		}
		reg.Swap("c1", []policy.PathRedirect{{Original: `C:\a`, Redirected: target}})
	}
	wg.Wait()
}

func TestSharedRegister(t *testing.T) {
	if Shared() != Shared() {
		t.Error("Shared returned different registers")
	}
	p := New(Config{Logger: testLogger})
	if p.Register() != Shared() {
		t.Error("New without a register should use Shared")
	}
}

func TestNoopPipeline(t *testing.T) {
	reg := &Register{}
	p := NewNoop(Config{Register: reg, Logger: testLogger})

	if p.Native() {
		t.Error("noop pipeline reports native interception")
	}

	plan := policy.HookPlan{
		ContainerID: "c1",
		Redirects:   []policy.PathRedirect{{Original: `C:\a`, Redirected: `D:\a`}},
	}
	for i := 0; i < 2; i++ {
		if err := p.Apply(plan); err != nil {
			t.Fatalf("Apply #%d failed: %v", i+1, err)
		}
	}

	state := reg.Snapshot()
	if state.Version != 2 {
		t.Errorf("Version = %d, want 2", state.Version)
	}
	if diff := cmp.Diff(plan.Redirects, state.Redirects); diff != "" {
		t.Errorf("recorded redirects mismatch (-want +got):\n%s", diff)
	}
}
