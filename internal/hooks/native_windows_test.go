//go:build windows && nativehooks

package hooks

import (
	"errors"
	"testing"

	"github.com/sirupsen/logrus"

	"wincell/internal/policy"
)

func TestNativeApplyKeepsPolicyWhenInstallFails(t *testing.T) {
	reg := testRegister(policy.PathRedirect{Original: `C:\a`, Redirected: `C:\b`})
	before := reg.Snapshot()

	p := &nativePipeline{
		reg:    reg,
		logger: testLogger,
		install: func(*Register, *logrus.Entry) error {
			return ErrUnavailable
		},
	}

	err := p.Apply(policy.HookPlan{
		ContainerID: "c2",
		Redirects:   []policy.PathRedirect{{Original: `C:\x`, Redirected: `C:\y`}},
	})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Apply returned %v, want ErrUnavailable", err)
	}

	after := reg.Snapshot()
	if after.Version != before.Version || after.ContainerID != "c1" {
		t.Errorf("register changed after failed install: %+v", after)
	}
}

func TestNativeApplySwapsAfterInstall(t *testing.T) {
	reg := testRegister()
	installed := 0
	p := &nativePipeline{
		reg:    reg,
		logger: testLogger,
		install: func(*Register, *logrus.Entry) error {
			installed++
			return nil
		},
	}

	if err := p.Apply(policy.HookPlan{ContainerID: "c2"}); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if installed != 1 {
		t.Errorf("install called %d times, want 1", installed)
	}
	if got := reg.Snapshot().ContainerID; got != "c2" {
		t.Errorf("active container = %q, want c2", got)
	}
}
