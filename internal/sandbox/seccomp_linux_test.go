package sandbox

import (
	"testing"

	seccomp "github.com/elastic/go-seccomp-bpf"
)

func TestSeccompPolicies(t *testing.T) {
	for _, denyNetwork := range []bool{false, true} {
		policies := seccompPolicies(denyNetwork)
		want := 2
		if denyNetwork {
			want = 3
		}
		if len(policies) != want {
			t.Fatalf("denyNetwork=%v: %d policies, want %d", denyNetwork, len(policies), want)
		}

		for i := range policies {
			p := &policies[i]
			// Groups after the first are unreachable.
			if len(p.Syscalls) != 1 {
				t.Errorf("policy %d has %d groups", i, len(p.Syscalls))
			}
			if _, err := p.Assemble(); err != nil {
				t.Errorf("policy %d: %v", i, err)
			}
		}
	}

	last := seccompPolicies(true)[2]
	if g := last.Syscalls[0]; g.Action != seccomp.ActionKillProcess || g.Names[0] != "socket" {
		t.Errorf("network policy = %+v", g)
	}
}
