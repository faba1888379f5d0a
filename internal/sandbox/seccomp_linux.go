package sandbox

import (
	seccomp "github.com/elastic/go-seccomp-bpf"
	"golang.org/x/sys/unix"
)

// deniedSyscalls fail with EPERM. None of them are needed to run ordinary
// programs and all of them widen what code can reach.
var deniedSyscalls = []string{
	"mount", "umount2", "pivot_root", "chroot",
	"ptrace", "process_vm_readv", "process_vm_writev",
	"setns", "unshare",
	"kexec_load", "init_module", "finit_module", "delete_module",
	"reboot", "swapon", "swapoff", "acct",
	"bpf", "perf_event_open", "userfaultfd",
	"keyctl", "add_key", "request_key",
	"settimeofday", "clock_settime", "sethostname", "setdomainname",
	"open_by_handle_at", "name_to_handle_at",
}

// namespaceFlags are the clone flags that create namespaces. CLONE_NEWTIME
// is absent: in clone(2) its bit belongs to the exit signal.
const namespaceFlags = unix.CLONE_NEWNS | unix.CLONE_NEWCGROUP | unix.CLONE_NEWUTS |
	unix.CLONE_NEWIPC | unix.CLONE_NEWUSER | unix.CLONE_NEWPID | unix.CLONE_NEWNET

// Creating a socket is how code reaches for the network; it kills the
// process so the attempt is distinguishable from an ordinary failure.
var networkSyscalls = []string{"socket"}

// seccompPolicies returns one policy per action. go-seccomp-bpf ends every
// group with the default action, so a policy only ever evaluates its first
// group; the kernel runs every loaded filter and applies the strictest
// result.
func seccompPolicies(denyNetwork bool) []seccomp.Policy {
	policies := []seccomp.Policy{
		{
			DefaultAction: seccomp.ActionAllow,
			Syscalls: []seccomp.SyscallGroup{{
				Action: seccomp.ActionErrno,
				Names:  deniedSyscalls,
				NamesWithCondtions: []seccomp.NameWithConditions{{
					Name: "clone",
					Conditions: seccomp.ArgumentConditions{
						{Argument: 0, Operation: seccomp.BitsSet, Value: namespaceFlags},
					},
				}},
			}},
		},
		{
			// clone3 passes its flags in memory the filter cannot read.
			// ENOSYS makes libc fall back to clone.
			DefaultAction: seccomp.ActionAllow,
			Syscalls: []seccomp.SyscallGroup{{
				Action: seccomp.ActionErrno | seccomp.Action(unix.ENOSYS),
				Names:  []string{"clone3"},
			}},
		},
	}
	if denyNetwork {
		policies = append(policies, seccomp.Policy{
			DefaultAction: seccomp.ActionAllow,
			Syscalls: []seccomp.SyscallGroup{{
				Action: seccomp.ActionKillProcess,
				Names:  networkSyscalls,
			}},
		})
	}
	return policies
}

func loadSeccomp(denyNetwork bool) error {
	for _, p := range seccompPolicies(denyNetwork) {
		err := seccomp.LoadFilter(seccomp.Filter{
			NoNewPrivs: true,
			Flag:       seccomp.FilterFlagTSync,
			Policy:     p,
		})
		if err != nil {
			return err
		}
	}
	return nil
}
