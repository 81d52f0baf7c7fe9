package isolation

import (
	"testing"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultProfileDeniesByErrno(t *testing.T) {
	p := DefaultProfile()
	assert.Equal(t, ActionErrno, p.DefaultAction)
	assert.NotZero(t, p.DefaultErrno)
	assert.NotEmpty(t, p.Rules)
}

func TestProfileToOCITranslatesDefaultAction(t *testing.T) {
	p := DefaultProfile()
	oci := p.ToOCI()

	assert.Equal(t, specs.ActErrno, oci.DefaultAction)
	require.NotNil(t, oci.DefaultErrnoRet)
	assert.EqualValues(t, 1, *oci.DefaultErrnoRet)
	assert.Contains(t, oci.Architectures, specs.Arch("SCMP_ARCH_X86_64"))
	require.Len(t, oci.Syscalls, 1)
	assert.Equal(t, specs.ActAllow, oci.Syscalls[0].Action)
	assert.Contains(t, oci.Syscalls[0].Names, "read")
}

func TestProfileToOCITranslatesArgFilters(t *testing.T) {
	p := Profile{
		DefaultAction: ActionAllow,
		Rules: []Syscall{
			{
				Names:  []string{"clone"},
				Action: ActionErrno,
				Args: []Arg{
					{Index: 0, Value: 0x7e020000, Op: OpMaskedEqual},
				},
			},
		},
	}

	oci := p.ToOCI()
	require.Len(t, oci.Syscalls, 1)
	require.Len(t, oci.Syscalls[0].Args, 1)
	assert.Equal(t, specs.OpMaskedEqual, oci.Syscalls[0].Args[0].Op)
	assert.EqualValues(t, 0x7e020000, oci.Syscalls[0].Args[0].Value)
}
