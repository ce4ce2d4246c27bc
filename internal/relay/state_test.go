package relay

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseRole(t *testing.T) {
	require.Equal(t, RoleAgent, ParseRole("agent"))
	require.Equal(t, RoleBrowser, ParseRole(""))
	require.Equal(t, RoleBrowser, ParseRole("Agent"))
	require.Equal(t, RoleBrowser, ParseRole("admin"))
}

func TestConnectionState_Attachment(t *testing.T) {
	in := &ConnectionState{ID: "c1", Role: RoleAgent, UserID: "u1", MachineID: "m1", AgentID: "a1", Seq: 7}
	b, err := encodeState(in)
	require.NoError(t, err)

	out, err := decodeState(b)
	require.NoError(t, err)
	require.Equal(t, in, out)
	require.Equal(t, "m1", out.RemoteID())

	out.MachineID = ""
	require.Equal(t, "c1", out.RemoteID())

	_, err = decodeState(nil)
	require.ErrorIs(t, err, errNoAttachment)

	b, err = encodeState(&ConnectionState{Role: RoleBrowser})
	require.NoError(t, err)
	_, err = decodeState(b)
	require.Error(t, err)
}
