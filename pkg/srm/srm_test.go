package srm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obexstack/obex"
)

func TestMachine_StartsDisabled(t *testing.T) {
	m := New()
	assert.Equal(t, Disabled, m.State())
	assert.False(t, m.CanStreamNextFragment())
}

func TestMachine_DisabledToSendConfirm(t *testing.T) {
	m := New()
	m.ObserveRequest(obex.SRMEnable, obex.SRMPNext)
	assert.Equal(t, SendConfirm, m.State())
}

func TestMachine_DisabledToSendConfirmWait(t *testing.T) {
	m := New()
	m.ObserveRequest(obex.SRMEnable, obex.SRMPWait)
	assert.Equal(t, SendConfirmWait, m.State())
}

func TestMachine_DisabledStaysDisabledWithoutEnable(t *testing.T) {
	m := New()
	m.ObserveRequest(obex.SRMDisable, obex.SRMPNext)
	assert.Equal(t, Disabled, m.State())
}

func TestMachine_ComposeResponse_SendConfirmToEnabled(t *testing.T) {
	m := New()
	m.ObserveRequest(obex.SRMEnable, obex.SRMPNext)
	require.Equal(t, SendConfirm, m.State())

	add := m.OnComposeResponse()
	assert.True(t, add, "must add SRM=Enable header when confirming")
	assert.Equal(t, Enabled, m.State())
	assert.True(t, m.CanStreamNextFragment())
}

func TestMachine_ComposeResponse_SendConfirmWaitToEnabledWait(t *testing.T) {
	m := New()
	m.ObserveRequest(obex.SRMEnable, obex.SRMPWait)
	require.Equal(t, SendConfirmWait, m.State())

	add := m.OnComposeResponse()
	assert.True(t, add)
	assert.Equal(t, EnabledWait, m.State())
	assert.False(t, m.CanStreamNextFragment(), "EnabledWait must not stream without a peer Next")
}

func TestMachine_EnabledWaitResumesOnNext(t *testing.T) {
	m := New()
	m.ObserveRequest(obex.SRMEnable, obex.SRMPWait)
	m.OnComposeResponse()
	require.Equal(t, EnabledWait, m.State())

	m.ObserveRequest(obex.SRMDisable, obex.SRMPNext)
	assert.Equal(t, Enabled, m.State())
	assert.True(t, m.CanStreamNextFragment())
}

func TestMachine_ComposeResponse_NoOpOnceEnabled(t *testing.T) {
	m := New()
	m.ObserveRequest(obex.SRMEnable, obex.SRMPNext)
	m.OnComposeResponse()
	require.Equal(t, Enabled, m.State())

	add := m.OnComposeResponse()
	assert.False(t, add, "Enabled must not re-add the confirm header")
	assert.Equal(t, Enabled, m.State())
}

// TestMachine_Monotonicity is spec.md §8 property 3: once Enabled, an
// operation cannot return to Disabled without an intervening boundary.
func TestMachine_Monotonicity(t *testing.T) {
	m := New()
	m.ObserveRequest(obex.SRMEnable, obex.SRMPNext)
	m.OnComposeResponse()
	require.Equal(t, Enabled, m.State())

	// Further peer headers within the same operation must not demote it.
	m.ObserveRequest(obex.SRMDisable, obex.SRMPNext)
	assert.Equal(t, Enabled, m.State())
	m.ObserveRequest(obex.SRMEnable, obex.SRMPWait)
	assert.Equal(t, Enabled, m.State())

	m.Reset() // operation boundary
	assert.Equal(t, Disabled, m.State())
}
