package persistence

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type unregisteredState struct {
	FID string
}

func (s *unregisteredState) FlowID() string { return s.FID }

func TestStateCodecRoundTrip(t *testing.T) {
	in := &storeTestState{FID: "f-1", Count: 7}

	data, err := EncodeState(in)
	require.NoError(t, err)
	require.NotEmpty(t, data)

	out, err := DecodeState(data)
	require.NoError(t, err)

	st, ok := out.(*storeTestState)
	require.True(t, ok, "decoded type %T", out)
	require.Equal(t, "f-1", st.FID)
	require.Equal(t, 7, st.Count)
}

func TestStateCodecNil(t *testing.T) {
	data, err := EncodeState(nil)
	require.NoError(t, err)
	require.Nil(t, data)

	out, err := DecodeState(nil)
	require.NoError(t, err)
	require.Nil(t, out)
}

func TestStateCodecRejectsUnregisteredType(t *testing.T) {
	_, err := EncodeState(&unregisteredState{FID: "f-1"})
	require.Error(t, err)
}
