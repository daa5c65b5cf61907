package message_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ricirt/dispatch/internal/message"
)

func TestNormalizeParsesJSONObject(t *testing.T) {
	m := message.Normalize(`{"task":"send_email","uuid":"abc-123","delay":5}`)
	require.Equal(t, "send_email", m.Task)
	require.Equal(t, "abc-123", m.UUID)
	require.True(t, m.HasDelay())
}

func TestNormalizeTreatsNonObjectAsLiteralTask(t *testing.T) {
	m := message.Normalize("send_email")
	require.Equal(t, "send_email", m.Task)
	require.Empty(t, m.UUID)
	require.False(t, m.HasDelay())
}

func TestNormalizeTreatsMalformedJSONAsLiteralTask(t *testing.T) {
	m := message.Normalize(`{"task": not json`)
	require.Equal(t, `{"task": not json`, m.Task)
}

func TestHasControl(t *testing.T) {
	plain := message.Message{Task: "x"}
	require.False(t, plain.HasControl())

	ctl := message.Message{Control: "alive"}
	require.True(t, ctl.HasControl())
}

func TestDedupKeyPrefersRealUUID(t *testing.T) {
	m := message.Message{Task: "send_email", UUID: "real-uuid"}
	require.Equal(t, "real-uuid", m.DedupKey())
}

func TestDedupKeyFallsBackToTaskForInternalUUID(t *testing.T) {
	m := message.Message{Task: "send_email", UUID: "internal-42"}
	require.Equal(t, "send_email", m.DedupKey())
}

func TestDedupKeyFallsBackToTaskForEmptyUUID(t *testing.T) {
	m := message.Message{Task: "send_email"}
	require.Equal(t, "send_email", m.DedupKey())
}

func TestOnDuplicateIsValid(t *testing.T) {
	require.True(t, message.Parallel.IsValid())
	require.True(t, message.Discard.IsValid())
	require.True(t, message.Serial.IsValid())
	require.True(t, message.QueueOne.IsValid())
	require.False(t, message.OnDuplicate("bogus").IsValid())
}

func TestEncodeRoundTrips(t *testing.T) {
	orig := message.Message{Task: "send_email", UUID: "abc", OnDuplicate: message.Serial}
	encoded, err := message.Encode(orig)
	require.NoError(t, err)

	decoded := message.Normalize(encoded)
	require.Equal(t, orig.Task, decoded.Task)
	require.Equal(t, orig.UUID, decoded.UUID)
	require.Equal(t, orig.OnDuplicate, decoded.OnDuplicate)
}
