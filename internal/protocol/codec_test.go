package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTestPayloadRoundTrip(t *testing.T) {
	p := TestPayload{
		TestID:   42,
		FilePath: "tests/test_widgets.py",
		TestName: "test_render",
		IsAsync:  true,
		Fixtures: []Fixture{
			{Name: "db", Scope: ScopeSession},
			{Name: "client", Scope: ScopeFunction},
		},
		LogFD:           3,
		DebugSocketPath: "/tmp/tach_run/debug.sock",
	}

	buf := EncodeTestPayload(p)
	got, err := DecodeTestPayload(buf)
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestTestPayloadRoundTripNoFixturesNegativeFD(t *testing.T) {
	p := TestPayload{
		TestID:   0,
		FilePath: "a.py",
		TestName: "t",
		LogFD:    -1,
	}
	buf := EncodeTestPayload(p)
	got, err := DecodeTestPayload(buf)
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestTestResultRoundTrip(t *testing.T) {
	r := TestResult{
		TestID:     7,
		Status:     StatusFail,
		DurationNS: 123456789,
		Message:    "AssertionError: expected 1 got 2",
	}
	buf := EncodeTestResult(r)
	got, err := DecodeTestResult(buf)
	require.NoError(t, err)
	assert.Equal(t, r, got)
}

func TestMessageTruncation(t *testing.T) {
	long := make([]byte, MaxMessageBytes*2)
	for i := range long {
		long[i] = 'x'
	}
	r := TestResult{TestID: 1, Status: StatusFail, Message: string(long)}
	buf := EncodeTestResult(r)
	got, err := DecodeTestResult(buf)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(got.Message), MaxMessageBytes)
	assert.Contains(t, got.Message, "...[truncated]")
}

func TestDecodeShortBufferErrors(t *testing.T) {
	_, err := DecodeTestPayload([]byte{1, 2, 3})
	assert.Error(t, err)

	_, err = DecodeTestResult(nil)
	assert.Error(t, err)
}
