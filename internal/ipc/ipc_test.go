package ipc

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var testSecret = []byte("test-shared-secret")

func TestSignVerifyRoundTrip(t *testing.T) {
	payload := map[string]interface{}{
		"conversation": "inbox-42",
		"body":         "hello there",
		"nested": map[string]interface{}{
			"z": 1,
			"a": 2,
		},
	}

	signed, err := Sign(payload, testSecret)
	require.NoError(t, err)
	require.Contains(t, signed, hmacField)

	ok, err := Verify(signed, testSecret)
	require.NoError(t, err)
	require.True(t, ok, "sign then verify must round-trip to true")
}

func TestCanonicalizeIsDeterministicRegardlessOfKeyOrder(t *testing.T) {
	a := map[string]interface{}{"b": 1, "a": 2, "c": map[string]interface{}{"y": 1, "x": 2}}
	b := map[string]interface{}{"c": map[string]interface{}{"x": 2, "y": 1}, "a": 2, "b": 1}

	ca, err := canonicalize(a)
	require.NoError(t, err)
	cb, err := canonicalize(b)
	require.NoError(t, err)
	require.Equal(t, string(ca), string(cb))
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	payload := map[string]interface{}{"body": "original"}
	signed, err := Sign(payload, testSecret)
	require.NoError(t, err)

	signed["body"] = "tampered"
	ok, err := Verify(signed, testSecret)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	payload := map[string]interface{}{"body": "hello"}
	signed, err := Sign(payload, testSecret)
	require.NoError(t, err)

	ok, err := Verify(signed, []byte("wrong-secret"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSlotReadySentinelLifecycle(t *testing.T) {
	root := t.TempDir()
	slot, err := NewSlot(root, "conv-1")
	require.NoError(t, err)

	require.False(t, slot.IsReady())
	require.NoError(t, slot.MarkReady())
	require.True(t, slot.IsReady())

	require.NoError(t, slot.RequestClose())
	require.True(t, slot.ConsumeClose())
	require.False(t, slot.ConsumeClose(), "consuming twice must not report present twice")
}

func TestSlotClearRemovesContents(t *testing.T) {
	root := t.TempDir()
	slot, err := NewSlot(root, "conv-1")
	require.NoError(t, err)

	require.NoError(t, WriteAtomic(filepath.Join(slot.Input, "001.json"), []byte(`{}`)))
	require.NoError(t, slot.Clear())

	entries, err := os.ReadDir(slot.Input)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestExtractOutputStripsNoise(t *testing.T) {
	raw := []byte("log line one\n" + OutputStart + "\nthe actual reply\nmore reply\n" + OutputEnd + "\ntrailing log noise\n")

	out, ok := ExtractOutput(raw)
	require.True(t, ok)
	require.Equal(t, "the actual reply\nmore reply", out)
}

func TestExtractOutputMissingFrameReturnsFalse(t *testing.T) {
	_, ok := ExtractOutput([]byte("just log noise, no frame markers"))
	require.False(t, ok)
}

func TestWatcherQuarantinesTamperedFile(t *testing.T) {
	root := t.TempDir()
	slot, err := NewSlot(root, "conv-1")
	require.NoError(t, err)

	good := map[string]interface{}{"sequence": 1}
	signed, err := Sign(good, testSecret)
	require.NoError(t, err)
	goodBytes, err := json.Marshal(signed)
	require.NoError(t, err)
	require.NoError(t, WriteAtomic(filepath.Join(slot.Output, "001.json"), goodBytes))

	tampered := map[string]interface{}{"sequence": 2, hmacField: "not-a-real-hmac"}
	tamperedBytes, err := json.Marshal(tampered)
	require.NoError(t, err)
	require.NoError(t, WriteAtomic(filepath.Join(slot.Output, "002.json"), tamperedBytes))

	var alerts []string
	w := NewWatcher(slot, testSecret, 10*time.Millisecond, func(reason string) {
		alerts = append(alerts, reason)
	})

	out := make(chan Event, 4)
	require.NoError(t, w.scanOnce(out))
	close(out)

	var events []Event
	for e := range out {
		events = append(events, e)
	}
	require.Len(t, events, 1, "only the validly-signed file should pass through")
	require.Equal(t, "001.json", events[0].Name)
	require.Len(t, alerts, 1)

	_, err = os.Stat(filepath.Join(slot.Output, QuarantineDir, "002.json"))
	require.NoError(t, err, "tampered file should have been moved into quarantine")
}

func TestWatcherRunRespectsContextCancellation(t *testing.T) {
	root := t.TempDir()
	slot, err := NewSlot(root, "conv-1")
	require.NoError(t, err)

	w := NewWatcher(slot, testSecret, 5*time.Millisecond, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	out := make(chan Event, 1)
	err = w.Run(ctx, out)
	require.Error(t, err)
}
