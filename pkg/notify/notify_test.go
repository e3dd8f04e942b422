package notify

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zpiroux/flowline/entity"
)

func TestNotify(t *testing.T) {

	sender := "someSender"
	instance := "someId"
	stream := "someStreamId"
	expectedMessage := "some stuff happened, foo=11"
	fmtstr := "some stuff happened, foo=%d"
	fmtval := 11
	ch := make(entity.NotifyChan, 3)
	t.Setenv(LogLevelEnvName, entity.NotifyLevelStrDebug)

	notifier := New(ch, nil, 2, sender, instance, stream)

	// Test DEBUG
	notifier.Notify(entity.NotifyLevelDebug, fmtstr, fmtval)
	event := <-ch
	expectedEvent := entity.NotificationEvent{
		Level:    "DEBUG",
		Sender:   sender,
		Instance: instance,
		Stream:   stream,
		Message:  expectedMessage,
		Func:     "notify.TestNotify",
	}
	event.Timestamp = ""
	assert.Equal(t, expectedEvent, event)

	// Test INFO
	notifier.Notify(entity.NotifyLevelInfo, fmtstr, fmtval)
	event = <-ch
	expectedEvent.Level = "INFO"
	event.Timestamp = ""
	assert.Equal(t, expectedEvent, event)

	// Test WARN
	notifier.Notify(entity.NotifyLevelWarn, fmtstr, fmtval)
	event = <-ch
	assert.Equal(t, "notify_test.go", filepath.Base(event.File))
	assert.Greater(t, event.Line, 0)
	assert.Equal(t, "WARN", event.Level)
	assert.Empty(t, event.StackTrace)

	// Test ERROR
	notifier.Notify(entity.NotifyLevelError, fmtstr, fmtval)
	event = <-ch
	assert.Equal(t, "ERROR", event.Level)
	assert.NotEmpty(t, event.StackTrace)
	assert.Equal(t, expectedMessage, event.Message)

	// Full channel never blocks
	for i := 0; i < 5; i++ {
		notifier.Notify(entity.NotifyLevelInfo, fmtstr, i)
	}
	assert.Len(t, ch, 3)

	// Nil channel never blocks
	New(nil, nil, 2, sender, instance, stream).Notify(entity.NotifyLevelError, "no channel")
}

func TestMinLogLevel(t *testing.T) {

	sender := "someSender"
	instance := "someId"
	stream := "someStreamId"
	ch := make(entity.NotifyChan, 3)
	defer ResetDefaultLevel()

	// Empty os env var --> min level INFO
	t.Setenv(LogLevelEnvName, "")
	notifier := New(ch, nil, 2, sender, instance, stream)
	assert.Equal(t, entity.NotifyLevelInfo, notifier.minNotifyLevel)

	// Invalid os env var --> min level INFO
	t.Setenv(LogLevelEnvName, "SOME_INVALID_LEVEL")
	notifier = New(ch, nil, 2, sender, instance, stream)
	assert.Equal(t, entity.NotifyLevelInfo, notifier.minNotifyLevel)

	// Valid levels
	t.Setenv(LogLevelEnvName, entity.NotifyLevelStrWarn)
	notifier = New(ch, nil, 2, sender, instance, stream)
	assert.Equal(t, entity.NotifyLevelWarn, notifier.minNotifyLevel)

	notifier.Notify(entity.NotifyLevelInfo, "filtered")
	assert.Len(t, ch, 0)

	// Process-wide level takes precedence over env
	require.NoError(t, SetDefaultLevel("error"))
	assert.Equal(t, entity.NotifyLevelStrError, os.Getenv(LogLevelEnvName))
	notifier = New(ch, nil, 2, sender, instance, stream)
	assert.Equal(t, entity.NotifyLevelError, notifier.minNotifyLevel)

	assert.Error(t, SetDefaultLevel("loud"))

	ResetDefaultLevel()
	t.Setenv(LogLevelEnvName, entity.NotifyLevelStrDebug)
	assert.Equal(t, entity.NotifyLevelDebug, DefaultLevel())
}
