// Package notify is used internally by Flowline to send/log operational events.
// It is made externally accessible mainly for connector development, since the
// connector internals also should send important events to the this channel.
// The common notify channel is passed to the connector in its entity.Config.
package notify

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/teltech/logger"
	"github.com/zpiroux/flowline/entity"
)

const LogLevelEnvName = "LOG_LEVEL"

// defaultLevel is the process-wide minimum level, set once during startup with SetDefaultLevel.
var defaultLevel atomic.Int32

// SetDefaultLevel sets the process-wide minimum notification level for notifiers created
// afterwards, and exports it to the logger framework which reads it from LOG_LEVEL.
// Returns an error if the level name is invalid.
func SetDefaultLevel(levelName string) error {
	level := entity.NotifyLevel(levelName)
	if level == entity.NotifyLevelInvalid {
		return fmt.Errorf("invalid log level: %s", levelName)
	}
	defaultLevel.Store(int32(level))
	return os.Setenv(LogLevelEnvName, entity.NotifyLevelName(level))
}

// ResetDefaultLevel restores the default level behavior of reading LOG_LEVEL.
func ResetDefaultLevel() {
	defaultLevel.Store(entity.NotifyLevelInvalid)
}

// DefaultLevel returns the process-wide minimum level, from SetDefaultLevel if called,
// otherwise from the OS env variable "LOG_LEVEL". If not found or invalid it is INFO.
func DefaultLevel() int {
	if level := int(defaultLevel.Load()); level != entity.NotifyLevelInvalid {
		return level
	}
	level := entity.NotifyLevel(os.Getenv(LogLevelEnvName))
	if level == entity.NotifyLevelInvalid {
		level = entity.NotifyLevelInfo
	}
	return level
}

// NewLog returns a new logger if logging is enabled, otherwise nil, which makes notifiers
// only send events to the notification channel.
func NewLog(enabled bool) *logger.Log {
	if !enabled {
		return nil
	}
	return logger.New()
}

// Notifier provides a way to send notification/log events to both an externally accessible
// channel and to log framework.
type Notifier struct {
	ch             entity.NotifyChan
	minNotifyLevel int
	log            *logger.Log
	callerLevel    int
	sender         string
	instance       string
	stream         string
}

// New creates a new Notifier. For proper value on the caller func name, set `callerLevel` to:
//
//	1 - if the notifying func is immediately above the called Notify()
//	2 - if the notifying func is two levels above
//	... etc
//
// The minimum log level to use is DefaultLevel(). Min level can be re-set with SetNotifyLevel().
func New(ch entity.NotifyChan, log *logger.Log, callerLevel int, sender, instance, stream string) *Notifier {
	return &Notifier{
		ch:             ch,
		minNotifyLevel: DefaultLevel(),
		log:            log,
		callerLevel:    callerLevel,
		sender:         sender,
		instance:       instance,
		stream:         stream,
	}
}

func (n *Notifier) Sender() string {
	return n.sender
}

func (n *Notifier) Instance() string {
	return n.instance
}

func (n *Notifier) Stream() string {
	return n.stream
}

func (n *Notifier) SetNotifyLevel(level int) {
	n.minNotifyLevel = level
}

// Notify sends the provided data to the provided channel (and optionally log framework),
// together with additional data depending on notification level:
//
//	DEBUG and INFO: name of calling func
//	WARN: as INFO plus file and line number
//	ERROR: as WARN plus the full stack trace.
func (n *Notifier) Notify(level int, message string, args ...any) {

	if level < n.minNotifyLevel {
		return
	}

	var streamPrefix, streamSuffix string

	msg := fmt.Sprintf(message, args...)
	event := entity.NotificationEvent{
		Sender:   n.sender,
		Instance: n.instance,
		Stream:   n.stream,
		Message:  msg,
	}

	n.SendNotificationEvent(level, event)

	if n.log == nil {
		return
	}

	if n.stream != "" {
		streamPrefix = "(stream: "
		streamSuffix = ")"
	}

	const fmtstr = "[%s:%s]%s%s%s %s"
	switch level {
	case entity.NotifyLevelDebug:
		n.log.Debugf(fmtstr, n.sender, n.instance, streamPrefix, n.stream, streamSuffix, msg)
	case entity.NotifyLevelInfo:
		n.log.Infof(fmtstr, n.sender, n.instance, streamPrefix, n.stream, streamSuffix, msg)
	case entity.NotifyLevelWarn:
		n.log.Warnf(fmtstr, n.sender, n.instance, streamPrefix, n.stream, streamSuffix, msg)
	case entity.NotifyLevelError:
		n.log.Errorf(fmtstr, n.sender, n.instance, streamPrefix, n.stream, streamSuffix, msg)
	}
}

// SendNotificationEvent takes a formatted NotificationEvent, enrich it with info
// such as func, file, line, call stack, and sends it to the channel.
// The send never blocks; events are dropped if the channel is full or nil.
func (n *Notifier) SendNotificationEvent(notifyLevel int, event entity.NotificationEvent) {

	if n.ch == nil {
		return
	}

	var (
		pc             uintptr
		line           int
		file, funcName string
	)

	pc, file, line, _ = runtime.Caller(n.callerLevel)
	funcName = "unknown"
	f := runtime.FuncForPC(pc)
	if f != nil {
		_, funcName = filepath.Split(f.Name())
	}

	event.Level = entity.NotifyLevelName(notifyLevel)
	event.Func = funcName
	if event.Timestamp == "" {
		event.Timestamp = time.Now().UTC().Format("2006-01-02T15:04:05.000000Z")
	}

	if notifyLevel >= entity.NotifyLevelWarn {
		event.File = file
		event.Line = line
	}

	if notifyLevel == entity.NotifyLevelError {
		stackTrace := make([]byte, 1024)
		stackTrace = stackTrace[:runtime.Stack(stackTrace, false)]
		event.StackTrace = string(stackTrace)
	}

	select {
	case n.ch <- event:
	default:
	}
}
