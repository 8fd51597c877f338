package reqstream

import (
	"fmt"
	"log"
)

// Logger interface is provided
// to allow you to customize the logging internally done
// by the router and its request streams.
//
// The default implementation logs to the "log" standard module
// via log.Default().
//
// If you want to disable the default logger
// you can pass an instance of reqstream.NewNoOpLogger()
// to the router constructor. The zaplog package adapts a *zap.Logger.
type Logger interface {
	Debug(string)
	Info(string)
	Warning(string)
	Error(string)
}

type defaultLogger struct {
}

func (l *defaultLogger) Debug(text string) {
	log.Default().Println(fmt.Sprintf("[reqstream] [debug] %v", text))
}
func (l *defaultLogger) Info(text string) {
	log.Default().Println(fmt.Sprintf("[reqstream] [info] %v", text))
}
func (l *defaultLogger) Warning(text string) {
	log.Default().Println(fmt.Sprintf("[reqstream] [WARNING] %v", text))
}
func (l *defaultLogger) Error(text string) {
	log.Default().Println(fmt.Sprintf("[reqstream] [ERROR] %v", text))
}

func NewNoOpLogger() Logger {
	return &noOpLogger{}
}

type noOpLogger struct {
}

func (l *noOpLogger) Debug(text string) {
	// NOP
}
func (l *noOpLogger) Info(text string) {
	// NOP
}
func (l *noOpLogger) Warning(text string) {
	// NOP
}
func (l *noOpLogger) Error(text string) {
	// NOP
}

// bucketLogger prefixes every message with the bucket it belongs to,
// so that interleaved output from concurrent streams stays readable.
type bucketLogger struct {
	inner  Logger
	prefix string
}

func newBucketLogger(inner Logger, bucket BucketKey) Logger {
	return &bucketLogger{
		inner:  inner,
		prefix: fmt.Sprintf("[bucket %s] ", bucket),
	}
}

func (l *bucketLogger) Debug(text string) {
	l.inner.Debug(l.prefix + text)
}
func (l *bucketLogger) Info(text string) {
	l.inner.Info(l.prefix + text)
}
func (l *bucketLogger) Warning(text string) {
	l.inner.Warning(l.prefix + text)
}
func (l *bucketLogger) Error(text string) {
	l.inner.Error(l.prefix + text)
}
