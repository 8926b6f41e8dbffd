/*
Package whistlogger contains the logging stack shared by the placement
service. It wraps zap with a tee of cores: colored console output for
development, plus Sentry (errors only) and Logz.io (all levels) when running
on a deployed environment.
*/
package whistlogger // import "github.com/whisthq/whist/backend/placement-service/whistlogger"

import (
	"os"

	"github.com/whisthq/whist/backend/placement-service/metadata"
	"github.com/whisthq/whist/backend/placement-service/utils"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var logger *zap.Logger

func init() {
	// First, define our level-handling logic.
	highPriority := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		return lvl >= zapcore.ErrorLevel
	})
	lowPriority := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		return lvl < zapcore.ErrorLevel
	})

	// High-priority output should go to standard error, and low-priority
	// output should go to standard out.
	consoleDebugging := zapcore.Lock(os.Stdout)
	consoleErrors := zapcore.Lock(os.Stderr)

	consoleEncoderConfig := zap.NewDevelopmentEncoderConfig()

	// Enable colored output on stdout
	consoleEncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	consoleEncoder := zapcore.NewConsoleEncoder(consoleEncoderConfig)

	cores := []zapcore.Core{
		zapcore.NewCore(consoleEncoder, consoleErrors, highPriority),
		zapcore.NewCore(consoleEncoder, consoleDebugging, lowPriority),
	}

	// Only ship logs off-box when running on a deployed environment.
	if usingProdLogging() {
		if sentryCore := newSentryCore(zapcore.NewJSONEncoder(newShippingEncoderConfig()), highPriority); sentryCore != nil {
			cores = append(cores, sentryCore)
		}
		if logzCore := newLogzioCore(zapcore.NewJSONEncoder(newShippingEncoderConfig()), zapcore.DebugLevel); logzCore != nil {
			cores = append(cores, logzCore)
		}
	}

	logger = zap.New(zapcore.NewTee(cores...))
}

// usingProdLogging returns true when logs should be shipped to Sentry and
// Logz.io, i.e. on any environment other than localdev.
func usingProdLogging() bool {
	return !metadata.IsLocalEnv()
}

// newShippingEncoderConfig returns a configuration that is appropriate for
// using with Sentry and Logz.io.
func newShippingEncoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "type",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.EpochTimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
}

// Close flushes all production logging (i.e. Sentry and Logz.io). It should
// be deferred from main.
func Close() {
	logger.Sync()
}

// Info logs some info + timestamp, but does not send it to Sentry.
func Info(v ...interface{}) {
	logger.Sugar().Info(v...)
}

// Infof is like Info, but it respects printf syntax.
func Infof(format string, v ...interface{}) {
	logger.Sugar().Infof(format, v...)
}

// Infow logs a message with additional context fields.
func Infow(msg string, fields []interface{}) {
	logger.Sugar().Infow(msg, fields...)
}

// Debugf logs a debug message. Debug output is not shipped to Sentry.
func Debugf(format string, v ...interface{}) {
	logger.Sugar().Debugf(format, v...)
}

// Warning logs an error in yellow text, like Error, but doesn't send it to
// Sentry.
func Warning(err error) {
	logger.Sugar().Warn(err)
}

// Warningf is like Warning, but it respects printf syntax.
func Warningf(format string, v ...interface{}) {
	logger.Sugar().Warnf(format, v...)
}

// Warningw logs a warning with additional context fields.
func Warningw(msg string, fields []interface{}) {
	logger.Sugar().Warnw(msg, fields...)
}

// Error logs an error and sends it to Sentry.
func Error(err error) {
	logger.Sugar().Error(err)
}

// Errorf is like Error, but it respects printf syntax, i.e. takes in a format
// string and arguments, for convenience.
func Errorf(format string, v ...interface{}) {
	logger.Sugar().Errorf(format, v...)
}

// Errorw logs an error with additional context fields.
func Errorw(msg string, fields []interface{}) {
	logger.Sugar().Errorw(msg, fields...)
}

// Panicf logs an error, flushes the logging queues, and panics. It should
// only be used for errors that make it impossible to continue running the
// service, e.g. a failure to initialize the database pool.
func Panicf(format string, v ...interface{}) {
	Close()
	logger.Sugar().Panic(utils.MakeError(format, v...))
}
