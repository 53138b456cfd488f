package logrusadapter

import (
	"github.com/sirupsen/logrus"

	"github.com/QYUbit/cosync/pkg/colog"
)

type Adapter struct {
	logger logrus.FieldLogger
}

func New(logger logrus.FieldLogger) *Adapter {
	return &Adapter{logger: logger}
}

func (a *Adapter) Info(msg string, keysAndValues ...any) {
	a.logger.WithFields(colog.Fields(keysAndValues)).Info(msg)
}

func (a *Adapter) Error(msg string, keysAndValues ...any) {
	a.logger.WithFields(colog.Fields(keysAndValues)).Error(msg)
}

func (a *Adapter) Debug(msg string, keysAndValues ...any) {
	a.logger.WithFields(colog.Fields(keysAndValues)).Debug(msg)
}

func (a *Adapter) Warn(msg string, keysAndValues ...any) {
	a.logger.WithFields(colog.Fields(keysAndValues)).Warn(msg)
}
