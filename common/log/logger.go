// Copyright (c) 2024 Durableflow Authors
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

// Package log is the structured logging facade every component depends on.
// Components log only through it; zap itself is referenced only here, in
// common/log/tag, and where cmd/server builds the root zap logger.
package log

import (
	"go.uber.org/zap"

	"github.com/durableflow/durableflow/common/log/tag"
)

// Logger is the structured logger interface passed into every component
// constructor.
type Logger interface {
	Debug(msg string, tags ...tag.Tag)
	Info(msg string, tags ...tag.Tag)
	Warn(msg string, tags ...tag.Tag)
	Error(msg string, tags ...tag.Tag)
	Fatal(msg string, tags ...tag.Tag)
	WithTags(tags ...tag.Tag) Logger
}

type zapLogger struct {
	z *zap.Logger
}

// NewZapLogger builds a Logger backed by a zap.Logger. Pass zap.NewProduction()
// or zap.NewDevelopment() depending on the environment.
func NewZapLogger(z *zap.Logger) Logger {
	return &zapLogger{z: z}
}

// NewNoop returns a Logger that discards everything, for tests that don't
// care about log output.
func NewNoop() Logger {
	return &zapLogger{z: zap.NewNop()}
}

func (l *zapLogger) Debug(msg string, tags ...tag.Tag) { l.z.Debug(msg, tags...) }
func (l *zapLogger) Info(msg string, tags ...tag.Tag)  { l.z.Info(msg, tags...) }
func (l *zapLogger) Warn(msg string, tags ...tag.Tag)  { l.z.Warn(msg, tags...) }
func (l *zapLogger) Error(msg string, tags ...tag.Tag) { l.z.Error(msg, tags...) }
func (l *zapLogger) Fatal(msg string, tags ...tag.Tag) { l.z.Fatal(msg, tags...) }

func (l *zapLogger) WithTags(tags ...tag.Tag) Logger {
	return &zapLogger{z: l.z.With(tags...)}
}
