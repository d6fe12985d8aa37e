/*
Copyright 2024-2026 ForgeGuard Technologies Inc

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package forgeguard

import "github.com/sirupsen/logrus"

// LogWriter adapts a logrus logger to the io.Writer the standard library
// log package expects.
type LogWriter struct {
	log logrus.FieldLogger
}

func newLogWriter(log logrus.FieldLogger) *LogWriter {
	return &LogWriter{log: log}
}

func (w *LogWriter) Write(p []byte) (n int, err error) {
	w.log.Error(string(p))
	return len(p), nil
}
