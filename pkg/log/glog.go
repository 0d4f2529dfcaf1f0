// Copyright 2025 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// GoogleEmitter is a wrapper that emits logs in a format compatible with
// package github.com/golang/glog:
//
//	Lmmdd hh:mm:ss.uuuuuu pid file:line] msg
//
// where L is the level letter and pid is right aligned in seven columns.
type GoogleEmitter struct {
	*Writer
}

// pid is the padded process ID of the header.
var pid = func() string {
	s := strconv.Itoa(os.Getpid())
	if len(s) < 7 {
		s = strings.Repeat(" ", 7-len(s)) + s
	}
	return s
}()

var levelLetters = [...]byte{Warning: 'W', Info: 'I', Debug: 'D'}

// Emit implements Emitter.Emit.
func (g GoogleEmitter) Emit(depth int, level Level, timestamp time.Time, format string, args ...any) {
	b := make([]byte, 0, 64+len(format))
	if int(level) < len(levelLetters) {
		b = append(b, levelLetters[level])
	} else {
		b = append(b, '?')
	}
	b = timestamp.AppendFormat(b, "0102 15:04:05.000000")
	b = append(b, ' ')
	b = append(b, pid...)
	b = append(b, ' ')

	file, line := "x", 0
	if _, f, l, ok := runtime.Caller(depth + 1); ok {
		file, line = f[strings.LastIndexByte(f, '/')+1:], l
	}
	b = append(b, file...)
	b = append(b, ':')
	b = strconv.AppendInt(b, int64(line), 10)
	b = append(b, "] "...)

	// The header must not be interpreted as part of the format.
	b = []byte(strings.ReplaceAll(string(b), "%", "%%"))
	b = append(b, format...)
	b = append(b, '\n')
	g.Writer.Emit(depth+1, level, timestamp, string(b), args...)
}
