// Copyright 2018 The gVisor Authors.
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

package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"netout.dev/netout/ipout/config"
	"netout.dev/netout/pkg/log"
)

func restoreLogging(t *testing.T) {
	old := log.Log()
	t.Cleanup(func() {
		log.SetTarget(old.Emitter)
		log.SetLevel(old.Level)
	})
}

func TestFileOpts(t *testing.T) {
	start := time.Date(2024, 5, 26, 19, 36, 22, 0, time.UTC)
	o := fileOpts{command: "send", start: start}
	if got, want := o.Build("/var/log/ipout/%COMMAND%-%TIMESTAMP%.log"), "/var/log/ipout/send-20240526-193622.000000.log"; got != want {
		t.Errorf("Build() = %q, want %q", got, want)
	}
}

func TestSetupLogging(t *testing.T) {
	for _, test := range []struct {
		format string
		want   []string
	}{
		{format: config.LogFormatText, want: []string{"hello from send"}},
		{format: config.LogFormatJSON, want: []string{`"msg":"hello from send"`}},
		{format: config.LogFormatLogrus, want: []string{`msg="hello from send"`, "command=send", "level=debug"}},
	} {
		t.Run(test.format, func(t *testing.T) {
			restoreLogging(t)
			dir := t.TempDir()
			conf := config.Default()
			conf.Logging = config.Log{
				Level:  "debug",
				Format: test.format,
				File:   filepath.Join(dir, "logs", "%COMMAND%.log"),
			}
			closer, err := setupLogging(conf, "send", os.Stderr)
			if err != nil {
				t.Fatalf("setupLogging: %v", err)
			}
			log.Debugf("hello from %s", "send")
			if err := closer.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}

			data, err := os.ReadFile(filepath.Join(dir, "logs", "send.log"))
			if err != nil {
				t.Fatalf("ReadFile: %v", err)
			}
			for _, w := range test.want {
				if !strings.Contains(string(data), w) {
					t.Errorf("log %q does not contain %q", data, w)
				}
			}
		})
	}
}

func TestSetupLoggingLevel(t *testing.T) {
	restoreLogging(t)
	var out bytes.Buffer
	conf := config.Default()
	conf.Logging.Level = "warning"
	if _, err := setupLogging(conf, "routes", &out); err != nil {
		t.Fatalf("setupLogging: %v", err)
	}
	log.Infof("quiet")
	log.Warningf("loud")
	if got := out.String(); strings.Contains(got, "quiet") || !strings.Contains(got, "loud") {
		t.Errorf("got log %q, want only the warning", got)
	}
}

func TestSetupLoggingErrors(t *testing.T) {
	restoreLogging(t)
	conf := config.Default()
	conf.Logging.Format = "xml"
	if _, err := setupLogging(conf, "send", os.Stderr); err == nil {
		t.Errorf("setupLogging accepted format %q", conf.Logging.Format)
	}
	conf = config.Default()
	conf.Logging.Level = "chatty"
	if _, err := setupLogging(conf, "send", os.Stderr); err == nil {
		t.Errorf("setupLogging accepted level %q", conf.Logging.Level)
	}
}
