// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"
	"time"

	humanize "github.com/dustin/go-humanize"
	"github.com/hashicorp/cli"
	"github.com/posener/complete"

	"github.com/hashicorp/forge/structs"
)

// mergeAutocompleteFlags is used to join multiple flag completion sets.
func mergeAutocompleteFlags(flags ...complete.Flags) complete.Flags {
	merged := make(map[string]complete.Predictor, len(flags))
	for _, f := range flags {
		for k, v := range f {
			merged[k] = v
		}
	}
	return merged
}

// commandErrorText is used to easily render the same messaging across commands
// when an error is printed.
func commandErrorText(cmd NamedCommand) string {
	return fmt.Sprintf("For additional help try 'forge %s -help'", cmd.Name())
}

// uiErrorWriter is a io.Writer that wraps underlying cli.Ui.Error() in a
// line-buffered writer.
type uiErrorWriter struct {
	ui  cli.Ui
	buf bytes.Buffer
}

func (w *uiErrorWriter) Write(data []byte) (int, error) {
	read := 0
	for len(data) != 0 {
		a, token, err := bufio.ScanLines(data, false)
		if err != nil {
			return read, err
		}

		if a == 0 {
			r, err := w.buf.Write(data)
			return read + r, err
		}

		w.ui.Error(w.buf.String() + string(token))
		data = data[a:]
		w.buf.Reset()
		read += a
	}

	return read, nil
}

func (w *uiErrorWriter) Close() error {
	// emit what's remaining
	if w.buf.Len() != 0 {
		w.ui.Error(w.buf.String())
		w.buf.Reset()
	}
	return nil
}

// limit returns the prefix of s up to length l.
func limit(s string, l int) string {
	if len(s) <= l {
		return s
	}
	return s[:l]
}

// prettyTimeDiff renders a stored timestamp as a human age, or "n/a" when
// it cannot be parsed.
func prettyTimeDiff(ts string) string {
	ms, err := structs.TimestampMillis(ts)
	if err != nil {
		return "n/a"
	}
	return humanize.Time(time.UnixMilli(ms))
}

// formatJobError compresses a job's last_error to one table cell.
func formatJobError(j structs.Job) string {
	if j.LastError == nil {
		return ""
	}
	return limit(strings.ReplaceAll(*j.LastError, "\n", " "), 60)
}

// formatKV renders key: value lines the way detail views expect them.
func formatKV(in []string) string {
	var b strings.Builder
	for i, kv := range in {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(kv)
	}
	return b.String()
}

func kv(k string, v any) string {
	return fmt.Sprintf("%s = %v", k, v)
}
