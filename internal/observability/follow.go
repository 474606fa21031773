package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/hpcloud/tail"
)

// FollowLog prints the JSON log file at path to w in a human-readable form.
// With follow set it keeps reading across rotations until ctx is done;
// otherwise it stops at end of file.
func FollowLog(ctx context.Context, path string, follow bool, w io.Writer) error {
	t, err := tail.TailFile(path, tail.Config{
		Follow:    follow,
		ReOpen:    follow,
		MustExist: true,
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", path, err)
	}
	defer t.Cleanup()

	for {
		select {
		case <-ctx.Done():
			_ = t.Stop()
			return nil
		case line, ok := <-t.Lines:
			if !ok {
				return t.Wait()
			}
			if line.Err != nil {
				return fmt.Errorf("failed to read log file: %w", line.Err)
			}
			if _, err := fmt.Fprintln(w, FormatLogLine(line.Text)); err != nil {
				return err
			}
		}
	}
}

// FormatLogLine renders one JSON log entry as
// "<ts> <LEVEL> <logger>: <msg> key=value ...". Lines that are not JSON
// objects are returned unchanged.
func FormatLogLine(raw string) string {
	var entry map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return raw
	}

	var b strings.Builder
	for _, key := range []string{"ts", "level"} {
		if v, ok := entry[key]; ok {
			fmt.Fprintf(&b, "%v ", v)
			delete(entry, key)
		}
	}
	if v, ok := entry["logger"]; ok {
		fmt.Fprintf(&b, "%v: ", v)
		delete(entry, "logger")
	}
	if v, ok := entry["msg"]; ok {
		fmt.Fprintf(&b, "%v", v)
		delete(entry, "msg")
	}

	keys := make([]string, 0, len(entry))
	for k := range entry {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, entry[k])
	}
	return strings.TrimSpace(b.String())
}
