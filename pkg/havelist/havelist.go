// Package havelist implements component J: a one-shot have-list drop
// filter. Unlike the other filter stages (F), which evaluate one
// predicate per record as it streams through, this stage must read every
// input record first, then issue a single `p4 have` call and index its
// result before it can decide anything — the p4 round trip cannot be
// amortized per record the way a local on-disk check can.
package havelist

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/o4sync/o4/pkg/fstat"
	"github.com/o4sync/o4/pkg/o4ctx"
	"github.com/o4sync/o4/pkg/p4proto"
)

// Stage reads fstat records from r, drops any record whose
// "<escaped-path>#<rev>" already appears in the workspace's have-list (as
// reported by a single `p4 have` call), and writes the survivors to w.
// Delete records (empty checksum) are always dropped: a delete carries no
// content for p4 to still need to fetch.
func Stage(ctx *o4ctx.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	writer := bufio.NewWriter(w)
	defer writer.Flush()

	var records []fstat.Record
	var passthroughLines []string
	for scanner.Scan() {
		line := scanner.Text()
		record, passthrough, err := fstat.Decode(line)
		if err != nil {
			return err
		}
		if record == nil {
			if passthrough != nil {
				passthroughLines = append(passthroughLines, line)
			}
			continue
		}
		records = append(records, *record)
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	for _, line := range passthroughLines {
		if _, err := writer.WriteString(line + "\n"); err != nil {
			return errors.Wrap(err, "unable to write passthrough line")
		}
	}

	if len(records) == 0 {
		return nil
	}

	have, err := fetchHaveSet(ctx)
	if err != nil {
		return err
	}

	head := strings.TrimSuffix(ctx.DepotPath, "/...")
	for _, record := range records {
		if record.IsDelete() {
			continue
		}
		key := haveKey(head, record)
		if have[key] {
			continue
		}
		if _, err := writer.WriteString(fstat.Encode(record) + "\n"); err != nil {
			return errors.Wrap(err, "unable to write filtered record")
		}
	}
	return nil
}

// haveKey is the "<escaped-path>#<rev>" form used to match records against
// `p4 have`'s own output, which reports full depot paths in their escaped
// form; record.Path is stored relative to the depot root (see
// pkg/merge.depotRelativePath), so it must be rejoined with head first.
func haveKey(head string, record fstat.Record) string {
	return fmt.Sprintf("%s#%d", p4proto.Escape(head+"/"+record.Path), record.Revision)
}

// fetchHaveSet runs `p4 have ...` in text mode and returns the set of
// "<escaped-path>#<rev>" keys it reports.
func fetchHaveSet(ctx *o4ctx.Context) (map[string]bool, error) {
	output, err := p4proto.InvokeText(ctx, ctx.P4Timeout, "have", ctx.DepotPath)
	if err != nil {
		return nil, err
	}

	lines := strings.Split(output, "\n")
	sort.Strings(lines)

	have := make(map[string]bool, len(lines))
	for _, line := range lines {
		key, ok := parseHaveLine(line)
		if !ok {
			continue
		}
		have[key] = true
	}
	return have, nil
}

// parseHaveLine parses one line of `p4 have` text output:
//
//	//depot/proj/a.txt#3 - /workspace/proj/a.txt
func parseHaveLine(line string) (string, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return "", false
	}
	fields := strings.SplitN(line, " - ", 2)
	depotRev := strings.TrimSpace(fields[0])
	hash := strings.LastIndexByte(depotRev, '#')
	if hash < 0 {
		return "", false
	}
	path := depotRev[:hash]
	rev, err := strconv.Atoi(depotRev[hash+1:])
	if err != nil {
		return "", false
	}
	return fmt.Sprintf("%s#%d", path, rev), true
}
