// Package source reads input segments and parses them into records.
package source

import (
	"bytes"
	"strconv"

	"mini-sort/internal/common"
	"mini-sort/internal/errno"
)

// ParseLine parses one raw input line. Surrounding whitespace is ignored and
// blank lines report blank=true with no error. Anything that is not a base-10
// int64 yields errno.ErrParse, which callers count and skip.
func ParseLine(raw []byte, origin common.Origin) (rec common.Record, blank bool, err error) {
	line := bytes.TrimSpace(raw)
	if len(line) == 0 {
		return common.Record{}, true, nil
	}
	v, perr := strconv.ParseInt(string(line), 10, 64)
	if perr != nil {
		return common.Record{}, false, errno.ErrParse.GenWithStackByArgs(truncate(line), origin.String())
	}
	return common.Record{Key: v, Origin: origin}, false, nil
}

const maxQuoted = 64

func truncate(b []byte) string {
	if len(b) <= maxQuoted {
		return string(b)
	}
	return string(b[:maxQuoted]) + "..."
}
