// Package fstat implements component A of o4: the FstatRecord wire codec.
// An FstatRecord is the universal currency of every pipeline stage — one
// line of metadata for a single path at a single changelist. The wire
// format, escaping rules, legacy normalization, and passthrough convention
// are defined here.
package fstat

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/o4sync/o4/pkg/o4errors"
)

// UseCL is the sentinel revision value meaning "use the changelist itself
// as the revision selector" (a "@<CL>" p4 path suffix rather than "#<rev>").
const UseCL = -1

// Flavor qualifies how a file's size/content should be interpreted when
// computing its checksum (component C).
type Flavor string

// The three recognized size-spec flavors.
const (
	FlavorNone    Flavor = ""
	FlavorUTF8    Flavor = "utf8"
	FlavorUTF16   Flavor = "utf16"
	FlavorSymlink Flavor = "symlink"
)

// ColumnsComment is the leading comment line written at the top of every
// FstatCacheFile.
const ColumnsComment = "# COLUMNS: F_CHANGELIST, F_PATH, F_REVISION, F_FILE_SIZE, F_CHECKSUM"

// Record is one immutable fstat record: a path's metadata as of a given
// changelist. Once constructed it must not be mutated — a
// record is owned by whichever stage holds it, and once emitted downstream
// the prior stage may not mutate it.
type Record struct {
	Changelist int
	Path       string
	Revision   int // non-negative, or UseCL
	Size       int64
	Flavor     Flavor
	Checksum   string // uppercase hex MD5, or "" for a delete
}

// IsDelete reports whether this record represents a delete (the file should
// not exist). A delete record always has
// Size == 0 (except when Flavor == FlavorSymlink, where the size suffix is
// preserved for diagnostic purposes despite the record being a delete).
func (r Record) IsDelete() bool {
	return r.Checksum == ""
}

// PassthroughLine is a decoded "#o4pass-<kind>#<message>" sideband record
// line. It is distinct from Record because it carries no fstat
// metadata at all and must be passed through every stage verbatim.
type PassthroughLine struct {
	Kind    string // "info", "warn", or "err"
	Message string
}

const passthroughPrefix = "#o4pass-"

// IsPassthrough reports whether line is a "#o4pass-*" control line and, if
// so, parses it.
func IsPassthrough(line string) (PassthroughLine, bool) {
	if !strings.HasPrefix(line, passthroughPrefix) {
		return PassthroughLine{}, false
	}
	rest := line[len(passthroughPrefix):]
	hash := strings.IndexByte(rest, '#')
	if hash < 0 {
		return PassthroughLine{}, false
	}
	return PassthroughLine{Kind: rest[:hash], Message: rest[hash+1:]}, true
}

// EncodePassthrough renders a PassthroughLine back to wire form.
func EncodePassthrough(p PassthroughLine) string {
	return passthroughPrefix + p.Kind + "#" + p.Message
}

// escapePath applies the wire escaping rules for the path field: "," becomes
// ";." and ";" becomes ";;". Order matters: semicolons already present in
// the source path must be doubled before commas are turned into ";.", or a
// comma-derived ";" would be doubled a second time.
func escapePath(path string) string {
	path = strings.ReplaceAll(path, ";", ";;")
	path = strings.ReplaceAll(path, ",", ";.")
	return path
}

// unescapePath reverses escapePath. It must undo the transformations in the
// opposite order from which they were applied.
func unescapePath(escaped string) string {
	var b strings.Builder
	b.Grow(len(escaped))
	for i := 0; i < len(escaped); i++ {
		if escaped[i] == ';' && i+1 < len(escaped) {
			switch escaped[i+1] {
			case '.':
				b.WriteByte(',')
				i++
				continue
			case ';':
				b.WriteByte(';')
				i++
				continue
			}
		}
		b.WriteByte(escaped[i])
	}
	return b.String()
}

func encodeSize(r Record) string {
	switch r.Flavor {
	case FlavorUTF8:
		return fmt.Sprintf("%d/utf8", r.Size)
	case FlavorUTF16:
		return fmt.Sprintf("%d/utf16", r.Size)
	case FlavorSymlink:
		return fmt.Sprintf("%d/symlink", r.Size)
	default:
		return strconv.FormatInt(r.Size, 10)
	}
}

func decodeSize(field string) (int64, Flavor, error) {
	parts := strings.SplitN(field, "/", 2)
	size, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, FlavorNone, errors.Wrap(err, "invalid size field")
	}
	if len(parts) == 1 {
		return size, FlavorNone, nil
	}
	switch parts[1] {
	case "utf8":
		return size, FlavorUTF8, nil
	case "utf16":
		return size, FlavorUTF16, nil
	case "symlink":
		return size, FlavorSymlink, nil
	default:
		return 0, FlavorNone, errors.Errorf("unrecognized size flavor %q", parts[1])
	}
}

func encodeRevision(rev int) string {
	if rev == UseCL {
		return "USECL"
	}
	return strconv.Itoa(rev)
}

func decodeRevision(field string) (int, error) {
	if field == "USECL" {
		return UseCL, nil
	}
	rev, err := strconv.Atoi(field)
	if err != nil {
		return 0, errors.Wrap(err, "invalid revision field")
	}
	return rev, nil
}

// Encode renders a Record to its 5-column wire form. The result contains no
// unescaped comma and no embedded newline.
func Encode(r Record) string {
	return fmt.Sprintf("%d,%s,%s,%s,%s",
		r.Changelist,
		escapePath(r.Path),
		encodeRevision(r.Revision),
		encodeSize(r),
		r.Checksum,
	)
}

// Decode parses one line of a pipeline or cache stream. It returns
// (nil, nil) for a comment/blank line (one starting with '#' that is not a
// passthrough line, or an empty line), and a non-nil error of type
// *o4errors.FstatMalformedError for anything that is neither a valid
// passthrough line nor a well-formed 5- or legacy-7-column record.
//
// Passthrough lines are returned as a *Record with a nil value and are
// instead reported to the caller via the returned PassthroughLine pointer,
// letting callers distinguish "nothing here" (nil, nil, nil) from "this is
// a control line, not a record" (nil, &pt, nil).
func Decode(line string) (*Record, *PassthroughLine, error) {
	if pt, ok := IsPassthrough(line); ok {
		return nil, &pt, nil
	}
	if line == "" || strings.HasPrefix(line, "#") {
		return nil, nil, nil
	}

	fields := strings.Split(line, ",")
	switch len(fields) {
	case 5:
		return decode5(fields, line)
	case 7:
		return decodeLegacy7(fields, line)
	default:
		return nil, nil, &o4errors.FstatMalformedError{Line: line}
	}
}

func decode5(fields []string, original string) (*Record, *PassthroughLine, error) {
	cl, err := strconv.Atoi(fields[0])
	if err != nil {
		return nil, nil, &o4errors.FstatMalformedError{Line: original}
	}
	rev, err := decodeRevision(fields[2])
	if err != nil {
		return nil, nil, &o4errors.FstatMalformedError{Line: original}
	}
	size, flavor, err := decodeSize(fields[3])
	if err != nil {
		return nil, nil, &o4errors.FstatMalformedError{Line: original}
	}
	return &Record{
		Changelist: cl,
		Path:       unescapePath(fields[1]),
		Revision:   rev,
		Size:       size,
		Flavor:     flavor,
		Checksum:   fields[4],
	}, nil, nil
}

// decodeLegacy7 parses the legacy 7-column format
// "CL,REV,SIZE,ACTION,TYPE,CHECKSUM,PATH", normalizing it to the
// current Record shape. The ACTION field isn't represented in the 5-column
// form directly; a "delete" action forces an empty checksum exactly as the
// 5-column delete convention requires, overriding any checksum the legacy
// record happened to carry (deleted files have no meaningful checksum).
func decodeLegacy7(fields []string, original string) (*Record, *PassthroughLine, error) {
	cl, err := strconv.Atoi(fields[0])
	if err != nil {
		return nil, nil, &o4errors.FstatMalformedError{Line: original}
	}
	rev, err := decodeRevision(fields[1])
	if err != nil {
		return nil, nil, &o4errors.FstatMalformedError{Line: original}
	}
	size, flavor, err := decodeSize(fields[2])
	if err != nil {
		return nil, nil, &o4errors.FstatMalformedError{Line: original}
	}
	action := fields[3]
	checksum := fields[5]
	if action == "delete" {
		checksum = ""
		size = 0
	}
	return &Record{
		Changelist: cl,
		Path:       unescapePath(fields[6]),
		Revision:   rev,
		Size:       size,
		Flavor:     flavor,
		Checksum:   checksum,
	}, nil, nil
}
