package route

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

var (
	segmentPattern     = regexp.MustCompile(`^[\w!\-.*'()]+$`)
	mimePatternPattern = regexp.MustCompile(`^(\*|\w+)/(\*|[-+.\w]+)$`)
)

// SegmentValid reports whether s can be used as a single path segment.
func SegmentValid(s string) bool {
	return segmentPattern.MatchString(s) && s != "." && s != ".."
}

// InvalidSegmentError is returned for a path segment that fails SegmentValid.
type InvalidSegmentError struct {
	Segment string
}

func (e *InvalidSegmentError) Error() string {
	return fmt.Sprintf("path part %s is not valid", e.Segment)
}

// JoinPath formats, trims and validates every segment and joins them under
// /{name}.
func JoinPath(name string, segments []any) (string, error) {
	var b strings.Builder
	b.WriteString("/")
	b.WriteString(name)
	for _, seg := range segments {
		s := strings.TrimSpace(fmt.Sprint(seg))
		if !SegmentValid(s) {
			return "", &InvalidSegmentError{Segment: fmt.Sprint(seg)}
		}
		b.WriteString("/")
		b.WriteString(s)
	}
	return b.String(), nil
}

// ValidatePath checks an absolute object path such as /avatars/u1/a.png
// segment by segment.
func ValidatePath(p string) error {
	if !strings.HasPrefix(p, "/") {
		return &InvalidSegmentError{Segment: p}
	}
	for _, seg := range strings.Split(p[1:], "/") {
		if !SegmentValid(seg) {
			return &InvalidSegmentError{Segment: seg}
		}
	}
	return nil
}

func validateMimePattern(p string) error {
	if !mimePatternPattern.MatchString(p) {
		return fmt.Errorf("invalid mime pattern %q", p)
	}
	if !doublestar.ValidatePattern(p) {
		return fmt.Errorf("invalid mime pattern %q", p)
	}
	return nil
}
