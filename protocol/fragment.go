package protocol

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

const fragmentSep = ".part"

var ErrMalformedFragmentName = errors.New("malformed fragment name")

var indexRegexp = regexp.MustCompile("^[1-9][0-9]*$")

// FragmentName returns the name of the idx-th (1-based) fragment of the file.
func FragmentName(fileName string, idx int) string {
	return fileName + fragmentSep + strconv.Itoa(idx)
}

// FragmentPrefix is the common prefix of all fragment names of the file.
func FragmentPrefix(fileName string) string {
	return fileName + fragmentSep
}

// ParseFragmentName is the inverse of FragmentName. Index 0 is returned together
// with ErrMalformedFragmentName when the suffix is not a canonical positive number.
func ParseFragmentName(name string) (fileName string, idx int, err error) {
	pos := strings.LastIndex(name, fragmentSep)
	if pos <= 0 {
		return "", 0, fmt.Errorf("%q: %w", name, ErrMalformedFragmentName)
	}

	suffix := name[pos+len(fragmentSep):]
	if !indexRegexp.MatchString(suffix) {
		return "", 0, fmt.Errorf("%q: %w", name, ErrMalformedFragmentName)
	}

	idx, err = strconv.Atoi(suffix)
	if err != nil {
		return "", 0, fmt.Errorf("%q: %w", name, ErrMalformedFragmentName)
	}

	return name[0:pos], idx, nil
}

// IsFragmentOf reports whether name is a well-formed fragment of fileName.
func IsFragmentOf(name, fileName string) bool {
	f, _, err := ParseFragmentName(name)
	return err == nil && f == fileName
}

// IsValidFileName checks that the name can be used as a plain file name
// inside a storage directory. Hidden names are reserved for node internals.
func IsValidFileName(name string) bool {
	if name == "" || strings.HasPrefix(name, ".") {
		return false
	}

	if strings.ContainsAny(name, "/\\\x00") {
		return false
	}

	return true
}
