package directory

import (
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	// NameLength is the number of bytes reserved for the name.
	NameLength = 8
	// ExtensionLength is the number of bytes reserved for the
	// extension.
	ExtensionLength = 3

	forbiddenFilenameCharacters = "<>.,;:=?*[]"
)

// Filename of a file stored in a CP/M directory. Both components are
// stored without their space padding and without attribute bits.
type Filename struct {
	Name      string
	Extension string
}

// NewFilename converts a user provided name and extension to a
// Filename. Lowercase letters are converted to uppercase, as CP/M
// itself does when parsing command lines. Trailing spaces are removed,
// as they are indistinguishable from padding once stored.
func NewFilename(name, extension string) (Filename, error) {
	f := Filename{
		Name:      strings.ToUpper(strings.TrimRight(name, " ")),
		Extension: strings.ToUpper(strings.TrimRight(extension, " ")),
	}
	if len(f.Name) > NameLength {
		return Filename{}, status.Errorf(codes.InvalidArgument, "Name %#v is longer than %d characters", name, NameLength)
	}
	if len(f.Extension) > ExtensionLength {
		return Filename{}, status.Errorf(codes.InvalidArgument, "Extension %#v is longer than %d characters", extension, ExtensionLength)
	}
	if err := f.validate(); err != nil {
		return Filename{}, err
	}
	return f, nil
}

// MustNewFilename is identical to NewFilename, except that it panics
// when the filename is invalid.
func MustNewFilename(name, extension string) Filename {
	f, err := NewFilename(name, extension)
	if err != nil {
		panic(err)
	}
	return f
}

func (f Filename) validate() error {
	if strings.Trim(f.Name, " ") == "" {
		return status.Error(codes.InvalidArgument, "Filename has an empty name")
	}
	for _, component := range []string{f.Name, f.Extension} {
		for i := 0; i < len(component); i++ {
			if c := component[i]; c < 0x20 || c > 0x7e || strings.IndexByte(forbiddenFilenameCharacters, c) >= 0 {
				return status.Errorf(codes.InvalidArgument, "Filename %#v contains invalid character %#v", f.String(), string(rune(c)))
			}
		}
	}
	return nil
}

func (f Filename) String() string {
	if f.Extension == "" {
		return f.Name
	}
	return f.Name + "." + f.Extension
}
